package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "confluence"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.state_dir", "data/state")

	v.SetDefault("exchange.name", "binanceusdm")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.retry.max_attempts", 5)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("scan.quote_currency", "USDT")
	v.SetDefault("scan.top_symbols", 8)
	v.SetDefault("scan.timeframe", "15m")
	v.SetDefault("scan.candle_limit", 200)
	v.SetDefault("scan.cycle_interval", "30s")
	v.SetDefault("scan.exclude", []string{})

	v.SetDefault("scoring.min_confidence", 60)
	v.SetDefault("scoring.min_gap", 6)
	v.SetDefault("scoring.pivot_window", 3)
	v.SetDefault("scoring.rsi_divergence_min", 2.0)
	v.SetDefault("scoring.fib_lookback", 60)
	v.SetDefault("scoring.volume_ratio_min", 1.5)

	v.SetDefault("planner.rr_min", 1.2)
	v.SetDefault("planner.rr_max", 5.0)
	v.SetDefault("planner.rr_target", 0)
	v.SetDefault("planner.structure_lookback", 50)
	v.SetDefault("planner.min_stop_pct", 0.003)
	v.SetDefault("planner.max_stop_pct", 0.025)
	v.SetDefault("planner.atr_buffer_mult", 0.35)
	v.SetDefault("planner.pct_buffer", 0.0015)

	v.SetDefault("risk.risk_per_trade", 0.01)
	v.SetDefault("risk.max_leverage", 20)
	v.SetDefault("risk.min_leverage", 1)
	v.SetDefault("risk.liq_buffer", 0.8)
	v.SetDefault("risk.utilization", 1.0)
	v.SetDefault("risk.equity_floor", 5.0)
	v.SetDefault("risk.small_account.enabled", true)
	v.SetDefault("risk.small_account.min_equity", 5.0)
	v.SetDefault("risk.small_account.max_equity", 250.0)
	v.SetDefault("risk.small_account.max_risk_frac", 0.90)
	v.SetDefault("risk.breaker.soft_loss_pct", 5.0)
	v.SetDefault("risk.breaker.hard_loss_pct", 8.0)
	v.SetDefault("risk.breaker.soft_drawdown_pct", 6.0)
	v.SetDefault("risk.breaker.hard_drawdown_pct", 10.0)
	v.SetDefault("risk.breaker.pause_cooldown", "30m")
	v.SetDefault("risk.breaker.loss_streak_limit", 4)
	v.SetDefault("risk.breaker.streak_pause", "45m")

	v.SetDefault("execution.verify_attempts", 3)
	v.SetDefault("execution.verify_delay", "1s")
	v.SetDefault("execution.backoff_base", "5s")
	v.SetDefault("execution.backoff_cap", "120s")
	v.SetDefault("execution.backoff_jitter", 0.15)

	v.SetDefault("guard.interval", "1s")

	v.SetDefault("advisory.enabled", false)
	v.SetDefault("advisory.base_url", "https://api.openai.com/v1")
	v.SetDefault("advisory.model", "gpt-4.1")
	v.SetDefault("advisory.timeout", "15s")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.listen_addr", "127.0.0.1:8787")

	v.SetDefault("heartbeat.path", "data/state/heartbeat.json")
	v.SetDefault("heartbeat.interval", "2s")

	v.SetDefault("watchdog.max_silence", "90s")
	v.SetDefault("watchdog.max_stall", "120s")
	v.SetDefault("watchdog.restart_pause", "10s")
	v.SetDefault("watchdog.state_path", "data/state/watchdog.json")

	v.SetDefault("database.path", "data/confluence.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
