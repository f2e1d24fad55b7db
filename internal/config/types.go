package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Advisory  AdvisoryConfig  `mapstructure:"advisory"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	StateDir    string `mapstructure:"state_dir"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ScanConfig 控制候选标的扫描与主循环节奏。
type ScanConfig struct {
	QuoteCurrency string        `mapstructure:"quote_currency"`
	TopSymbols    int           `mapstructure:"top_symbols"`
	Timeframe     string        `mapstructure:"timeframe"`
	CandleLimit   int           `mapstructure:"candle_limit"`
	CycleInterval time.Duration `mapstructure:"cycle_interval"`
	Exclude       []string      `mapstructure:"exclude"`
}

// ScoringConfig 控制合流打分引擎的阈值。
type ScoringConfig struct {
	MinConfidence    float64 `mapstructure:"min_confidence"`
	MinGap           float64 `mapstructure:"min_gap"`
	PivotWindow      int     `mapstructure:"pivot_window"`
	RSIDivergenceMin float64 `mapstructure:"rsi_divergence_min"`
	FibLookback      int     `mapstructure:"fib_lookback"`
	VolumeRatioMin   float64 `mapstructure:"volume_ratio_min"`
}

// PlannerConfig 控制止损止盈规划。
type PlannerConfig struct {
	RRMin             float64 `mapstructure:"rr_min"`
	RRMax             float64 `mapstructure:"rr_max"`
	RRTarget          float64 `mapstructure:"rr_target"`
	StructureLookback int     `mapstructure:"structure_lookback"`
	MinStopPct        float64 `mapstructure:"min_stop_pct"`
	MaxStopPct        float64 `mapstructure:"max_stop_pct"`
	ATRBufferMult     float64 `mapstructure:"atr_buffer_mult"`
	PctBuffer         float64 `mapstructure:"pct_buffer"`
}

// RiskConfig 管理仓位风险与熔断参数。
type RiskConfig struct {
	RiskPerTrade   float64            `mapstructure:"risk_per_trade"`
	MaxLeverage    float64            `mapstructure:"max_leverage"`
	MinLeverage    float64            `mapstructure:"min_leverage"`
	LiqBuffer      float64            `mapstructure:"liq_buffer"`
	Utilization    float64            `mapstructure:"utilization"`
	EquityFloor    float64            `mapstructure:"equity_floor"`
	SmallAccount   SmallAccountConfig `mapstructure:"small_account"`
	Breaker        BreakerConfig      `mapstructure:"breaker"`
}

// SmallAccountConfig 描述小资金账户的最小下单豁免策略。
type SmallAccountConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	MinEquity   float64 `mapstructure:"min_equity"`
	MaxEquity   float64 `mapstructure:"max_equity"`
	MaxRiskFrac float64 `mapstructure:"max_risk_frac"`
}

// BreakerConfig 控制日内风险熔断阈值。
type BreakerConfig struct {
	SoftLossPct     float64       `mapstructure:"soft_loss_pct"`
	HardLossPct     float64       `mapstructure:"hard_loss_pct"`
	SoftDrawdownPct float64       `mapstructure:"soft_drawdown_pct"`
	HardDrawdownPct float64       `mapstructure:"hard_drawdown_pct"`
	PauseCooldown   time.Duration `mapstructure:"pause_cooldown"`
	LossStreakLimit int           `mapstructure:"loss_streak_limit"`
	StreakPause     time.Duration `mapstructure:"streak_pause"`
}

// ExecutionConfig 控制下单与保护单验证行为。
type ExecutionConfig struct {
	VerifyAttempts int           `mapstructure:"verify_attempts"`
	VerifyDelay    time.Duration `mapstructure:"verify_delay"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
	BackoffJitter  float64       `mapstructure:"backoff_jitter"`
}

// GuardConfig 控制虚拟保护单巡检节奏。
type GuardConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// AdvisoryConfig 描述大模型点评服务参数。点评不参与任何交易决策。
type AdvisoryConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MonitorConfig 控制只读监控端点。
type MonitorConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// HeartbeatConfig 控制心跳文件发布。
type HeartbeatConfig struct {
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
}

// WatchdogConfig 控制看门狗进程的判定阈值。
type WatchdogConfig struct {
	MaxSilence   time.Duration `mapstructure:"max_silence"`
	MaxStall     time.Duration `mapstructure:"max_stall"`
	RestartPause time.Duration `mapstructure:"restart_pause"`
	StatePath    string        `mapstructure:"state_path"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.App.StateDir == "" {
		err = multierr.Append(err, errors.New("app.state_dir 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.Scan.QuoteCurrency == "" {
		err = multierr.Append(err, errors.New("scan.quote_currency 不能为空"))
	}
	if c.Scan.TopSymbols <= 0 {
		err = multierr.Append(err, errors.New("scan.top_symbols 必须大于0"))
	}
	if c.Scan.Timeframe == "" {
		err = multierr.Append(err, errors.New("scan.timeframe 不能为空"))
	}
	if c.Scan.CandleLimit < 60 {
		err = multierr.Append(err, errors.New("scan.candle_limit 不应小于60"))
	}
	if c.Scan.CycleInterval <= 0 {
		err = multierr.Append(err, errors.New("scan.cycle_interval 必须大于0"))
	}
	if c.Scoring.MinConfidence <= 0 || c.Scoring.MinConfidence > 100 {
		err = multierr.Append(err, errors.New("scoring.min_confidence 必须位于(0,100]"))
	}
	if c.Scoring.MinGap < 0 || c.Scoring.MinGap > 100 {
		err = multierr.Append(err, errors.New("scoring.min_gap 必须位于[0,100]"))
	}
	if c.Scoring.PivotWindow < 2 {
		err = multierr.Append(err, errors.New("scoring.pivot_window 不应小于2"))
	}
	if c.Scoring.FibLookback < 20 {
		err = multierr.Append(err, errors.New("scoring.fib_lookback 不应小于20"))
	}
	if c.Planner.RRMin < 1 {
		err = multierr.Append(err, errors.New("planner.rr_min 不应小于1"))
	}
	if c.Planner.RRMax < c.Planner.RRMin {
		err = multierr.Append(err, errors.New("planner.rr_max 不能小于 rr_min"))
	}
	if c.Planner.RRTarget != 0 && (c.Planner.RRTarget < c.Planner.RRMin || c.Planner.RRTarget > c.Planner.RRMax) {
		err = multierr.Append(err, errors.New("planner.rr_target 必须位于[rr_min,rr_max]或为0"))
	}
	if c.Planner.MinStopPct <= 0 || c.Planner.MaxStopPct <= 0 {
		err = multierr.Append(err, errors.New("planner.stop_pct 必须为正"))
	}
	if c.Planner.MinStopPct >= c.Planner.MaxStopPct {
		err = multierr.Append(err, errors.New("planner.min_stop_pct 必须小于 max_stop_pct"))
	}
	if c.Planner.StructureLookback < 10 {
		err = multierr.Append(err, errors.New("planner.structure_lookback 不应小于10"))
	}
	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade > 1 {
		err = multierr.Append(err, errors.New("risk.risk_per_trade 必须位于(0,1]"))
	}
	if c.Risk.MaxLeverage < 1 {
		err = multierr.Append(err, errors.New("risk.max_leverage 不应小于1"))
	}
	if c.Risk.MinLeverage < 1 || c.Risk.MinLeverage > c.Risk.MaxLeverage {
		err = multierr.Append(err, errors.New("risk.min_leverage 必须位于[1,max_leverage]"))
	}
	if c.Risk.LiqBuffer <= 0 || c.Risk.LiqBuffer >= 1 {
		err = multierr.Append(err, errors.New("risk.liq_buffer 必须位于(0,1)"))
	}
	if c.Risk.Utilization < 0.2 || c.Risk.Utilization > 1 {
		err = multierr.Append(err, errors.New("risk.utilization 必须位于[0.2,1]"))
	}
	if c.Risk.EquityFloor <= 0 {
		err = multierr.Append(err, errors.New("risk.equity_floor 必须为正"))
	}
	if c.Risk.SmallAccount.Enabled {
		if c.Risk.SmallAccount.MinEquity <= 0 || c.Risk.SmallAccount.MaxEquity <= c.Risk.SmallAccount.MinEquity {
			err = multierr.Append(err, errors.New("risk.small_account 区间非法"))
		}
		if c.Risk.SmallAccount.MaxRiskFrac <= 0 || c.Risk.SmallAccount.MaxRiskFrac >= 1 {
			err = multierr.Append(err, errors.New("risk.small_account.max_risk_frac 必须位于(0,1)"))
		}
	}
	if c.Risk.Breaker.SoftLossPct <= 0 || c.Risk.Breaker.HardLossPct <= 0 {
		err = multierr.Append(err, errors.New("risk.breaker.loss_pct 必须为正"))
	}
	if c.Risk.Breaker.SoftLossPct > c.Risk.Breaker.HardLossPct {
		err = multierr.Append(err, errors.New("risk.breaker.soft_loss_pct 不能大于 hard_loss_pct"))
	}
	if c.Risk.Breaker.SoftDrawdownPct <= 0 || c.Risk.Breaker.HardDrawdownPct <= 0 {
		err = multierr.Append(err, errors.New("risk.breaker.drawdown_pct 必须为正"))
	}
	if c.Risk.Breaker.SoftDrawdownPct > c.Risk.Breaker.HardDrawdownPct {
		err = multierr.Append(err, errors.New("risk.breaker.soft_drawdown_pct 不能大于 hard_drawdown_pct"))
	}
	if c.Risk.Breaker.PauseCooldown <= 0 {
		err = multierr.Append(err, errors.New("risk.breaker.pause_cooldown 必须大于0"))
	}
	if c.Risk.Breaker.LossStreakLimit < 0 {
		err = multierr.Append(err, errors.New("risk.breaker.loss_streak_limit 不能为负"))
	}
	if c.Execution.VerifyAttempts <= 0 {
		err = multierr.Append(err, errors.New("execution.verify_attempts 必须大于0"))
	}
	if c.Execution.VerifyDelay <= 0 {
		err = multierr.Append(err, errors.New("execution.verify_delay 必须大于0"))
	}
	if c.Execution.BackoffBase <= 0 || c.Execution.BackoffCap <= 0 {
		err = multierr.Append(err, errors.New("execution.backoff 必须为正"))
	}
	if c.Execution.BackoffBase > c.Execution.BackoffCap {
		err = multierr.Append(err, errors.New("execution.backoff_base 不能大于 backoff_cap"))
	}
	if c.Execution.BackoffJitter < 0 || c.Execution.BackoffJitter > 0.5 {
		err = multierr.Append(err, errors.New("execution.backoff_jitter 必须位于[0,0.5]"))
	}
	if c.Guard.Interval <= 0 {
		err = multierr.Append(err, errors.New("guard.interval 必须大于0"))
	}
	if c.Advisory.Enabled {
		if c.Advisory.APIKey == "" {
			err = multierr.Append(err, errors.New("advisory.api_key 不能为空"))
		}
		if c.Advisory.Model == "" {
			err = multierr.Append(err, errors.New("advisory.model 不能为空"))
		}
		if c.Advisory.Timeout <= 0 {
			err = multierr.Append(err, errors.New("advisory.timeout 必须大于0"))
		}
	}
	if c.Monitor.Enabled && c.Monitor.ListenAddr == "" {
		err = multierr.Append(err, errors.New("monitor.listen_addr 不能为空"))
	}
	if c.Heartbeat.Path == "" {
		err = multierr.Append(err, errors.New("heartbeat.path 不能为空"))
	}
	if c.Heartbeat.Interval <= 0 {
		err = multierr.Append(err, errors.New("heartbeat.interval 必须大于0"))
	}
	if c.Watchdog.MaxSilence <= 0 || c.Watchdog.MaxStall <= 0 {
		err = multierr.Append(err, errors.New("watchdog 阈值必须为正"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
