package backtest

// Config 定义回放参数。
type Config struct {
	Symbol        string  // 交易对名称
	Timeframe     string  // K线周期
	Window        int     // 每次评估使用的K线窗口
	InitialEquity float64 // 初始净值
	RiskFraction  float64 // 单笔风险占净值比例
	PriceStep     float64 // 价格最小变动单位
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.Window <= 0 {
		cfg.Window = 120
	}
	if cfg.InitialEquity <= 0 {
		cfg.InitialEquity = 10000
	}
	if cfg.RiskFraction <= 0 {
		cfg.RiskFraction = 0.01
	}
	return cfg
}
