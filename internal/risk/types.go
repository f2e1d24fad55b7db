package risk

// ReasonCode 为结构化的拒绝原因码，空值表示通过。
type ReasonCode string

const (
	// ReasonNone 表示未被拒绝。
	ReasonNone ReasonCode = ""
	// ReasonInvalidInput 入参非法（价格、净值等不可用）。
	ReasonInvalidInput ReasonCode = "INVALID_INPUT"
	// ReasonInvalidStop 止损距离为零或方向错误。
	ReasonInvalidStop ReasonCode = "INVALID_STOP"
	// ReasonCapitalInsufficient 账户净值低于最低可操作门槛。
	ReasonCapitalInsufficient ReasonCode = "CAPITAL_INSUFFICIENT"
	// ReasonMinNotionalUnreachable 即使用满杠杆也无法覆盖交易所最小名义价值。
	ReasonMinNotionalUnreachable ReasonCode = "MIN_NOTIONAL_UNREACHABLE"
	// ReasonMinExceedsRisk 交易所最小下单量隐含的风险超出预算。
	ReasonMinExceedsRisk ReasonCode = "MIN_EXCEEDS_RISK"
	// ReasonSuicidalRisk 最小下单量隐含的风险达到净值的九成以上。
	ReasonSuicidalRisk ReasonCode = "SUICIDAL_RISK"
	// ReasonRiskBudgetExceeded 精度取整后的实际风险超过预算。
	ReasonRiskBudgetExceeded ReasonCode = "RISK_BUDGET_EXCEEDED"
	// ReasonLeverageCapUnfit 在清算安全杠杆上限内无法容纳最小下单量。
	ReasonLeverageCapUnfit ReasonCode = "LEVERAGE_CAP_UNFIT"
	// ReasonBelowMinNotional 最终名义价值低于交易所下限。
	ReasonBelowMinNotional ReasonCode = "BELOW_MIN_NOTIONAL"
	// ReasonMarginInsufficient 所需保证金超过可用保证金。
	ReasonMarginInsufficient ReasonCode = "MARGIN_INSUFFICIENT"
)

// State 表示日内风险熔断器的状态，优先级从低到高。
type State string

const (
	// StateActive 允许开仓。
	StateActive State = "ACTIVE"
	// StateRiskPause 触发软阈值，冷却窗口内暂停开仓。
	StateRiskPause State = "RISK_PAUSE"
	// StateLocked 触发硬阈值或手动锁定，当日剩余时间禁止开仓。
	StateLocked State = "LOCKED"
	// StateEmergency 存在无法管理的持仓，需人工介入，优先级最高。
	StateEmergency State = "EMERGENCY"
)

// Verdict 为熔断器单次评估的结果。
type Verdict struct {
	State          State
	EntriesAllowed bool
	Reason         string
	TradingDate    string
	Baseline       float64
	Peak           float64
	PnLPct         float64
	DrawdownPct    float64
}
