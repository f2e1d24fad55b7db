package execution

import (
	"time"

	"confluence-trader/internal/exchange"
	"confluence-trader/internal/planner"
	"confluence-trader/internal/risk"
	"confluence-trader/internal/trade"
)

// EntryStatus 描述一次进场尝试的终态。
type EntryStatus string

const (
	// EntryExecuted 进场成交且保护单已确认。
	EntryExecuted EntryStatus = "EXECUTED"
	// EntrySkipped 因黑名单、退避窗口或台账已有记录而未尝试下单。
	EntrySkipped EntryStatus = "SKIPPED"
	// EntryRejected 被仓位测算或价位规划以结构化原因拒绝。
	EntryRejected EntryStatus = "REJECTED"
	// EntryFailed 下单遭遇临时性错误，已登记退避。
	EntryFailed EntryStatus = "FAILED"
	// EntryFlattened 成交后保护单无法确认，已紧急平掉该仓位。
	EntryFlattened EntryStatus = "FLATTENED"
)

// EntryRequest 描述一次进场所需的完整上下文。
// PlanInput 的 Entry 为预估价，成交后会用真实均价重新规划保护价位。
type EntryRequest struct {
	Signal          trade.Signal
	PlanInput       planner.Input
	Equity          float64
	AvailableMargin float64
	Limits          exchange.MarketLimits
}

// EntryResult 为进场尝试的结果摘要。
type EntryResult struct {
	Status     EntryStatus
	Reason     string
	ReasonCode risk.ReasonCode
	Fill       exchange.OrderFill
	Quantity   float64
	Leverage   float64
	Plan       planner.Plan
	FinishedAt time.Time
}

// Executed 判断本次尝试是否以受保护的持仓收尾。
func (r EntryResult) Executed() bool {
	return r.Status == EntryExecuted
}
