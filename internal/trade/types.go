package trade

import "time"

// Direction 表示信号方向。
type Direction string

const (
	// DirectionLong 做多。
	DirectionLong Direction = "LONG"
	// DirectionShort 做空。
	DirectionShort Direction = "SHORT"
	// DirectionWait 观望，不携带任何价位信息。
	DirectionWait Direction = "WAIT"
)

// Actionable 判断方向是否可执行。
func (d Direction) Actionable() bool {
	return d == DirectionLong || d == DirectionShort
}

// Opposite 返回相反方向，WAIT 保持不变。
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	default:
		return DirectionWait
	}
}

// OrderSide 返回下单方向对应的买卖边。
func (d Direction) OrderSide() string {
	if d == DirectionShort {
		return "sell"
	}
	return "buy"
}

// CloseSide 返回平仓所需的买卖边。
func (d Direction) CloseSide() string {
	if d == DirectionLong {
		return "sell"
	}
	return "buy"
}

// ExitPlan 描述一笔交易的止损止盈方案。
type ExitPlan struct {
	Stop   float64
	Target float64
	RR     float64
}

// Signal 为确定性决策引擎的输出。WAIT 信号不携带价位。
type Signal struct {
	Symbol        string
	Timeframe     string
	Direction     Direction
	Confidence    float64
	LongScore     float64
	ShortScore    float64
	Entry         float64
	Stop          float64
	Target        float64
	RR            float64
	Leverage      float64
	Reasons       []string
	Invalidations []string
	Tags          []string
	GeneratedAt   time.Time
}
