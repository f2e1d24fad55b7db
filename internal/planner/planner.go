package planner

import (
	"errors"
	"fmt"
	"math"

	"confluence-trader/internal/config"
	"confluence-trader/internal/indicator"
	"confluence-trader/internal/trade"
)

var (
	// ErrInvalidPrice 表示入场价无效。
	ErrInvalidPrice = errors.New("planner: 入场价无效")
	// ErrInvalidLevels 表示止损止盈与方向矛盾。
	ErrInvalidLevels = errors.New("planner: 止损止盈价位非法")
)

// Plan 为止损止盈规划结果。
type Plan struct {
	Stop         float64
	Target       float64
	RR           float64
	StopDistance float64
	ATRPct       float64
}

// Input 描述一次规划所需的市场上下文。
type Input struct {
	Symbol     string
	Direction  trade.Direction
	Entry      float64
	ATR        float64
	Confidence float64
	Series     indicator.Series
	PriceStep  float64
}

// Planner 按结构位与动态盈亏比生成保护价位。
type Planner struct {
	cfg config.PlannerConfig
}

// New 创建规划器。
func New(cfg config.PlannerConfig) *Planner {
	return &Planner{cfg: cfg}
}

// Build 生成止损止盈方案。
// 流程：动态RR → 结构止损+ATR缓冲 → 止损距离带约束 → RR止盈并向结构/延伸位收敛 → 方向校验。
func (p *Planner) Build(in Input) (Plan, error) {
	if in.Entry <= 0 {
		return Plan{}, ErrInvalidPrice
	}
	if !in.Direction.Actionable() {
		return Plan{}, fmt.Errorf("planner: 方向 %s 不可规划", in.Direction)
	}

	atrPct := 0.0
	if in.ATR > 0 {
		atrPct = in.ATR / in.Entry * 100
	}

	rr := p.cfg.RRTarget
	if rr <= 0 {
		rr = dynamicRR(in.Confidence, atrPct, p.cfg.RRMin, p.cfg.RRMax)
	}
	rr = clamp(rr, p.cfg.RRMin, p.cfg.RRMax)

	stop, ok := p.structuralStop(in)
	if !ok {
		stop = p.fallbackStop(in)
	}

	// 止损距离约束在配置带 [MinStopPct, MaxStopPct] 内。
	dist := math.Abs(in.Entry - stop)
	distPct := dist / in.Entry
	if distPct < p.cfg.MinStopPct {
		dist = in.Entry * p.cfg.MinStopPct
		stop = applyDistance(in.Direction, in.Entry, dist)
	}
	if distPct > p.cfg.MaxStopPct {
		dist = in.Entry * p.cfg.MaxStopPct
		stop = applyDistance(in.Direction, in.Entry, dist)
	}

	target := p.targetWithConfluence(in, dist, rr)

	if in.Direction == trade.DirectionLong && (stop >= in.Entry || target <= in.Entry) {
		return Plan{}, ErrInvalidLevels
	}
	if in.Direction == trade.DirectionShort && (stop <= in.Entry || target >= in.Entry) {
		return Plan{}, ErrInvalidLevels
	}

	stop = roundPrice(stop, in.Entry, in.PriceStep)
	target = roundPrice(target, in.Entry, in.PriceStep)

	return Plan{
		Stop:         stop,
		Target:       target,
		RR:           math.Round(rr*100) / 100,
		StopDistance: math.Abs(in.Entry - stop),
		ATRPct:       atrPct,
	}, nil
}

// dynamicRR 按信号置信度分层，极端波动下回缩。
func dynamicRR(confidence, atrPct, rrMin, rrMax float64) float64 {
	var rr float64
	switch {
	case confidence >= 90:
		rr = 3.5
	case confidence >= 85:
		rr = 3.0
	case confidence >= 75:
		rr = 2.2
	case confidence >= 65:
		rr = 1.7
	default:
		rr = rrMin
	}

	if atrPct >= 3.0 {
		rr *= 0.90
	}
	if atrPct >= 5.0 {
		rr *= 0.85
	}

	return clamp(rr, rrMin, rrMax)
}

// structuralStop 用最近结构极值（多头看最低点，空头看最高点）加缓冲生成止损。
func (p *Planner) structuralStop(in Input) (float64, bool) {
	n := in.Series.Len()
	if n < 30 {
		return 0, false
	}

	start := n - p.cfg.StructureLookback
	if start < 0 {
		start = 0
	}

	swingLow := in.Series.Low[start]
	swingHigh := in.Series.High[start]
	for i := start + 1; i < n; i++ {
		swingLow = math.Min(swingLow, in.Series.Low[i])
		swingHigh = math.Max(swingHigh, in.Series.High[i])
	}

	buffer := math.Max(in.ATR*p.cfg.ATRBufferMult, in.Entry*p.cfg.PctBuffer)

	if in.Direction == trade.DirectionLong {
		return swingLow - buffer, true
	}
	return swingHigh + buffer, true
}

// fallbackStop 在结构数据不足时按 ATR 倍数（或1.5%）推算止损距离。
func (p *Planner) fallbackStop(in Input) float64 {
	var dist float64
	if in.ATR <= 0 {
		dist = in.Entry * 0.015
	} else {
		var k float64
		switch {
		case in.Confidence >= 85:
			k = 1.0
		case in.Confidence >= 70:
			k = 1.5
		case in.Confidence >= 60:
			k = 2.0
		default:
			k = 2.5
		}
		dist = in.ATR * k
	}
	return applyDistance(in.Direction, in.Entry, dist)
}

// targetWithConfluence 先按RR推算止盈，再向带内最近的结构位或斐波那契延伸位收敛。
func (p *Planner) targetWithConfluence(in Input, dist, rr float64) float64 {
	sign := 1.0
	if in.Direction == trade.DirectionShort {
		sign = -1.0
	}

	tpRR := in.Entry + sign*dist*rr
	tpMin := in.Entry + sign*dist*p.cfg.RRMin
	tpMax := in.Entry + sign*dist*p.cfg.RRMax

	n := in.Series.Len()
	if n < 30 {
		return tpRR
	}

	start := n - p.cfg.StructureLookback
	if start < 0 {
		start = 0
	}
	swingLow := in.Series.Low[start]
	swingHigh := in.Series.High[start]
	for i := start + 1; i < n; i++ {
		swingLow = math.Min(swingLow, in.Series.Low[i])
		swingHigh = math.Max(swingHigh, in.Series.High[i])
	}
	swingRange := swingHigh - swingLow
	if swingRange <= 0 {
		return tpRR
	}

	var candidates []float64
	extensions := []float64{1.272, 1.618, 2.0, 2.618}
	if in.Direction == trade.DirectionLong {
		if swingHigh > in.Entry {
			candidates = append(candidates, swingHigh)
		}
		for _, k := range extensions {
			candidates = append(candidates, swingLow+swingRange*k)
		}
	} else {
		if swingLow < in.Entry {
			candidates = append(candidates, swingLow)
		}
		for _, k := range extensions {
			candidates = append(candidates, swingHigh-swingRange*k)
		}
	}

	inBand := func(x float64) bool {
		if in.Direction == trade.DirectionLong {
			return x >= tpMin && x <= tpMax && x > in.Entry
		}
		return x <= tpMin && x >= tpMax && x < in.Entry
	}

	best := tpRR
	bestDist := math.Inf(1)
	found := false
	for _, c := range candidates {
		if !inBand(c) {
			continue
		}
		if d := math.Abs(c - tpRR); d < bestDist {
			best = c
			bestDist = d
			found = true
		}
	}
	if !found {
		return tpRR
	}
	return best
}

func applyDistance(direction trade.Direction, entry, dist float64) float64 {
	if direction == trade.DirectionLong {
		return entry - dist
	}
	return entry + dist
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// roundPrice 按交易对价格步长取整；未知步长时按价格量级推断小数位。
func roundPrice(price, entry, step float64) float64 {
	if step > 0 {
		return math.Round(price/step) * step
	}

	var decimals int
	switch {
	case entry < 0.01:
		decimals = 7
	case entry < 1.0:
		decimals = 5
	case entry < 100:
		decimals = 3
	default:
		decimals = 2
	}
	factor := math.Pow(10, float64(decimals))
	return math.Round(price*factor) / factor
}
