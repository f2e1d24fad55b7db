package fib

import (
	"fmt"
	"math"

	"confluence-trader/internal/indicator"
)

// SwingDirection 表示主导波段方向。
type SwingDirection string

const (
	// SwingBullish 低点在前、高点在后的上行波段。
	SwingBullish SwingDirection = "BULLISH"
	// SwingBearish 高点在前、低点在后的下行波段。
	SwingBearish SwingDirection = "BEARISH"
)

// Swing 表示回看窗口内的主导波段。
type Swing struct {
	LowIdx    int
	Low       float64
	HighIdx   int
	High      float64
	Direction SwingDirection
}

// Level 表示一个命名的斐波那契价位。
type Level struct {
	Name  string
	Price float64
}

var (
	retracementRatios = []float64{0.236, 0.382, 0.5, 0.618, 0.786}
	extensionRatios   = []float64{1.272, 1.618, 2.0, 2.618}
)

// DetectSwing 在最近 lookback 根K线中寻找主导波段。
// 数据不足或波段退化（高点不高于低点）时返回 false。
func DetectSwing(series indicator.Series, lookback int) (Swing, bool) {
	n := series.Len()
	if n < 30 {
		return Swing{}, false
	}
	if lookback > n {
		lookback = n
	}

	offset := n - lookback
	highIdx, lowIdx := offset, offset
	for i := offset; i < n; i++ {
		if series.High[i] > series.High[highIdx] {
			highIdx = i
		}
		if series.Low[i] < series.Low[lowIdx] {
			lowIdx = i
		}
	}

	swing := Swing{
		LowIdx:  lowIdx,
		Low:     series.Low[lowIdx],
		HighIdx: highIdx,
		High:    series.High[highIdx],
	}
	if swing.High <= swing.Low {
		return Swing{}, false
	}

	if highIdx > lowIdx {
		swing.Direction = SwingBullish
	} else {
		swing.Direction = SwingBearish
	}

	return swing, true
}

// Retracements 返回经典回撤位。
// 上行波段：位于高点下方的回调区；下行波段：位于低点上方的反弹区。
func Retracements(swing Swing) []Level {
	r := swing.High - swing.Low
	if r <= 0 {
		return nil
	}

	levels := make([]Level, 0, len(retracementRatios))
	for _, k := range retracementRatios {
		price := swing.Low + r*k
		if swing.Direction == SwingBullish {
			price = swing.High - r*k
		}
		levels = append(levels, Level{Name: fmt.Sprintf("%.3f", k), Price: price})
	}
	return levels
}

// Extensions 返回波段延伸位，作为止盈候选。
func Extensions(swing Swing) []Level {
	r := swing.High - swing.Low
	if r <= 0 {
		return nil
	}

	levels := make([]Level, 0, len(extensionRatios))
	for _, k := range extensionRatios {
		price := swing.High - r*k
		if swing.Direction == SwingBullish {
			price = swing.Low + r*k
		}
		levels = append(levels, Level{Name: fmt.Sprintf("EXT_%.3f", k), Price: price})
	}
	return levels
}

// Nearest 返回绝对容差内距离给定价格最近的价位。
func Nearest(price float64, levels []Level, tolAbs float64) (Level, bool) {
	if tolAbs <= 0 || len(levels) == 0 {
		return Level{}, false
	}

	var best Level
	bestDist := math.Inf(1)
	for _, level := range levels {
		d := math.Abs(price - level.Price)
		if d <= tolAbs && d < bestDist {
			best = level
			bestDist = d
		}
	}
	if math.IsInf(bestDist, 1) {
		return Level{}, false
	}
	return best, true
}

// ToleranceFromATR 基于 ATR 计算"接近价位"的绝对容差。
// ATR 无效时返回0，由调用方退化为价格比例容差。
func ToleranceFromATR(atr, multiplier float64) float64 {
	if atr <= 0 {
		return 0
	}
	return atr * math.Max(0.05, multiplier)
}
