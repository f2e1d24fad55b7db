package pattern

import (
	"math"

	"confluence-trader/internal/indicator"
	"confluence-trader/internal/trade"
)

// Kind 标识形态类型。
type Kind string

const (
	KindDoubleTop            Kind = "DOUBLE_TOP"
	KindDoubleBottom         Kind = "DOUBLE_BOTTOM"
	KindTripleTop            Kind = "TRIPLE_TOP"
	KindTripleBottom         Kind = "TRIPLE_BOTTOM"
	KindHeadShoulders        Kind = "HEAD_SHOULDERS"
	KindInverseHeadShoulders Kind = "INVERSE_HEAD_SHOULDERS"
	KindAscendingTriangle    Kind = "ASCENDING_TRIANGLE"
	KindDescendingTriangle   Kind = "DESCENDING_TRIANGLE"
	KindSymmetricTriangle    Kind = "SYMMETRIC_TRIANGLE"
	KindRectangle            Kind = "RECTANGLE"
	KindRisingWedge          Kind = "RISING_WEDGE"
	KindFallingWedge         Kind = "FALLING_WEDGE"
	KindBullFlag             Kind = "BULL_FLAG"
	KindBearFlag             Kind = "BEAR_FLAG"
)

// Match 表示一次形态识别结果。
// Reference 为颈线或突破参考位，Breakout 表示收盘价是否已突破。
type Match struct {
	Kind      Kind
	Direction trade.Direction
	Strength  float64
	Reference float64
	Breakout  bool
}

// Detector 基于枢轴点识别图表形态。
type Detector struct {
	pivotWindow int
}

// NewDetector 创建形态识别器。窗口过小时回退为2。
func NewDetector(pivotWindow int) *Detector {
	if pivotWindow < 2 {
		pivotWindow = 2
	}
	return &Detector{pivotWindow: pivotWindow}
}

// Detect 在序列上运行全部识别器，返回最优形态。
// 排序偏好：强度高者优先，可执行方向（LONG/SHORT）比观望额外加 0.08。
func (d *Detector) Detect(series indicator.Series, atr float64) (Match, bool) {
	detectors := []func(indicator.Series, float64) (Match, bool){
		d.detectHeadShoulders,
		d.detectTriple,
		d.detectDouble,
		d.detectAscDescTriangle,
		d.detectSymmetricTriangle,
		d.detectRectangle,
		d.detectWedge,
		d.detectFlag,
	}

	var best Match
	found := false
	bestRank := math.Inf(-1)
	for _, detect := range detectors {
		match, ok := detect(series, atr)
		if !ok {
			continue
		}
		rank := match.Strength
		if match.Direction.Actionable() {
			rank += 0.08
		}
		if rank > bestRank {
			best = match
			bestRank = rank
			found = true
		}
	}

	return best, found
}

func (d *Detector) pivots(series indicator.Series) (highs, lows []int) {
	return Pivots(series, d.pivotWindow)
}

// Pivots 返回枢轴高点与枢轴低点的索引。
// 枢轴定义为 ±window 范围内的局部极值；数据不足（< 2*窗口+10）时返回空。
func Pivots(series indicator.Series, window int) (highs, lows []int) {
	w := window
	if w < 2 {
		w = 2
	}
	n := series.Len()
	if n < w*2+10 {
		return nil, nil
	}

	for i := w; i < n-w; i++ {
		isHigh := true
		isLow := true
		for j := i - w; j <= i+w; j++ {
			if series.High[j] > series.High[i] {
				isHigh = false
			}
			if series.Low[j] < series.Low[i] {
				isLow = false
			}
			if !isHigh && !isLow {
				break
			}
		}
		if isHigh {
			highs = append(highs, i)
		}
		if isLow {
			lows = append(lows, i)
		}
	}

	return highs, lows
}

// tolerance 计算两个枢轴视为"相等"的容差。
// 优先使用绝对容差（通常为 ATR 的倍数），否则退化为价格比例。
func tolerance(tolAbs, price, tolPct float64) float64 {
	if tolAbs > 0 {
		return tolAbs
	}
	return math.Abs(price) * tolPct
}

func (d *Detector) detectDouble(series indicator.Series, atr float64) (Match, bool) {
	highs, lows := d.pivots(series)
	if len(highs) < 2 && len(lows) < 2 {
		return Match{}, false
	}

	closePrice := indicator.Last(series.Close)
	tol := tolerance(atr*0.6, closePrice, 0.004)

	if len(highs) >= 2 {
		a, b := highs[len(highs)-2], highs[len(highs)-1]
		pa, pb := series.High[a], series.High[b]
		if math.Abs(pa-pb) <= tol {
			neckline := minRange(series.Low, a, b)
			breakout := closePrice < neckline
			strength := 0.75
			if breakout {
				strength += 0.15
			}
			return Match{
				Kind:      KindDoubleTop,
				Direction: trade.DirectionShort,
				Strength:  math.Min(1.0, strength),
				Reference: neckline,
				Breakout:  breakout,
			}, true
		}
	}

	if len(lows) >= 2 {
		a, b := lows[len(lows)-2], lows[len(lows)-1]
		pa, pb := series.Low[a], series.Low[b]
		if math.Abs(pa-pb) <= tol {
			neckline := maxRange(series.High, a, b)
			breakout := closePrice > neckline
			strength := 0.75
			if breakout {
				strength += 0.15
			}
			return Match{
				Kind:      KindDoubleBottom,
				Direction: trade.DirectionLong,
				Strength:  math.Min(1.0, strength),
				Reference: neckline,
				Breakout:  breakout,
			}, true
		}
	}

	return Match{}, false
}

func (d *Detector) detectHeadShoulders(series indicator.Series, atr float64) (Match, bool) {
	highs, lows := d.pivots(series)
	closePrice := indicator.Last(series.Close)
	tol := tolerance(atr*0.7, closePrice, 0.005)

	if len(highs) >= 3 {
		i1, i2, i3 := highs[len(highs)-3], highs[len(highs)-2], highs[len(highs)-1]
		p1, p2, p3 := series.High[i1], series.High[i2], series.High[i3]
		shouldersEqual := math.Abs(p1-p3) <= tol
		headHigher := p2 > p1+tol*0.5 && p2 > p3+tol*0.5
		if shouldersEqual && headHigher {
			neckline := math.Min(minRange(series.Low, i1, i2), minRange(series.Low, i2, i3))
			breakout := closePrice < neckline
			strength := 0.8
			if breakout {
				strength += 0.15
			}
			return Match{
				Kind:      KindHeadShoulders,
				Direction: trade.DirectionShort,
				Strength:  math.Min(1.0, strength),
				Reference: neckline,
				Breakout:  breakout,
			}, true
		}
	}

	if len(lows) >= 3 {
		i1, i2, i3 := lows[len(lows)-3], lows[len(lows)-2], lows[len(lows)-1]
		p1, p2, p3 := series.Low[i1], series.Low[i2], series.Low[i3]
		shouldersEqual := math.Abs(p1-p3) <= tol
		headLower := p2 < p1-tol*0.5 && p2 < p3-tol*0.5
		if shouldersEqual && headLower {
			neckline := math.Max(maxRange(series.High, i1, i2), maxRange(series.High, i2, i3))
			breakout := closePrice > neckline
			strength := 0.8
			if breakout {
				strength += 0.15
			}
			return Match{
				Kind:      KindInverseHeadShoulders,
				Direction: trade.DirectionLong,
				Strength:  math.Min(1.0, strength),
				Reference: neckline,
				Breakout:  breakout,
			}, true
		}
	}

	return Match{}, false
}

func (d *Detector) detectTriple(series indicator.Series, atr float64) (Match, bool) {
	highs, lows := d.pivots(series)
	if len(highs) < 3 && len(lows) < 3 {
		return Match{}, false
	}

	closePrice := indicator.Last(series.Close)
	tol := tolerance(atr*0.65, closePrice, 0.004)

	if len(highs) >= 3 {
		a, b, c := highs[len(highs)-3], highs[len(highs)-2], highs[len(highs)-1]
		pa, pb, pc := series.High[a], series.High[b], series.High[c]
		if maxOf3(pa, pb, pc)-minOf3(pa, pb, pc) <= tol {
			neckline := minRange(series.Low, a, c)
			breakout := closePrice < neckline
			strength := 0.78
			if breakout {
				strength += 0.15
			}
			return Match{
				Kind:      KindTripleTop,
				Direction: trade.DirectionShort,
				Strength:  math.Min(1.0, strength),
				Reference: neckline,
				Breakout:  breakout,
			}, true
		}
	}

	if len(lows) >= 3 {
		a, b, c := lows[len(lows)-3], lows[len(lows)-2], lows[len(lows)-1]
		pa, pb, pc := series.Low[a], series.Low[b], series.Low[c]
		if maxOf3(pa, pb, pc)-minOf3(pa, pb, pc) <= tol {
			neckline := maxRange(series.High, a, c)
			breakout := closePrice > neckline
			strength := 0.78
			if breakout {
				strength += 0.15
			}
			return Match{
				Kind:      KindTripleBottom,
				Direction: trade.DirectionLong,
				Strength:  math.Min(1.0, strength),
				Reference: neckline,
				Breakout:  breakout,
			}, true
		}
	}

	return Match{}, false
}

func (d *Detector) detectAscDescTriangle(series indicator.Series, atr float64) (Match, bool) {
	highs, lows := d.pivots(series)
	if len(highs) < 3 || len(lows) < 3 {
		return Match{}, false
	}

	closePrice := indicator.Last(series.Close)
	tol := tolerance(atr*0.55, closePrice, 0.004)

	hiPrices := lastPrices(series.High, highs, 3)
	loPrices := lastPrices(series.Low, lows, 3)

	highsEqual := maxOf3(hiPrices[0], hiPrices[1], hiPrices[2])-minOf3(hiPrices[0], hiPrices[1], hiPrices[2]) <= tol
	lowsEqual := maxOf3(loPrices[0], loPrices[1], loPrices[2])-minOf3(loPrices[0], loPrices[1], loPrices[2]) <= tol
	lowsRising := loPrices[0] < loPrices[1] && loPrices[1] < loPrices[2]
	highsFalling := hiPrices[0] > hiPrices[1] && hiPrices[1] > hiPrices[2]

	resistance := (hiPrices[0] + hiPrices[1] + hiPrices[2]) / 3
	support := (loPrices[0] + loPrices[1] + loPrices[2]) / 3

	if highsEqual && lowsRising {
		switch {
		case closePrice > resistance:
			return Match{Kind: KindAscendingTriangle, Direction: trade.DirectionLong, Strength: 0.78, Reference: resistance, Breakout: true}, true
		case closePrice < loPrices[2]:
			return Match{Kind: KindAscendingTriangle, Direction: trade.DirectionShort, Strength: 0.70, Reference: resistance, Breakout: true}, true
		default:
			return Match{Kind: KindAscendingTriangle, Direction: trade.DirectionWait, Strength: 0.55, Reference: resistance}, true
		}
	}

	if lowsEqual && highsFalling {
		switch {
		case closePrice < support:
			return Match{Kind: KindDescendingTriangle, Direction: trade.DirectionShort, Strength: 0.78, Reference: support, Breakout: true}, true
		case closePrice > hiPrices[2]:
			return Match{Kind: KindDescendingTriangle, Direction: trade.DirectionLong, Strength: 0.70, Reference: support, Breakout: true}, true
		default:
			return Match{Kind: KindDescendingTriangle, Direction: trade.DirectionWait, Strength: 0.55, Reference: support}, true
		}
	}

	return Match{}, false
}

func (d *Detector) detectSymmetricTriangle(series indicator.Series, _ float64) (Match, bool) {
	highs, lows := d.pivots(series)
	if len(highs) < 3 || len(lows) < 3 {
		return Match{}, false
	}

	hiPrices := lastPrices(series.High, highs, 3)
	loPrices := lastPrices(series.Low, lows, 3)

	highsFalling := hiPrices[0] > hiPrices[1] && hiPrices[1] > hiPrices[2]
	lowsRising := loPrices[0] < loPrices[1] && loPrices[1] < loPrices[2]
	if !highsFalling || !lowsRising {
		return Match{}, false
	}

	closePrice := indicator.Last(series.Close)
	switch {
	case closePrice > hiPrices[2]:
		return Match{Kind: KindSymmetricTriangle, Direction: trade.DirectionLong, Strength: 0.9, Reference: hiPrices[2], Breakout: true}, true
	case closePrice < loPrices[2]:
		return Match{Kind: KindSymmetricTriangle, Direction: trade.DirectionShort, Strength: 0.9, Reference: loPrices[2], Breakout: true}, true
	default:
		return Match{Kind: KindSymmetricTriangle, Direction: trade.DirectionWait, Strength: 0.55, Reference: hiPrices[2]}, true
	}
}

func (d *Detector) detectRectangle(series indicator.Series, atr float64) (Match, bool) {
	highs, lows := d.pivots(series)
	if len(highs) < 2 || len(lows) < 2 {
		return Match{}, false
	}

	closePrice := indicator.Last(series.Close)
	tol := tolerance(atr*0.55, closePrice, 0.004)

	hiPrices := lastPrices(series.High, highs, 2)
	loPrices := lastPrices(series.Low, lows, 2)

	highsOK := math.Abs(hiPrices[0]-hiPrices[1]) <= tol
	lowsOK := math.Abs(loPrices[0]-loPrices[1]) <= tol
	if !highsOK || !lowsOK {
		return Match{}, false
	}

	top := (hiPrices[0] + hiPrices[1]) / 2
	bottom := (loPrices[0] + loPrices[1]) / 2
	if bottom <= 0 || top <= bottom {
		return Match{}, false
	}

	switch {
	case closePrice > top:
		return Match{Kind: KindRectangle, Direction: trade.DirectionLong, Strength: 0.72, Reference: top, Breakout: true}, true
	case closePrice < bottom:
		return Match{Kind: KindRectangle, Direction: trade.DirectionShort, Strength: 0.72, Reference: bottom, Breakout: true}, true
	default:
		return Match{Kind: KindRectangle, Direction: trade.DirectionWait, Strength: 0.50, Reference: top}, true
	}
}

func (d *Detector) detectWedge(series indicator.Series, _ float64) (Match, bool) {
	highs, lows := d.pivots(series)
	if len(highs) < 3 || len(lows) < 3 {
		return Match{}, false
	}

	hiPrices := lastPrices(series.High, highs, 3)
	loPrices := lastPrices(series.Low, lows, 3)

	range0 := hiPrices[0] - loPrices[0]
	range2 := hiPrices[2] - loPrices[2]
	if range0 <= 0 {
		return Match{}, false
	}

	narrowing := range2 < range0*0.85
	closePrice := indicator.Last(series.Close)

	highsRising := hiPrices[0] < hiPrices[1] && hiPrices[1] < hiPrices[2]
	lowsRising := loPrices[0] < loPrices[1] && loPrices[1] < loPrices[2]
	highsFalling := hiPrices[0] > hiPrices[1] && hiPrices[1] > hiPrices[2]
	lowsFalling := loPrices[0] > loPrices[1] && loPrices[1] > loPrices[2]

	if narrowing && highsRising && lowsRising {
		breakout := closePrice < loPrices[2]
		strength := 0.62
		direction := trade.DirectionWait
		if breakout {
			strength += 0.20
			direction = trade.DirectionShort
		}
		return Match{
			Kind:      KindRisingWedge,
			Direction: direction,
			Strength:  math.Min(1.0, strength),
			Reference: loPrices[2],
			Breakout:  breakout,
		}, true
	}

	if narrowing && highsFalling && lowsFalling {
		breakout := closePrice > hiPrices[2]
		strength := 0.62
		direction := trade.DirectionWait
		if breakout {
			strength += 0.20
			direction = trade.DirectionLong
		}
		return Match{
			Kind:      KindFallingWedge,
			Direction: direction,
			Strength:  math.Min(1.0, strength),
			Reference: hiPrices[2],
			Breakout:  breakout,
		}, true
	}

	return Match{}, false
}

// detectFlag 识别旗形：强冲击后的短暂盘整并突破盘整区间。
func (d *Detector) detectFlag(series indicator.Series, atr float64) (Match, bool) {
	n := series.Len()
	if n < 40 || atr <= 0 {
		return Match{}, false
	}

	impulse := 0.0
	for i := n - 30; i < n-10; i++ {
		if r := series.High[i] - series.Low[i]; r > impulse {
			impulse = r
		}
	}
	if impulse < 2.0*atr {
		return Match{}, false
	}

	// 盘整区间止于倒数第二根，最后一根为突破K线，
	// 否则收盘价永远落在自身K线的高低点之内。
	var rangeSum float64
	consHigh := math.Inf(-1)
	consLow := math.Inf(1)
	for i := n - 10; i < n-1; i++ {
		rangeSum += series.High[i] - series.Low[i]
		consHigh = math.Max(consHigh, series.High[i])
		consLow = math.Min(consLow, series.Low[i])
	}
	if rangeSum/9 > atr {
		return Match{}, false
	}

	closePrice := indicator.Last(series.Close)
	switch {
	case closePrice > consHigh:
		return Match{Kind: KindBullFlag, Direction: trade.DirectionLong, Strength: 0.75, Reference: consHigh, Breakout: true}, true
	case closePrice < consLow:
		return Match{Kind: KindBearFlag, Direction: trade.DirectionShort, Strength: 0.75, Reference: consLow, Breakout: true}, true
	default:
		return Match{}, false
	}
}

func minRange(values []float64, a, b int) float64 {
	if a > b {
		a, b = b, a
	}
	m := values[a]
	for i := a + 1; i <= b; i++ {
		if values[i] < m {
			m = values[i]
		}
	}
	return m
}

func maxRange(values []float64, a, b int) float64 {
	if a > b {
		a, b = b, a
	}
	m := values[a]
	for i := a + 1; i <= b; i++ {
		if values[i] > m {
			m = values[i]
		}
	}
	return m
}

func lastPrices(values []float64, idx []int, n int) []float64 {
	out := make([]float64, 0, n)
	for _, i := range idx[len(idx)-n:] {
		out = append(out, values[i])
	}
	return out
}

func maxOf3(a, b, c float64) float64 {
	return math.Max(a, math.Max(b, c))
}

func minOf3(a, b, c float64) float64 {
	return math.Min(a, math.Min(b, c))
}
