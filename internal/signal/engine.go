package signal

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"confluence-trader/internal/config"
	"confluence-trader/internal/exchange"
	"confluence-trader/internal/fib"
	"confluence-trader/internal/indicator"
	"confluence-trader/internal/pattern"
	"confluence-trader/internal/planner"
	"confluence-trader/internal/trade"
)

// 杠杆建议的安全垫：确保理论爆仓距离大于止损距离。
const liqBufferFrac = 0.80

// Engine 为确定性合流打分引擎。相同K线输入必然产生相同信号。
type Engine struct {
	cfg      config.ScoringConfig
	calc     *indicator.Calculator
	detector *pattern.Detector
	planner  *planner.Planner
	logger   *zap.Logger
}

// NewEngine 创建打分引擎。
func NewEngine(cfg config.ScoringConfig, plannerSvc *planner.Planner, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		calc:     indicator.NewCalculator(),
		detector: pattern.NewDetector(cfg.PivotWindow),
		planner:  plannerSvc,
		logger:   logger,
	}
}

// Evaluate 对单一标的做一次完整评估。
// 多空双方从50分起步累计证据，胜方需同时满足最低分与分差门槛才可执行。
func (e *Engine) Evaluate(symbol, timeframe string, candles []exchange.Candle, priceStep float64) (trade.Signal, error) {
	ind, err := e.calc.Compute(symbol, timeframe, candles)
	if err != nil {
		return waitSignal(symbol, timeframe, 0, 0, nil, []string{"INSUFFICIENT_DATA"}), nil
	}

	price := ind.Close
	series := ind.Series

	longScore, shortScore := 50.0, 50.0
	var reasonsLong, reasonsShort []string
	var tagsLong, tagsShort []string
	var invalidations []string

	trendUp := ind.EMA20 > ind.EMA50
	trendDown := ind.EMA20 < ind.EMA50

	if trendUp {
		longScore += 15
		reasonsLong = append(reasonsLong, "趋势偏多 (EMA20>EMA50)")
		tagsLong = append(tagsLong, "EMA")
	}
	if trendDown {
		shortScore += 15
		reasonsShort = append(reasonsShort, "趋势偏空 (EMA20<EMA50)")
		tagsShort = append(tagsShort, "EMA")
	}

	if ind.MACD.Histogram > 0 && ind.MACD.Value > ind.MACD.Signal {
		longScore += 12
		reasonsLong = append(reasonsLong, "MACD 多头 (柱>0)")
		tagsLong = append(tagsLong, "MACD")
	}
	if ind.MACD.Histogram < 0 && ind.MACD.Value < ind.MACD.Signal {
		shortScore += 12
		reasonsShort = append(reasonsShort, "MACD 空头 (柱<0)")
		tagsShort = append(tagsShort, "MACD")
	}

	if ind.RSI <= 35 {
		longScore += 6
		reasonsLong = append(reasonsLong, fmt.Sprintf("RSI 超卖 (%.1f)", ind.RSI))
	}
	if ind.RSI >= 65 {
		shortScore += 6
		reasonsShort = append(reasonsShort, fmt.Sprintf("RSI 超买 (%.1f)", ind.RSI))
	}

	divergence := detectRSIDivergence(series, ind.RSISeries, e.cfg.PivotWindow, e.cfg.RSIDivergenceMin)
	switch divergence {
	case divergenceBullish:
		longScore += 10
		reasonsLong = append(reasonsLong, "RSI 底背离")
		tagsLong = append(tagsLong, "DIVERGENCE")
	case divergenceBearish:
		shortScore += 10
		reasonsShort = append(reasonsShort, "RSI 顶背离")
		tagsShort = append(tagsShort, "DIVERGENCE")
	}

	if ind.ADX >= 25 {
		if trendUp {
			longScore += 4
			reasonsLong = append(reasonsLong, fmt.Sprintf("ADX 趋势强 (%.1f)", ind.ADX))
		}
		if trendDown {
			shortScore += 4
			reasonsShort = append(reasonsShort, fmt.Sprintf("ADX 趋势强 (%.1f)", ind.ADX))
		}
	}

	if price > ind.VWAP {
		longScore += 3
		reasonsLong = append(reasonsLong, "价格位于 VWAP 上方")
	}
	if price < ind.VWAP {
		shortScore += 3
		reasonsShort = append(reasonsShort, "价格位于 VWAP 下方")
	}

	if ind.Volume.Ratio >= e.cfg.VolumeRatioMin {
		if trendUp {
			longScore += 8
			reasonsLong = append(reasonsLong, fmt.Sprintf("放量确认 (%.2fx)", ind.Volume.Ratio))
			tagsLong = append(tagsLong, "VOLUME")
		}
		if trendDown {
			shortScore += 8
			reasonsShort = append(reasonsShort, fmt.Sprintf("放量确认 (%.2fx)", ind.Volume.Ratio))
			tagsShort = append(tagsShort, "VOLUME")
		}
	}

	if match, ok := e.detector.Detect(series, ind.ATR.Absolute); ok {
		switch match.Direction {
		case trade.DirectionLong:
			longScore += 25 * match.Strength
			reasonsLong = append(reasonsLong, fmt.Sprintf("形态 %s", match.Kind))
			tagsLong = append(tagsLong, "PATTERN")
		case trade.DirectionShort:
			shortScore += 25 * match.Strength
			reasonsShort = append(reasonsShort, fmt.Sprintf("形态 %s", match.Kind))
			tagsShort = append(tagsShort, "PATTERN")
		default:
			longScore += 6 * match.Strength
			shortScore += 6 * match.Strength
		}
	}

	if swing, ok := fib.DetectSwing(series, e.cfg.FibLookback); ok && ind.ATR.Absolute > 0 {
		tolAbs := fib.ToleranceFromATR(ind.ATR.Absolute, 0.35)
		if tolAbs <= 0 {
			tolAbs = price * 0.0015
		}
		if level, near := fib.Nearest(price, fib.Retracements(swing), tolAbs); near {
			if swing.Direction == fib.SwingBullish {
				longScore += 12
				reasonsLong = append(reasonsLong, fmt.Sprintf("斐波那契回撤共振 %s", level.Name))
				tagsLong = append(tagsLong, "FIBONACCI")
			} else {
				shortScore += 12
				reasonsShort = append(reasonsShort, fmt.Sprintf("斐波那契回撤共振 %s", level.Name))
				tagsShort = append(tagsShort, "FIBONACCI")
			}
		}
	}

	longScore = clamp(longScore, 0, 100)
	shortScore = clamp(shortScore, 0, 100)

	// 门槛：胜方得分 >= MinConfidence 且分差 >= MinGap。
	best := math.Max(longScore, shortScore)
	gap := math.Abs(longScore - shortScore)
	if best < e.cfg.MinConfidence || gap < e.cfg.MinGap {
		return waitSignal(symbol, timeframe, longScore, shortScore, nil, invalidations), nil
	}

	direction := trade.DirectionLong
	reasons := reasonsLong
	tags := tagsLong
	if shortScore > longScore {
		direction = trade.DirectionShort
		reasons = reasonsShort
		tags = tagsShort
	}
	confidence := best

	plan, err := e.planner.Build(planner.Input{
		Symbol:     symbol,
		Direction:  direction,
		Entry:      price,
		ATR:        ind.ATR.Absolute,
		Confidence: confidence,
		Series:     series,
		PriceStep:  priceStep,
	})
	if err != nil {
		invalidations = append(invalidations, "NO_EXIT_PLAN")
		e.logger.Debug("止损止盈不可规划，信号降级为观望",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return waitSignal(symbol, timeframe, longScore, shortScore, nil, invalidations), nil
	}

	leverage := suggestLeverage(confidence, plan.StopDistance/price)

	sig := trade.Signal{
		Symbol:        symbol,
		Timeframe:     timeframe,
		Direction:     direction,
		Confidence:    confidence,
		LongScore:     longScore,
		ShortScore:    shortScore,
		Entry:         price,
		Stop:          plan.Stop,
		Target:        plan.Target,
		RR:            plan.RR,
		Leverage:      leverage,
		Reasons:       reasons,
		Invalidations: invalidations,
		Tags:          dedupe(tags),
		GeneratedAt:   time.Now().UTC(),
	}

	e.logger.Debug("信号评估完成",
		zap.String("symbol", symbol),
		zap.String("direction", string(sig.Direction)),
		zap.Float64("confidence", sig.Confidence),
		zap.Float64("long_score", longScore),
		zap.Float64("short_score", shortScore),
	)

	return sig, nil
}

type divergenceKind int

const (
	divergenceNone divergenceKind = iota
	divergenceBullish
	divergenceBearish
)

// detectRSIDivergence 基于枢轴点检测价格与 RSI 的背离。
// 底背离：价格创新低而 RSI 抬高；顶背离：价格创新高而 RSI 走低。
func detectRSIDivergence(series indicator.Series, rsi []float64, pivotWindow int, minDelta float64) divergenceKind {
	if len(rsi) != series.Len() {
		return divergenceNone
	}

	highs, lows := pattern.Pivots(series, pivotWindow)

	if len(lows) >= 2 {
		i1, i2 := lows[len(lows)-2], lows[len(lows)-1]
		if series.Low[i2] < series.Low[i1] && rsi[i2] > rsi[i1]+minDelta {
			return divergenceBullish
		}
	}

	if len(highs) >= 2 {
		i1, i2 := highs[len(highs)-2], highs[len(highs)-1]
		if series.High[i2] > series.High[i1] && rsi[i2] < rsi[i1]-minDelta {
			return divergenceBearish
		}
	}

	return divergenceNone
}

// suggestLeverage 按置信度给出基准杠杆，并用理论爆仓距离封顶。
// 最终杠杆仍由风控模块裁决。
func suggestLeverage(confidence, stopDistFrac float64) float64 {
	base := 3.0
	switch {
	case confidence >= 85:
		base = 20
	case confidence >= 75:
		base = 10
	case confidence >= 65:
		base = 5
	}

	liqCap := 1.0
	if stopDistFrac > 0 {
		liqCap = math.Floor(liqBufferFrac / stopDistFrac)
	}

	return math.Max(1, math.Min(base, math.Max(1, liqCap)))
}

func waitSignal(symbol, timeframe string, longScore, shortScore float64, reasons, invalidations []string) trade.Signal {
	if len(reasons) == 0 {
		switch {
		case longScore >= 55 && shortScore >= 55:
			reasons = []string{"多空证据接近，等待分化"}
		case longScore >= 55:
			reasons = []string{"LONG 证据不足以形成合流"}
		case shortScore >= 55:
			reasons = []string{"SHORT 证据不足以形成合流"}
		default:
			reasons = []string{"无足够合流，观望"}
		}
	}
	return trade.Signal{
		Symbol:        symbol,
		Timeframe:     timeframe,
		Direction:     trade.DirectionWait,
		LongScore:     longScore,
		ShortScore:    shortScore,
		Reasons:       reasons,
		Invalidations: invalidations,
		GeneratedAt:   time.Now().UTC(),
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
