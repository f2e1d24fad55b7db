package signal

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"confluence-trader/internal/config"
	"confluence-trader/internal/exchange"
	"confluence-trader/internal/planner"
	"confluence-trader/internal/trade"
)

func scoringConfig() config.ScoringConfig {
	return config.ScoringConfig{
		MinConfidence:    60,
		MinGap:           6,
		PivotWindow:      3,
		RSIDivergenceMin: 2.0,
		FibLookback:      60,
		VolumeRatioMin:   1.5,
	}
}

func plannerConfig() config.PlannerConfig {
	return config.PlannerConfig{
		RRMin:             1.2,
		RRMax:             5.0,
		StructureLookback: 50,
		MinStopPct:        0.003,
		MaxStopPct:        0.025,
		ATRBufferMult:     0.35,
		PctBuffer:         0.0015,
	}
}

func newTestEngine(cfg config.ScoringConfig) *Engine {
	return NewEngine(cfg, planner.New(plannerConfig()), zap.NewNop())
}

// uptrendCandles 构造稳定上涨序列：EMA 多头、MACD 柱为正、价格在 VWAP 上方。
func uptrendCandles(n int, start, step float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	price := start
	for i := 0; i < n; i++ {
		open := price
		price += step
		candles[i] = exchange.Candle{
			Timestamp: base.Add(time.Duration(i) * 15 * time.Minute),
			Open:      open,
			High:      math.Max(open, price) + math.Abs(step)*0.5,
			Low:       math.Min(open, price) - math.Abs(step)*0.5,
			Close:     price,
			Volume:    100 + float64(i),
		}
	}
	return candles
}

// flatCandles 构造完全横盘序列，高低收全部相等。
func flatCandles(n int, price float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		candles[i] = exchange.Candle{
			Timestamp: base.Add(time.Duration(i) * 15 * time.Minute),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    100,
		}
	}
	return candles
}

func TestEvaluateInsufficientDataReturnsWait(t *testing.T) {
	engine := newTestEngine(scoringConfig())

	sig, err := engine.Evaluate("BTC/USDT:USDT", "15m", uptrendCandles(20, 100, 0.5), 0)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if sig.Direction != trade.DirectionWait {
		t.Fatalf("expected WAIT, got %s", sig.Direction)
	}
	found := false
	for _, inv := range sig.Invalidations {
		if inv == "INSUFFICIENT_DATA" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected INSUFFICIENT_DATA invalidation, got %v", sig.Invalidations)
	}
}

func TestEvaluateUptrendProducesLongSignal(t *testing.T) {
	engine := newTestEngine(scoringConfig())

	sig, err := engine.Evaluate("BTC/USDT:USDT", "15m", uptrendCandles(60, 100, 0.5), 0)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if sig.Direction != trade.DirectionLong {
		t.Fatalf("expected LONG, got %s (long=%.1f short=%.1f)", sig.Direction, sig.LongScore, sig.ShortScore)
	}
	if !sig.Direction.Actionable() {
		t.Fatal("expected actionable direction")
	}
	if sig.LongScore <= sig.ShortScore {
		t.Fatalf("long score %.1f should exceed short score %.1f", sig.LongScore, sig.ShortScore)
	}
	if sig.Confidence < 60 {
		t.Fatalf("confidence %.1f below threshold", sig.Confidence)
	}
	if sig.Confidence != sig.LongScore {
		t.Fatalf("confidence %.1f should equal winning score %.1f", sig.Confidence, sig.LongScore)
	}
	if sig.LongScore < 0 || sig.LongScore > 100 || sig.ShortScore < 0 || sig.ShortScore > 100 {
		t.Fatalf("scores out of bounds: long=%.1f short=%.1f", sig.LongScore, sig.ShortScore)
	}
	if !(sig.Stop < sig.Entry && sig.Entry < sig.Target) {
		t.Fatalf("expected stop < entry < target, got %.4f / %.4f / %.4f", sig.Stop, sig.Entry, sig.Target)
	}
	if sig.RR < 1.2 || sig.RR > 5.0 {
		t.Fatalf("RR %.2f outside allowed range", sig.RR)
	}
	if sig.Leverage < 1 {
		t.Fatalf("leverage %.1f below minimum", sig.Leverage)
	}
	if len(sig.Reasons) == 0 {
		t.Fatal("expected at least one reason")
	}
}

func TestEvaluateFlatSeriesStaysNeutral(t *testing.T) {
	engine := newTestEngine(scoringConfig())

	sig, err := engine.Evaluate("ETH/USDT:USDT", "15m", flatCandles(60, 2500), 0)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if sig.Direction != trade.DirectionWait {
		t.Fatalf("expected WAIT on flat series, got %s", sig.Direction)
	}
	if sig.LongScore != 50 || sig.ShortScore != 50 {
		t.Fatalf("expected neutral 50/50, got long=%.1f short=%.1f", sig.LongScore, sig.ShortScore)
	}
	if len(sig.Reasons) == 0 {
		t.Fatal("wait signal should carry an explanatory reason")
	}
}

func TestEvaluateMinConfidenceGate(t *testing.T) {
	cfg := scoringConfig()
	cfg.MinConfidence = 95

	engine := newTestEngine(cfg)
	sig, err := engine.Evaluate("BTC/USDT:USDT", "15m", uptrendCandles(60, 100, 0.5), 0)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if sig.Direction != trade.DirectionWait {
		t.Fatalf("expected WAIT below raised confidence floor, got %s", sig.Direction)
	}
	if sig.LongScore <= sig.ShortScore {
		t.Fatal("long evidence should still dominate even when gated")
	}
}

func TestEvaluateScoreGapGate(t *testing.T) {
	cfg := scoringConfig()
	cfg.MinGap = 40

	engine := newTestEngine(cfg)
	sig, err := engine.Evaluate("BTC/USDT:USDT", "15m", uptrendCandles(60, 100, 0.5), 0)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if sig.Direction != trade.DirectionWait {
		t.Fatalf("expected WAIT when score gap below %v, got %s", cfg.MinGap, sig.Direction)
	}
}

func TestEvaluateDowntrendProducesShortSignal(t *testing.T) {
	engine := newTestEngine(scoringConfig())

	sig, err := engine.Evaluate("BTC/USDT:USDT", "15m", uptrendCandles(60, 200, -0.5), 0)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if sig.Direction != trade.DirectionShort {
		t.Fatalf("expected SHORT, got %s (long=%.1f short=%.1f)", sig.Direction, sig.LongScore, sig.ShortScore)
	}
	if !(sig.Target < sig.Entry && sig.Entry < sig.Stop) {
		t.Fatalf("expected target < entry < stop, got %.4f / %.4f / %.4f", sig.Target, sig.Entry, sig.Stop)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	candles := uptrendCandles(60, 100, 0.5)
	a := newTestEngine(scoringConfig())
	b := newTestEngine(scoringConfig())

	first, err := a.Evaluate("BTC/USDT:USDT", "15m", candles, 0)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	second, err := b.Evaluate("BTC/USDT:USDT", "15m", candles, 0)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if first.Direction != second.Direction ||
		first.LongScore != second.LongScore ||
		first.ShortScore != second.ShortScore ||
		first.Stop != second.Stop ||
		first.Target != second.Target {
		t.Fatal("identical candles must produce identical signals")
	}
}

func TestSuggestLeverage(t *testing.T) {
	cases := []struct {
		confidence   float64
		stopDistFrac float64
		want         float64
	}{
		{90, 0.03, 20},  // floor(0.8/0.03)=26, 置信度基准 20 生效
		{90, 0.10, 8},   // 爆仓距离封顶 floor(0.8/0.10)=8
		{78, 0.02, 10},  // 置信度 >=75 基准 10
		{68, 0.02, 5},   // 置信度 >=65 基准 5
		{60, 0.02, 3},   // 基准 3
		{90, 0.90, 1},   // liqCap 归零时保底 1
		{90, 0, 1},      // 无止损距离时保守取 1
	}
	for _, tc := range cases {
		got := suggestLeverage(tc.confidence, tc.stopDistFrac)
		if got != tc.want {
			t.Fatalf("suggestLeverage(%.0f, %.2f) = %.1f, want %.1f", tc.confidence, tc.stopDistFrac, got, tc.want)
		}
	}
}
