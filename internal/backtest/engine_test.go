package backtest

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"confluence-trader/internal/config"
	"confluence-trader/internal/exchange"
	"confluence-trader/internal/planner"
	"confluence-trader/internal/signal"
)

func testSignalEngine() *signal.Engine {
	scoring := config.ScoringConfig{
		MinConfidence:    60,
		MinGap:           6,
		PivotWindow:      3,
		RSIDivergenceMin: 2.0,
		FibLookback:      60,
		VolumeRatioMin:   1.5,
	}
	plannerCfg := config.PlannerConfig{
		RRMin:             1.2,
		RRMax:             5.0,
		StructureLookback: 50,
		MinStopPct:        0.003,
		MaxStopPct:        0.025,
		ATRBufferMult:     0.35,
		PctBuffer:         0.0015,
	}
	return signal.NewEngine(scoring, planner.New(plannerCfg), zap.NewNop())
}

func sidewaysCandles(n int, price float64) []exchange.Candle {
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

func TestEngineRejectsShortHistory(t *testing.T) {
	engine, err := NewEngine(Config{Symbol: "BTC/USDT:USDT", Timeframe: "15m", Window: 60}, testSignalEngine(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if _, err := engine.Run(sidewaysCandles(60, 100)); err == nil {
		t.Fatal("expected error when candles do not exceed the window")
	}
}

func TestEngineRequiresSignalEngine(t *testing.T) {
	if _, err := NewEngine(Config{}, nil, zap.NewNop()); err == nil {
		t.Fatal("expected error for nil signal engine")
	}
}

func TestEngineSidewaysMarketStaysFlat(t *testing.T) {
	engine, err := NewEngine(Config{
		Symbol:        "BTC/USDT:USDT",
		Timeframe:     "15m",
		Window:        60,
		InitialEquity: 10000,
		RiskFraction:  0.01,
	}, testSignalEngine(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	result, err := engine.Run(sidewaysCandles(120, 100))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Trades != 0 {
		t.Fatalf("sideways market should produce no trades, got %d", result.Trades)
	}
	if result.FinalEquity != 10000 {
		t.Fatalf("final equity = %.2f, want 10000", result.FinalEquity)
	}
	if result.Metrics.TotalReturn != 0 || result.Metrics.MaxDrawdown != 0 {
		t.Fatalf("flat replay should yield zero metrics, got %+v", result.Metrics)
	}
	// 每根回放K线都要在净值曲线上留下一个点。
	if len(result.EquityCurve) != 61 {
		t.Fatalf("equity curve has %d points, want 61", len(result.EquityCurve))
	}
}
