package indicator

import (
	"math"
	"testing"
	"time"

	"confluence-trader/internal/exchange"
)

func trendingCandles(n int, start, step float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	price := start
	for i := 0; i < n; i++ {
		open := price
		price += step
		high := math.Max(open, price) + math.Abs(step)*0.5
		low := math.Min(open, price) - math.Abs(step)*0.5
		candles[i] = exchange.Candle{
			Timestamp: base.Add(time.Duration(i) * 15 * time.Minute),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     price,
			Volume:    100 + float64(i),
		}
	}
	return candles
}

func TestComputeRejectsShortSeries(t *testing.T) {
	calc := NewCalculator()
	if _, err := calc.Compute("BTC/USDT:USDT", "15m", trendingCandles(MinCandles-1, 100, 0.5)); err == nil {
		t.Fatal("expected error for insufficient candles")
	}
}

func TestComputeUptrendIndicators(t *testing.T) {
	calc := NewCalculator()
	result, err := calc.Compute("BTC/USDT:USDT", "15m", trendingCandles(120, 100, 0.5))
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}

	if result.EMA20 <= result.EMA50 {
		t.Fatalf("uptrend should give EMA20 > EMA50, got %.4f vs %.4f", result.EMA20, result.EMA50)
	}
	if result.RSI < 0 || result.RSI > 100 {
		t.Fatalf("RSI out of bounds: %.2f", result.RSI)
	}
	if result.RSI < 50 {
		t.Fatalf("steady uptrend should give RSI above 50, got %.2f", result.RSI)
	}
	if result.MACD.Histogram <= 0 {
		t.Fatalf("uptrend should give positive MACD histogram, got %.6f", result.MACD.Histogram)
	}
	if result.ATR.Absolute <= 0 {
		t.Fatalf("ATR must be positive, got %.6f", result.ATR.Absolute)
	}
	if result.ATR.Relative <= 0 || result.ATR.Relative >= 1 {
		t.Fatalf("relative ATR implausible: %.6f", result.ATR.Relative)
	}
	if result.VWAP <= 0 {
		t.Fatalf("VWAP must be positive, got %.4f", result.VWAP)
	}
	if result.Volume.Ratio <= 0 {
		t.Fatalf("volume ratio must be positive, got %.4f", result.Volume.Ratio)
	}
	if result.Close != Last(result.Series.Close) {
		t.Fatalf("Close mismatch: %.4f vs %.4f", result.Close, Last(result.Series.Close))
	}
	if len(result.RSISeries) != result.Series.Len() {
		t.Fatalf("RSISeries length %d != series length %d", len(result.RSISeries), result.Series.Len())
	}
}

func TestComputeCacheReturnsSameResult(t *testing.T) {
	calc := NewCalculator()
	candles := trendingCandles(120, 100, 0.5)

	first, err := calc.Compute("ETH/USDT:USDT", "15m", candles)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	second, err := calc.Compute("ETH/USDT:USDT", "15m", candles)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	if first.Close != second.Close || first.RSI != second.RSI || first.EMA20 != second.EMA20 {
		t.Fatal("cached result differs from first computation")
	}
}

func TestRSIWarmupIsNeutral(t *testing.T) {
	calc := NewCalculator()
	result, err := calc.Compute("BTC/USDT:USDT", "15m", trendingCandles(80, 100, 0.5))
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	for i := 0; i < 14; i++ {
		if result.RSISeries[i] != 50 {
			t.Fatalf("warmup RSI[%d] = %.2f, want 50", i, result.RSISeries[i])
		}
	}
}

func TestSeriesHelpers(t *testing.T) {
	if !math.IsNaN(Last(nil)) {
		t.Fatal("Last(nil) should be NaN")
	}
	if !math.IsNaN(Prev([]float64{1})) {
		t.Fatal("Prev of single element should be NaN")
	}
	if got := Last([]float64{1, 2, 3}); got != 3 {
		t.Fatalf("Last = %v, want 3", got)
	}
	if got := Prev([]float64{1, 2, 3}); got != 2 {
		t.Fatalf("Prev = %v, want 2", got)
	}
	if got := SliceTail([]float64{1, 2, 3, 4}, 2); len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("SliceTail = %v, want [3 4]", got)
	}
	if got := SafeDivide(10, 0); got != 0 {
		t.Fatalf("SafeDivide by zero = %v, want 0", got)
	}
}

func TestSeriesTypicalPriceAndVWAP(t *testing.T) {
	candles := []exchange.Candle{
		{High: 12, Low: 8, Close: 10, Volume: 100},
		{High: 22, Low: 18, Close: 20, Volume: 300},
	}
	series := NewSeries(candles)

	typical := series.TypicalPrices()
	if len(typical) != 2 || typical[0] != 10 || typical[1] != 20 {
		t.Fatalf("TypicalPrices = %v, want [10 20]", typical)
	}

	// (10*100 + 20*300) / 400 = 17.5
	if got := series.VWAP(); got != 17.5 {
		t.Fatalf("VWAP = %v, want 17.5", got)
	}

	var empty Series
	if got := empty.VWAP(); got != 0 {
		t.Fatalf("VWAP of empty series = %v, want 0", got)
	}
}
