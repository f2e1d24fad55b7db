package pattern

import (
	"testing"
	"time"

	"confluence-trader/internal/indicator"
	"confluence-trader/internal/trade"
)

func seriesFromHL(highs, lows []float64, lastClose float64) indicator.Series {
	n := len(highs)
	s := indicator.Series{
		Timestamps: make([]time.Time, n),
		Open:       make([]float64, n),
		High:       highs,
		Low:        lows,
		Close:      make([]float64, n),
		Volume:     make([]float64, n),
	}
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		s.Timestamps[i] = base.Add(time.Duration(i) * 15 * time.Minute)
		s.Close[i] = (highs[i] + lows[i]) / 2
		s.Open[i] = s.Close[i]
		s.Volume[i] = 100
	}
	s.Close[n-1] = lastClose
	return s
}

// 双顶：两个等高枢轴高点，颈线为两峰之间最低点。
func doubleTopSeries() indicator.Series {
	highs := []float64{
		101.0, 101.2, 101.4, 101.6, 101.8,
		110.0, 101.8, 101.6, 101.4, 99.0,
		98.5, 99.0, 100.0, 100.5, 101.0,
		110.2, 105.0, 103.0, 101.0, 100.0,
	}
	lows := []float64{
		99.0, 99.1, 99.2, 99.3, 99.4,
		100.0, 99.4, 99.3, 96.5, 96.0,
		95.0, 96.0, 96.5, 97.0, 97.5,
		99.5, 97.0, 96.2, 95.6, 93.5,
	}
	return seriesFromHL(highs, lows, 93.6)
}

func mirror(s indicator.Series, pivot float64) indicator.Series {
	n := s.Len()
	out := indicator.Series{
		Timestamps: s.Timestamps,
		Open:       make([]float64, n),
		High:       make([]float64, n),
		Low:        make([]float64, n),
		Close:      make([]float64, n),
		Volume:     s.Volume,
	}
	for i := 0; i < n; i++ {
		out.High[i] = 2*pivot - s.Low[i]
		out.Low[i] = 2*pivot - s.High[i]
		out.Close[i] = 2*pivot - s.Close[i]
		out.Open[i] = 2*pivot - s.Open[i]
	}
	return out
}

func TestPivotsFindLocalExtremes(t *testing.T) {
	series := doubleTopSeries()
	highs, lows := Pivots(series, 2)

	if len(highs) != 2 || highs[0] != 5 || highs[1] != 15 {
		t.Fatalf("pivot highs = %v, want [5 15]", highs)
	}
	if len(lows) != 1 || lows[0] != 10 {
		t.Fatalf("pivot lows = %v, want [10]", lows)
	}
}

func TestPivotsRejectShortSeries(t *testing.T) {
	series := seriesFromHL(make([]float64, 10), make([]float64, 10), 0)
	highs, lows := Pivots(series, 3)
	if highs != nil || lows != nil {
		t.Fatalf("short series should yield no pivots, got %v / %v", highs, lows)
	}
}

func TestDetectDoubleTop(t *testing.T) {
	d := NewDetector(2)
	match, ok := d.detectDouble(doubleTopSeries(), 1.0)
	if !ok {
		t.Fatal("expected double top match")
	}
	if match.Kind != KindDoubleTop {
		t.Fatalf("kind = %s, want %s", match.Kind, KindDoubleTop)
	}
	if match.Direction != trade.DirectionShort {
		t.Fatalf("direction = %s, want SHORT", match.Direction)
	}
	if !match.Breakout {
		t.Fatal("close below neckline should flag breakout")
	}
	if match.Reference != 95.0 {
		t.Fatalf("neckline = %.2f, want 95.00", match.Reference)
	}
	if match.Strength != 0.9 {
		t.Fatalf("strength = %.2f, want 0.90", match.Strength)
	}
}

func TestDetectDoubleBottom(t *testing.T) {
	d := NewDetector(2)
	series := mirror(doubleTopSeries(), 100)
	match, ok := d.detectDouble(series, 1.0)
	if !ok {
		t.Fatal("expected double bottom match")
	}
	if match.Kind != KindDoubleBottom {
		t.Fatalf("kind = %s, want %s", match.Kind, KindDoubleBottom)
	}
	if match.Direction != trade.DirectionLong {
		t.Fatalf("direction = %s, want LONG", match.Direction)
	}
	if !match.Breakout {
		t.Fatal("close above neckline should flag breakout")
	}
}

func headShouldersSeries() indicator.Series {
	highs := []float64{
		101.0, 101.2, 101.4, 101.6, 110.0,
		101.6, 101.4, 101.5, 101.8, 115.0,
		101.8, 101.5, 101.4, 101.7, 110.3,
		104.0, 102.0, 100.0, 99.0, 98.0,
	}
	lows := []float64{
		99.0, 99.1, 99.2, 99.3, 100.0,
		99.3, 98.0, 98.5, 99.0, 100.0,
		99.0, 98.0, 98.6, 99.2, 100.0,
		99.0, 98.3, 97.6, 97.2, 96.8,
	}
	return seriesFromHL(highs, lows, 97.0)
}

func TestDetectHeadShoulders(t *testing.T) {
	d := NewDetector(2)
	match, ok := d.detectHeadShoulders(headShouldersSeries(), 1.0)
	if !ok {
		t.Fatal("expected head and shoulders match")
	}
	if match.Kind != KindHeadShoulders {
		t.Fatalf("kind = %s, want %s", match.Kind, KindHeadShoulders)
	}
	if match.Direction != trade.DirectionShort {
		t.Fatalf("direction = %s, want SHORT", match.Direction)
	}
	if match.Reference != 98.0 {
		t.Fatalf("neckline = %.2f, want 98.00", match.Reference)
	}
	if !match.Breakout {
		t.Fatal("close below neckline should flag breakout")
	}
}

func TestDetectInverseHeadShoulders(t *testing.T) {
	d := NewDetector(2)
	match, ok := d.detectHeadShoulders(mirror(headShouldersSeries(), 100), 1.0)
	if !ok {
		t.Fatal("expected inverse head and shoulders match")
	}
	if match.Kind != KindInverseHeadShoulders {
		t.Fatalf("kind = %s, want %s", match.Kind, KindInverseHeadShoulders)
	}
	if match.Direction != trade.DirectionLong {
		t.Fatalf("direction = %s, want LONG", match.Direction)
	}
}

func TestDetectRectangleInsideRange(t *testing.T) {
	highs := []float64{
		101.0, 101.2, 101.4, 101.6, 101.8,
		110.0, 103.0, 102.5, 102.0, 101.8,
		101.6, 101.9, 102.2, 102.6, 103.0,
		110.1, 105.0, 103.0, 102.0, 101.0,
	}
	lows := []float64{
		99.0, 99.1, 99.2, 99.3, 99.4,
		100.0, 96.5, 95.8, 95.0, 95.6,
		96.2, 95.7, 95.1, 95.9, 96.4,
		99.5, 98.0, 97.5, 97.2, 97.0,
	}
	series := seriesFromHL(highs, lows, 100.0)

	d := NewDetector(2)
	match, ok := d.detectRectangle(series, 1.0)
	if !ok {
		t.Fatal("expected rectangle match")
	}
	if match.Kind != KindRectangle {
		t.Fatalf("kind = %s, want %s", match.Kind, KindRectangle)
	}
	if match.Direction != trade.DirectionWait {
		t.Fatalf("close inside range should give WAIT, got %s", match.Direction)
	}
	if match.Breakout {
		t.Fatal("no breakout expected inside range")
	}
}

func TestDetectPicksStrongestMatch(t *testing.T) {
	d := NewDetector(2)
	match, ok := d.Detect(headShouldersSeries(), 1.0)
	if !ok {
		t.Fatal("expected a match")
	}
	if match.Kind != KindHeadShoulders {
		t.Fatalf("best kind = %s, want %s", match.Kind, KindHeadShoulders)
	}
	if !match.Direction.Actionable() {
		t.Fatalf("best match should be actionable, got %s", match.Direction)
	}
}

func TestDetectNoPatternOnTrend(t *testing.T) {
	n := 30
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i := 0; i < n; i++ {
		highs[i] = 100.5 + float64(i)
		lows[i] = 99.5 + float64(i)
	}
	series := seriesFromHL(highs, lows, 129.0)

	d := NewDetector(2)
	if match, ok := d.Detect(series, 1.0); ok {
		t.Fatalf("monotone trend should yield no pattern, got %s", match.Kind)
	}
}

// 旗形：强冲击、9根窄幅盘整，最后一根为突破K线。
func bullFlagSeries(lastClose float64) indicator.Series {
	n := 40
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i := 0; i < n; i++ {
		highs[i] = 100.5
		lows[i] = 99.5
	}
	// 冲击段：一根 3 倍于盘整振幅的大阳线。
	for i := 10; i < 30; i++ {
		highs[i] = 101.0 + 0.2*float64(i-10)
		lows[i] = 100.0 + 0.2*float64(i-10)
	}
	highs[15] = 105.0
	lows[15] = 102.0
	// 盘整段，止于倒数第二根。
	for i := 30; i < 39; i++ {
		highs[i] = 104.8
		lows[i] = 104.2
	}
	// 突破K线。
	highs[39] = 105.5
	lows[39] = 104.5
	return seriesFromHL(highs, lows, lastClose)
}

func TestDetectBullFlagBreakout(t *testing.T) {
	d := NewDetector(3)

	match, ok := d.detectFlag(bullFlagSeries(105.2), 1.0)
	if !ok {
		t.Fatal("expected bull flag on breakout above consolidation high")
	}
	if match.Kind != KindBullFlag || match.Direction != trade.DirectionLong || !match.Breakout {
		t.Fatalf("unexpected match: %+v", match)
	}
	if match.Reference != 104.8 {
		t.Fatalf("reference should be the consolidation high, got %f", match.Reference)
	}
}

func TestDetectFlagRequiresCloseBeyondConsolidation(t *testing.T) {
	d := NewDetector(3)

	// 收盘仍在盘整区间内，不构成旗形。
	if match, ok := d.detectFlag(bullFlagSeries(104.5), 1.0); ok {
		t.Fatalf("close inside consolidation must not fire, got %+v", match)
	}
}
