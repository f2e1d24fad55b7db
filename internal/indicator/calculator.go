package indicator

import (
	"fmt"
	"sync"

	talib "github.com/markcheno/go-talib"

	"confluence-trader/internal/exchange"
)

// MinCandles 为一次完整指标计算所需的最少K线数。
const MinCandles = 60

// MACDResult 保存 MACD 关键值。
type MACDResult struct {
	Value         float64
	Signal        float64
	Histogram     float64
	PrevHistogram float64
}

// ATRResult 保存 ATR 指标。
type ATRResult struct {
	Absolute     float64
	Relative     float64
	PrevAbsolute float64
}

// VolumeResult 保存成交量相关统计。
type VolumeResult struct {
	Current   float64
	Average20 float64
	Ratio     float64
}

// Result 为一次指标计算的汇总。RSISeries 保留完整序列供背离检测使用。
type Result struct {
	Symbol        string
	Timeframe     string
	Series        Series
	EMA20         float64
	EMA50         float64
	MACD          MACDResult
	RSI           float64
	RSISeries     []float64
	ATR           ATRResult
	ADX           float64
	VWAP          float64
	OBV           float64
	Volume        VolumeResult
	Close         float64
	PreviousClose float64
}

type cacheEntry struct {
	key    string
	result Result
}

// Calculator 提供技术指标计算并带有简单缓存。
type Calculator struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator() *Calculator {
	return &Calculator{
		cache: make(map[string]cacheEntry),
	}
}

// Compute 依据给定K线计算完整指标集。
// 数据不足时返回错误而非伪造指标值。
func (c *Calculator) Compute(symbol, timeframe string, candles []exchange.Candle) (Result, error) {
	if len(candles) < MinCandles {
		return Result{}, fmt.Errorf("计算指标失败: %s K线数量不足 %d < %d", symbol, len(candles), MinCandles)
	}

	series := NewSeries(candles)
	slot := symbol + ":" + timeframe
	cacheKey := fmt.Sprintf("%s:%d:%d", slot, series.Len(), series.Timestamps[len(series.Timestamps)-1].Unix())

	c.mu.Lock()
	if entry, ok := c.cache[slot]; ok && entry.key == cacheKey {
		c.mu.Unlock()
		return entry.result, nil
	}
	c.mu.Unlock()

	result := c.calculate(symbol, timeframe, series)

	c.mu.Lock()
	c.cache[slot] = cacheEntry{key: cacheKey, result: result}
	c.mu.Unlock()

	return result, nil
}

func (c *Calculator) calculate(symbol, timeframe string, series Series) Result {
	closePrices := series.Close
	highs := series.High
	lows := series.Low
	volumes := series.Volume

	ema20 := talib.Ema(closePrices, 20)
	ema50 := talib.Ema(closePrices, 50)

	macd, macdSignal, macdHist := talib.Macd(closePrices, 12, 26, 9)

	rsi := neutralizeWarmup(talib.Rsi(closePrices, 14), 14)

	atr := talib.Atr(highs, lows, closePrices, 14)

	adx := talib.Adx(highs, lows, closePrices, 14)

	obv := talib.Obv(closePrices, volumes)

	volumeAvg20 := average(SliceTail(volumes, 20))
	volumeCurrent := Last(volumes)
	volumeRatio := SafeDivide(volumeCurrent, volumeAvg20)

	lastClose := Last(closePrices)
	prevClose := Prev(closePrices)

	atrAbs := Last(atr)
	prevAtr := Prev(atr)
	atrRel := SafeDivide(atrAbs, lastClose)

	return Result{
		Symbol:        symbol,
		Timeframe:     timeframe,
		Series:        series,
		EMA20:         Last(ema20),
		EMA50:         Last(ema50),
		MACD:          buildMACD(macd, macdSignal, macdHist),
		RSI:           Last(rsi),
		RSISeries:     rsi,
		ATR:           ATRResult{Absolute: atrAbs, Relative: atrRel, PrevAbsolute: prevAtr},
		ADX:           Last(adx),
		VWAP:          series.VWAP(),
		OBV:           Last(obv),
		Volume:        VolumeResult{Current: volumeCurrent, Average20: volumeAvg20, Ratio: volumeRatio},
		Close:         lastClose,
		PreviousClose: prevClose,
	}
}

func buildMACD(macd, signal, hist []float64) MACDResult {
	return MACDResult{
		Value:         Last(macd),
		Signal:        Last(signal),
		Histogram:     Last(hist),
		PrevHistogram: Prev(hist),
	}
}

// neutralizeWarmup 将 RSI 预热阶段的占位值替换为中性50。
func neutralizeWarmup(rsi []float64, period int) []float64 {
	out := make([]float64, len(rsi))
	copy(out, rsi)
	for i := 0; i < len(out) && i < period; i++ {
		out[i] = 50
	}
	return out
}
