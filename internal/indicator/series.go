package indicator

import (
	"math"
	"time"

	"confluence-trader/internal/exchange"
)

// Series 是一段K线窗口的列式视图：各切片等长且按时间升序。
// 指标、形态与规划器都直接在这些切片上计算，不再回头访问原始K线。
type Series struct {
	Timestamps []time.Time
	Open       []float64
	High       []float64
	Low        []float64
	Close      []float64
	Volume     []float64
}

// NewSeries 把交易所K线转为列式序列，时间统一为 UTC。
func NewSeries(candles []exchange.Candle) Series {
	s := Series{
		Timestamps: make([]time.Time, 0, len(candles)),
		Open:       make([]float64, 0, len(candles)),
		High:       make([]float64, 0, len(candles)),
		Low:        make([]float64, 0, len(candles)),
		Close:      make([]float64, 0, len(candles)),
		Volume:     make([]float64, 0, len(candles)),
	}
	for _, c := range candles {
		s.Timestamps = append(s.Timestamps, c.Timestamp.UTC())
		s.Open = append(s.Open, c.Open)
		s.High = append(s.High, c.High)
		s.Low = append(s.Low, c.Low)
		s.Close = append(s.Close, c.Close)
		s.Volume = append(s.Volume, c.Volume)
	}
	return s
}

// Len 返回序列长度。
func (s Series) Len() int {
	return len(s.Close)
}

// TypicalPrices 返回每根K线的典型价 (H+L+C)/3。
func (s Series) TypicalPrices() []float64 {
	out := make([]float64, s.Len())
	for i := range out {
		out[i] = (s.High[i] + s.Low[i] + s.Close[i]) / 3
	}
	return out
}

// VWAP 计算整个窗口的累计成交量加权均价，总成交量为0时返回0。
func (s Series) VWAP() float64 {
	typical := s.TypicalPrices()
	var pvSum, vSum float64
	for i, tp := range typical {
		pvSum += tp * s.Volume[i]
		vSum += s.Volume[i]
	}
	return SafeDivide(pvSum, vSum)
}

// Last 返回序列最后一个值，空序列返回 NaN。
func Last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

// Prev 返回序列倒数第二个值，不足两个元素返回 NaN。
func Prev(values []float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}
	return values[len(values)-2]
}

// SliceTail 复制序列末尾 n 个值，不足时复制全部。
func SliceTail(values []float64, n int) []float64 {
	if n <= 0 || len(values) == 0 {
		return nil
	}
	if len(values) < n {
		n = len(values)
	}
	dst := make([]float64, n)
	copy(dst, values[len(values)-n:])
	return dst
}

// SafeDivide 除法保护，除数为0时返回0。
func SafeDivide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
