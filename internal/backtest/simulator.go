package backtest

import (
	"time"

	"confluence-trader/internal/trade"
)

// openPosition 为回放中的一笔未平仓头寸。
type openPosition struct {
	direction trade.Direction
	entry     float64
	stop      float64
	target    float64
	quantity  float64
	openedAt  time.Time
}

// Simulator 按保护价位驱动的方式模拟账户权益变化。
// 同一根K线同时触及止损与止盈时按止损结算。
type Simulator struct {
	equity   float64
	position *openPosition

	equityHistory []float64
	returnHistory []float64
	tradeCount    int
	winCount      int
}

func NewSimulator(initialEquity float64) *Simulator {
	if initialEquity <= 0 {
		initialEquity = 10000
	}
	return &Simulator{
		equity:        initialEquity,
		equityHistory: []float64{initialEquity},
	}
}

// Open 以给定保护价位建立头寸。已有头寸时忽略。
func (s *Simulator) Open(direction trade.Direction, entry, stop, target, quantity float64, ts time.Time) bool {
	if s.position != nil || quantity <= 0 || entry <= 0 {
		return false
	}
	s.position = &openPosition{
		direction: direction,
		entry:     entry,
		stop:      stop,
		target:    target,
		quantity:  quantity,
		openedAt:  ts,
	}
	return true
}

// Advance 用一根K线的高低价检查保护价位并结算触发的平仓。
func (s *Simulator) Advance(high, low, close float64) {
	pos := s.position
	if pos == nil {
		s.equityHistory = append(s.equityHistory, s.equity)
		return
	}

	var exit float64
	switch pos.direction {
	case trade.DirectionLong:
		if low <= pos.stop {
			exit = pos.stop
		} else if high >= pos.target {
			exit = pos.target
		}
	case trade.DirectionShort:
		if high >= pos.stop {
			exit = pos.stop
		} else if low <= pos.target {
			exit = pos.target
		}
	}

	if exit > 0 {
		s.close(exit)
	}
	s.equityHistory = append(s.equityHistory, s.markedEquity(close))
}

func (s *Simulator) close(exit float64) {
	pos := s.position
	pnl := (exit - pos.entry) * pos.quantity
	if pos.direction == trade.DirectionShort {
		pnl = -pnl
	}

	prev := s.equity
	s.equity += pnl
	if prev > 0 {
		s.returnHistory = append(s.returnHistory, pnl/prev)
	}
	s.tradeCount++
	if pnl > 0 {
		s.winCount++
	}
	s.position = nil
}

func (s *Simulator) markedEquity(price float64) float64 {
	pos := s.position
	if pos == nil || price <= 0 {
		return s.equity
	}
	pnl := (price - pos.entry) * pos.quantity
	if pos.direction == trade.DirectionShort {
		pnl = -pnl
	}
	return s.equity + pnl
}

func (s *Simulator) InPosition() bool {
	return s.position != nil
}

func (s *Simulator) Equity() float64 {
	return s.equity
}

func (s *Simulator) TradeCount() int {
	return s.tradeCount
}

func (s *Simulator) WinCount() int {
	return s.winCount
}

func (s *Simulator) EquityHistory() []float64 {
	return append([]float64(nil), s.equityHistory...)
}

func (s *Simulator) ReturnHistory() []float64 {
	return append([]float64(nil), s.returnHistory...)
}
