package backtest

import (
	"fmt"

	"go.uber.org/zap"

	"confluence-trader/internal/exchange"
	"confluence-trader/internal/signal"
	"confluence-trader/internal/trade"
)

// Result 汇总回放结果。
type Result struct {
	Metrics      Metrics
	EquityCurve  []float64
	ReturnSeries []float64
	Trades       int
	Wins         int
	FinalEquity  float64
}

// Engine 将历史K线逐窗回放给信号引擎，用模拟账户验证保护价位的表现。
type Engine struct {
	cfg       Config
	engine    *signal.Engine
	simulator *Simulator
	logger    *zap.Logger
}

// NewEngine 构建回放引擎。
func NewEngine(cfg Config, signalEngine *signal.Engine, logger *zap.Logger) (*Engine, error) {
	if signalEngine == nil {
		return nil, fmt.Errorf("backtest: signal engine 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg = cfg.normalize()
	return &Engine{
		cfg:       cfg,
		engine:    signalEngine,
		simulator: NewSimulator(cfg.InitialEquity),
		logger:    logger,
	}, nil
}

// Run 对给定K线序列执行完整回放。
func (e *Engine) Run(candles []exchange.Candle) (Result, error) {
	if len(candles) <= e.cfg.Window {
		return Result{}, fmt.Errorf("backtest: K线数量不足，需要超过 %d 根", e.cfg.Window)
	}

	for i := e.cfg.Window; i < len(candles); i++ {
		next := candles[i]
		e.simulator.Advance(next.High, next.Low, next.Close)

		if e.simulator.InPosition() {
			continue
		}

		window := candles[i-e.cfg.Window : i]
		sig, err := e.engine.Evaluate(e.cfg.Symbol, e.cfg.Timeframe, window, e.cfg.PriceStep)
		if err != nil {
			e.logger.Warn("回放信号评估失败", zap.Error(err))
			continue
		}
		if !sig.Direction.Actionable() {
			continue
		}

		stopDist := sig.Entry - sig.Stop
		if sig.Direction == trade.DirectionShort {
			stopDist = sig.Stop - sig.Entry
		}
		if stopDist <= 0 {
			continue
		}

		quantity := e.simulator.Equity() * e.cfg.RiskFraction / stopDist
		if e.simulator.Open(sig.Direction, sig.Entry, sig.Stop, sig.Target, quantity, next.Timestamp) {
			e.logger.Debug("回放建仓",
				zap.String("symbol", sig.Symbol),
				zap.String("direction", string(sig.Direction)),
				zap.Float64("entry", sig.Entry),
				zap.Float64("stop", sig.Stop),
				zap.Float64("target", sig.Target),
			)
		}
	}

	metrics := calculateMetrics(e.simulator.EquityHistory(), e.simulator.ReturnHistory())
	return Result{
		Metrics:      metrics,
		EquityCurve:  e.simulator.EquityHistory(),
		ReturnSeries: e.simulator.ReturnHistory(),
		Trades:       e.simulator.TradeCount(),
		Wins:         e.simulator.WinCount(),
		FinalEquity:  e.simulator.Equity(),
	}, nil
}
