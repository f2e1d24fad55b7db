package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"confluence-trader/internal/backtest"
	"confluence-trader/internal/config"
	"confluence-trader/internal/exchange"
	"confluence-trader/internal/log"
	"confluence-trader/internal/planner"
	signalengine "confluence-trader/internal/signal"
)

func main() {
	var (
		configPath string
		symbol     string
		limit      int64
		window     int
		equity     float64
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&symbol, "symbol", "BTC/USDT:USDT", "回放的交易对")
	flag.Int64Var(&limit, "limit", 1000, "拉取的历史K线数量")
	flag.IntVar(&window, "window", 120, "每次评估使用的K线窗口")
	flag.Float64Var(&equity, "equity", 10000, "模拟初始净值")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := exchange.NewClient(cfg.Exchange, logger)
	if err != nil {
		logger.Error("初始化交易所客户端失败", zap.Error(err))
		os.Exit(1)
	}

	candles, err := client.FetchCandles(ctx, symbol, cfg.Scan.Timeframe, limit)
	if err != nil {
		logger.Error("拉取历史K线失败", zap.Error(err))
		os.Exit(1)
	}

	limits, err := client.MarketLimits(ctx, symbol)
	if err != nil {
		logger.Warn("获取交易约束失败，使用零步长", zap.Error(err))
	}

	plannerSvc := planner.New(cfg.Planner)
	engine := signalengine.NewEngine(cfg.Scoring, plannerSvc, logger)

	replay, err := backtest.NewEngine(backtest.Config{
		Symbol:        symbol,
		Timeframe:     cfg.Scan.Timeframe,
		Window:        window,
		InitialEquity: equity,
		RiskFraction:  cfg.Risk.RiskPerTrade,
		PriceStep:     limits.PriceStep,
	}, engine, logger)
	if err != nil {
		logger.Error("构建回放引擎失败", zap.Error(err))
		os.Exit(1)
	}

	result, err := replay.Run(candles)
	if err != nil {
		logger.Error("回放失败", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("回放完成",
		zap.String("symbol", symbol),
		zap.Int("candles", len(candles)),
		zap.Int("trades", result.Trades),
		zap.Int("wins", result.Wins),
		zap.Float64("final_equity", result.FinalEquity),
		zap.Float64("total_return", result.Metrics.TotalReturn),
		zap.Float64("max_drawdown", result.Metrics.MaxDrawdown),
		zap.Float64("sharpe", result.Metrics.SharpeRatio),
		zap.Float64("win_rate", result.Metrics.WinRate),
	)
}
