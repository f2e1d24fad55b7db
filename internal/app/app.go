package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"confluence-trader/internal/advisory"
	"confluence-trader/internal/config"
	"confluence-trader/internal/exchange"
	"confluence-trader/internal/execution"
	"confluence-trader/internal/guard"
	"confluence-trader/internal/heartbeat"
	"confluence-trader/internal/indicator"
	"confluence-trader/internal/monitor"
	"confluence-trader/internal/planner"
	"confluence-trader/internal/risk"
	"confluence-trader/internal/signal"
	"confluence-trader/internal/state"
	"confluence-trader/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装全部组件并阻塞运行，直至收到退出信号或操作员停机指令。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.String("timeframe", a.cfg.Scan.Timeframe),
	)

	client, err := exchange.NewClient(a.cfg.Exchange, a.logger)
	if err != nil {
		return fmt.Errorf("初始化交易所客户端失败: %w", err)
	}

	journal, err := monitor.NewJournal(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化事件日志失败: %w", err)
	}

	breaker, err := risk.NewBreaker(a.store.DB(), a.cfg.Risk.Breaker, a.logger)
	if err != nil {
		return fmt.Errorf("初始化熔断器失败: %w", err)
	}

	stateDir := a.cfg.App.StateDir
	ledger, err := state.NewLedger(stateDir)
	if err != nil {
		return fmt.Errorf("初始化持仓台账失败: %w", err)
	}
	defer ledger.Close()

	protections, err := state.NewProtections(stateDir)
	if err != nil {
		return fmt.Errorf("初始化保护单存储失败: %w", err)
	}
	defer protections.Close()

	blacklist, err := state.NewBlacklist(stateDir)
	if err != nil {
		return fmt.Errorf("初始化黑名单失败: %w", err)
	}
	defer blacklist.Close()

	backoff, err := execution.NewBackoff(stateDir, a.cfg.Execution)
	if err != nil {
		return fmt.Errorf("初始化退避登记失败: %w", err)
	}
	defer backoff.Close()

	calc := indicator.NewCalculator()
	plannerSvc := planner.New(a.cfg.Planner)
	engine := signal.NewEngine(a.cfg.Scoring, plannerSvc, a.logger)
	sizer := risk.NewSizer(a.cfg.Risk, a.logger)

	executor := execution.NewExecutor(execution.Deps{
		Client:      client,
		Planner:     plannerSvc,
		Sizer:       sizer,
		Breaker:     breaker,
		Ledger:      ledger,
		Protections: protections,
		Blacklist:   blacklist,
		Backoff:     backoff,
		Calculator:  calc,
		Recorder:    journal,
	}, a.cfg.Execution, a.cfg.Scan, a.logger)

	positionGuard := guard.New(client, protections, ledger, breaker, journal, a.cfg.Guard.Interval, a.logger)
	publisher := heartbeat.NewPublisher(a.cfg.Heartbeat, a.logger)

	var advisor *advisory.Client
	if a.cfg.Advisory.Enabled {
		advisor, err = advisory.NewClient(a.cfg.Advisory, a.logger)
		if err != nil {
			a.logger.Warn("点评服务不可用，已禁用", zap.Error(err))
			advisor = nil
		}
	}

	orch := &orchestrator{
		cfg:       a.cfg,
		client:    client,
		scanner:   exchange.NewScanner(client, a.cfg.Scan, a.logger),
		engine:    engine,
		calc:      calc,
		executor:  executor,
		breaker:   breaker,
		backoff:   backoff,
		journal:   journal,
		heartbeat: publisher,
		advisor:   advisor,
		logger:    a.logger,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return orch.Run(groupCtx) })
	group.Go(func() error { return runQuietly(groupCtx, positionGuard.Run) })
	group.Go(func() error { return runQuietly(groupCtx, publisher.Run) })
	if a.cfg.Monitor.Enabled {
		group.Go(func() error {
			return runMonitorServer(groupCtx, journal, a.cfg.Monitor, a.cfg.Heartbeat.Path, a.logger)
		})
	}

	err = group.Wait()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errStopRequested):
		a.logger.Info("收到操作员停机指令，系统已停止")
		return nil
	case errors.Is(err, context.Canceled):
		a.logger.Info("系统收到退出信号，正在停止")
		return nil
	default:
		return err
	}
}

// runQuietly 将上下文取消降级为正常退出，避免污染 errgroup 的错误返回。
func runQuietly(ctx context.Context, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
