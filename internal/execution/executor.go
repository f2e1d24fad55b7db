package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"confluence-trader/internal/config"
	"confluence-trader/internal/exchange"
	"confluence-trader/internal/indicator"
	"confluence-trader/internal/planner"
	"confluence-trader/internal/risk"
	"confluence-trader/internal/state"
	"confluence-trader/internal/trade"
)

type orderClient interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]exchange.Candle, error)
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
	CreateMarketOrder(ctx context.Context, symbol, side string, amount float64, reduceOnly bool) (exchange.OrderFill, error)
	FetchPositions(ctx context.Context) ([]exchange.Position, error)
}

type entryLedger interface {
	Active(ctx context.Context, symbol string) (state.LedgerEntry, bool, error)
	Register(ctx context.Context, entry state.LedgerEntry) error
	Remove(ctx context.Context, symbol string) error
}

type protectionStore interface {
	Upsert(ctx context.Context, prot state.Protection) error
	Get(ctx context.Context, symbol string) (state.Protection, bool, error)
	Remove(ctx context.Context, symbol string) error
	Snapshot(ctx context.Context) ([]state.Protection, error)
}

type symbolBlacklist interface {
	Add(ctx context.Context, symbol, reason string) error
	Contains(ctx context.Context, symbol string) (bool, error)
}

type emergencySetter interface {
	SetEmergency(ctx context.Context, reason string) error
}

type eventRecorder interface {
	Record(ctx context.Context, kind, symbol, message string, payload any)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, string, string, string, any) {}

// Deps 汇集执行器的全部依赖。
type Deps struct {
	Client      orderClient
	Planner     *planner.Planner
	Sizer       *risk.Sizer
	Breaker     emergencySetter
	Ledger      entryLedger
	Protections protectionStore
	Blacklist   symbolBlacklist
	Backoff     *Backoff
	Calculator  *indicator.Calculator
	Recorder    eventRecorder
}

// Executor 管理进场订单的完整生命周期：
// 防重复、测算、下单、保护单登记与确认、失败时紧急平仓。
type Executor struct {
	client      orderClient
	planner     *planner.Planner
	sizer       *risk.Sizer
	breaker     emergencySetter
	ledger      entryLedger
	protections protectionStore
	blacklist   symbolBlacklist
	backoff     *Backoff
	calc        *indicator.Calculator
	recorder    eventRecorder
	cfg         config.ExecutionConfig
	scan        config.ScanConfig
	logger      *zap.Logger
}

// NewExecutor 创建订单生命周期管理器。
func NewExecutor(deps Deps, cfg config.ExecutionConfig, scan config.ScanConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Executor{
		client:      deps.Client,
		planner:     deps.Planner,
		sizer:       deps.Sizer,
		breaker:     deps.Breaker,
		ledger:      deps.Ledger,
		protections: deps.Protections,
		blacklist:   deps.Blacklist,
		backoff:     deps.Backoff,
		calc:        deps.Calculator,
		recorder:    recorder,
		cfg:         cfg,
		scan:        scan,
		logger:      logger,
	}
}

// ExecuteEntry 按信号尝试进场。
//
// 台账已有记录时为幂等空操作；成交后以真实均价重新规划保护价位，
// 保护单无法确认时立即以只减仓方式平掉该仓位，进程本身绝不因此退出。
func (e *Executor) ExecuteEntry(ctx context.Context, req EntryRequest) (EntryResult, error) {
	symbol := req.Signal.Symbol
	now := time.Now().UTC()
	result := EntryResult{FinishedAt: now}

	blacklisted, err := e.blacklist.Contains(ctx, symbol)
	if err != nil {
		return result, err
	}
	if blacklisted {
		result.Status = EntrySkipped
		result.Reason = "标的在黑名单中"
		return result, nil
	}

	allowed, err := e.backoff.Allow(ctx, symbol, now)
	if err != nil {
		return result, err
	}
	if !allowed {
		result.Status = EntrySkipped
		result.Reason = "退避窗口未结束"
		return result, nil
	}

	if _, exists, err := e.ledger.Active(ctx, symbol); err != nil {
		return result, err
	} else if exists {
		result.Status = EntrySkipped
		result.Reason = "台账已有该标的的有效进场"
		return result, nil
	}

	sized := e.sizer.Size(risk.SizeRequest{
		Symbol:            symbol,
		Entry:             req.Signal.Entry,
		Stop:              req.Signal.Stop,
		Equity:            req.Equity,
		AvailableMargin:   req.AvailableMargin,
		SuggestedLeverage: req.Signal.Leverage,
		Limits:            req.Limits,
	})
	if sized.Rejected() {
		result.Status = EntryRejected
		result.ReasonCode = sized.Reason
		result.Reason = strings.Join(sized.Notes, "; ")
		e.recorder.Record(ctx, "entry_rejected", symbol, string(sized.Reason), sized)
		return result, nil
	}
	result.Quantity = sized.Quantity
	result.Leverage = sized.Leverage

	// 杠杆设置失败不阻止进场，交易所会沿用上次设置。
	if err := e.client.SetLeverage(ctx, symbol, sized.Leverage); err != nil {
		e.logger.Warn("设置杠杆失败，沿用现有杠杆",
			zap.String("symbol", symbol),
			zap.Float64("leverage", sized.Leverage),
			zap.Error(err),
		)
	}

	fill, err := e.client.CreateMarketOrder(ctx, symbol, req.Signal.Direction.OrderSide(), sized.Quantity, false)
	if err != nil {
		return e.handleEntryError(ctx, symbol, now, result, err)
	}
	result.Fill = fill

	fillPrice := fill.AvgPrice
	if fillPrice <= 0 {
		fillPrice = req.Signal.Entry
	}
	filledQty := fill.Amount
	if filledQty <= 0 {
		filledQty = sized.Quantity
	}

	plan := e.replan(req, fillPrice)
	result.Plan = plan

	prot := state.Protection{
		Symbol:     symbol,
		Direction:  req.Signal.Direction,
		TakeProfit: plan.Target,
		StopLoss:   plan.Stop,
		Quantity:   filledQty,
		UpdatedAt:  now,
	}

	if !e.registerAndVerify(ctx, prot) {
		return e.flatten(ctx, symbol, req.Signal.Direction, filledQty, result)
	}

	entry := state.LedgerEntry{
		Symbol:    symbol,
		Direction: req.Signal.Direction,
		EntryID:   fill.ID,
		Quantity:  filledQty,
		Entry:     fillPrice,
		Stop:      plan.Stop,
		Target:    plan.Target,
		Status:    state.LedgerStatusActive,
		CreatedAt: now,
	}
	if err := e.ledger.Register(ctx, entry); err != nil {
		return result, err
	}
	if err := e.backoff.Clear(ctx, symbol); err != nil {
		return result, err
	}

	result.Status = EntryExecuted
	e.recorder.Record(ctx, "entry", symbol,
		fmt.Sprintf("%s 进场 %.6f@%.6f SL=%.6f TP=%.6f", req.Signal.Direction, filledQty, fillPrice, plan.Stop, plan.Target),
		entry)
	e.logger.Info("进场完成并已登记保护单",
		zap.String("symbol", symbol),
		zap.String("direction", string(req.Signal.Direction)),
		zap.Float64("quantity", filledQty),
		zap.Float64("entry", fillPrice),
		zap.Float64("stop", plan.Stop),
		zap.Float64("target", plan.Target),
		zap.Float64("leverage", sized.Leverage),
	)
	return result, nil
}

func (e *Executor) handleEntryError(ctx context.Context, symbol string, now time.Time, result EntryResult, err error) (EntryResult, error) {
	switch {
	case exchange.IsUnsupportedSymbol(err):
		if addErr := e.blacklist.Add(ctx, symbol, err.Error()); addErr != nil {
			return result, addErr
		}
		result.Status = EntryRejected
		result.Reason = "交易所不支持该标的，已永久拉黑"
		e.recorder.Record(ctx, "blacklist", symbol, result.Reason, err.Error())
		e.logger.Warn("标的不受支持，加入黑名单", zap.String("symbol", symbol), zap.Error(err))
		return result, nil

	case exchange.IsSystemic(err):
		if _, gErr := e.backoff.FailGlobal(ctx, now); gErr != nil {
			return result, gErr
		}
		fallthrough

	default:
		delay, bErr := e.backoff.Fail(ctx, symbol, now)
		if bErr != nil {
			return result, bErr
		}
		result.Status = EntryFailed
		result.Reason = fmt.Sprintf("下单失败，退避 %s: %v", delay, err)
		e.recorder.Record(ctx, "entry_failed", symbol, result.Reason, nil)
		e.logger.Warn("进场下单失败",
			zap.String("symbol", symbol),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		return result, nil
	}
}

// replan 以真实成交价重算保护价位，规划失败时沿用信号原价位。
func (e *Executor) replan(req EntryRequest, fillPrice float64) planner.Plan {
	in := req.PlanInput
	in.Entry = fillPrice
	plan, err := e.planner.Build(in)
	if err != nil {
		e.logger.Warn("以成交价重新规划失败，沿用信号价位",
			zap.String("symbol", req.Signal.Symbol),
			zap.Error(err),
		)
		return planner.Plan{
			Stop:   req.Signal.Stop,
			Target: req.Signal.Target,
			RR:     req.Signal.RR,
		}
	}
	return plan
}

// registerAndVerify 写入虚拟保护单并轮询确认，最多尝试配置的次数。
func (e *Executor) registerAndVerify(ctx context.Context, prot state.Protection) bool {
	for attempt := 1; attempt <= e.cfg.VerifyAttempts; attempt++ {
		if err := e.protections.Upsert(ctx, prot); err != nil {
			e.logger.Warn("写入保护单失败",
				zap.String("symbol", prot.Symbol),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		} else if stored, ok, err := e.protections.Get(ctx, prot.Symbol); err == nil && ok && stored.Quantity > 0 {
			return true
		}

		if attempt < e.cfg.VerifyAttempts {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(e.cfg.VerifyDelay):
			}
		}
	}
	return false
}

// flatten 保护单确认失败后的安全网：立即只减仓平掉全部成交数量。
func (e *Executor) flatten(ctx context.Context, symbol string, direction trade.Direction, qty float64, result EntryResult) (EntryResult, error) {
	reason := fmt.Sprintf("%s 保护单无法确认，紧急平仓 %.6f", symbol, qty)
	e.recorder.Record(ctx, "protection_failure", symbol, reason, nil)
	e.logger.Error("保护单确认失败，执行紧急平仓",
		zap.String("symbol", symbol),
		zap.Float64("quantity", qty),
	)

	if _, err := e.client.CreateMarketOrder(ctx, symbol, direction.CloseSide(), qty, true); err != nil {
		// 平仓也失败：持仓不可管理，进入全局紧急状态等待人工介入。
		emergencyReason := fmt.Sprintf("%s 紧急平仓失败: %v", symbol, err)
		if e.breaker != nil {
			if setErr := e.breaker.SetEmergency(ctx, emergencyReason); setErr != nil {
				e.logger.Error("置位紧急状态失败", zap.Error(setErr))
			}
		}
		e.recorder.Record(ctx, "emergency", symbol, emergencyReason, nil)
		result.Status = EntryFlattened
		result.Reason = emergencyReason
		return result, nil
	}

	_ = e.protections.Remove(ctx, symbol)
	result.Status = EntryFlattened
	result.Reason = reason
	return result, nil
}

// ReconcileNaked 巡检交易所持仓：无保护单的持仓立即按规划器重建保护，
// 已无对应持仓的保护单与台账记录则清理。进程启动时与周期性调用。
func (e *Executor) ReconcileNaked(ctx context.Context) error {
	positions, err := e.client.FetchPositions(ctx)
	if err != nil {
		return err
	}

	held := make(map[string]exchange.Position, len(positions))
	for _, pos := range positions {
		held[pos.Symbol] = pos

		if _, ok, err := e.protections.Get(ctx, pos.Symbol); err != nil {
			return err
		} else if ok {
			continue
		}

		if err := e.protectNaked(ctx, pos); err != nil {
			e.recorder.Record(ctx, "reconcile_failed", pos.Symbol, err.Error(), nil)
			e.logger.Error("裸仓重建保护失败",
				zap.String("symbol", pos.Symbol),
				zap.Error(err),
			)
			// 无法保护的持仓不允许继续裸奔，立即平掉。
			e.flattenNaked(ctx, pos, err)
		}
	}

	// 反向清理：保护单对应的持仓已不存在（外部平仓）。
	snapshot, err := e.protections.Snapshot(ctx)
	if err != nil {
		return err
	}
	for _, prot := range snapshot {
		if _, ok := held[prot.Symbol]; ok {
			continue
		}
		if err := e.protections.Remove(ctx, prot.Symbol); err != nil {
			return err
		}
		if err := e.ledger.Remove(ctx, prot.Symbol); err != nil {
			return err
		}
		e.recorder.Record(ctx, "protection_pruned", prot.Symbol, "持仓已不存在，清理保护单与台账", nil)
	}

	return nil
}

func (e *Executor) protectNaked(ctx context.Context, pos exchange.Position) error {
	direction := trade.DirectionLong
	if strings.EqualFold(pos.Side, "SHORT") {
		direction = trade.DirectionShort
	}

	entry := pos.MarkPrice
	if entry <= 0 {
		entry = pos.EntryPrice
	}

	in := planner.Input{
		Symbol:     pos.Symbol,
		Direction:  direction,
		Entry:      entry,
		Confidence: 60,
	}
	if candles, err := e.client.FetchCandles(ctx, pos.Symbol, e.scan.Timeframe, int64(e.scan.CandleLimit)); err == nil {
		if ind, calcErr := e.calc.Compute(pos.Symbol, e.scan.Timeframe, candles); calcErr == nil {
			in.ATR = ind.ATR.Absolute
			in.Series = ind.Series
		}
	}

	plan, err := e.planner.Build(in)
	if err != nil {
		return fmt.Errorf("execution: 裸仓 %s 规划保护价位失败: %w", pos.Symbol, err)
	}

	now := time.Now().UTC()
	prot := state.Protection{
		Symbol:     pos.Symbol,
		Direction:  direction,
		TakeProfit: plan.Target,
		StopLoss:   plan.Stop,
		Quantity:   pos.Contracts,
		UpdatedAt:  now,
	}
	if err := e.protections.Upsert(ctx, prot); err != nil {
		return err
	}

	if _, exists, err := e.ledger.Active(ctx, pos.Symbol); err != nil {
		return err
	} else if !exists {
		if err := e.ledger.Register(ctx, state.LedgerEntry{
			Symbol:    pos.Symbol,
			Direction: direction,
			Quantity:  pos.Contracts,
			Entry:     entry,
			Stop:      plan.Stop,
			Target:    plan.Target,
			Status:    state.LedgerStatusActive,
			CreatedAt: now,
		}); err != nil {
			return err
		}
	}

	e.recorder.Record(ctx, "naked_reprotected", pos.Symbol,
		fmt.Sprintf("裸仓已重建保护 SL=%.6f TP=%.6f", plan.Stop, plan.Target), prot)
	e.logger.Warn("发现裸仓并已重建保护",
		zap.String("symbol", pos.Symbol),
		zap.String("direction", string(direction)),
		zap.Float64("quantity", pos.Contracts),
	)
	return nil
}

// flattenNaked 裸仓重建保护失败后的最后手段：立即只减仓平掉该持仓。
// 平仓也失败意味着持仓不可管理，置位全局紧急状态等待人工介入。
func (e *Executor) flattenNaked(ctx context.Context, pos exchange.Position, cause error) {
	direction := trade.DirectionLong
	if strings.EqualFold(pos.Side, "SHORT") {
		direction = trade.DirectionShort
	}

	reason := fmt.Sprintf("%s 裸仓无法重建保护，紧急平仓 %.6f: %v", pos.Symbol, pos.Contracts, cause)
	e.recorder.Record(ctx, "protection_failure", pos.Symbol, reason, nil)
	e.logger.Error("裸仓无法保护，执行紧急平仓",
		zap.String("symbol", pos.Symbol),
		zap.Float64("quantity", pos.Contracts),
	)

	if _, err := e.client.CreateMarketOrder(ctx, pos.Symbol, direction.CloseSide(), pos.Contracts, true); err != nil {
		emergencyReason := fmt.Sprintf("%s 裸仓紧急平仓失败: %v", pos.Symbol, err)
		if e.breaker != nil {
			if setErr := e.breaker.SetEmergency(ctx, emergencyReason); setErr != nil {
				e.logger.Error("置位紧急状态失败", zap.Error(setErr))
			}
		}
		e.recorder.Record(ctx, "emergency", pos.Symbol, emergencyReason, nil)
		return
	}

	_ = e.ledger.Remove(ctx, pos.Symbol)
}
