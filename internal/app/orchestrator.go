package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"confluence-trader/internal/advisory"
	"confluence-trader/internal/config"
	"confluence-trader/internal/exchange"
	"confluence-trader/internal/execution"
	"confluence-trader/internal/heartbeat"
	"confluence-trader/internal/indicator"
	"confluence-trader/internal/monitor"
	"confluence-trader/internal/planner"
	"confluence-trader/internal/risk"
	"confluence-trader/internal/signal"
	"confluence-trader/internal/trade"
)

// errStopRequested 表示操作员通过停机文件请求安全退出。
var errStopRequested = errors.New("操作员请求停机")

const (
	stopFlagName  = "stop.flag"
	resetFlagName = "reset.flag"

	reconcileInterval = 5 * time.Minute
)

// orchestrator 驱动主决策循环：熔断闸门、候选扫描、信号评估与进场执行。
type orchestrator struct {
	cfg       *config.Config
	client    *exchange.Client
	scanner   *exchange.Scanner
	engine    *signal.Engine
	calc      *indicator.Calculator
	executor  *execution.Executor
	breaker   *risk.Breaker
	backoff   *execution.Backoff
	journal   *monitor.Journal
	heartbeat *heartbeat.Publisher
	advisor   *advisory.Client
	logger    *zap.Logger

	cycle         uint64
	lastState     risk.State
	lastReconcile time.Time
}

// Run 按配置节奏循环执行决策周期，单周期内的恐慌被捕获后暂停一个周期继续。
func (o *orchestrator) Run(ctx context.Context) error {
	o.heartbeat.SetStep("startup")

	if err := o.executor.ReconcileNaked(ctx); err != nil {
		o.logger.Error("启动对账失败", zap.Error(err))
		o.journal.RecordError(ctx, "启动对账失败", err, nil)
	}
	o.lastReconcile = time.Now()

	interval := o.cfg.Scan.CycleInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	for {
		if err := o.runCycle(ctx); err != nil {
			if errors.Is(err, errStopRequested) || errors.Is(err, context.Canceled) {
				return err
			}
			o.logger.Error("决策周期异常", zap.Error(err))
			o.journal.RecordError(ctx, "决策周期异常", err, nil)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (o *orchestrator) runCycle(ctx context.Context) (err error) {
	// 主循环不允许因单周期恐慌而死亡。
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("决策周期恐慌: %v", r)
			o.logger.Error("决策周期恐慌",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	if err := o.handleOperatorFlags(ctx); err != nil {
		return err
	}

	o.cycle++
	o.heartbeat.SetCycle(o.cycle)
	o.heartbeat.SetStep("account")

	account, err := o.client.FetchAccountState(ctx, o.cfg.Scan.QuoteCurrency)
	if err != nil {
		if exchange.IsSystemic(err) {
			if _, ferr := o.backoff.FailGlobal(ctx, time.Now().UTC()); ferr != nil {
				o.logger.Warn("登记全局退避失败", zap.Error(ferr))
			}
		}
		return fmt.Errorf("获取账户状态失败: %w", err)
	}

	o.heartbeat.SetStep("breaker")
	verdict, err := o.breaker.Evaluate(ctx, time.Now(), account.Equity)
	if err != nil {
		return fmt.Errorf("熔断评估失败: %w", err)
	}
	o.heartbeat.SetState(string(verdict.State), verdict.Reason)
	o.recordBreakerTransition(ctx, verdict)

	if time.Since(o.lastReconcile) >= reconcileInterval {
		o.heartbeat.SetStep("reconcile")
		if err := o.executor.ReconcileNaked(ctx); err != nil {
			o.logger.Warn("周期对账失败", zap.Error(err))
			o.journal.RecordError(ctx, "周期对账失败", err, nil)
		}
		o.lastReconcile = time.Now()
	}

	if !verdict.EntriesAllowed {
		// 熔断期间不开新仓，保护单巡检由独立协程继续。
		o.heartbeat.SetStep("paused")
		return nil
	}

	o.heartbeat.SetStep("scan")
	candidates, err := o.scanner.TopCandidates(ctx, account.Equity)
	if err != nil {
		if exchange.IsSystemic(err) {
			if _, ferr := o.backoff.FailGlobal(ctx, time.Now().UTC()); ferr != nil {
				o.logger.Warn("登记全局退避失败", zap.Error(ferr))
			}
		}
		return fmt.Errorf("候选扫描失败: %w", err)
	}

	o.heartbeat.SetStep("evaluate")
	for _, candidate := range candidates {
		entered, err := o.tryCandidate(ctx, candidate, account)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			o.logger.Warn("候选评估失败",
				zap.String("symbol", candidate.Symbol),
				zap.Error(err),
			)
			continue
		}
		if entered {
			// 单周期只开一仓。
			break
		}
	}

	o.heartbeat.SetStep("idle")
	return nil
}

func (o *orchestrator) tryCandidate(ctx context.Context, candidate exchange.Candidate, account exchange.AccountState) (bool, error) {
	now := time.Now().UTC()

	allowed, err := o.backoff.Allow(ctx, candidate.Symbol, now)
	if err != nil {
		return false, err
	}
	if !allowed {
		return false, nil
	}

	candles, err := o.client.FetchCandles(ctx, candidate.Symbol, o.cfg.Scan.Timeframe, int64(o.cfg.Scan.CandleLimit))
	if err != nil {
		if exchange.IsSystemic(err) {
			if _, ferr := o.backoff.FailGlobal(ctx, now); ferr != nil {
				o.logger.Warn("登记全局退避失败", zap.Error(ferr))
			}
		}
		if _, ferr := o.backoff.Fail(ctx, candidate.Symbol, now); ferr != nil {
			o.logger.Warn("登记退避失败", zap.Error(ferr))
		}
		return false, fmt.Errorf("拉取K线失败: %w", err)
	}

	sig, err := o.engine.Evaluate(candidate.Symbol, o.cfg.Scan.Timeframe, candles, candidate.Limits.PriceStep)
	if err != nil {
		return false, fmt.Errorf("信号评估失败: %w", err)
	}

	if !sig.Direction.Actionable() {
		return false, nil
	}

	o.journal.Record(ctx, monitor.EventSignal, sig.Symbol, "产生可执行信号", sig)

	ind, err := o.calc.Compute(sig.Symbol, sig.Timeframe, candles)
	if err != nil {
		return false, fmt.Errorf("指标计算失败: %w", err)
	}
	o.comment(ctx, sig, ind)

	result, err := o.executor.ExecuteEntry(ctx, execution.EntryRequest{
		Signal: sig,
		PlanInput: planner.Input{
			Symbol:     sig.Symbol,
			Direction:  sig.Direction,
			Entry:      sig.Entry,
			ATR:        ind.ATR.Absolute,
			Confidence: sig.Confidence,
			Series:     ind.Series,
			PriceStep:  candidate.Limits.PriceStep,
		},
		Equity:          account.Equity,
		AvailableMargin: account.AvailableMargin,
		Limits:          candidate.Limits,
	})
	if err != nil {
		return false, fmt.Errorf("进场执行失败: %w", err)
	}

	return result.Executed(), nil
}

// comment 请求点评模型对信号做事后评述。失败只记录，绝不影响交易路径。
func (o *orchestrator) comment(ctx context.Context, sig trade.Signal, ind indicator.Result) {
	if o.advisor == nil {
		return
	}

	commentary, err := o.advisor.Comment(ctx, sig, ind)
	if err != nil {
		o.logger.Warn("信号点评不可用", zap.String("symbol", sig.Symbol), zap.Error(err))
		o.journal.Record(ctx, monitor.EventAdvisory, sig.Symbol, "点评不可用: "+err.Error(), nil)
		return
	}

	o.journal.Record(ctx, monitor.EventAdvisory, sig.Symbol, commentary.Rationale, commentary)
}

// recordBreakerTransition 仅在熔断状态变化时写入事件日志。
func (o *orchestrator) recordBreakerTransition(ctx context.Context, verdict risk.Verdict) {
	if verdict.State == o.lastState {
		return
	}
	o.journal.Record(ctx, monitor.EventBreaker, "", "熔断状态变化", map[string]any{
		"from":   string(o.lastState),
		"to":     string(verdict.State),
		"reason": verdict.Reason,
	})
	o.logger.Info("熔断状态变化",
		zap.String("from", string(o.lastState)),
		zap.String("to", string(verdict.State)),
		zap.String("reason", verdict.Reason),
	)
	o.lastState = verdict.State
}

// handleOperatorFlags 处理操作员放置的控制文件。
func (o *orchestrator) handleOperatorFlags(ctx context.Context) error {
	stateDir := o.cfg.App.StateDir

	stopPath := filepath.Join(stateDir, stopFlagName)
	if _, err := os.Stat(stopPath); err == nil {
		_ = os.Remove(stopPath)
		o.logger.Info("检测到停机文件", zap.String("path", stopPath))
		return errStopRequested
	}

	resetPath := filepath.Join(stateDir, resetFlagName)
	if _, err := os.Stat(resetPath); err == nil {
		_ = os.Remove(resetPath)
		o.logger.Info("检测到重置文件，清空退避并恢复交易", zap.String("path", resetPath))
		if err := o.backoff.Reset(ctx); err != nil {
			o.logger.Warn("清空退避失败", zap.Error(err))
		}
		if err := o.breaker.Resume(ctx, time.Now()); err != nil {
			o.logger.Warn("恢复交易失败", zap.Error(err))
		}
		o.journal.Record(ctx, monitor.EventBreaker, "", "操作员重置退避与暂停", nil)
	}

	return nil
}
