package guard

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"confluence-trader/internal/exchange"
	"confluence-trader/internal/state"
	"confluence-trader/internal/trade"
)

type priceClient interface {
	FetchLastPrice(ctx context.Context, symbol string) (float64, error)
	CreateMarketOrder(ctx context.Context, symbol, side string, amount float64, reduceOnly bool) (exchange.OrderFill, error)
}

type protectionStore interface {
	Snapshot(ctx context.Context) ([]state.Protection, error)
	Remove(ctx context.Context, symbol string) error
}

type entryLedger interface {
	Active(ctx context.Context, symbol string) (state.LedgerEntry, bool, error)
	Remove(ctx context.Context, symbol string) error
}

type outcomeRecorder interface {
	RecordTradeOutcome(ctx context.Context, now time.Time, symbol string, pnl float64) error
}

type eventRecorder interface {
	Record(ctx context.Context, kind, symbol, message string, payload any)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, string, string, string, any) {}

// Guard 持续盯盘虚拟保护单：按方向比较标记价与止盈止损价，
// 触发后以只减仓市价单平仓。独立于决策主循环运行，约1秒一跳。
type Guard struct {
	client      priceClient
	protections protectionStore
	ledger      entryLedger
	breaker     outcomeRecorder
	recorder    eventRecorder
	interval    time.Duration
	logger      *zap.Logger
}

// New 创建持仓守卫。
func New(client priceClient, protections protectionStore, ledger entryLedger, breaker outcomeRecorder, recorder eventRecorder, interval time.Duration, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Guard{
		client:      client,
		protections: protections,
		ledger:      ledger,
		breaker:     breaker,
		recorder:    recorder,
		interval:    interval,
		logger:      logger,
	}
}

// Run 周期性巡检，直到 ctx 取消。单次巡检的错误只记录不中断。
func (g *Guard) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.tick(ctx); err != nil {
				g.logger.Warn("保护单巡检出错", zap.Error(err))
			}
		}
	}
}

func (g *Guard) tick(ctx context.Context) error {
	snapshot, err := g.protections.Snapshot(ctx)
	if err != nil {
		return err
	}

	for _, prot := range snapshot {
		price, err := g.client.FetchLastPrice(ctx, prot.Symbol)
		if err != nil {
			// 行情获取失败：保护单保留，下一跳重试。
			g.logger.Warn("获取标记价失败",
				zap.String("symbol", prot.Symbol),
				zap.Error(err),
			)
			continue
		}

		kind, triggered := evaluateTrigger(prot, price)
		if !triggered {
			continue
		}

		if err := g.closeProtected(ctx, prot, price, kind); err != nil {
			g.logger.Error("触发平仓失败，下一跳重试",
				zap.String("symbol", prot.Symbol),
				zap.String("trigger", kind),
				zap.Error(err),
			)
		}
	}

	return nil
}

// evaluateTrigger 按方向比较价格与触发位。止损优先：跳空同时越过两个价位时按止损处理。
func evaluateTrigger(prot state.Protection, price float64) (string, bool) {
	switch prot.Direction {
	case trade.DirectionLong:
		if prot.StopLoss > 0 && price <= prot.StopLoss {
			return "stop_loss", true
		}
		if prot.TakeProfit > 0 && price >= prot.TakeProfit {
			return "take_profit", true
		}
	case trade.DirectionShort:
		if prot.StopLoss > 0 && price >= prot.StopLoss {
			return "stop_loss", true
		}
		if prot.TakeProfit > 0 && price <= prot.TakeProfit {
			return "take_profit", true
		}
	}
	return "", false
}

func (g *Guard) closeProtected(ctx context.Context, prot state.Protection, price float64, kind string) error {
	fill, err := g.client.CreateMarketOrder(ctx, prot.Symbol, prot.Direction.CloseSide(), prot.Quantity, true)
	if err != nil {
		return err
	}

	exitPrice := fill.AvgPrice
	if exitPrice <= 0 {
		exitPrice = price
	}

	now := time.Now().UTC()
	pnl := 0.0
	if entry, ok, err := g.ledger.Active(ctx, prot.Symbol); err == nil && ok {
		pnl = (exitPrice - entry.Entry) * prot.Quantity
		if prot.Direction == trade.DirectionShort {
			pnl = -pnl
		}
		if g.breaker != nil {
			if err := g.breaker.RecordTradeOutcome(ctx, now, prot.Symbol, pnl); err != nil {
				g.logger.Warn("记录平仓盈亏失败", zap.String("symbol", prot.Symbol), zap.Error(err))
			}
		}
	}

	if err := g.protections.Remove(ctx, prot.Symbol); err != nil {
		return err
	}
	if err := g.ledger.Remove(ctx, prot.Symbol); err != nil {
		return err
	}

	message := fmt.Sprintf("%s 触发%s @%.6f 平仓 %.6f 盈亏 %.4f",
		prot.Symbol, triggerLabel(kind), price, prot.Quantity, pnl)
	g.recorder.Record(ctx, kind, prot.Symbol, message, prot)
	g.logger.Info("虚拟保护单触发平仓",
		zap.String("symbol", prot.Symbol),
		zap.String("trigger", kind),
		zap.Float64("price", price),
		zap.Float64("quantity", prot.Quantity),
		zap.Float64("pnl", pnl),
	)
	return nil
}

func triggerLabel(kind string) string {
	if kind == "take_profit" {
		return "止盈"
	}
	return "止损"
}
