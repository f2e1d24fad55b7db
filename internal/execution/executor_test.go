package execution

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"confluence-trader/internal/config"
	"confluence-trader/internal/exchange"
	"confluence-trader/internal/indicator"
	"confluence-trader/internal/planner"
	"confluence-trader/internal/risk"
	"confluence-trader/internal/state"
	"confluence-trader/internal/trade"
)

type placedOrder struct {
	Symbol     string
	Side       string
	Amount     float64
	ReduceOnly bool
}

type mockOrderClient struct {
	fill      exchange.OrderFill
	orderErr  error
	reduceErr error
	positions []exchange.Position
	orders    []placedOrder
}

func (m *mockOrderClient) FetchCandles(_ context.Context, _, _ string, _ int64) ([]exchange.Candle, error) {
	return nil, errors.New("no candles in mock")
}

func (m *mockOrderClient) SetLeverage(_ context.Context, _ string, _ float64) error {
	return nil
}

func (m *mockOrderClient) CreateMarketOrder(_ context.Context, symbol, side string, amount float64, reduceOnly bool) (exchange.OrderFill, error) {
	m.orders = append(m.orders, placedOrder{Symbol: symbol, Side: side, Amount: amount, ReduceOnly: reduceOnly})
	if m.orderErr != nil && !reduceOnly {
		return exchange.OrderFill{}, m.orderErr
	}
	if m.reduceErr != nil && reduceOnly {
		return exchange.OrderFill{}, m.reduceErr
	}
	fill := m.fill
	if fill.Amount == 0 {
		fill.Amount = amount
	}
	fill.Symbol = symbol
	fill.Side = side
	return fill, nil
}

func (m *mockOrderClient) FetchPositions(_ context.Context) ([]exchange.Position, error) {
	return m.positions, nil
}

type stubBreaker struct {
	reason string
}

func (s *stubBreaker) SetEmergency(_ context.Context, reason string) error {
	s.reason = reason
	return nil
}

type failingProtections struct{}

func (failingProtections) Upsert(context.Context, state.Protection) error {
	return errors.New("store unavailable")
}

func (failingProtections) Get(context.Context, string) (state.Protection, bool, error) {
	return state.Protection{}, false, nil
}

func (failingProtections) Remove(context.Context, string) error { return nil }

func (failingProtections) Snapshot(context.Context) ([]state.Protection, error) { return nil, nil }

func testExecutionConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		VerifyAttempts: 3,
		VerifyDelay:    time.Millisecond,
		BackoffBase:    5 * time.Second,
		BackoffCap:     120 * time.Second,
		BackoffJitter:  0.15,
	}
}

func testPlannerConfig() config.PlannerConfig {
	return config.PlannerConfig{
		RRMin:             1.2,
		RRMax:             5.0,
		StructureLookback: 50,
		MinStopPct:        0.003,
		MaxStopPct:        0.025,
		ATRBufferMult:     0.35,
		PctBuffer:         0.0015,
	}
}

func testSizerConfig() config.RiskConfig {
	return config.RiskConfig{
		RiskPerTrade: 0.01,
		MaxLeverage:  20,
		MinLeverage:  1,
		LiqBuffer:    0.8,
		Utilization:  1.0,
		EquityFloor:  5,
		SmallAccount: config.SmallAccountConfig{Enabled: true, MinEquity: 5, MaxEquity: 250, MaxRiskFrac: 0.9},
	}
}

type executorFixture struct {
	executor    *Executor
	client      *mockOrderClient
	ledger      *state.Ledger
	protections *state.Protections
	blacklist   *state.Blacklist
	backoff     *Backoff
	breaker     *stubBreaker
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	dir := t.TempDir()

	ledger, err := state.NewLedger(dir)
	if err != nil {
		t.Fatalf("NewLedger returned error: %v", err)
	}
	t.Cleanup(ledger.Close)

	protections, err := state.NewProtections(dir)
	if err != nil {
		t.Fatalf("NewProtections returned error: %v", err)
	}
	t.Cleanup(protections.Close)

	blacklist, err := state.NewBlacklist(dir)
	if err != nil {
		t.Fatalf("NewBlacklist returned error: %v", err)
	}
	t.Cleanup(blacklist.Close)

	backoff, err := NewBackoff(dir, testExecutionConfig())
	if err != nil {
		t.Fatalf("NewBackoff returned error: %v", err)
	}
	t.Cleanup(backoff.Close)

	client := &mockOrderClient{fill: exchange.OrderFill{ID: "ord-1", AvgPrice: 100.02, Status: "closed"}}
	breaker := &stubBreaker{}

	executor := NewExecutor(Deps{
		Client:      client,
		Planner:     planner.New(testPlannerConfig()),
		Sizer:       risk.NewSizer(testSizerConfig(), nil),
		Breaker:     breaker,
		Ledger:      ledger,
		Protections: protections,
		Blacklist:   blacklist,
		Backoff:     backoff,
		Calculator:  indicator.NewCalculator(),
	}, testExecutionConfig(), config.ScanConfig{Timeframe: "15m", CandleLimit: 200}, nil)

	return &executorFixture{
		executor:    executor,
		client:      client,
		ledger:      ledger,
		protections: protections,
		blacklist:   blacklist,
		backoff:     backoff,
		breaker:     breaker,
	}
}

func testEntryRequest() EntryRequest {
	signal := trade.Signal{
		Symbol:     "BTC/USDT:USDT",
		Direction:  trade.DirectionLong,
		Confidence: 80,
		Entry:      100,
		Stop:       98.5,
		Target:     103.3,
		RR:         2.2,
		Leverage:   5,
	}
	return EntryRequest{
		Signal: signal,
		PlanInput: planner.Input{
			Symbol:     signal.Symbol,
			Direction:  signal.Direction,
			Entry:      signal.Entry,
			ATR:        1.0,
			Confidence: signal.Confidence,
		},
		Equity:          1000,
		AvailableMargin: 1000,
		Limits: exchange.MarketLimits{
			MinNotional:  5,
			MinAmount:    0.001,
			AmountStep:   0.001,
			ContractSize: 1,
			MaxLeverage:  50,
		},
	}
}

func TestExecuteEntrySuccessRegistersProtection(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	result, err := f.executor.ExecuteEntry(ctx, testEntryRequest())
	if err != nil {
		t.Fatalf("ExecuteEntry returned error: %v", err)
	}
	if result.Status != EntryExecuted {
		t.Fatalf("expected EXECUTED, got %s (%s)", result.Status, result.Reason)
	}

	if len(f.client.orders) != 1 {
		t.Fatalf("expected one order, got %d", len(f.client.orders))
	}
	if f.client.orders[0].Side != "buy" || f.client.orders[0].ReduceOnly {
		t.Fatalf("unexpected entry order: %+v", f.client.orders[0])
	}

	prot, ok, err := f.protections.Get(ctx, "BTC/USDT:USDT")
	if err != nil || !ok {
		t.Fatalf("expected protection registered, ok=%v err=%v", ok, err)
	}
	if prot.StopLoss >= prot.TakeProfit {
		t.Fatalf("long protection inverted: SL=%f TP=%f", prot.StopLoss, prot.TakeProfit)
	}

	if _, exists, err := f.ledger.Active(ctx, "BTC/USDT:USDT"); err != nil || !exists {
		t.Fatalf("expected ledger entry, exists=%v err=%v", exists, err)
	}
}

func TestExecuteEntryIdempotentWithLedgerEntry(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	if _, err := f.executor.ExecuteEntry(ctx, testEntryRequest()); err != nil {
		t.Fatalf("ExecuteEntry returned error: %v", err)
	}
	ordersAfterFirst := len(f.client.orders)

	result, err := f.executor.ExecuteEntry(ctx, testEntryRequest())
	if err != nil {
		t.Fatalf("ExecuteEntry returned error: %v", err)
	}
	if result.Status != EntrySkipped {
		t.Fatalf("expected SKIPPED on duplicate entry, got %s", result.Status)
	}
	if len(f.client.orders) != ordersAfterFirst {
		t.Fatalf("duplicate entry placed an order")
	}
}

func TestExecuteEntryBlacklistsUnsupportedSymbol(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	f.client.orderErr = fmt.Errorf("binance error 25013: %w", exchange.ErrUnsupportedSymbol)

	result, err := f.executor.ExecuteEntry(ctx, testEntryRequest())
	if err != nil {
		t.Fatalf("ExecuteEntry returned error: %v", err)
	}
	if result.Status != EntryRejected {
		t.Fatalf("expected REJECTED, got %s", result.Status)
	}

	listed, err := f.blacklist.Contains(ctx, "BTC/USDT:USDT")
	if err != nil || !listed {
		t.Fatalf("expected symbol blacklisted, listed=%v err=%v", listed, err)
	}

	// 第二次调用直接跳过，不再触达交易所。
	ordersBefore := len(f.client.orders)
	result, err = f.executor.ExecuteEntry(ctx, testEntryRequest())
	if err != nil {
		t.Fatalf("ExecuteEntry returned error: %v", err)
	}
	if result.Status != EntrySkipped {
		t.Fatalf("expected SKIPPED for blacklisted symbol, got %s", result.Status)
	}
	if len(f.client.orders) != ordersBefore {
		t.Fatalf("blacklisted symbol still reached the exchange")
	}
}

func TestExecuteEntryTransientFailureRegistersBackoff(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	f.client.orderErr = errors.New("network timeout")

	result, err := f.executor.ExecuteEntry(ctx, testEntryRequest())
	if err != nil {
		t.Fatalf("ExecuteEntry returned error: %v", err)
	}
	if result.Status != EntryFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}

	allowed, err := f.backoff.Allow(ctx, "BTC/USDT:USDT", time.Now().UTC())
	if err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	if allowed {
		t.Fatalf("expected backoff window after transient failure")
	}
}

func TestExecuteEntryFlattensWhenProtectionUnverifiable(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	f.executor.protections = failingProtections{}

	result, err := f.executor.ExecuteEntry(ctx, testEntryRequest())
	if err != nil {
		t.Fatalf("ExecuteEntry returned error: %v", err)
	}
	if result.Status != EntryFlattened {
		t.Fatalf("expected FLATTENED, got %s (%s)", result.Status, result.Reason)
	}

	if len(f.client.orders) != 2 {
		t.Fatalf("expected entry + emergency close, got %d orders", len(f.client.orders))
	}
	closeOrder := f.client.orders[1]
	if !closeOrder.ReduceOnly || closeOrder.Side != "sell" {
		t.Fatalf("unexpected emergency close order: %+v", closeOrder)
	}
}

func TestReconcileNakedReprotects(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	f.client.positions = []exchange.Position{{
		Symbol:     "ETH/USDT:USDT",
		Side:       "LONG",
		Contracts:  2,
		EntryPrice: 2000,
		MarkPrice:  2010,
	}}

	if err := f.executor.ReconcileNaked(ctx); err != nil {
		t.Fatalf("ReconcileNaked returned error: %v", err)
	}

	prot, ok, err := f.protections.Get(ctx, "ETH/USDT:USDT")
	if err != nil || !ok {
		t.Fatalf("expected protection for naked position, ok=%v err=%v", ok, err)
	}
	if prot.StopLoss <= 0 || prot.StopLoss >= 2010 {
		t.Fatalf("long stop %f not below mark price", prot.StopLoss)
	}
	if prot.TakeProfit <= 2010 {
		t.Fatalf("long target %f not above mark price", prot.TakeProfit)
	}

	if _, exists, err := f.ledger.Active(ctx, "ETH/USDT:USDT"); err != nil || !exists {
		t.Fatalf("expected ledger entry for reconciled position, exists=%v err=%v", exists, err)
	}
}

func TestReconcilePrunesStaleProtection(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	if err := f.protections.Upsert(ctx, state.Protection{
		Symbol:    "SOL/USDT:USDT",
		Direction: trade.DirectionShort,
		StopLoss:  110,
		Quantity:  5,
	}); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}

	if err := f.executor.ReconcileNaked(ctx); err != nil {
		t.Fatalf("ReconcileNaked returned error: %v", err)
	}

	if _, ok, err := f.protections.Get(ctx, "SOL/USDT:USDT"); err != nil || ok {
		t.Fatalf("expected stale protection pruned, ok=%v err=%v", ok, err)
	}
}

func TestReconcileFlattensUnprotectablePosition(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	// 无可用价格，保护价位无法规划，持仓必须被平掉而不是继续裸奔。
	f.client.positions = []exchange.Position{{
		Symbol:    "DOGE/USDT:USDT",
		Side:      "LONG",
		Contracts: 100,
	}}

	if err := f.executor.ReconcileNaked(ctx); err != nil {
		t.Fatalf("ReconcileNaked returned error: %v", err)
	}

	var closeOrder *placedOrder
	for i := range f.client.orders {
		if f.client.orders[i].ReduceOnly {
			closeOrder = &f.client.orders[i]
		}
	}
	if closeOrder == nil {
		t.Fatal("expected a reduce-only close for the unprotectable position")
	}
	if closeOrder.Symbol != "DOGE/USDT:USDT" || closeOrder.Side != "sell" || closeOrder.Amount != 100 {
		t.Fatalf("unexpected close order: %+v", *closeOrder)
	}
	if f.breaker.reason != "" {
		t.Fatalf("successful flatten must not escalate to emergency, got %q", f.breaker.reason)
	}
}

func TestReconcileEscalatesWhenFlattenFails(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	f.client.positions = []exchange.Position{{
		Symbol:    "DOGE/USDT:USDT",
		Side:      "SHORT",
		Contracts: 100,
	}}
	f.client.reduceErr = errors.New("close rejected")

	if err := f.executor.ReconcileNaked(ctx); err != nil {
		t.Fatalf("ReconcileNaked returned error: %v", err)
	}

	if f.breaker.reason == "" {
		t.Fatal("failed flatten of an unmanageable position must set emergency state")
	}
}
