package trader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"perp-scalper/internal/config"
	"perp-scalper/internal/exchange"
	"perp-scalper/pkg/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAPI is an in-memory exchange for coordinator and watchdog tests.
type fakeAPI struct {
	mu          sync.Mutex
	seq         int
	orders      map[string]*types.OrderInfo
	orderReqs   []types.OrderRequest
	algos       map[string][]types.AlgoOrder
	positions   map[string]types.ExchangePosition
	lot         types.LotSizeInfo
	price       float64
	balance     float64
	balErr      error
	levErr      error
	tpSlReqs    []types.TpSlRequest
	canceled    []string
	listErr     error
	leverageSet map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		orders:      make(map[string]*types.OrderInfo),
		algos:       make(map[string][]types.AlgoOrder),
		positions:   make(map[string]types.ExchangePosition),
		lot:         types.LotSizeInfo{MinQty: 0.001, StepSize: 0.001, TickSize: 0.01},
		price:       100,
		balance:     1000,
		leverageSet: make(map[string]int),
	}
}

func (f *fakeAPI) GetAvailableBalance(_ context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.balErr
}

func (f *fakeAPI) SetLeverage(_ context.Context, symbol string, lev int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.levErr != nil {
		return f.levErr
	}
	f.leverageSet[symbol] = lev
	return nil
}

func (f *fakeAPI) CreateOrder(_ context.Context, req types.OrderRequest) (types.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderReqs = append(f.orderReqs, req)
	f.seq++
	info := types.OrderInfo{
		OrderID:  fmt.Sprintf("o%d", f.seq),
		Symbol:   req.Symbol,
		Side:     req.Side,
		State:    types.OrderNew,
		Price:    req.Price,
		Quantity: req.Quantity,
	}
	f.orders[info.OrderID] = &info
	return info, nil
}

func (f *fakeAPI) QueryOrder(_ context.Context, _, orderID string) (types.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		return *o, nil
	}
	return types.OrderInfo{}, fmt.Errorf("unknown order %s", orderID)
}

func (f *fakeAPI) CancelOrder(_ context.Context, _, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, orderID)
	if o, ok := f.orders[orderID]; ok && !o.State.Terminal() {
		o.State = types.OrderCanceled
	}
	return nil
}

func (f *fakeAPI) CreateTpSlOrder(_ context.Context, req types.TpSlRequest) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tpSlReqs = append(f.tpSlReqs, req)
	f.seq++
	tpID := fmt.Sprintf("tp%d", f.seq)
	slID := fmt.Sprintf("sl%d", f.seq)
	f.algos[req.Symbol] = []types.AlgoOrder{
		{OrderID: tpID, Symbol: req.Symbol, PlanType: types.PlanTakeProfit,
			Side: req.Direction.CloseSide(), TriggerPrice: req.TPTrigger, Quantity: req.TPQty},
		{OrderID: slID, Symbol: req.Symbol, PlanType: types.PlanStopLoss,
			Side: req.Direction.CloseSide(), TriggerPrice: req.SLTrigger, Quantity: req.SLQty},
	}
	return tpID, slID, nil
}

func (f *fakeAPI) CancelAllAlgoOrders(_ context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.algos, symbol)
	return nil
}

func (f *fakeAPI) GetOpenAlgoOrders(_ context.Context, symbol string) ([]types.AlgoOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.AlgoOrder(nil), f.algos[symbol]...), nil
}

func (f *fakeAPI) GetOpenPositions(_ context.Context) ([]types.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]types.ExchangePosition, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeAPI) GetLotSizeInfo(_ context.Context, symbol string) (types.LotSizeInfo, error) {
	lot := f.lot
	lot.Symbol = symbol
	return lot, nil
}

func (f *fakeAPI) GetSymbolPrice(_ context.Context, _ string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, nil
}

// fakeGate allows or denies everything and records PnL reports.
type fakeGate struct {
	mu     sync.Mutex
	allow  bool
	reason string
	pnls   []float64
}

func (g *fakeGate) CanEnter(types.Direction, int, int) (bool, string) { return g.allow, g.reason }
func (g *fakeGate) RecordPnl(pnl float64) {
	g.mu.Lock()
	g.pnls = append(g.pnls, pnl)
	g.mu.Unlock()
}

func testOrderConfig() config.OrderConfig {
	return config.OrderConfig{
		ATRPeriod:       14,
		FixedMarginUSDT: 50,
		Leverage:        5,
		FeePct:          0.0004,
		SlippagePct:     0.0002,
		UnfillTimeout:   60 * time.Second,
	}
}

func testLifecycleConfig() config.LifecycleConfig {
	return config.LifecycleConfig{
		TickInterval:     10 * time.Second,
		TPReduceTime:     15 * time.Minute,
		TPReduceRatio:    0.5,
		BreakevenTime:    30 * time.Minute,
		BreakevenMinPnl:  0.001,
		MaxHoldTime:      time.Hour,
		WatchdogInterval: 15 * time.Second,
		RebuildCooldown:  15 * time.Second,
		SignalTTL:        time.Minute,
	}
}

func mkSignal(symbol string, dir types.Direction) *types.Signal {
	now := time.Now()
	sig := &types.Signal{
		ID:           "sig-test-1",
		Symbol:       symbol,
		Direction:    dir,
		Strength:     75,
		CurrentPrice: 100.15,
		EntryPrice:   100,
		TP1Price:     101,
		TP2Price:     102,
		SLPrice:      99,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Minute),
	}
	if dir == types.SHORT {
		sig.EntryPrice = 100
		sig.TP1Price = 99
		sig.TP2Price = 98
		sig.SLPrice = 101
	}
	return sig
}

func newTestCoordinator(api *fakeAPI, gate RiskGate) *Coordinator {
	return NewCoordinator(api, gate, nil, testOrderConfig(), testLifecycleConfig(), nil, discard())
}

func TestSignalBecomesEntryOrder(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	c := newTestCoordinator(api, &fakeGate{allow: true})

	c.EnqueueSignal(mkSignal("BTCUSDT", types.LONG))
	c.Tick(context.Background())

	pending := c.PendingOrders()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	po := pending[0]
	if po.EntryPrice != 100 {
		t.Fatalf("entry = %v, want 100", po.EntryPrice)
	}
	// 50 USDT margin × 5x leverage at 100 = 2.5 contracts.
	if po.Quantity != 2.5 {
		t.Fatalf("qty = %v, want 2.5", po.Quantity)
	}
	if api.leverageSet["BTCUSDT"] != 5 {
		t.Fatal("leverage not set before entry")
	}
	if got := api.orderReqs[0].TimeInForce; got != types.TIFGTC {
		t.Fatalf("entry tif = %q, want GTC", got)
	}
}

func TestPausedEntriesSkipSignals(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	c := newTestCoordinator(api, &fakeGate{allow: true})
	ctx := context.Background()

	c.SetEntriesPaused(true)
	c.EnqueueSignal(mkSignal("BTCUSDT", types.LONG))
	c.Tick(ctx)

	if len(c.PendingOrders()) != 0 || len(api.orders) != 0 {
		t.Fatal("paused coordinator must not act on signals")
	}

	c.SetEntriesPaused(false)
	c.EnqueueSignal(mkSignal("BTCUSDT", types.LONG))
	c.Tick(ctx)

	if len(c.PendingOrders()) != 1 {
		t.Fatal("resumed coordinator should place entries again")
	}
}

func TestInsufficientBalanceSkipsEntry(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	c := newTestCoordinator(api, &fakeGate{allow: true})
	ctx := context.Background()

	api.balance = 10 // below the 50 USDT margin
	c.EnqueueSignal(mkSignal("BTCUSDT", types.LONG))
	c.Tick(ctx)
	if len(c.PendingOrders()) != 0 || len(api.orders) != 0 {
		t.Fatal("entry must be skipped when balance is below margin")
	}

	api.mu.Lock()
	api.balance = 1000
	api.balErr = fmt.Errorf("gateway timeout")
	api.mu.Unlock()
	c.EnqueueSignal(mkSignal("BTCUSDT", types.LONG))
	c.Tick(ctx)
	if len(c.PendingOrders()) != 0 {
		t.Fatal("entry must be skipped when the balance is unknown")
	}

	api.mu.Lock()
	api.balErr = nil
	api.mu.Unlock()
	c.EnqueueSignal(mkSignal("BTCUSDT", types.LONG))
	c.Tick(ctx)
	if len(c.PendingOrders()) != 1 {
		t.Fatal("entry should go through once the balance covers margin")
	}
}

func TestTransientLeverageErrorStillEnters(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	api.levErr = fmt.Errorf("502 bad gateway")
	c := newTestCoordinator(api, &fakeGate{allow: true})

	c.EnqueueSignal(mkSignal("BTCUSDT", types.LONG))
	c.Tick(context.Background())

	// Leverage is sticky exchange-side; a transient failure keeps the prior
	// setting and the entry proceeds.
	if len(c.PendingOrders()) != 1 {
		t.Fatal("transient leverage error must not block the entry")
	}
}

func TestInvalidLeverageFailsEntry(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	api.levErr = exchange.ErrInvalidLeverage
	c := newTestCoordinator(api, &fakeGate{allow: true})

	c.EnqueueSignal(mkSignal("BTCUSDT", types.LONG))
	c.Tick(context.Background())

	if len(c.PendingOrders()) != 0 || len(api.orders) != 0 {
		t.Fatal("rejected leverage must abort the entry")
	}
}

func TestRiskGateBlocksEntry(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	c := newTestCoordinator(api, &fakeGate{allow: false, reason: "max positions reached"})

	c.EnqueueSignal(mkSignal("BTCUSDT", types.LONG))
	c.Tick(context.Background())

	if len(c.PendingOrders()) != 0 {
		t.Fatal("blocked signal must not place an order")
	}
	if len(api.orders) != 0 {
		t.Fatal("no exchange order expected")
	}
}

func TestFillCreatesProtectedPosition(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	c := newTestCoordinator(api, &fakeGate{allow: true})
	ctx := context.Background()

	c.EnqueueSignal(mkSignal("BTCUSDT", types.LONG))
	c.Tick(ctx)

	orderID := c.PendingOrders()[0].OrderID
	api.mu.Lock()
	api.orders[orderID].State = types.OrderFilled
	api.orders[orderID].FilledQty = 2.5
	api.orders[orderID].AvgPrice = 100
	api.mu.Unlock()

	c.Tick(ctx)

	positions := c.Positions()
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	pos := positions[0]
	if pos.Quantity != 2.5 || pos.InitialQty != 2.5 {
		t.Fatalf("qty = %v / initial %v, want 2.5", pos.Quantity, pos.InitialQty)
	}
	if len(c.PendingOrders()) != 0 {
		t.Fatal("pending should be cleared after fill")
	}

	if len(api.tpSlReqs) != 1 {
		t.Fatalf("tp/sl requests = %d, want 1", len(api.tpSlReqs))
	}
	req := api.tpSlReqs[0]
	if req.TPQty != 1.25 {
		t.Fatalf("tp qty = %v, want half (1.25)", req.TPQty)
	}
	if req.SLQty != 2.5 {
		t.Fatalf("sl qty = %v, want full (2.5)", req.SLQty)
	}
	if req.TPTrigger != 101 || req.SLTrigger != 99 {
		t.Fatalf("triggers = %v/%v, want 101/99", req.TPTrigger, req.SLTrigger)
	}
}

func TestStopClampedWhenThroughMark(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	c := newTestCoordinator(api, &fakeGate{allow: true})
	ctx := context.Background()

	c.EnqueueSignal(mkSignal("BTCUSDT", types.LONG))
	c.Tick(ctx)

	orderID := c.PendingOrders()[0].OrderID
	api.mu.Lock()
	api.orders[orderID].State = types.OrderFilled
	api.orders[orderID].FilledQty = 2.5
	api.orders[orderID].AvgPrice = 100
	api.price = 98 // mark already below the planned 99 stop
	api.mu.Unlock()

	c.Tick(ctx)

	req := api.tpSlReqs[0]
	if req.SLTrigger >= 98 {
		t.Fatalf("stop %v must sit below the 98 mark", req.SLTrigger)
	}
	if req.SLTrigger < 97.8 {
		t.Fatalf("stop %v clamped too far from the mark", req.SLTrigger)
	}
}

func TestUnfillTimeoutCancelsEntry(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	c := newTestCoordinator(api, &fakeGate{allow: true})
	ctx := context.Background()

	c.EnqueueSignal(mkSignal("BTCUSDT", types.LONG))
	c.Tick(ctx)
	orderID := c.PendingOrders()[0].OrderID

	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	c.Tick(ctx)

	if len(c.PendingOrders()) != 0 {
		t.Fatal("timed-out entry should be dropped")
	}
	if len(api.canceled) != 1 || api.canceled[0] != orderID {
		t.Fatalf("canceled = %v, want [%s]", api.canceled, orderID)
	}
	if len(c.Positions()) != 0 {
		t.Fatal("zero-fill timeout must not open a position")
	}
}

func TestPartialFillKeptOnTimeout(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	c := newTestCoordinator(api, &fakeGate{allow: true})
	ctx := context.Background()

	c.EnqueueSignal(mkSignal("BTCUSDT", types.LONG))
	c.Tick(ctx)

	orderID := c.PendingOrders()[0].OrderID
	api.mu.Lock()
	api.orders[orderID].State = types.OrderPartial
	api.orders[orderID].FilledQty = 1.0
	api.orders[orderID].AvgPrice = 100
	api.mu.Unlock()

	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	c.Tick(ctx)

	positions := c.Positions()
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1 from the partial fill", len(positions))
	}
	if positions[0].Quantity != 1.0 {
		t.Fatalf("qty = %v, want the filled 1.0", positions[0].Quantity)
	}
}

// openPosition drives a coordinator through entry and fill for test setup.
func openPosition(t *testing.T, api *fakeAPI, c *Coordinator, dir types.Direction) types.Position {
	t.Helper()
	ctx := context.Background()

	c.EnqueueSignal(mkSignal("BTCUSDT", dir))
	c.Tick(ctx)
	orderID := c.PendingOrders()[0].OrderID

	api.mu.Lock()
	api.orders[orderID].State = types.OrderFilled
	api.orders[orderID].FilledQty = 2.5
	api.orders[orderID].AvgPrice = 100
	api.positions["BTCUSDT"] = types.ExchangePosition{
		Symbol: "BTCUSDT", Direction: dir, Quantity: 2.5, EntryPrice: 100, MarkPrice: 100,
	}
	api.mu.Unlock()

	c.Tick(ctx)
	positions := c.Positions()
	if len(positions) != 1 {
		t.Fatalf("setup: positions = %d, want 1", len(positions))
	}
	return positions[0]
}

func TestTP1DetectedFromQuantityDrop(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	gate := &fakeGate{allow: true}
	c := newTestCoordinator(api, gate)
	openPosition(t, api, c, types.LONG)

	api.mu.Lock()
	p := api.positions["BTCUSDT"]
	p.Quantity = 1.25
	p.MarkPrice = 101
	api.positions["BTCUSDT"] = p
	api.mu.Unlock()

	c.Tick(context.Background())

	pos := c.Positions()[0]
	if !pos.TP1Filled {
		t.Fatal("quantity drop should mark TP1 filled")
	}
	if pos.Quantity != 1.25 {
		t.Fatalf("remaining = %v, want 1.25", pos.Quantity)
	}
	if len(gate.pnls) != 1 || gate.pnls[0] <= 0 {
		t.Fatalf("TP1 should record a positive realized pnl, got %v", gate.pnls)
	}

	// Protection is re-parked on the same tick: the residual needs a TP at
	// TP2 and a stop sized to the remainder.
	if len(api.tpSlReqs) != 2 {
		t.Fatalf("tp/sl requests = %d, want the entry pair plus the TP2 re-park", len(api.tpSlReqs))
	}
	repark := api.tpSlReqs[1]
	if repark.TPTrigger != 102 {
		t.Fatalf("re-park TP trigger = %v, want TP2 (102)", repark.TPTrigger)
	}
	if repark.TPQty != 1.25 || repark.SLQty != 1.25 {
		t.Fatalf("re-park quantities = %v/%v, want the 1.25 remainder", repark.TPQty, repark.SLQty)
	}
}

func TestMaxHoldTimeClosesPosition(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	gate := &fakeGate{allow: true}
	c := newTestCoordinator(api, gate)
	openPosition(t, api, c, types.LONG)

	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	c.Tick(context.Background())

	if len(c.Positions()) != 0 {
		t.Fatal("position past max hold time should be closed")
	}
	// Entry (limit) plus the market close.
	foundClose := false
	api.mu.Lock()
	for _, o := range api.orders {
		if o.Side == types.SELL && o.Quantity == 2.5 {
			foundClose = true
		}
	}
	api.mu.Unlock()
	if !foundClose {
		t.Fatal("expected a reduce-only market close order")
	}
	if len(gate.pnls) != 1 {
		t.Fatalf("close should record pnl once, got %v", gate.pnls)
	}
}

func TestMaxHoldLeavesLoserToItsStop(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	gate := &fakeGate{allow: true}
	c := newTestCoordinator(api, gate)
	openPosition(t, api, c, types.LONG)

	api.mu.Lock()
	p := api.positions["BTCUSDT"]
	p.MarkPrice = 95 // underwater
	api.positions["BTCUSDT"] = p
	api.mu.Unlock()

	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	c.Tick(context.Background())

	// A losing position is never time-closed; its stop decides.
	if len(c.Positions()) != 1 {
		t.Fatal("underwater position must survive the max hold time")
	}
	if len(gate.pnls) != 0 {
		t.Fatalf("no pnl should be realized, got %v", gate.pnls)
	}
}

func TestBreakevenTimeoutTakesSmallWinner(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	gate := &fakeGate{allow: true}
	c := newTestCoordinator(api, gate)
	openPosition(t, api, c, types.LONG)

	api.mu.Lock()
	p := api.positions["BTCUSDT"]
	p.MarkPrice = 100.5 // +0.5%, above the 0.1% breakeven floor
	api.positions["BTCUSDT"] = p
	api.mu.Unlock()

	c.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	c.Tick(context.Background())

	if len(c.Positions()) != 0 {
		t.Fatal("small winner past the breakeven window should be closed")
	}
	if len(gate.pnls) != 1 || gate.pnls[0] <= 0 {
		t.Fatalf("breakeven close should record a positive pnl, got %v", gate.pnls)
	}
}

func TestBreakevenTimeoutLeavesLoser(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	gate := &fakeGate{allow: true}
	c := newTestCoordinator(api, gate)
	openPosition(t, api, c, types.LONG)

	api.mu.Lock()
	p := api.positions["BTCUSDT"]
	p.MarkPrice = 99.9 // -0.1%, below the breakeven floor
	api.positions["BTCUSDT"] = p
	api.mu.Unlock()

	c.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	c.Tick(context.Background())

	if len(c.Positions()) != 1 {
		t.Fatal("losing position must not be closed at the breakeven timeout")
	}
	if len(gate.pnls) != 0 {
		t.Fatalf("no pnl should be realized, got %v", gate.pnls)
	}
}

func TestExternalCloseDetected(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	gate := &fakeGate{allow: true}
	c := newTestCoordinator(api, gate)
	openPosition(t, api, c, types.LONG)

	api.mu.Lock()
	delete(api.positions, "BTCUSDT")
	api.price = 100.5
	api.mu.Unlock()

	c.Tick(context.Background())

	if len(c.Positions()) != 0 {
		t.Fatal("vanished exchange position should be finalized")
	}
	// No reliable fill price exists for an external close: the mark-based
	// estimate goes to the audit row only, never into the risk ledger.
	if len(gate.pnls) != 0 {
		t.Fatalf("external close must not feed the risk gate, got %v", gate.pnls)
	}
}

func TestSymbolSerialization(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	c := newTestCoordinator(api, &fakeGate{allow: true})
	ctx := context.Background()

	c.EnqueueSignal(mkSignal("BTCUSDT", types.LONG))
	c.Tick(ctx)
	c.EnqueueSignal(mkSignal("BTCUSDT", types.SHORT))
	c.Tick(ctx)

	if len(c.PendingOrders()) != 1 {
		t.Fatal("second signal for an engaged symbol must be skipped")
	}
}

func TestRoundingHelpers(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		got  float64
		want float64
	}{
		{"step floor", RoundDownToStep(2.5678, 0.001), 2.567},
		{"step exact", RoundDownToStep(2.5, 0.001), 2.5},
		{"step zero", RoundDownToStep(2.5678, 0), 2.5678},
		{"tick nearest up", RoundToTick(100.006, 0.01), 100.01},
		{"tick nearest down", RoundToTick(100.004, 0.01), 100},
		{"tick floor", RoundDownToTick(100.019, 0.01), 100.01},
		{"tick ceil", RoundUpToTick(100.011, 0.01), 100.02},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}
