// Package trader owns the order lifecycle: it turns signals into entry
// orders, entry fills into positions with exchange-side TP/SL protection,
// and runs the time-based exit ladder until every position is closed.
//
// The coordinator is single-threaded: all mutations happen on its 10-second
// tick goroutine, so per-symbol state needs no finer locking than the maps
// that the status endpoint reads. Signals arrive through a buffered queue
// and are only acted on at the next tick. A companion watchdog (watchdog.go)
// audits exchange-side protection on its own cadence.
package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"perp-scalper/internal/config"
	"perp-scalper/internal/exchange"
	"perp-scalper/internal/metrics"
	"perp-scalper/pkg/types"
)

const signalQueueSize = 64

// TradeAPI is the slice of the exchange façade the trader needs.
type TradeAPI interface {
	GetAvailableBalance(ctx context.Context) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	CreateOrder(ctx context.Context, req types.OrderRequest) (types.OrderInfo, error)
	QueryOrder(ctx context.Context, symbol, orderID string) (types.OrderInfo, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CreateTpSlOrder(ctx context.Context, req types.TpSlRequest) (tpOrderID, slOrderID string, err error)
	CancelAllAlgoOrders(ctx context.Context, symbol string) error
	GetOpenAlgoOrders(ctx context.Context, symbol string) ([]types.AlgoOrder, error)
	GetOpenPositions(ctx context.Context) ([]types.ExchangePosition, error)
	GetLotSizeInfo(ctx context.Context, symbol string) (types.LotSizeInfo, error)
	GetSymbolPrice(ctx context.Context, symbol string) (float64, error)
}

// RiskGate is the entry gate consulted before every new position.
type RiskGate interface {
	CanEnter(dir types.Direction, openTotal, openSameDir int) (bool, string)
	RecordPnl(pnl float64)
}

// Auditor persists signal and position outcomes.
type Auditor interface {
	RecordSignal(sig *types.Signal, status types.SignalStatus, note string)
	RecordPositionOpen(pos *types.Position)
	RecordPositionClose(pos *types.Position, reason types.CloseReason, exitPrice, pnl float64)
}

// EventSink receives lifecycle events for the control-plane WebSocket.
// May be nil. Must not block.
type EventSink func(event string, data any)

// Coordinator drives the order lifecycle state machine.
type Coordinator struct {
	api    TradeAPI
	gate   RiskGate
	audit  Auditor
	orders config.OrderConfig
	life   config.LifecycleConfig
	events EventSink
	logger *slog.Logger
	now    func() time.Time

	queue  chan *types.Signal
	paused atomic.Bool

	mu       sync.RWMutex
	pending  map[string]*types.PendingOrder
	position map[string]*types.Position
	lots     map[string]types.LotSizeInfo
}

// NewCoordinator creates the coordinator. audit and events may be nil.
func NewCoordinator(api TradeAPI, gate RiskGate, audit Auditor, orders config.OrderConfig, life config.LifecycleConfig, events EventSink, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		api:      api,
		gate:     gate,
		audit:    audit,
		orders:   orders,
		life:     life,
		events:   events,
		logger:   logger.With("component", "coordinator"),
		now:      time.Now,
		queue:    make(chan *types.Signal, signalQueueSize),
		pending:  make(map[string]*types.PendingOrder),
		position: make(map[string]*types.Position),
		lots:     make(map[string]types.LotSizeInfo),
	}
}

// EnqueueSignal hands a signal to the coordinator without blocking. When the
// queue is full the oldest signal is dropped; a fresh signal always wins.
func (c *Coordinator) EnqueueSignal(sig *types.Signal) {
	select {
	case c.queue <- sig:
	default:
		select {
		case old := <-c.queue:
			c.logger.Warn("signal queue full, dropping oldest", "dropped", old.ID)
		default:
		}
		c.queue <- sig
	}
}

// Run blocks until ctx is cancelled, ticking the lifecycle state machine.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.life.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one full lifecycle pass. Exported for the engine's final tick on
// shutdown and for tests.
func (c *Coordinator) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("order tick panicked", "panic", r)
		}
	}()

	c.processNewSignals(ctx)
	c.managePendingOrders(ctx)
	c.managePositions(ctx)
}

// Positions returns a copy of the live positions.
func (c *Coordinator) Positions() []types.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Position, 0, len(c.position))
	for _, p := range c.position {
		out = append(out, *p)
	}
	return out
}

// PendingOrders returns a copy of the unfilled entry orders.
func (c *Coordinator) PendingOrders() []types.PendingOrder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.PendingOrder, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, *p)
	}
	return out
}

// SetEntriesPaused suspends or resumes acting on new signals. Open positions
// and pending orders keep being managed either way; the engine pauses entries
// when the market-data stream is lost, since the cached candles go stale long
// before their TTL expires.
func (c *Coordinator) SetEntriesPaused(paused bool) {
	if c.paused.Swap(paused) != paused {
		c.logger.Info("entry processing toggled", "paused", paused)
	}
}

// HasPending reports whether symbol has an unfilled entry order. The
// watchdog skips such symbols.
func (c *Coordinator) HasPending(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.pending[symbol]
	return ok
}

// ————————————————————————————————————————————————————————————————————————
// New signals
// ————————————————————————————————————————————————————————————————————————

func (c *Coordinator) processNewSignals(ctx context.Context) {
	for {
		select {
		case sig := <-c.queue:
			c.handleSignal(ctx, sig)
		default:
			return
		}
	}
}

func (c *Coordinator) handleSignal(ctx context.Context, sig *types.Signal) {
	if c.paused.Load() {
		c.skipSignal(sig, "entries paused, market data degraded")
		return
	}
	if sig.Expired(c.now()) {
		c.skipSignal(sig, "expired before processing")
		return
	}

	c.mu.RLock()
	_, hasPending := c.pending[sig.Symbol]
	_, hasPosition := c.position[sig.Symbol]
	total := len(c.pending) + len(c.position)
	sameDir := 0
	for _, p := range c.pending {
		if p.Direction == sig.Direction {
			sameDir++
		}
	}
	for _, p := range c.position {
		if p.Direction == sig.Direction {
			sameDir++
		}
	}
	c.mu.RUnlock()

	if hasPending || hasPosition {
		c.skipSignal(sig, "symbol already engaged")
		return
	}
	if ok, reason := c.gate.CanEnter(sig.Direction, total, sameDir); !ok {
		c.skipSignal(sig, reason)
		return
	}

	// No margin, no exchange call.
	balance, err := c.api.GetAvailableBalance(ctx)
	if err != nil {
		c.skipSignal(sig, fmt.Sprintf("balance unavailable: %v", err))
		return
	}
	if balance < c.orders.FixedMarginUSDT {
		c.skipSignal(sig, fmt.Sprintf("balance %.2f below required margin %.2f", balance, c.orders.FixedMarginUSDT))
		return
	}

	lot, err := c.lotInfo(ctx, sig.Symbol)
	if err != nil {
		c.failSignal(sig, fmt.Sprintf("lot info: %v", err))
		return
	}

	entry := RoundToTick(sig.EntryPrice, lot.TickSize)
	notional := c.orders.FixedMarginUSDT * float64(c.orders.Leverage)
	qty := RoundDownToStep(notional/entry, lot.StepSize)
	if qty < lot.MinQty || qty <= 0 {
		c.skipSignal(sig, fmt.Sprintf("size %.8f below min qty %.8f", qty, lot.MinQty))
		return
	}

	// Leverage is sticky on the exchange, so only a rejected value is fatal;
	// a transient failure leaves the previous setting in place.
	if err := c.api.SetLeverage(ctx, sig.Symbol, c.orders.Leverage); err != nil {
		if errors.Is(err, exchange.ErrInvalidLeverage) {
			c.failSignal(sig, fmt.Sprintf("set leverage: %v", err))
			return
		}
		c.logger.Warn("set leverage failed, keeping prior setting", "symbol", sig.Symbol, "error", err)
	}

	info, err := c.api.CreateOrder(ctx, types.OrderRequest{
		Symbol:      sig.Symbol,
		Side:        sig.Direction.EntrySide(),
		Type:        types.OrderTypeLimit,
		Quantity:    qty,
		Price:       entry,
		TimeInForce: types.TIFGTC,
	})
	if err != nil {
		c.failSignal(sig, fmt.Sprintf("entry order: %v", err))
		return
	}

	po := &types.PendingOrder{
		Symbol:     sig.Symbol,
		OrderID:    info.OrderID,
		Direction:  sig.Direction,
		EntryPrice: entry,
		TP1Price:   sig.TP1Price,
		TP2Price:   sig.TP2Price,
		SLPrice:    sig.SLPrice,
		Quantity:   qty,
		CreatedAt:  c.now(),
		Signal:     sig,
	}
	c.mu.Lock()
	c.pending[sig.Symbol] = po
	c.mu.Unlock()

	metrics.OrdersPlaced.Inc()
	c.logger.Info("entry order placed",
		"symbol", sig.Symbol,
		"direction", sig.Direction,
		"order_id", info.OrderID,
		"price", entry,
		"qty", qty,
	)
	c.emit("entry_placed", po)
	if c.audit != nil {
		c.audit.RecordSignal(sig, types.SignalPending, "")
	}
}

func (c *Coordinator) skipSignal(sig *types.Signal, reason string) {
	metrics.SignalsSkipped.Inc()
	c.logger.Info("signal skipped", "symbol", sig.Symbol, "signal", sig.ID, "reason", reason)
	if c.audit != nil {
		c.audit.RecordSignal(sig, types.SignalSkipped, reason)
	}
}

func (c *Coordinator) failSignal(sig *types.Signal, reason string) {
	c.logger.Error("signal failed", "symbol", sig.Symbol, "signal", sig.ID, "reason", reason)
	if c.audit != nil {
		c.audit.RecordSignal(sig, types.SignalFailed, reason)
	}
}

func (c *Coordinator) lotInfo(ctx context.Context, symbol string) (types.LotSizeInfo, error) {
	c.mu.RLock()
	lot, ok := c.lots[symbol]
	c.mu.RUnlock()
	if ok {
		return lot, nil
	}
	lot, err := c.api.GetLotSizeInfo(ctx, symbol)
	if err != nil {
		return types.LotSizeInfo{}, err
	}
	c.mu.Lock()
	c.lots[symbol] = lot
	c.mu.Unlock()
	return lot, nil
}

// ————————————————————————————————————————————————————————————————————————
// Pending entries
// ————————————————————————————————————————————————————————————————————————

func (c *Coordinator) managePendingOrders(ctx context.Context) {
	c.mu.RLock()
	pendings := make([]*types.PendingOrder, 0, len(c.pending))
	for _, p := range c.pending {
		pendings = append(pendings, p)
	}
	c.mu.RUnlock()

	for _, po := range pendings {
		info, err := c.api.QueryOrder(ctx, po.Symbol, po.OrderID)
		if err != nil {
			c.logger.Warn("entry order query failed", "symbol", po.Symbol, "order_id", po.OrderID, "error", err)
			continue
		}

		switch {
		case info.State == types.OrderFilled:
			c.onOrderFilled(ctx, po, info)

		case info.State.Terminal():
			// Cancelled/rejected/expired without our involvement.
			c.mu.Lock()
			delete(c.pending, po.Symbol)
			c.mu.Unlock()
			c.logger.Warn("entry order ended without fill",
				"symbol", po.Symbol, "order_id", po.OrderID, "state", info.State)
			if po.Signal != nil && c.audit != nil {
				c.audit.RecordSignal(po.Signal, types.SignalCanceled, string(info.State))
			}

		case c.now().Sub(po.CreatedAt) > c.orders.UnfillTimeout:
			c.expirePending(ctx, po, info)
		}
	}
}

// expirePending cancels an entry that outlived the unfill timeout. A partial
// fill is kept and promoted to a position; the unfilled remainder is dropped.
func (c *Coordinator) expirePending(ctx context.Context, po *types.PendingOrder, info types.OrderInfo) {
	if err := c.api.CancelOrder(ctx, po.Symbol, po.OrderID); err != nil {
		c.logger.Warn("cancel of stale entry failed", "symbol", po.Symbol, "order_id", po.OrderID, "error", err)
		// Re-query next tick; the order may have filled in the meantime.
		return
	}
	metrics.OrdersCanceled.Inc()

	// Re-query for the final fill count after the cancel.
	final, err := c.api.QueryOrder(ctx, po.Symbol, po.OrderID)
	if err != nil {
		final = info
	}

	if final.FilledQty > 0 {
		c.logger.Info("stale entry partially filled, keeping position",
			"symbol", po.Symbol, "filled", final.FilledQty, "ordered", po.Quantity)
		c.onOrderFilled(ctx, po, final)
		return
	}

	c.mu.Lock()
	delete(c.pending, po.Symbol)
	c.mu.Unlock()
	c.logger.Info("entry order timed out unfilled", "symbol", po.Symbol, "order_id", po.OrderID)
	c.emit("entry_timeout", po)
	if po.Signal != nil && c.audit != nil {
		c.audit.RecordSignal(po.Signal, types.SignalCanceled, "unfill timeout")
	}
}

// onOrderFilled promotes a filled entry into a protected position: split the
// quantity for the partial take-profit, clamp the stop to the valid side of
// the mark, and park the TP/SL pair on the exchange.
func (c *Coordinator) onOrderFilled(ctx context.Context, po *types.PendingOrder, info types.OrderInfo) {
	qty := info.FilledQty
	if qty <= 0 {
		qty = po.Quantity
	}
	entry := info.AvgPrice
	if entry <= 0 {
		entry = po.EntryPrice
	}

	lot, err := c.lotInfo(ctx, po.Symbol)
	if err != nil {
		c.logger.Error("lot info lost after fill", "symbol", po.Symbol, "error", err)
		lot = types.LotSizeInfo{}
	}

	pos := &types.Position{
		Symbol:          po.Symbol,
		Direction:       po.Direction,
		EntryPrice:      entry,
		Quantity:        qty,
		InitialQty:      qty,
		Leverage:        c.orders.Leverage,
		TP1Price:        po.TP1Price,
		TP2Price:        po.TP2Price,
		SLPrice:         po.SLPrice,
		OriginalTPPrice: po.TP2Price,
		Status:          types.PositionOpen,
		EnteredAt:       c.now(),
		MainOrderID:     po.OrderID,
		Signal:          po.Signal,
	}

	tpID, slID, err := c.placeProtection(ctx, pos, lot)
	if err != nil {
		c.logger.Error("TP/SL placement failed, position unprotected until watchdog rebuild",
			"symbol", pos.Symbol, "error", err)
	} else {
		pos.TPOrderID = tpID
		pos.SLOrderID = slID
	}

	c.mu.Lock()
	delete(c.pending, po.Symbol)
	c.position[po.Symbol] = pos
	c.mu.Unlock()

	metrics.OrdersFilled.Inc()
	metrics.OpenPositions.Inc()
	c.logger.Info("position opened",
		"symbol", pos.Symbol,
		"direction", pos.Direction,
		"entry", pos.EntryPrice,
		"qty", pos.Quantity,
		"tp1", pos.TP1Price,
		"tp2", pos.TP2Price,
		"sl", pos.SLPrice,
	)
	c.emit("position_opened", pos)
	if po.Signal != nil && c.audit != nil {
		c.audit.RecordSignal(po.Signal, types.SignalFilled, "")
	}
	if c.audit != nil {
		c.audit.RecordPositionOpen(pos)
	}
}

// placeProtection parks the exchange-side TP/SL pair for a position. Before
// TP1 fills, the TP leg covers half the quantity (floored to lot size) at
// TP1; when the half is too small to trade, a single TP at TP1 covers
// everything. After TP1 has filled, the TP leg covers the remainder at TP2.
// The stop always covers the full remaining quantity and is clamped to stay
// on the triggering side of the mark.
func (c *Coordinator) placeProtection(ctx context.Context, pos *types.Position, lot types.LotSizeInfo) (string, string, error) {
	var tpTrigger, tpQty float64
	switch {
	case pos.TP1Filled:
		tpTrigger = pos.TP2Price
		tpQty = pos.Quantity
	case pos.TPPrice > 0:
		tpTrigger = pos.TPPrice
		tpQty = pos.Quantity
	default:
		tp1Qty := RoundDownToStep(pos.Quantity*0.5, lot.StepSize)
		rest := pos.Quantity - tp1Qty
		tpTrigger = pos.TP1Price
		tpQty = tp1Qty
		if tp1Qty < lot.MinQty || rest < lot.MinQty {
			// Can't split: one TP for the whole position.
			tpQty = pos.Quantity
			pos.TPPrice = pos.TP1Price
		}
	}

	slTrigger := c.clampStop(ctx, pos, lot)

	tpTrigger = RoundToTick(tpTrigger, lot.TickSize)
	slTrigger = RoundToTick(slTrigger, lot.TickSize)
	pos.SLPrice = slTrigger

	return c.api.CreateTpSlOrder(ctx, types.TpSlRequest{
		Symbol:    pos.Symbol,
		Direction: pos.Direction,
		TPQty:     tpQty,
		SLQty:     pos.Quantity,
		TPTrigger: tpTrigger,
		SLTrigger: slTrigger,
	})
}

// clampStop keeps the stop trigger strictly on the triggering side of the
// current mark: a long stop must sit below the mark, a short stop above.
// When the planned stop is already through the mark (price moved against the
// entry before protection landed) it is pulled to 0.1% inside the mark, but
// never closer than five ticks.
func (c *Coordinator) clampStop(ctx context.Context, pos *types.Position, lot types.LotSizeInfo) float64 {
	sl := pos.SLPrice
	mark, err := c.api.GetSymbolPrice(ctx, pos.Symbol)
	if err != nil || mark <= 0 {
		return sl
	}

	minGap := 5 * lot.TickSize
	if pos.Direction == types.LONG {
		if sl < mark-minGap {
			return sl
		}
		clamped := 0.999 * mark
		if clamped > mark-minGap {
			clamped = mark - minGap
		}
		c.logger.Warn("stop clamped below mark", "symbol", pos.Symbol, "planned", sl, "clamped", clamped, "mark", mark)
		return clamped
	}
	if sl > mark+minGap {
		return sl
	}
	clamped := 1.001 * mark
	if clamped < mark+minGap {
		clamped = mark + minGap
	}
	c.logger.Warn("stop clamped above mark", "symbol", pos.Symbol, "planned", sl, "clamped", clamped, "mark", mark)
	return clamped
}

// RebuildProtection cancels and re-parks the TP/SL pair for one symbol from
// the coordinator's current view of the position. Called by the watchdog
// when the exchange-side protection drifts from what the position needs.
func (c *Coordinator) RebuildProtection(ctx context.Context, symbol string) error {
	c.mu.RLock()
	pos, ok := c.position[symbol]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no position for %s", symbol)
	}

	lot, err := c.lotInfo(ctx, symbol)
	if err != nil {
		return fmt.Errorf("lot info: %w", err)
	}
	if err := c.api.CancelAllAlgoOrders(ctx, symbol); err != nil {
		return fmt.Errorf("cancel algo orders: %w", err)
	}

	tpID, slID, err := c.placeProtection(ctx, pos, lot)
	if err != nil {
		return fmt.Errorf("re-place protection: %w", err)
	}

	c.mu.Lock()
	pos.TPOrderID = tpID
	pos.SLOrderID = slID
	c.mu.Unlock()
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Live positions
// ————————————————————————————————————————————————————————————————————————

func (c *Coordinator) managePositions(ctx context.Context) {
	c.mu.RLock()
	n := len(c.position)
	c.mu.RUnlock()
	if n == 0 {
		return
	}

	exchPositions, err := c.api.GetOpenPositions(ctx)
	if err != nil {
		c.logger.Warn("open positions fetch failed", "error", err)
		return
	}
	onExchange := make(map[string]types.ExchangePosition, len(exchPositions))
	for _, p := range exchPositions {
		onExchange[p.Symbol] = p
	}

	c.mu.RLock()
	locals := make([]*types.Position, 0, n)
	for _, p := range c.position {
		locals = append(locals, p)
	}
	c.mu.RUnlock()

	for _, pos := range locals {
		exch, open := onExchange[pos.Symbol]
		if !open {
			c.onPositionGone(ctx, pos)
			continue
		}
		c.reconcileQuantity(ctx, pos, exch)
		c.applyTimeExits(ctx, pos, exch.MarkPrice)
	}
}

// reconcileQuantity detects exchange-side partial closes (the TP1 trigger
// firing) by comparing quantities. The first reduction re-parks protection
// immediately: the residual needs a TP at TP2 and a right-sized stop, not
// the stale full-quantity pair.
func (c *Coordinator) reconcileQuantity(ctx context.Context, pos *types.Position, exch types.ExchangePosition) {
	if exch.Quantity >= pos.Quantity || exch.Quantity <= 0 {
		return
	}

	c.mu.Lock()
	closed := pos.Quantity - exch.Quantity
	pos.Quantity = exch.Quantity
	firstReduction := !pos.TP1Filled
	pos.TP1Filled = true
	c.mu.Unlock()

	if firstReduction {
		pnl := c.realizedPnl(pos, pos.TP1Price, closed)
		c.gate.RecordPnl(pnl)
		metrics.RealizedPnl.Add(pnl)
		c.logger.Info("TP1 filled",
			"symbol", pos.Symbol,
			"closed_qty", closed,
			"remaining", pos.Quantity,
			"pnl", pnl,
		)
		c.emit("tp1_filled", pos)

		if err := c.RebuildProtection(ctx, pos.Symbol); err != nil {
			c.logger.Warn("TP2 protection placement failed, watchdog will rebuild",
				"symbol", pos.Symbol, "error", err)
		}
	}
}

// applyTimeExits runs the time ladder: TP tightening, then the breakeven
// and max-hold closes. Both closes fire only on non-losing positions — a
// loser is never time-closed, its stop decides.
func (c *Coordinator) applyTimeExits(ctx context.Context, pos *types.Position, mark float64) {
	held := c.now().Sub(pos.EnteredAt)

	switch {
	case held > c.life.MaxHoldTime && pos.PnlPct(mark) >= 0:
		c.closeFull(ctx, pos, types.CloseMaxTimeTimeout, mark)

	case held > c.life.BreakevenTime && pos.PnlPct(mark) >= c.life.BreakevenMinPnl:
		c.closeFull(ctx, pos, types.CloseBreakevenTimeout, mark)

	case held > c.life.TPReduceTime && !pos.TP1Filled && !pos.TPReduced:
		c.reduceTP(ctx, pos)
	}
}

// reduceTP pulls the TP2 target toward entry once the position stalls: the
// remaining distance is scaled by TPReduceRatio and the protection pair is
// re-parked.
func (c *Coordinator) reduceTP(ctx context.Context, pos *types.Position) {
	newTP2 := pos.EntryPrice + (pos.TP2Price-pos.EntryPrice)*c.life.TPReduceRatio
	newTP1 := pos.EntryPrice + (pos.TP1Price-pos.EntryPrice)*c.life.TPReduceRatio

	lot, err := c.lotInfo(ctx, pos.Symbol)
	if err != nil {
		c.logger.Warn("tp reduce skipped, no lot info", "symbol", pos.Symbol, "error", err)
		return
	}
	if err := c.api.CancelAllAlgoOrders(ctx, pos.Symbol); err != nil {
		c.logger.Warn("tp reduce: cancel failed", "symbol", pos.Symbol, "error", err)
		return
	}

	c.mu.Lock()
	pos.TP1Price = newTP1
	pos.TP2Price = newTP2
	pos.TPReduced = true
	c.mu.Unlock()

	tpID, slID, err := c.placeProtection(ctx, pos, lot)
	if err != nil {
		c.logger.Error("tp reduce: re-place failed, watchdog will rebuild", "symbol", pos.Symbol, "error", err)
		return
	}

	c.mu.Lock()
	pos.TPOrderID = tpID
	pos.SLOrderID = slID
	c.mu.Unlock()

	c.logger.Info("take-profit tightened",
		"symbol", pos.Symbol,
		"tp1", newTP1,
		"tp2", newTP2,
		"original_tp", pos.OriginalTPPrice,
	)
	c.emit("tp_reduced", pos)
}

// onPositionGone handles a position that disappeared from the exchange:
// one of the triggers fired, or someone closed it manually. The close reason
// is inferred from which target the mark ended nearest.
func (c *Coordinator) onPositionGone(ctx context.Context, pos *types.Position) {
	if err := c.api.CancelAllAlgoOrders(ctx, pos.Symbol); err != nil && !errors.Is(err, exchange.ErrNoPosition) {
		c.logger.Warn("orphan algo cleanup failed", "symbol", pos.Symbol, "error", err)
	}

	mark, err := c.api.GetSymbolPrice(ctx, pos.Symbol)
	if err != nil {
		mark = pos.EntryPrice
	}

	reason, exit := c.inferCloseReason(pos, mark)
	c.finalizeClose(pos, reason, exit)
}

// inferCloseReason guesses which trigger fired from the final mark.
func (c *Coordinator) inferCloseReason(pos *types.Position, mark float64) (types.CloseReason, float64) {
	crossed := func(level float64, profitSide bool) bool {
		if pos.Direction == types.LONG {
			if profitSide {
				return mark >= level
			}
			return mark <= level
		}
		if profitSide {
			return mark <= level
		}
		return mark >= level
	}

	switch {
	case crossed(pos.SLPrice, false):
		return types.CloseSLHit, pos.SLPrice
	case pos.TP1Filled && crossed(pos.TP2Price, true):
		return types.CloseTP2Hit, pos.TP2Price
	case pos.TPPrice > 0 && crossed(pos.TPPrice, true):
		return types.CloseTP1Hit, pos.TPPrice
	default:
		return types.CloseExternal, mark
	}
}

// closeFull flattens the remaining quantity with a reduce-only market order.
func (c *Coordinator) closeFull(ctx context.Context, pos *types.Position, reason types.CloseReason, mark float64) {
	c.mu.Lock()
	pos.Status = types.PositionClosing
	c.mu.Unlock()

	if err := c.api.CancelAllAlgoOrders(ctx, pos.Symbol); err != nil {
		c.logger.Warn("close: algo cancel failed", "symbol", pos.Symbol, "error", err)
	}

	_, err := c.api.CreateOrder(ctx, types.OrderRequest{
		Symbol:      pos.Symbol,
		Side:        pos.Direction.CloseSide(),
		Type:        types.OrderTypeMarket,
		Quantity:    pos.Quantity,
		ReduceOnly:  true,
		TimeInForce: types.TIFGTC,
	})
	if err != nil {
		if errors.Is(err, exchange.ErrNoPosition) {
			// Already flat: a trigger beat us to it.
			c.onPositionGone(ctx, pos)
			return
		}
		c.logger.Error("close order failed, retrying next tick", "symbol", pos.Symbol, "error", err)
		c.mu.Lock()
		pos.Status = types.PositionOpen
		c.mu.Unlock()
		return
	}

	c.finalizeClose(pos, reason, mark)
}

// ClosePosition force-closes one symbol (manual close via the control plane).
func (c *Coordinator) ClosePosition(ctx context.Context, symbol string) error {
	c.mu.RLock()
	pos, ok := c.position[symbol]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no position for %s", symbol)
	}
	mark, err := c.api.GetSymbolPrice(ctx, symbol)
	if err != nil {
		mark = pos.EntryPrice
	}
	c.closeFull(ctx, pos, types.CloseManual, mark)
	return nil
}

// CloseAll flattens everything. Used by stopTrading when flatten is requested.
func (c *Coordinator) CloseAll(ctx context.Context) {
	for _, pos := range c.Positions() {
		if err := c.ClosePosition(ctx, pos.Symbol); err != nil {
			c.logger.Warn("close-all failed for symbol", "symbol", pos.Symbol, "error", err)
		}
	}
}

func (c *Coordinator) finalizeClose(pos *types.Position, reason types.CloseReason, exit float64) {
	pnl := c.realizedPnl(pos, exit, pos.Quantity)

	c.mu.Lock()
	pos.Status = types.PositionClosed
	delete(c.position, pos.Symbol)
	c.mu.Unlock()

	// An external close has no reliable fill price; the mark-based estimate
	// goes to the audit row only and never feeds the risk ledger.
	if reason != types.CloseExternal {
		c.gate.RecordPnl(pnl)
		metrics.RealizedPnl.Add(pnl)
	}
	metrics.OpenPositions.Dec()
	metrics.PositionsClosed.WithLabelValues(string(reason)).Inc()

	c.logger.Info("position closed",
		"symbol", pos.Symbol,
		"reason", reason,
		"exit", exit,
		"pnl", pnl,
		"held", c.now().Sub(pos.EnteredAt).Round(time.Second),
	)
	c.emit("position_closed", map[string]any{"position": pos, "reason": reason, "exit": exit, "pnl": pnl})
	if c.audit != nil {
		c.audit.RecordPositionClose(pos, reason, exit, pnl)
	}
}

// realizedPnl estimates the realized PnL of closing qty at exit, net of
// taker fees on both legs.
func (c *Coordinator) realizedPnl(pos *types.Position, exit float64, qty float64) float64 {
	diff := exit - pos.EntryPrice
	if pos.Direction == types.SHORT {
		diff = -diff
	}
	gross := diff * qty
	fees := (pos.EntryPrice + exit) * qty * c.orders.FeePct
	return gross - fees
}

func (c *Coordinator) emit(event string, data any) {
	if c.events != nil {
		c.events(event, data)
	}
}
