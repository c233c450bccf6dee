// watchdog.go audits exchange-side protection independently of the
// coordinator's tick. Every 15 seconds it lists the open positions and, for
// each tracked position, verifies that exactly one stop-loss and exactly one
// take-profit trigger rest on the exchange with the expected quantity
// (within half a lot step) and trigger price (within 1.5 ticks). Anything
// else — a missing leg, a duplicate, a drifted trigger — gets the whole pair
// cancelled and rebuilt through the coordinator, subject to a per-symbol
// rebuild cooldown so a flapping exchange can't cause a cancel storm.
//
// Symbols with an in-flight entry order are skipped: their protection does
// not exist yet by construction. A failed position listing backs the whole
// audit off for 60 seconds, since every per-symbol check would be based on
// stale data.
package trader

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"perp-scalper/internal/config"
	"perp-scalper/internal/metrics"
	"perp-scalper/pkg/types"
)

const listFailureBackoff = 60 * time.Second

// Watchdog audits and repairs TP/SL protection.
type Watchdog struct {
	api    TradeAPI
	coord  *Coordinator
	life   config.LifecycleConfig
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	lastRebuild  map[string]time.Time
	backoffUntil time.Time
}

// NewWatchdog creates the watchdog.
func NewWatchdog(api TradeAPI, coord *Coordinator, life config.LifecycleConfig, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		api:         api,
		coord:       coord,
		life:        life,
		logger:      logger.With("component", "watchdog"),
		now:         time.Now,
		lastRebuild: make(map[string]time.Time),
	}
}

// Run blocks until ctx is cancelled, auditing on the configured interval.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.life.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Audit(ctx)
		}
	}
}

// Audit runs one full protection audit. Exported for tests.
func (w *Watchdog) Audit(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watchdog audit panicked", "panic", r)
		}
	}()

	w.mu.Lock()
	inBackoff := w.now().Before(w.backoffUntil)
	w.mu.Unlock()
	if inBackoff {
		return
	}

	positions := w.coord.Positions()
	if len(positions) == 0 {
		return
	}

	exchPositions, err := w.api.GetOpenPositions(ctx)
	if err != nil {
		w.logger.Warn("position listing failed, backing off", "error", err, "backoff", listFailureBackoff)
		w.mu.Lock()
		w.backoffUntil = w.now().Add(listFailureBackoff)
		w.mu.Unlock()
		return
	}
	onExchange := make(map[string]types.ExchangePosition, len(exchPositions))
	for _, p := range exchPositions {
		onExchange[p.Symbol] = p
	}

	for _, pos := range positions {
		if w.coord.HasPending(pos.Symbol) {
			continue
		}
		exch, open := onExchange[pos.Symbol]
		if !open {
			// Closed out from under us; the coordinator's next tick settles it.
			w.logger.Debug("position missing on exchange, leaving to coordinator", "symbol", pos.Symbol)
			continue
		}
		w.auditSymbol(ctx, pos, exch)
	}

	for _, exch := range exchPositions {
		if !w.tracked(positions, exch.Symbol) {
			w.logger.Error("untracked position on exchange",
				"symbol", exch.Symbol,
				"direction", exch.Direction,
				"qty", exch.Quantity,
			)
		}
	}
}

func (w *Watchdog) tracked(positions []types.Position, symbol string) bool {
	for _, p := range positions {
		if p.Symbol == symbol {
			return true
		}
	}
	return false
}

func (w *Watchdog) auditSymbol(ctx context.Context, pos types.Position, exch types.ExchangePosition) {
	algos, err := w.api.GetOpenAlgoOrders(ctx, pos.Symbol)
	if err != nil {
		w.logger.Warn("algo order listing failed", "symbol", pos.Symbol, "error", err)
		return
	}

	lot, err := w.coord.lotInfo(ctx, pos.Symbol)
	if err != nil {
		w.logger.Warn("lot info unavailable for audit", "symbol", pos.Symbol, "error", err)
		return
	}

	if problem := w.validate(pos, exch, algos, lot); problem != "" {
		w.rebuild(ctx, pos.Symbol, problem)
	}
}

// validate checks the resting triggers against the position. Returns an
// empty string when the protection is healthy.
func (w *Watchdog) validate(pos types.Position, exch types.ExchangePosition, algos []types.AlgoOrder, lot types.LotSizeInfo) string {
	qtyTol := lot.StepSize / 2
	if qtyTol <= 0 {
		qtyTol = 1e-9
	}
	priceTol := 1.5 * lot.TickSize
	if priceTol <= 0 {
		priceTol = 1e-9
	}

	var tps, sls []types.AlgoOrder
	for _, a := range algos {
		switch a.PlanType {
		case types.PlanTakeProfit:
			tps = append(tps, a)
		case types.PlanStopLoss:
			sls = append(sls, a)
		}
	}

	if len(sls) != 1 {
		return "stop-loss count"
	}
	if len(tps) != 1 {
		return "take-profit count"
	}

	sl := sls[0]
	if !sl.ClosePosition && math.Abs(sl.Quantity-exch.Quantity) > qtyTol {
		return "stop-loss quantity drift"
	}
	if math.Abs(sl.TriggerPrice-pos.SLPrice) > priceTol {
		return "stop-loss trigger drift"
	}

	var wantTPQty, wantTPTrigger float64
	switch {
	case pos.TP1Filled:
		wantTPQty = exch.Quantity
		wantTPTrigger = pos.TP2Price
	case pos.TPPrice > 0:
		wantTPQty = exch.Quantity
		wantTPTrigger = pos.TPPrice
	default:
		wantTPQty = RoundDownToStep(exch.Quantity*0.5, lot.StepSize)
		wantTPTrigger = pos.TP1Price
	}

	tp := tps[0]
	if !tp.ClosePosition && math.Abs(tp.Quantity-wantTPQty) > qtyTol {
		return "take-profit quantity drift"
	}
	if math.Abs(tp.TriggerPrice-RoundToTick(wantTPTrigger, lot.TickSize)) > priceTol {
		return "take-profit trigger drift"
	}
	return ""
}

func (w *Watchdog) rebuild(ctx context.Context, symbol, problem string) {
	now := w.now()

	w.mu.Lock()
	if last, ok := w.lastRebuild[symbol]; ok && now.Sub(last) < w.life.RebuildCooldown {
		w.mu.Unlock()
		w.logger.Debug("rebuild suppressed by cooldown", "symbol", symbol, "problem", problem)
		return
	}
	w.lastRebuild[symbol] = now
	w.mu.Unlock()

	w.logger.Warn("protection invalid, rebuilding", "symbol", symbol, "problem", problem)
	if err := w.coord.RebuildProtection(ctx, symbol); err != nil {
		w.logger.Error("protection rebuild failed", "symbol", symbol, "error", err)
		return
	}
	metrics.WatchdogRebuilds.Inc()
	w.logger.Info("protection rebuilt", "symbol", symbol)
}
