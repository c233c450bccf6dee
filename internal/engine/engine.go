// Package engine is the central orchestrator of the scalping bot.
//
// It wires together all subsystems:
//
//  1. The exchange stream feeds closed candles and mark prices into the
//     market-data store via the aggregator; the aux poller refreshes
//     funding, open interest and spread once a minute at :00.
//  2. The signal engine scans the watchlist at :30 through the three-stage
//     filter cascade; the ORB strategy watches candle closes for opening
//     range breakouts. Both feed signals to the order coordinator.
//  3. The coordinator owns the order/position lifecycle; the watchdog
//     audits exchange-side protection orders every 15 seconds.
//  4. The risk gate vetoes entries; the audit store persists outcomes.
//
// Lifecycle: New() → StartTrading() → [runs until StopTrading or SIGINT]
// → Close(). The engine implements api.Controller, so the HTTP control
// plane drives it directly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"perp-scalper/internal/api"
	"perp-scalper/internal/audit"
	"perp-scalper/internal/config"
	"perp-scalper/internal/exchange"
	"perp-scalper/internal/marketdata"
	"perp-scalper/internal/risk"
	"perp-scalper/internal/signal"
	"perp-scalper/internal/trader"
	"perp-scalper/pkg/types"
)

// Engine orchestrates all components of the scalping system. It owns the
// lifecycle of the trading goroutines and the STOPPED/RUNNING/DEGRADED
// state machine.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	client    *exchange.Client
	stream    *exchange.Stream
	store     *marketdata.Store
	agg       *marketdata.Aggregator
	auxPoller *marketdata.AuxPoller
	sigEngine *signal.Engine
	orb       *signal.ORB
	gate      *risk.Gate
	coord     *trader.Coordinator
	watchdog  *trader.Watchdog
	auditor   *audit.Store
	hub       *api.Hub

	mu        sync.Mutex
	state     api.EngineState
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates and wires all engine components. rdb may be nil for an
// in-memory-only market-data cache.
func New(cfg *config.Config, rdb *redis.Client, auditor *audit.Store, hub *api.Hub, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "engine"),
		auditor: auditor,
		hub:     hub,
		state:   api.StateStopped,
	}

	e.client = exchange.NewClient(*cfg, logger)
	e.store = marketdata.NewStore(marketdata.StoreOptions{
		CandleHistory: cfg.Market.CandleHistory,
		CandleTTL:     cfg.Market.CandleTTL,
		AuxTTL:        cfg.Market.AuxTTL,
	}, rdb, logger)
	e.agg = marketdata.NewAggregator(e.store, logger)

	watchlist := func() []string { return cfg.Watchlist }
	oiDelay := time.Duration(cfg.Market.OIRequestDelayMs) * time.Millisecond
	e.auxPoller = marketdata.NewAuxPoller(e.client, e.store, watchlist, oiDelay, logger)

	e.gate = risk.NewGate(cfg.Risk, logger)
	e.coord = trader.NewCoordinator(e.client, e.gate, auditor, cfg.Orders, cfg.Lifecycle, e.broadcast, logger)
	e.watchdog = trader.NewWatchdog(e.client, e.coord, cfg.Lifecycle, logger)

	e.sigEngine = signal.NewEngine(cfg, e.store, watchlist, e.acceptSignal, logger)

	ltf := types.Timeframe(cfg.Market.LTF)
	e.orb = signal.NewORB(signal.DefaultORBConfig(cfg.Lifecycle.SignalTTL), e.store, ltf, logger)
	e.agg.Subscribe(func(evt types.CandleEvent) {
		if sig, ok := e.orb.OnCandleClose(evt); ok {
			e.acceptSignal(sig)
		}
	})

	e.stream = exchange.NewStream(
		cfg.Exchange.WSPublicURL,
		e.agg.OnCandleClose,
		func(evt types.MarkPriceEvent) { e.store.SetMarkPrice(evt.Symbol, evt.Price) },
		e.onStreamLost,
		logger,
	)

	return e
}

// StartTrading warms up the market-data cache, arms the risk gate, and
// launches the trading goroutines. Returns an error if already running.
func (e *Engine) StartTrading(ctx context.Context) error {
	e.mu.Lock()
	if e.state != api.StateStopped {
		e.mu.Unlock()
		return errors.New("engine is already running")
	}
	e.state = api.StateRunning
	e.startedAt = time.Now()
	tradingCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()
	e.coord.SetEntriesPaused(false)

	if err := e.warmUp(ctx); err != nil {
		e.mu.Lock()
		e.state = api.StateStopped
		e.cancel = nil
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("warm-up: %w", err)
	}

	if balance, err := e.client.GetAvailableBalance(ctx); err != nil {
		e.logger.Warn("balance fetch failed, daily loss limit disarmed", "error", err)
	} else {
		e.gate.SetDayStartBalance(balance)
		e.logger.Info("day start balance set", "balance", balance)
	}

	ltf := types.Timeframe(e.cfg.Market.LTF)
	htf := types.Timeframe(e.cfg.Market.HTF)
	e.stream.Subscribe(e.cfg.Watchlist, []types.Timeframe{ltf, htf})

	e.runGoroutine("stream", func() {
		if err := e.stream.Run(tradingCtx); err != nil && tradingCtx.Err() == nil {
			e.logger.Error("stream terminated", "error", err)
		}
	})
	e.runGoroutine("aux_poller", func() { e.auxPoller.Run(tradingCtx) })
	e.runGoroutine("signal_engine", func() { e.sigEngine.Run(tradingCtx) })
	e.runGoroutine("coordinator", func() { e.coord.Run(tradingCtx) })
	e.runGoroutine("watchdog", func() { e.watchdog.Run(tradingCtx) })

	e.logger.Info("trading started",
		"watchlist", e.cfg.Watchlist,
		"ltf", e.cfg.Market.LTF,
		"htf", e.cfg.Market.HTF,
		"dry_run", e.cfg.DryRun,
	)
	e.hub.Broadcast("engine_started", map[string]any{"watchlist": e.cfg.Watchlist, "dryRun": e.cfg.DryRun})
	return nil
}

// StopTrading stops the trading goroutines. With flatten set, every open
// position is closed at market before the engine reports stopped. The
// market-data cache is reset so a later start begins from a clean warm-up.
func (e *Engine) StopTrading(ctx context.Context, flatten bool) error {
	e.mu.Lock()
	if e.state == api.StateStopped {
		e.mu.Unlock()
		return errors.New("engine is not running")
	}
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	cancel()
	e.wg.Wait()

	if flatten {
		e.logger.Info("flattening all positions")
		e.coord.CloseAll(ctx)
	}

	e.store.Reset()

	e.mu.Lock()
	e.state = api.StateStopped
	e.mu.Unlock()

	e.logger.Info("trading stopped", "flattened", flatten)
	e.hub.Broadcast("engine_stopped", map[string]any{"flattened": flatten})
	return nil
}

// ClosePosition closes one tracked position at market.
func (e *Engine) ClosePosition(ctx context.Context, symbol string) error {
	e.mu.Lock()
	running := e.state != api.StateStopped
	e.mu.Unlock()
	if !running {
		return errors.New("engine is not running")
	}
	return e.coord.ClosePosition(ctx, symbol)
}

// Status assembles the full status snapshot for /api/status.
func (e *Engine) Status() api.Status {
	e.mu.Lock()
	state := e.state
	startedAt := e.startedAt
	e.mu.Unlock()

	riskSnap := e.gate.GetSnapshot()
	st := api.Status{
		State:       state,
		DryRun:      e.cfg.DryRun,
		Watchlist:   e.cfg.Watchlist,
		Signals:     e.sigEngine.ActiveSignals(),
		Pending:     e.coord.PendingOrders(),
		Positions:   e.coord.Positions(),
		Risk:        riskSnap,
		TradesToday: riskSnap.TradesToday,
		PnlToday:    riskSnap.DailyPnl,
	}
	if state != api.StateStopped {
		st.StartedAt = startedAt
	}
	return st
}

// Close releases resources held for the process lifetime. StopTrading must
// have been called (or never started).
func (e *Engine) Close() {
	e.stream.Close()
}

// warmUp backfills candle history for every watchlist symbol and both
// timeframes via REST. Spread and funding arrive with the first aux poll,
// so the first scan may still skip symbols for missing aux data.
func (e *Engine) warmUp(ctx context.Context) error {
	ltf := types.Timeframe(e.cfg.Market.LTF)
	htf := types.Timeframe(e.cfg.Market.HTF)
	limit := e.cfg.Market.WarmupCandles

	for _, symbol := range e.cfg.Watchlist {
		for _, tf := range []types.Timeframe{ltf, htf} {
			candles, err := e.client.GetHistoricalCandles(ctx, symbol, tf, limit)
			if err != nil {
				if errors.Is(err, exchange.ErrInstrumentNotFound) {
					return fmt.Errorf("watchlist symbol %s: %w", symbol, err)
				}
				e.logger.Warn("backfill failed", "symbol", symbol, "tf", tf, "error", err)
				continue
			}
			e.agg.Backfill(symbol, tf, candles)
			e.logger.Debug("backfilled", "symbol", symbol, "tf", tf, "candles", len(candles))
		}
	}
	return nil
}

// onStreamLost fires when the market-data stream exhausts its reconnect
// budget. Trading keeps running on stale data safeguards (the signal engine
// skips symbols with expired aux data), so the engine degrades rather than
// halts: open positions still need the coordinator and watchdog.
func (e *Engine) onStreamLost(err error) {
	e.mu.Lock()
	if e.state == api.StateRunning {
		e.state = api.StateDegraded
	}
	e.mu.Unlock()

	// Degraded means no new entries: the cached candles only go staler from
	// here. The coordinator and watchdog keep managing what is already open.
	e.coord.SetEntriesPaused(true)

	e.logger.Error("market-data stream lost, engine degraded", "error", err)
	e.hub.Broadcast("stream_lost", map[string]string{"error": err.Error()})
}

// acceptSignal is the sink for both signal sources.
func (e *Engine) acceptSignal(sig *types.Signal) {
	e.hub.Broadcast("signal", sig)
	e.coord.EnqueueSignal(sig)
}

// broadcast adapts the hub to the coordinator's event sink.
func (e *Engine) broadcast(event string, data any) {
	e.hub.Broadcast(event, data)
}

func (e *Engine) runGoroutine(name string, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
		e.logger.Debug("goroutine exited", "name", name)
	}()
}
