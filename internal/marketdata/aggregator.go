package marketdata

import (
	"log/slog"
	"sync"

	"perp-scalper/pkg/types"
)

// Subscriber receives every accepted closed candle. Callbacks run on the
// stream's dispatch goroutine and must not block.
type Subscriber func(types.CandleEvent)

// Aggregator receives closed-candle events from the exchange stream,
// validates and dedups them, writes them into the store, and fans them out
// to registered subscribers (the ORB strategy consumes HTF closes this way).
type Aggregator struct {
	store  *Store
	logger *slog.Logger

	mu       sync.RWMutex
	lastSeen map[string]int64 // symbol|tf → newest accepted open-time
	subs     []Subscriber
}

// NewAggregator creates a candle aggregator writing into store.
func NewAggregator(store *Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:    store,
		logger:   logger.With("component", "aggregator"),
		lastSeen: make(map[string]int64),
	}
}

// Subscribe registers a closed-candle subscriber.
func (a *Aggregator) Subscribe(sub Subscriber) {
	a.mu.Lock()
	a.subs = append(a.subs, sub)
	a.mu.Unlock()
}

// OnCandleClose handles one confirmed candle: reject malformed bars, drop
// stale duplicates, store, then fan out. A candle re-sent with the newest
// open-time replaces the stored bar but is not fanned out twice.
func (a *Aggregator) OnCandleClose(evt types.CandleEvent) {
	if err := evt.Candle.Validate(); err != nil {
		a.logger.Warn("dropping malformed candle", "symbol", evt.Symbol, "tf", evt.Timeframe, "error", err)
		return
	}

	key := seriesKey(evt.Symbol, evt.Timeframe)

	a.mu.Lock()
	last, seen := a.lastSeen[key]
	if seen && evt.Candle.OpenTime < last {
		a.mu.Unlock()
		return
	}
	duplicate := seen && evt.Candle.OpenTime == last
	a.lastSeen[key] = evt.Candle.OpenTime
	subs := a.subs
	a.mu.Unlock()

	a.store.PutCandle(evt.Symbol, evt.Timeframe, evt.Candle)

	if duplicate {
		return
	}
	for _, sub := range subs {
		sub(evt)
	}
}

// Backfill seeds the store with historical candles (oldest first) without
// notifying subscribers. Used by the warm-up path on startTrading.
func (a *Aggregator) Backfill(symbol string, tf types.Timeframe, candles []types.Candle) {
	key := seriesKey(symbol, tf)
	for _, c := range candles {
		if err := c.Validate(); err != nil {
			continue
		}
		a.store.PutCandle(symbol, tf, c)

		a.mu.Lock()
		if c.OpenTime > a.lastSeen[key] {
			a.lastSeen[key] = c.OpenTime
		}
		a.mu.Unlock()
	}
}
