// Package marketdata owns the engine's view of the market: a bounded,
// TTL-expiring cache of closed candles plus the auxiliary per-symbol metrics
// (funding, open interest, top-of-book spread, mark price).
//
// The Store is the single writable home for this data. Writers are the
// candle aggregator (stream side) and the aux poller (REST side); everything
// else reads snapshots. Candle series use a per-key lock so one symbol's
// write never blocks another symbol's read.
//
// When a Redis address is configured the store also writes candles and aux
// quotes through to Redis with the same TTLs, so a restarted process (or an
// external consumer) can see the latest state. The in-memory copy stays
// authoritative; Redis failures are logged and never surfaced to callers.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"perp-scalper/pkg/types"
)

const redisWriteTimeout = 2 * time.Second

// StoreOptions bound the cache.
type StoreOptions struct {
	CandleHistory int           // ring size per (symbol, timeframe)
	CandleTTL     time.Duration // series expiry since last write
	AuxTTL        time.Duration // funding/OI/spread expiry
}

// candleSeries is the bounded, ordered ring of closed candles for one
// (symbol, timeframe) key. Open-times are strictly increasing.
type candleSeries struct {
	mu      sync.RWMutex
	candles []types.Candle
	updated time.Time
}

type auxEntry[T any] struct {
	value   T
	updated time.Time
}

// Store is the in-memory + Redis market-data cache.
type Store struct {
	opts StoreOptions

	seriesMu sync.RWMutex
	series   map[string]*candleSeries // key: symbol|timeframe

	auxMu   sync.RWMutex
	funding map[string]auxEntry[types.FundingInfo]
	oi      map[string]auxEntry[types.OpenInterestInfo]
	spread  map[string]auxEntry[types.SpreadInfo]
	mark    map[string]float64 // no TTL: refreshed continuously by the stream

	rdb    *redis.Client // nil = in-memory only
	logger *slog.Logger
}

// NewStore creates a market-data store. rdb may be nil.
func NewStore(opts StoreOptions, rdb *redis.Client, logger *slog.Logger) *Store {
	if opts.CandleHistory <= 0 {
		opts.CandleHistory = 50
	}
	if opts.CandleTTL <= 0 {
		opts.CandleTTL = 6 * time.Hour
	}
	if opts.AuxTTL <= 0 {
		opts.AuxTTL = 120 * time.Second
	}
	return &Store{
		opts:    opts,
		series:  make(map[string]*candleSeries),
		funding: make(map[string]auxEntry[types.FundingInfo]),
		oi:      make(map[string]auxEntry[types.OpenInterestInfo]),
		spread:  make(map[string]auxEntry[types.SpreadInfo]),
		mark:    make(map[string]float64),
		rdb:     rdb,
		logger:  logger.With("component", "store"),
	}
}

func seriesKey(symbol string, tf types.Timeframe) string {
	return symbol + "|" + string(tf)
}

func (s *Store) getSeries(symbol string, tf types.Timeframe) *candleSeries {
	key := seriesKey(symbol, tf)

	s.seriesMu.RLock()
	cs, ok := s.series[key]
	s.seriesMu.RUnlock()
	if ok {
		return cs
	}

	s.seriesMu.Lock()
	defer s.seriesMu.Unlock()
	if cs, ok = s.series[key]; ok {
		return cs
	}
	cs = &candleSeries{candles: make([]types.Candle, 0, s.opts.CandleHistory)}
	s.series[key] = cs
	return cs
}

// PutCandle inserts a closed candle. A candle with the same open-time as the
// newest stored one replaces it; older candles are dropped; newer candles are
// appended, evicting the oldest past the ring bound. The swap is atomic
// against readers.
func (s *Store) PutCandle(symbol string, tf types.Timeframe, c types.Candle) {
	cs := s.getSeries(symbol, tf)

	cs.mu.Lock()
	n := len(cs.candles)
	switch {
	case n == 0 || c.OpenTime > cs.candles[n-1].OpenTime:
		cs.candles = append(cs.candles, c)
		if len(cs.candles) > s.opts.CandleHistory {
			// Shift rather than re-slice so the backing array stays bounded.
			copy(cs.candles, cs.candles[1:])
			cs.candles = cs.candles[:s.opts.CandleHistory]
		}
	case c.OpenTime == cs.candles[n-1].OpenTime:
		cs.candles[n-1] = c
	default:
		// Late candle for an already-superseded bar: drop it to keep
		// open-times strictly increasing.
		cs.mu.Unlock()
		return
	}
	cs.updated = time.Now()
	cs.mu.Unlock()

	s.redisPutCandle(symbol, tf, c)
}

// Candles returns the most recent n candles (oldest first). Returns fewer if
// the series is shorter, or nil if the series has expired.
func (s *Store) Candles(symbol string, tf types.Timeframe, n int) []types.Candle {
	cs := s.getSeries(symbol, tf)

	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if cs.updated.IsZero() || time.Since(cs.updated) > s.opts.CandleTTL {
		return nil
	}
	if n <= 0 || n > len(cs.candles) {
		n = len(cs.candles)
	}
	out := make([]types.Candle, n)
	copy(out, cs.candles[len(cs.candles)-n:])
	return out
}

// LastCandle returns the newest candle for the key, if any.
func (s *Store) LastCandle(symbol string, tf types.Timeframe) (types.Candle, bool) {
	window := s.Candles(symbol, tf, 1)
	if len(window) == 0 {
		return types.Candle{}, false
	}
	return window[0], true
}

// PutFunding stores the funding snapshot for a symbol.
func (s *Store) PutFunding(f types.FundingInfo) {
	s.auxMu.Lock()
	s.funding[f.Symbol] = auxEntry[types.FundingInfo]{value: f, updated: time.Now()}
	s.auxMu.Unlock()
	s.redisPutAux("funding", f.Symbol, f)
}

// Funding returns the funding snapshot if present and fresh.
func (s *Store) Funding(symbol string) (types.FundingInfo, bool) {
	s.auxMu.RLock()
	defer s.auxMu.RUnlock()
	e, ok := s.funding[symbol]
	if !ok || time.Since(e.updated) > s.opts.AuxTTL {
		return types.FundingInfo{}, false
	}
	return e.value, true
}

// PutOpenInterest stores the open-interest snapshot for a symbol.
func (s *Store) PutOpenInterest(oi types.OpenInterestInfo) {
	s.auxMu.Lock()
	s.oi[oi.Symbol] = auxEntry[types.OpenInterestInfo]{value: oi, updated: time.Now()}
	s.auxMu.Unlock()
	s.redisPutAux("oi", oi.Symbol, oi)
}

// OpenInterest returns the OI snapshot if present and fresh.
func (s *Store) OpenInterest(symbol string) (types.OpenInterestInfo, bool) {
	s.auxMu.RLock()
	defer s.auxMu.RUnlock()
	e, ok := s.oi[symbol]
	if !ok || time.Since(e.updated) > s.opts.AuxTTL {
		return types.OpenInterestInfo{}, false
	}
	return e.value, true
}

// PutSpread stores the top-of-book snapshot for a symbol.
func (s *Store) PutSpread(sp types.SpreadInfo) {
	s.auxMu.Lock()
	s.spread[sp.Symbol] = auxEntry[types.SpreadInfo]{value: sp, updated: time.Now()}
	s.auxMu.Unlock()
	s.redisPutAux("spread", sp.Symbol, sp)
}

// Spread returns the top-of-book snapshot if present and fresh.
func (s *Store) Spread(symbol string) (types.SpreadInfo, bool) {
	s.auxMu.RLock()
	defer s.auxMu.RUnlock()
	e, ok := s.spread[symbol]
	if !ok || time.Since(e.updated) > s.opts.AuxTTL {
		return types.SpreadInfo{}, false
	}
	return e.value, true
}

// SetMarkPrice records the latest mark price for a symbol.
func (s *Store) SetMarkPrice(symbol string, price float64) {
	s.auxMu.Lock()
	s.mark[symbol] = price
	s.auxMu.Unlock()
}

// MarkPrice returns the latest mark price for a symbol.
func (s *Store) MarkPrice(symbol string) (float64, bool) {
	s.auxMu.RLock()
	defer s.auxMu.RUnlock()
	p, ok := s.mark[symbol]
	return p, ok
}

// Reset drops all cached data. Called on stopTrading.
func (s *Store) Reset() {
	s.seriesMu.Lock()
	s.series = make(map[string]*candleSeries)
	s.seriesMu.Unlock()

	s.auxMu.Lock()
	s.funding = make(map[string]auxEntry[types.FundingInfo])
	s.oi = make(map[string]auxEntry[types.OpenInterestInfo])
	s.spread = make(map[string]auxEntry[types.SpreadInfo])
	s.mark = make(map[string]float64)
	s.auxMu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// Redis write-through
// ————————————————————————————————————————————————————————————————————————

func (s *Store) redisPutCandle(symbol string, tf types.Timeframe, c types.Candle) {
	if s.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()

	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	key := fmt.Sprintf("md:candle:%s:%s", symbol, tf)
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-s.opts.CandleHistory), -1)
	pipe.Expire(ctx, key, s.opts.CandleTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("redis candle write failed", "symbol", symbol, "tf", tf, "error", err)
	}
}

func (s *Store) redisPutAux(kind, symbol string, v any) {
	if s.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()

	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	key := fmt.Sprintf("md:%s:%s", kind, symbol)
	if err := s.rdb.Set(ctx, key, data, s.opts.AuxTTL).Err(); err != nil {
		s.logger.Warn("redis aux write failed", "key", key, "error", err)
	}
}
