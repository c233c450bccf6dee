// orb.go implements the opening-range-breakout strategy, an event-driven
// signal source that complements the per-minute cascade scan.
//
// For each symbol the high/low of the first RangeBars lower-timeframe candles
// of the UTC day form the opening range. The first close outside the range —
// gated by ADX (the move must be trending) and RSI (not already stretched) —
// emits a breakout signal. At most one breakout fires per symbol per day.
package signal

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"perp-scalper/internal/indicator"
	"perp-scalper/internal/marketdata"
	"perp-scalper/pkg/types"
)

// ORBConfig tunes the opening-range-breakout strategy.
type ORBConfig struct {
	RangeBars int           // candles forming the opening range
	ADXPeriod int           // trend-strength gate period
	MinADX    float64       // breakout rejected below this ADX
	RSIPeriod int           // exhaustion gate period
	RSIMax    float64       // long breakout rejected above this RSI
	RSIMin    float64       // short breakout rejected below this RSI
	SignalTTL time.Duration
}

// DefaultORBConfig returns the standard tuning.
func DefaultORBConfig(ttl time.Duration) ORBConfig {
	return ORBConfig{
		RangeBars: 6,
		ADXPeriod: 14,
		MinADX:    20,
		RSIPeriod: 14,
		RSIMax:    70,
		RSIMin:    30,
		SignalTTL: ttl,
	}
}

// openingRange tracks one symbol's range for the current UTC day.
type openingRange struct {
	day   time.Time
	high  float64
	low   float64
	bars  int
	fired bool
}

// ORB is the opening-range-breakout strategy. It consumes closed LTF candles
// from the aggregator and emits at most one signal per symbol per UTC day.
type ORB struct {
	cfg    ORBConfig
	store  *marketdata.Store
	ltf    types.Timeframe
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	ranges map[string]*openingRange
	seq    int64
}

// NewORB creates the strategy.
func NewORB(cfg ORBConfig, store *marketdata.Store, ltf types.Timeframe, logger *slog.Logger) *ORB {
	if cfg.RangeBars <= 0 {
		cfg.RangeBars = 6
	}
	return &ORB{
		cfg:    cfg,
		store:  store,
		ltf:    ltf,
		logger: logger.With("component", "orb"),
		now:    time.Now,
		ranges: make(map[string]*openingRange),
	}
}

// OnCandleClose feeds one closed candle. Returns a breakout signal when the
// close escapes a completed range and passes the ADX/RSI gates.
func (o *ORB) OnCandleClose(evt types.CandleEvent) (*types.Signal, bool) {
	if evt.Timeframe != o.ltf {
		return nil, false
	}

	barDay := time.UnixMilli(evt.Candle.OpenTime).UTC().Truncate(24 * time.Hour)

	o.mu.Lock()
	r, ok := o.ranges[evt.Symbol]
	if !ok || !r.day.Equal(barDay) {
		r = &openingRange{day: barDay, high: evt.Candle.High, low: evt.Candle.Low, bars: 1}
		o.ranges[evt.Symbol] = r
		o.mu.Unlock()
		return nil, false
	}

	if r.bars < o.cfg.RangeBars {
		if evt.Candle.High > r.high {
			r.high = evt.Candle.High
		}
		if evt.Candle.Low < r.low {
			r.low = evt.Candle.Low
		}
		r.bars++
		o.mu.Unlock()
		return nil, false
	}

	if r.fired {
		o.mu.Unlock()
		return nil, false
	}
	high, low := r.high, r.low
	o.mu.Unlock()

	var dir types.Direction
	switch {
	case evt.Candle.Close > high:
		dir = types.LONG
	case evt.Candle.Close < low:
		dir = types.SHORT
	default:
		return nil, false
	}

	window := o.store.Candles(evt.Symbol, o.ltf, 0)
	if len(window) < 2*o.cfg.ADXPeriod+1 {
		return nil, false
	}
	adx := indicator.ADX(window, o.cfg.ADXPeriod)
	if adx < o.cfg.MinADX {
		o.logger.Debug("breakout rejected, weak adx", "symbol", evt.Symbol, "adx", adx)
		return nil, false
	}
	rsi := indicator.RSI(window, o.cfg.RSIPeriod)
	if (dir == types.LONG && rsi > o.cfg.RSIMax) || (dir == types.SHORT && rsi < o.cfg.RSIMin) {
		o.logger.Debug("breakout rejected, stretched rsi", "symbol", evt.Symbol, "rsi", rsi)
		return nil, false
	}

	o.mu.Lock()
	if r.fired {
		o.mu.Unlock()
		return nil, false
	}
	r.fired = true
	o.seq++
	seq := o.seq
	o.mu.Unlock()

	sig := o.buildSignal(evt, dir, high, low, seq)
	if err := sig.ValidatePriceOrdering(); err != nil {
		o.logger.Warn("dropping degenerate breakout signal", "error", err)
		return nil, false
	}

	o.logger.Info("opening range breakout",
		"symbol", sig.Symbol,
		"direction", dir,
		"range_high", high,
		"range_low", low,
		"adx", adx,
		"rsi", rsi,
	)
	return sig, true
}

// buildSignal derives targets from the range height: TP1 one height out,
// TP2 two heights, SL at the range midpoint.
func (o *ORB) buildSignal(evt types.CandleEvent, dir types.Direction, high, low float64, seq int64) *types.Signal {
	height := high - low
	mid := (high + low) / 2
	entry := evt.Candle.Close
	now := o.now()

	sig := &types.Signal{
		ID:           fmt.Sprintf("orb-%s-%d", now.UTC().Format("20060102T150405"), seq),
		Symbol:       evt.Symbol,
		Direction:    dir,
		Strength:     60, // breakout signals carry a fixed baseline score
		CurrentPrice: entry,
		EntryPrice:   entry,
		CreatedAt:    now,
		ExpiresAt:    now.Add(o.cfg.SignalTTL),
	}
	if dir == types.LONG {
		sig.TP1Price = entry + height
		sig.TP2Price = entry + 2*height
		sig.SLPrice = mid
	} else {
		sig.TP1Price = entry - height
		sig.TP2Price = entry - 2*height
		sig.SLPrice = mid
	}
	return sig
}
