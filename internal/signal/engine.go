// Package signal implements the scan cycle that turns cached market data
// into trade signals.
//
// Once per minute (aligned to second 30, halfway between aux polls) the
// engine walks the watchlist and runs each symbol through a three-stage
// cascade:
//
//	F1 (macro):    spread ceiling and funding-rate regime
//	F2 (trend):    higher-timeframe swing structure
//	F3 (momentum): lower-timeframe body/volume regime plus CVD agreement
//
// A symbol that survives all three stages gets ATR-derived entry, TP1/TP2
// and SL levels, a 0–100 strength score, and a TTL. Signals are handed to
// the registered sink (the order coordinator) and kept in an active set
// for the status endpoint until they expire.
package signal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"perp-scalper/internal/analyzer"
	"perp-scalper/internal/config"
	"perp-scalper/internal/indicator"
	"perp-scalper/internal/marketdata"
	"perp-scalper/internal/metrics"
	"perp-scalper/pkg/types"
)

// Sink receives every emitted signal. Must not block; the coordinator
// enqueues and returns.
type Sink func(*types.Signal)

// Engine runs the per-minute scan cycle.
type Engine struct {
	store     *marketdata.Store
	filters   config.FilterConfig
	orders    config.OrderConfig
	ltf       types.Timeframe
	htf       types.Timeframe
	signalTTL time.Duration
	watchlist func() []string
	trend     *analyzer.TrendAnalyzer
	momentum  *analyzer.MomentumAnalyzer
	sink      Sink
	logger    *slog.Logger
	now       func() time.Time
	seq       atomic.Int64

	mu     sync.RWMutex
	active map[string]*types.Signal // newest signal per symbol
}

// NewEngine creates the signal engine. watchlist is read every cycle.
func NewEngine(cfg *config.Config, store *marketdata.Store, watchlist func() []string, sink Sink, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		filters:   cfg.Filters,
		orders:    cfg.Orders,
		ltf:       types.Timeframe(cfg.Market.LTF),
		htf:       types.Timeframe(cfg.Market.HTF),
		signalTTL: cfg.Lifecycle.SignalTTL,
		watchlist: watchlist,
		trend:     analyzer.NewTrendAnalyzer(cfg.Filters.TrendBars),
		momentum: analyzer.NewMomentumAnalyzer(analyzer.MomentumConfig{
			MinBars:       cfg.Filters.MomentumBars,
			BodyExhausted: cfg.Filters.BodyExhausted,
			BodyMomentum:  cfg.Filters.BodyMomentum,
			VolDecrease:   cfg.Filters.VolumeDecrease,
		}),
		sink:   sink,
		logger: logger.With("component", "signal"),
		now:    time.Now,
		active: make(map[string]*types.Signal),
	}
}

// Run blocks until ctx is cancelled, firing one scan per minute at second 30.
func (e *Engine) Run(ctx context.Context) {
	for {
		wait := alignTo(e.now(), 30)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			e.Scan()
		}
	}
}

// alignTo returns the duration until the next wall-clock occurrence of
// offsetSec within a minute.
func alignTo(now time.Time, offsetSec int) time.Duration {
	next := now.Truncate(time.Minute).Add(time.Duration(offsetSec) * time.Second)
	for !next.After(now) {
		next = next.Add(time.Minute)
	}
	return next.Sub(now)
}

// Scan runs one full watchlist pass. Exported so the engine can trigger an
// immediate scan after warm-up.
func (e *Engine) Scan() {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("scan cycle panicked", "panic", r)
		}
	}()

	start := e.now()
	symbols := e.watchlist()

	// Collect the whole cycle first; the sink gets them strongest first so
	// the best setups claim the position slots.
	passed := make([]*types.Signal, 0, len(symbols))
	for _, symbol := range symbols {
		sig, skip := e.analyzeSymbol(symbol)
		if sig == nil {
			if skip != "" {
				e.logger.Debug("symbol skipped", "symbol", symbol, "reason", skip)
			}
			continue
		}
		if err := sig.ValidatePriceOrdering(); err != nil {
			e.logger.Error("dropping signal with invalid price ordering", "error", err)
			continue
		}
		passed = append(passed, sig)
	}
	sort.SliceStable(passed, func(i, j int) bool { return passed[i].Strength > passed[j].Strength })

	for _, sig := range passed {
		e.mu.Lock()
		e.active[sig.Symbol] = sig
		e.mu.Unlock()

		e.logger.Info("signal emitted",
			"symbol", sig.Symbol,
			"direction", sig.Direction,
			"strength", sig.Strength,
			"entry", sig.EntryPrice,
			"tp1", sig.TP1Price,
			"tp2", sig.TP2Price,
			"sl", sig.SLPrice,
		)
		if e.sink != nil {
			e.sink(sig)
		}
		metrics.SignalsEmitted.Inc()
	}

	took := time.Since(start)
	metrics.ScanDuration.Observe(took.Seconds())
	e.logger.Info("scan complete",
		"symbols", len(symbols),
		"signals", len(passed),
		"took", took,
	)
}

// ActiveSignals returns the unexpired signals, pruning expired ones.
func (e *Engine) ActiveSignals() []*types.Signal {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*types.Signal, 0, len(e.active))
	for symbol, sig := range e.active {
		if sig.Expired(now) {
			delete(e.active, symbol)
			continue
		}
		out = append(out, sig)
	}
	return out
}

// analyzeSymbol runs the full cascade for one symbol. Returns the signal, or
// nil with a skip reason. An empty reason means the data was simply missing.
func (e *Engine) analyzeSymbol(symbol string) (*types.Signal, string) {
	// ——— Load ———
	needLTF := e.filters.MomentumBars
	if e.orders.ATRPeriod+1 > needLTF {
		needLTF = e.orders.ATRPeriod + 1
	}
	ltfCandles := e.store.Candles(symbol, e.ltf, 0)
	if len(ltfCandles) < needLTF {
		return nil, fmt.Sprintf("ltf history %d < %d", len(ltfCandles), needLTF)
	}
	htfCandles := e.store.Candles(symbol, e.htf, e.filters.TrendBars)
	if len(htfCandles) < e.filters.TrendBars {
		return nil, fmt.Sprintf("htf history %d < %d", len(htfCandles), e.filters.TrendBars)
	}
	spread, ok := e.store.Spread(symbol)
	if !ok {
		return nil, "no fresh spread"
	}
	// Funding is optional; an absent quote is treated as a zero rate.
	fundingRate := 0.0
	if funding, ok := e.store.Funding(symbol); ok {
		fundingRate = funding.Rate
	}

	price, ok := e.store.MarkPrice(symbol)
	if !ok || price <= 0 {
		price = ltfCandles[len(ltfCandles)-1].Close
	}
	if price <= 0 {
		return nil, "no price"
	}

	// ——— F1: macro ———
	if spread.SpreadPct > e.filters.MaxSpreadPct {
		return nil, fmt.Sprintf("spread %.5f > %.5f", spread.SpreadPct, e.filters.MaxSpreadPct)
	}
	regime := e.fundingRegime(fundingRate)

	// ——— F2: trend ———
	trend := e.trend.AnalyzeTrend(htfCandles)
	var dir types.Direction
	switch trend.Direction {
	case types.TrendUp:
		dir = types.LONG
	case types.TrendDown:
		dir = types.SHORT
	default:
		return nil, "trend neutral"
	}
	if !e.directionAllowed(dir, fundingRate, regime) {
		return nil, fmt.Sprintf("funding %.5f blocks %s", fundingRate, dir)
	}

	// ——— F3: momentum + CVD ———
	momWindow := ltfCandles[len(ltfCandles)-e.filters.MomentumBars:]
	mom := e.momentum.AnalyzeMomentum(momWindow)
	if mom.Direction != trend.Direction {
		return nil, fmt.Sprintf("momentum %s disagrees with trend %s", mom.Direction, trend.Direction)
	}
	switch mom.State {
	case types.MomentumStrong:
		if mom.BodySizeRatio > e.filters.BodyMomentumCap {
			return nil, fmt.Sprintf("momentum body %.2f past cap (chasing)", mom.BodySizeRatio)
		}
	case types.MomentumPullback:
		// tradeable
	default:
		return nil, fmt.Sprintf("momentum state %s", mom.State)
	}

	cvd, cvdRatio := indicator.CVDRatio(ltfCandles, e.filters.CVDBars)
	if cvdRatio < e.filters.MinCVDRatio {
		return nil, fmt.Sprintf("cvd ratio %.3f < %.3f", cvdRatio, e.filters.MinCVDRatio)
	}
	if (dir == types.LONG && cvd < 0) || (dir == types.SHORT && cvd > 0) {
		return nil, fmt.Sprintf("cvd sign disagrees with %s", dir)
	}

	// ——— Volatility floor + targets ———
	atr := indicator.ATR(ltfCandles, e.orders.ATRPeriod)
	if atr <= 0 {
		return nil, "zero atr"
	}
	atrPct := atr / price
	if atrPct < e.orders.MinATRPct {
		return nil, fmt.Sprintf("atr %.5f below floor %.5f", atrPct, e.orders.MinATRPct)
	}

	entry, tp1, tp2, sl := e.targets(dir, price, atr, spread.SpreadPct)

	oi, hasOI := e.store.OpenInterest(symbol)

	now := e.now()
	sig := &types.Signal{
		ID:           fmt.Sprintf("sig-%s-%d", now.UTC().Format("20060102T150405"), e.seq.Add(1)),
		Symbol:       symbol,
		Direction:    dir,
		CurrentPrice: price,
		EntryPrice:   entry,
		TP1Price:     tp1,
		TP2Price:     tp2,
		SLPrice:      sl,
		ATR:          atr,
		ATRPct:       atrPct,
		Trend:        trend.Direction,
		Momentum:     mom.State,
		CVD:          cvd,
		CVDRatio:     cvdRatio,
		FundingRate:  fundingRate,
		SpreadPct:    spread.SpreadPct,
		CreatedAt:    now,
		ExpiresAt:    now.Add(e.signalTTL),
	}
	if hasOI {
		sig.OIChangePct = oi.ChangePct
	}
	sig.Strength = e.score(sig, trend, mom, oi, hasOI)
	return sig, ""
}

/// fundingRegime classifies the current funding rate: extreme positive
// funding blocks longs (crowded long side), extreme negative blocks shorts.
func (e *Engine) fundingRegime(rate float64) types.FundingRegime {
	switch {
	case rate > e.filters.FundingExtremeHigh:
		return types.FundingShortOnly
	case rate < e.filters.FundingExtremeLow:
		return types.FundingLongOnly
	default:
		return types.FundingBoth
	}
}

func (e *Engine) directionAllowed(dir types.Direction, rate float64, regime types.FundingRegime) bool {
	switch regime {
	case types.FundingShortOnly:
		if dir == types.LONG {
			return false
		}
	case types.FundingLongOnly:
		if dir == types.SHORT {
			return false
		}
	}
	if dir == types.LONG && rate > e.filters.FundingMaxForLong {
		return false
	}
	if dir == types.SHORT && rate < e.filters.FundingMinForShort {
		return false
	}
	return true
}

// targets derives entry, TP1, TP2 and SL from ATR multiples. The entry rests
// inside the move (a small pullback from current price). TP and SL distances
// are floored at MinTPSLPct of entry and at the round-trip cost (fees and
// spread on both legs plus slippage) so a TP1 fill can never be unprofitable.
func (e *Engine) targets(dir types.Direction, price, atr, spreadPct float64) (entry, tp1, tp2, sl float64) {
	offset := e.orders.EntryOffsetATR * atr
	tp1Dist := e.orders.TP1ATR * atr
	tp2Dist := e.orders.TP2ATR * atr
	slDist := e.orders.SLATR * atr

	if dir == types.LONG {
		entry = price - offset
	} else {
		entry = price + offset
	}

	minDist := entry * e.orders.MinTPSLPct
	if costFloor := entry * (2*e.orders.FeePct + 2*spreadPct + e.orders.SlippagePct); costFloor > minDist {
		minDist = costFloor
	}
	if tp1Dist < minDist {
		tp1Dist = minDist
	}
	if tp2Dist < tp1Dist {
		tp2Dist = tp1Dist
	}
	if slDist < minDist {
		slDist = minDist
	}

	if dir == types.LONG {
		return entry, entry + tp1Dist, entry + tp2Dist, entry - slDist
	}
	return entry, entry - tp1Dist, entry - tp2Dist, entry + slDist
}

/// score maps the cascade evidence onto 0–100:
// trend ×30, momentum ×25, CVD ×20, funding 15, OI 10.
func (e *Engine) score(sig *types.Signal, trend analyzer.TrendResult, mom analyzer.MomentumResult, oi types.OpenInterestInfo, hasOI bool) float64 {
	s := trend.Strength*30 + mom.Strength*25

	cvdScale := sig.CVDRatio / (3 * e.filters.MinCVDRatio)
	if cvdScale > 1 {
		cvdScale = 1
	}
	s += cvdScale * 20

	// Funding tailwind: shorts collect positive funding, longs collect
	// negative funding.
	if (sig.Direction == types.LONG && sig.FundingRate <= 0) ||
		(sig.Direction == types.SHORT && sig.FundingRate >= 0) {
		s += 15
	}

	// Rising OI means fresh participation behind the move; advisory only.
	if hasOI && oi.Direction == types.OIUp {
		s += 10
	}

	if s > 100 {
		s = 100
	}
	return s
}
