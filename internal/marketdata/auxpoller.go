package marketdata

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"perp-scalper/internal/exchange"
	"perp-scalper/pkg/types"
)

// AuxAPI is the slice of the exchange façade the poller needs.
type AuxAPI interface {
	GetFundingAll(ctx context.Context) ([]types.FundingRate, error)
	GetBookTickerAll(ctx context.Context) ([]types.BookTicker, error)
	GetOpenInterest(ctx context.Context, symbol string) (float64, error)
}

// AuxPoller collects funding, top-of-book spread, and open interest once per
// minute (aligned to second 0) and writes the snapshots into the store.
//
// Funding and spread use one bulk call each; OI is per-symbol and therefore
// paced with a small delay. Symbols the exchange reports as unknown are
// suppressed for the rest of the process lifetime. A failure in one sub-task
// never aborts the others.
type AuxPoller struct {
	api       AuxAPI
	store     *Store
	watchlist func() []string
	oiDelay   time.Duration
	logger    *slog.Logger

	mu         sync.Mutex
	prevOI     map[string]float64
	suppressed map[string]bool
}

// NewAuxPoller creates the poller. watchlist is read at the start of every cycle.
func NewAuxPoller(api AuxAPI, store *Store, watchlist func() []string, oiDelay time.Duration, logger *slog.Logger) *AuxPoller {
	if oiDelay <= 0 {
		oiDelay = 200 * time.Millisecond
	}
	return &AuxPoller{
		api:        api,
		store:      store,
		watchlist:  watchlist,
		oiDelay:    oiDelay,
		logger:     logger.With("component", "aux_poller"),
		prevOI:     make(map[string]float64),
		suppressed: make(map[string]bool),
	}
}

// Run blocks until ctx is cancelled, firing one collection cycle per minute
// at second 0. The first cycle runs immediately so the signal engine has aux
// data on its first scan.
func (p *AuxPoller) Run(ctx context.Context) {
	p.cycle(ctx)

	for {
		wait := alignTo(time.Now(), 0)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			p.cycle(ctx)
		}
	}
}

// alignTo returns the duration until the next wall-clock minute boundary plus
// offset seconds. Fixed-point alignment keeps the ":00 poll, :30 scan"
// contract from drifting.
func alignTo(now time.Time, offsetSec int) time.Duration {
	next := now.Truncate(time.Minute).Add(time.Minute).Add(time.Duration(offsetSec) * time.Second)
	if !next.After(now) {
		next = next.Add(time.Minute)
	}
	return next.Sub(now)
}

func (p *AuxPoller) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("aux cycle panicked", "panic", r)
		}
	}()

	symbols := p.watchlist()
	if len(symbols) == 0 {
		return
	}

	inList := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		inList[s] = true
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		p.collectFunding(ctx, inList)
	}()
	go func() {
		defer wg.Done()
		p.collectSpread(ctx, inList)
	}()
	go func() {
		defer wg.Done()
		p.collectOpenInterest(ctx, symbols)
	}()
	wg.Wait()
}

func (p *AuxPoller) collectFunding(ctx context.Context, inList map[string]bool) {
	rates, err := p.api.GetFundingAll(ctx)
	if err != nil {
		p.logger.Warn("funding fetch failed", "error", err)
		return
	}
	n := 0
	for _, r := range rates {
		if !inList[r.Symbol] {
			continue
		}
		p.store.PutFunding(types.FundingInfo{
			Symbol:          r.Symbol,
			Rate:            r.Rate,
			NextFundingTime: r.NextFundingTime,
			MarkPrice:       r.MarkPrice,
			IndexPrice:      r.IndexPrice,
		})
		n++
	}
	p.logger.Debug("funding collected", "symbols", n)
}

func (p *AuxPoller) collectSpread(ctx context.Context, inList map[string]bool) {
	tickers, err := p.api.GetBookTickerAll(ctx)
	if err != nil {
		p.logger.Warn("book ticker fetch failed", "error", err)
		return
	}
	n := 0
	for _, t := range tickers {
		if !inList[t.Symbol] || t.Bid <= 0 || t.Ask <= 0 {
			continue
		}
		mid := (t.Bid + t.Ask) / 2
		spread := t.Ask - t.Bid
		p.store.PutSpread(types.SpreadInfo{
			Symbol:    t.Symbol,
			Bid:       t.Bid,
			Ask:       t.Ask,
			Mid:       mid,
			Spread:    spread,
			SpreadPct: spread / mid,
		})
		n++
	}
	p.logger.Debug("spread collected", "symbols", n)
}

func (p *AuxPoller) collectOpenInterest(ctx context.Context, symbols []string) {
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		skip := p.suppressed[symbol]
		p.mu.Unlock()
		if skip {
			continue
		}

		value, err := p.api.GetOpenInterest(ctx, symbol)
		if err != nil {
			if errors.Is(err, exchange.ErrInstrumentNotFound) {
				p.mu.Lock()
				p.suppressed[symbol] = true
				p.mu.Unlock()
				p.logger.Info("suppressing unknown instrument", "symbol", symbol)
			} else {
				p.logger.Warn("open interest fetch failed", "symbol", symbol, "error", err)
			}
			continue
		}

		p.mu.Lock()
		prev, hadPrev := p.prevOI[symbol]
		p.prevOI[symbol] = value
		p.mu.Unlock()

		oi := types.OpenInterestInfo{Symbol: symbol, Value: value, Direction: types.OIFlat}
		if hadPrev && prev > 0 {
			oi.Change = value - prev
			oi.ChangePct = oi.Change / prev
			switch {
			case oi.ChangePct > 0.001:
				oi.Direction = types.OIUp
			case oi.ChangePct < -0.001:
				oi.Direction = types.OIDown
			}
		}
		p.store.PutOpenInterest(oi)

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.oiDelay):
		}
	}
}
