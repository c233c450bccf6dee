package signal

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"perp-scalper/internal/config"
	"perp-scalper/internal/marketdata"
	"perp-scalper/pkg/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Market: config.MarketConfig{LTF: "5m", HTF: "15m", CandleHistory: 50, CandleTTL: 6 * time.Hour, AuxTTL: 2 * time.Minute},
		Filters: config.FilterConfig{
			MaxSpreadPct:       0.0005,
			FundingMaxForLong:  0.0003,
			FundingMinForShort: -0.0003,
			FundingExtremeHigh: 0.001,
			FundingExtremeLow:  -0.001,
			TrendBars:          4,
			MomentumBars:       5,
			BodyExhausted:      0.5,
			BodyMomentum:       1.2,
			BodyMomentumCap:    1.5,
			VolumeDecrease:     0.7,
			MinCVDRatio:        0.15,
			CVDBars:            3,
		},
		Orders: config.OrderConfig{
			ATRPeriod:      14,
			EntryOffsetATR: 0.15,
			TP1ATR:         1.0,
			TP2ATR:         2.0,
			SLATR:          1.2,
			MinATRPct:      0.0015,
			MinTPSLPct:     0.002,
			FeePct:         0.0004,
			SlippagePct:    0.0002,
		},
		Lifecycle: config.LifecycleConfig{SignalTTL: time.Minute},
	}
}

func newTestStore(cfg *config.Config) *marketdata.Store {
	return marketdata.NewStore(marketdata.StoreOptions{
		CandleHistory: cfg.Market.CandleHistory,
		CandleTTL:     cfg.Market.CandleTTL,
		AuxTTL:        cfg.Market.AuxTTL,
	}, nil, discard())
}

// risingCandles builds n steadily rising bars: each gains `step` with a small
// wick on either side and constant volume.
func risingCandles(n int, start, step float64, openTime int64, interval time.Duration) []types.Candle {
	out := make([]types.Candle, n)
	price := start
	for i := range out {
		out[i] = types.Candle{
			OpenTime: openTime + int64(i)*interval.Milliseconds(),
			Open:     price,
			Close:    price + step,
			High:     price + step + step/4,
			Low:      price - step/4,
			Volume:   100,
		}
		price += step
	}
	return out
}

// seedLongMarket loads candles, spread and mark for a clean LONG setup.
// Funding and open interest are seeded separately; both are optional inputs.
func seedLongMarket(store *marketdata.Store, symbol string) {
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC).UnixMilli()
	for _, c := range risingCandles(20, 100, 0.4, base, 5*time.Minute) {
		store.PutCandle(symbol, types.TF5m, c)
	}
	for _, c := range risingCandles(6, 100, 1.2, base, 15*time.Minute) {
		store.PutCandle(symbol, types.TF15m, c)
	}
	store.PutSpread(types.SpreadInfo{Symbol: symbol, Bid: 107.9, Ask: 107.92, Mid: 107.91, SpreadPct: 0.0002})
	store.SetMarkPrice(symbol, 108)
}

// seedLongSetup loads the store with a clean LONG configuration for symbol.
func seedLongSetup(store *marketdata.Store, symbol string) {
	seedLongMarket(store, symbol)
	store.PutFunding(types.FundingInfo{Symbol: symbol, Rate: -0.0001})
	store.PutOpenInterest(types.OpenInterestInfo{Symbol: symbol, Direction: types.OIUp, ChangePct: 0.01})
}

func TestScanEmitsLongSignal(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	store := newTestStore(cfg)
	seedLongSetup(store, "BTCUSDT")

	var got *types.Signal
	eng := NewEngine(cfg, store, func() []string { return []string{"BTCUSDT"} },
		func(s *types.Signal) { got = s }, discard())
	eng.Scan()

	if got == nil {
		t.Fatal("expected a signal")
	}
	if got.Direction != types.LONG {
		t.Fatalf("direction = %s, want LONG", got.Direction)
	}
	if err := got.ValidatePriceOrdering(); err != nil {
		t.Fatalf("price ordering: %v", err)
	}
	if got.Strength <= 0 || got.Strength > 100 {
		t.Fatalf("strength = %v, want (0, 100]", got.Strength)
	}
	if got.EntryPrice >= got.CurrentPrice {
		t.Fatalf("long entry %v should rest below current %v", got.EntryPrice, got.CurrentPrice)
	}
	if len(eng.ActiveSignals()) != 1 {
		t.Fatal("signal should be in the active set")
	}
}

func TestScanSkipsWideSpread(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	store := newTestStore(cfg)
	seedLongSetup(store, "BTCUSDT")
	store.PutSpread(types.SpreadInfo{Symbol: "BTCUSDT", Bid: 107, Ask: 108, Mid: 107.5, SpreadPct: 0.009})

	var got *types.Signal
	eng := NewEngine(cfg, store, func() []string { return []string{"BTCUSDT"} },
		func(s *types.Signal) { got = s }, discard())
	eng.Scan()

	if got != nil {
		t.Fatalf("wide spread should block, got %+v", got)
	}
}

func TestScanFundingBlocksLong(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	store := newTestStore(cfg)
	seedLongSetup(store, "BTCUSDT")
	store.PutFunding(types.FundingInfo{Symbol: "BTCUSDT", Rate: 0.002}) // extreme positive

	var got *types.Signal
	eng := NewEngine(cfg, store, func() []string { return []string{"BTCUSDT"} },
		func(s *types.Signal) { got = s }, discard())
	eng.Scan()

	if got != nil {
		t.Fatal("extreme positive funding should block longs")
	}
}

func TestScanMissingFundingTreatedAsZero(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	store := newTestStore(cfg)
	seedLongMarket(store, "BTCUSDT") // no funding quote at all

	var got *types.Signal
	eng := NewEngine(cfg, store, func() []string { return []string{"BTCUSDT"} },
		func(s *types.Signal) { got = s }, discard())
	eng.Scan()

	if got == nil {
		t.Fatal("an absent funding quote must not block the symbol")
	}
	if got.FundingRate != 0 {
		t.Fatalf("funding rate = %v, want 0 for a missing quote", got.FundingRate)
	}
}

func TestScanDeliversStrongestFirst(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	store := newTestStore(cfg)

	// Identical setups except rising open interest on BBB, worth +10.
	seedLongMarket(store, "AAAUSDT")
	store.PutFunding(types.FundingInfo{Symbol: "AAAUSDT", Rate: -0.0001})
	seedLongSetup(store, "BBBUSDT")

	var order []string
	eng := NewEngine(cfg, store, func() []string { return []string{"AAAUSDT", "BBBUSDT"} },
		func(s *types.Signal) { order = append(order, s.Symbol) }, discard())
	eng.Scan()

	if len(order) != 2 {
		t.Fatalf("signals = %d, want 2", len(order))
	}
	if order[0] != "BBBUSDT" || order[1] != "AAAUSDT" {
		t.Fatalf("delivery order = %v, want the stronger BBBUSDT first", order)
	}
}

func TestScanSkipsMissingData(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	store := newTestStore(cfg)

	called := false
	eng := NewEngine(cfg, store, func() []string { return []string{"NEWUSDT"} },
		func(*types.Signal) { called = true }, discard())
	eng.Scan()

	if called {
		t.Fatal("empty store should never produce a signal")
	}
}

func TestActiveSignalsPrunesExpired(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	store := newTestStore(cfg)
	seedLongSetup(store, "BTCUSDT")

	eng := NewEngine(cfg, store, func() []string { return []string{"BTCUSDT"} }, nil, discard())
	eng.Scan()
	if len(eng.ActiveSignals()) != 1 {
		t.Fatal("expected one active signal")
	}

	eng.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if len(eng.ActiveSignals()) != 0 {
		t.Fatal("expired signal should be pruned")
	}
}

func TestORBFiresOncePerDay(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	store := newTestStore(cfg)

	// Disable the ADX/RSI gates; this test exercises the range mechanics.
	orbCfg := ORBConfig{RangeBars: 3, ADXPeriod: 2, MinADX: 0, RSIPeriod: 2, RSIMax: 101, RSIMin: -1, SignalTTL: time.Minute}
	orb := NewORB(orbCfg, store, types.TF5m, discard())

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	bars := risingCandles(12, 100, 0.5, day.UnixMilli(), 5*time.Minute)
	for _, c := range bars {
		store.PutCandle("ETHUSDT", types.TF5m, c)
	}

	var fired int
	for _, c := range bars {
		if _, ok := orb.OnCandleClose(types.CandleEvent{Symbol: "ETHUSDT", Timeframe: types.TF5m, Candle: c}); ok {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("breakouts fired = %d, want exactly 1 per day", fired)
	}

	// A new UTC day resets the range.
	next := day.Add(24 * time.Hour)
	bars2 := risingCandles(12, 110, 0.5, next.UnixMilli(), 5*time.Minute)
	for _, c := range bars2 {
		store.PutCandle("ETHUSDT", types.TF5m, c)
	}
	fired = 0
	for _, c := range bars2 {
		if _, ok := orb.OnCandleClose(types.CandleEvent{Symbol: "ETHUSDT", Timeframe: types.TF5m, Candle: c}); ok {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("breakouts on day 2 = %d, want 1", fired)
	}
}
