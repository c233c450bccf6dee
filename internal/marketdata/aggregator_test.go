package marketdata

import (
	"testing"
	"time"

	"perp-scalper/pkg/types"
)

func newTestAggregator(t *testing.T) (*Aggregator, *Store) {
	t.Helper()
	s := NewStore(StoreOptions{CandleHistory: 10, CandleTTL: time.Hour, AuxTTL: time.Minute}, nil, discard())
	return NewAggregator(s, discard()), s
}

func evt(openTime int64, close float64) types.CandleEvent {
	return types.CandleEvent{Symbol: "BTCUSDT", Timeframe: types.TF5m, Candle: bar(openTime, close)}
}

func TestAggregatorStoresAndFansOut(t *testing.T) {
	t.Parallel()
	agg, store := newTestAggregator(t)

	var seen []int64
	agg.Subscribe(func(e types.CandleEvent) { seen = append(seen, e.Candle.OpenTime) })

	agg.OnCandleClose(evt(0, 100))
	agg.OnCandleClose(evt(300_000, 101))

	if got := store.Candles("BTCUSDT", types.TF5m, 0); len(got) != 2 {
		t.Fatalf("stored = %d, want 2", len(got))
	}
	if len(seen) != 2 || seen[1] != 300_000 {
		t.Fatalf("fanout = %v, want both bars in order", seen)
	}
}

func TestAggregatorDedupsRepeatedClose(t *testing.T) {
	t.Parallel()
	agg, store := newTestAggregator(t)

	calls := 0
	agg.Subscribe(func(types.CandleEvent) { calls++ })

	agg.OnCandleClose(evt(0, 100))
	agg.OnCandleClose(evt(0, 100.5)) // amended re-send of the same bar

	if calls != 1 {
		t.Fatalf("fanout calls = %d, a re-sent bar must not notify twice", calls)
	}
	// The amended bar still replaces the stored copy.
	last, ok := store.LastCandle("BTCUSDT", types.TF5m)
	if !ok || last.Close != 100.5 {
		t.Fatalf("stored close = %v, want amended 100.5", last.Close)
	}
}

func TestAggregatorDropsStaleAndMalformed(t *testing.T) {
	t.Parallel()
	agg, store := newTestAggregator(t)

	calls := 0
	agg.Subscribe(func(types.CandleEvent) { calls++ })

	agg.OnCandleClose(evt(300_000, 101))
	agg.OnCandleClose(evt(0, 100)) // older than the newest accepted bar

	malformed := evt(600_000, 102)
	malformed.Candle.Low = 200 // low above the body
	agg.OnCandleClose(malformed)

	if calls != 1 {
		t.Fatalf("fanout calls = %d, want only the first valid bar", calls)
	}
	if got := store.Candles("BTCUSDT", types.TF5m, 0); len(got) != 1 {
		t.Fatalf("stored = %d, want 1", len(got))
	}
}

func TestBackfillSeedsWithoutNotifying(t *testing.T) {
	t.Parallel()
	agg, store := newTestAggregator(t)

	calls := 0
	agg.Subscribe(func(types.CandleEvent) { calls++ })

	history := []types.Candle{bar(0, 100), bar(300_000, 101), bar(600_000, 102)}
	agg.Backfill("BTCUSDT", types.TF5m, history)

	if calls != 0 {
		t.Fatalf("backfill notified %d times, want 0", calls)
	}
	if got := store.Candles("BTCUSDT", types.TF5m, 0); len(got) != 3 {
		t.Fatalf("stored = %d, want 3", len(got))
	}

	// Live bars older than the backfilled head are rejected.
	agg.OnCandleClose(evt(300_000, 999))
	if calls != 0 {
		t.Fatal("stale live bar must not fan out after backfill")
	}

	agg.OnCandleClose(evt(900_000, 103))
	if calls != 1 {
		t.Fatalf("fresh live bar after backfill: calls = %d, want 1", calls)
	}
}
