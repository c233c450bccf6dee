package analyzer

import (
	"testing"

	"perp-scalper/pkg/types"
)

// stairCandles builds n bars whose highs, lows and closes all move by step
// per bar. Positive step = clean uptrend structure, negative = downtrend.
func stairCandles(n int, start, step float64) []types.Candle {
	out := make([]types.Candle, n)
	for i := range out {
		base := start + float64(i)*step
		out[i] = types.Candle{
			OpenTime: int64(i) * 900_000,
			Open:     base,
			High:     base + 0.5,
			Low:      base - 0.5,
			Close:    base,
			Volume:   10,
		}
	}
	return out
}

func TestTrendUpFromHigherHighsAndLows(t *testing.T) {
	t.Parallel()
	a := NewTrendAnalyzer(4)
	res := a.AnalyzeTrend(stairCandles(4, 100, 2))

	if res.Direction != types.TrendUp {
		t.Fatalf("direction = %s, want UP", res.Direction)
	}
	// 6% open-to-close move saturates the strength clamp.
	if res.Strength != 1 {
		t.Fatalf("strength = %v, want clamped 1", res.Strength)
	}
}

func TestTrendDownFromLowerHighsAndLows(t *testing.T) {
	t.Parallel()
	a := NewTrendAnalyzer(4)
	res := a.AnalyzeTrend(stairCandles(4, 100, -2))

	if res.Direction != types.TrendDown {
		t.Fatalf("direction = %s, want DOWN", res.Direction)
	}
}

func TestTrendNeutralOnChop(t *testing.T) {
	t.Parallel()
	a := NewTrendAnalyzer(4)

	// Identical bars: no swing pattern exists at all.
	candles := stairCandles(5, 100, 0)
	if res := a.AnalyzeTrend(candles); res.Direction != types.TrendNeutral {
		t.Fatalf("direction = %s, want NEUTRAL", res.Direction)
	}
}

func TestTrendShortWindowIsNeutral(t *testing.T) {
	t.Parallel()
	a := NewTrendAnalyzer(4)
	if res := a.AnalyzeTrend(stairCandles(3, 100, 2)); res.Direction != types.TrendNeutral {
		t.Fatalf("direction = %s, want NEUTRAL below minBars", res.Direction)
	}
}

func TestTrendWeakUpFromHigherLowsOnly(t *testing.T) {
	t.Parallel()
	a := NewTrendAnalyzer(4)

	// Lows climb every bar; highs stay flat so HH never reaches a majority.
	candles := []types.Candle{
		{Open: 100, High: 105, Low: 99, Close: 100},
		{Open: 100, High: 105, Low: 99.5, Close: 100.2},
		{Open: 100.2, High: 105, Low: 100, Close: 100.4},
		{Open: 100.4, High: 105, Low: 100.5, Close: 100.6},
	}
	res := a.AnalyzeTrend(candles)
	if res.Direction != types.TrendUp {
		t.Fatalf("direction = %s, want weak UP", res.Direction)
	}
	if res.Strength != 0.5 {
		t.Fatalf("strength = %v, want weak 0.5", res.Strength)
	}
}
