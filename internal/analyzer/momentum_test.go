package analyzer

import (
	"testing"

	"perp-scalper/pkg/types"
)

func testMomentumConfig() MomentumConfig {
	return MomentumConfig{
		MinBars:       5,
		BodyExhausted: 0.5,
		BodyMomentum:  1.2,
		VolDecrease:   0.7,
	}
}

// window builds four rising unit-body bars and appends last.
func window(last types.Candle) []types.Candle {
	out := make([]types.Candle, 0, 5)
	for i := 0; i < 4; i++ {
		open := 100 + float64(i)
		out = append(out, types.Candle{
			OpenTime: int64(i) * 300_000,
			Open:     open,
			High:     open + 1.2,
			Low:      open - 0.2,
			Close:    open + 1,
			Volume:   10,
		})
	}
	return append(out, last)
}

func TestMomentumStrongContinuation(t *testing.T) {
	t.Parallel()
	a := NewMomentumAnalyzer(testMomentumConfig())

	// Last body doubles the prior mean on held volume.
	res := a.AnalyzeMomentum(window(types.Candle{
		Open: 104, High: 106.2, Low: 103.8, Close: 106, Volume: 10,
	}))

	if res.State != types.MomentumStrong {
		t.Fatalf("state = %s, want MOMENTUM", res.State)
	}
	if res.Direction != types.TrendUp {
		t.Fatalf("direction = %s, want UP", res.Direction)
	}
	if res.BodySizeRatio < 1.9 || res.BodySizeRatio > 2.1 {
		t.Fatalf("body ratio = %v, want ~2", res.BodySizeRatio)
	}
}

func TestMomentumExhaustedOnShrinkingBodyAndVolume(t *testing.T) {
	t.Parallel()
	a := NewMomentumAnalyzer(testMomentumConfig())

	res := a.AnalyzeMomentum(window(types.Candle{
		Open: 104, High: 104.3, Low: 103.9, Close: 104.2, Volume: 5,
	}))

	if res.State != types.MomentumExhausted {
		t.Fatalf("state = %s, want EXHAUSTED", res.State)
	}
}

func TestMomentumPullbackHoldsStructure(t *testing.T) {
	t.Parallel()
	a := NewMomentumAnalyzer(testMomentumConfig())

	// Small counter-trend bar whose low stays far above the window's lows.
	res := a.AnalyzeMomentum(window(types.Candle{
		Open: 104, High: 104.1, Low: 103.5, Close: 103.6, Volume: 10,
	}))

	if res.State != types.MomentumPullback {
		t.Fatalf("state = %s, want PULLBACK", res.State)
	}
	if res.Direction != types.TrendUp {
		t.Fatalf("direction = %s, want UP (window direction)", res.Direction)
	}
}

func TestMomentumNeutralWhenStructureBreaks(t *testing.T) {
	t.Parallel()
	a := NewMomentumAnalyzer(testMomentumConfig())

	// Counter-trend bar that knifes below every prior low: not a pullback.
	res := a.AnalyzeMomentum(window(types.Candle{
		Open: 104, High: 104.1, Low: 98, Close: 103, Volume: 10,
	}))

	if res.State != types.MomentumNeutral {
		t.Fatalf("state = %s, want NEUTRAL", res.State)
	}
}

func TestMomentumShortWindowIsNeutral(t *testing.T) {
	t.Parallel()
	a := NewMomentumAnalyzer(testMomentumConfig())
	res := a.AnalyzeMomentum(window(types.Candle{})[:3])
	if res.State != types.MomentumNeutral || res.Direction != types.TrendNeutral {
		t.Fatalf("got %+v, want neutral result", res)
	}
}
