// Package analyzer implements the pure window classifiers feeding the signal
// cascade: a higher-timeframe trend classifier based on swing structure and a
// lower-timeframe momentum classifier based on body/volume regime.
package analyzer

import (
	"perp-scalper/pkg/types"
)

// TrendResult is the outcome of classifying a higher-timeframe window.
type TrendResult struct {
	Direction types.TrendDirection
	Strength  float64 // 0–1
}

// TrendAnalyzer classifies the higher-timeframe trend from swing highs/lows.
type TrendAnalyzer struct {
	minBars int
}

// NewTrendAnalyzer creates a trend analyzer requiring at least minBars candles.
func NewTrendAnalyzer(minBars int) *TrendAnalyzer {
	if minBars < 3 {
		minBars = 3
	}
	return &TrendAnalyzer{minBars: minBars}
}

// AnalyzeTrend classifies an ordered (oldest first) window of HTF candles.
//
// Four swing patterns are extracted: higher highs, higher lows, lower highs,
// lower lows. A pattern holds when a majority of consecutive-pair comparisons
// agree (at least ceil((n−1)/2) of the n−1 pairs).
//
//	HH ∧ HL           → UP,   strength = clamp(|Δclose| / firstClose × 100, 0, 1)
//	LH ∧ LL           → DOWN, same strength formula
//	HL ∧ ¬LH          → UP,   strength 0.5 (weak)
//	LH ∧ ¬HL          → DOWN, strength 0.5 (weak)
//	otherwise         → NEUTRAL
func (a *TrendAnalyzer) AnalyzeTrend(candles []types.Candle) TrendResult {
	if len(candles) < a.minBars {
		return TrendResult{Direction: types.TrendNeutral}
	}

	n := len(candles)
	need := (n - 1 + 1) / 2 // ceil((n−1)/2) majority of pair comparisons

	var hh, hl, lh, ll int
	for i := 1; i < n; i++ {
		if candles[i].High > candles[i-1].High {
			hh++
		}
		if candles[i].Low > candles[i-1].Low {
			hl++
		}
		if candles[i].High < candles[i-1].High {
			lh++
		}
		if candles[i].Low < candles[i-1].Low {
			ll++
		}
	}

	higherHighs := hh >= need
	higherLows := hl >= need
	lowerHighs := lh >= need
	lowerLows := ll >= need

	first := candles[0].Close
	last := candles[n-1].Close
	var strong float64
	if first != 0 {
		strong = (last - first) / first * 100
		if strong < 0 {
			strong = -strong
		}
		if strong > 1 {
			strong = 1
		}
	}

	switch {
	case higherHighs && higherLows:
		return TrendResult{Direction: types.TrendUp, Strength: strong}
	case lowerHighs && lowerLows:
		return TrendResult{Direction: types.TrendDown, Strength: strong}
	case higherLows && !lowerHighs:
		return TrendResult{Direction: types.TrendUp, Strength: 0.5}
	case lowerHighs && !higherLows:
		return TrendResult{Direction: types.TrendDown, Strength: 0.5}
	default:
		return TrendResult{Direction: types.TrendNeutral}
	}
}
