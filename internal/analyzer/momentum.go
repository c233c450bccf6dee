package analyzer

import (
	"math"

	"perp-scalper/pkg/types"
)

// MomentumResult is the outcome of classifying a lower-timeframe window.
type MomentumResult struct {
	State         types.MomentumState
	Direction     types.TrendDirection
	BodySizeRatio float64 // |last body| / mean(|prev bodies|)
	VolumeRatio   float64 // last volume / mean(prev volumes)
	Strength      float64 // 0–1
}

// MomentumConfig holds the regime thresholds for the momentum classifier.
type MomentumConfig struct {
	MinBars       int     // window minimum, typically 5
	BodyExhausted float64 // bodySizeRatio below this (with shrinking volume) = EXHAUSTED
	BodyMomentum  float64 // bodySizeRatio above this (with held volume) = MOMENTUM
	VolDecrease   float64 // volumeRatio threshold separating held from shrinking volume
}

// MomentumAnalyzer classifies the lower-timeframe momentum regime.
type MomentumAnalyzer struct {
	cfg MomentumConfig
}

// NewMomentumAnalyzer creates a momentum analyzer.
func NewMomentumAnalyzer(cfg MomentumConfig) *MomentumAnalyzer {
	if cfg.MinBars < 3 {
		cfg.MinBars = 3
	}
	return &MomentumAnalyzer{cfg: cfg}
}

// AnalyzeMomentum classifies an ordered (oldest first) window of LTF candles.
//
// Direction: UP if the window gained more than 0.1% open-to-close, DOWN if it
// lost more than 0.1%, else NEUTRAL.
//
// State:
//
//	EXHAUSTED — last body shrank below BodyExhausted AND volume fell below VolDecrease.
//	MOMENTUM  — last body above BodyMomentum AND volume held (≥ VolDecrease).
//	PULLBACK  — last candle runs against the window direction (or its body is
//	            sub-momentum) AND the retracement stays shallow: for UP the
//	            current low holds above 99.5% of the prior lows' minimum, for
//	            DOWN the current high holds below 100.5% of the prior highs' max.
//	NEUTRAL   — anything else.
func (a *MomentumAnalyzer) AnalyzeMomentum(candles []types.Candle) MomentumResult {
	if len(candles) < a.cfg.MinBars {
		return MomentumResult{State: types.MomentumNeutral, Direction: types.TrendNeutral}
	}

	n := len(candles)
	last := candles[n-1]
	prev := candles[:n-1]

	firstOpen := candles[0].Open
	dir := types.TrendNeutral
	if firstOpen != 0 {
		change := (last.Close - firstOpen) / firstOpen
		if change > 0.001 {
			dir = types.TrendUp
		} else if change < -0.001 {
			dir = types.TrendDown
		}
	}

	var bodySum, volSum float64
	minPrevLow := math.MaxFloat64
	maxPrevHigh := 0.0
	for _, c := range prev {
		bodySum += math.Abs(c.Body())
		volSum += c.Volume
		if c.Low < minPrevLow {
			minPrevLow = c.Low
		}
		if c.High > maxPrevHigh {
			maxPrevHigh = c.High
		}
	}
	meanBody := bodySum / float64(len(prev))
	meanVol := volSum / float64(len(prev))

	bodyRatio := 0.0
	if meanBody > 0 {
		bodyRatio = math.Abs(last.Body()) / meanBody
	}
	volRatio := 0.0
	if meanVol > 0 {
		volRatio = last.Volume / meanVol
	}

	strength := (math.Min(bodyRatio, 2)/2 + math.Min(volRatio, 2)/2) / 2

	result := MomentumResult{
		Direction:     dir,
		BodySizeRatio: bodyRatio,
		VolumeRatio:   volRatio,
		Strength:      strength,
	}

	lastDir := types.TrendNeutral
	if last.Bullish() {
		lastDir = types.TrendUp
	} else if last.Close < last.Open {
		lastDir = types.TrendDown
	}

	switch {
	case bodyRatio < a.cfg.BodyExhausted && volRatio < a.cfg.VolDecrease:
		result.State = types.MomentumExhausted
	case bodyRatio > a.cfg.BodyMomentum && volRatio >= a.cfg.VolDecrease:
		result.State = types.MomentumStrong
	case (lastDir != dir || bodyRatio < a.cfg.BodyMomentum) && a.pullbackValid(dir, last, minPrevLow, maxPrevHigh):
		result.State = types.MomentumPullback
	default:
		result.State = types.MomentumNeutral
	}
	return result
}

// pullbackValid checks that the counter-move has not broken structure.
func (a *MomentumAnalyzer) pullbackValid(dir types.TrendDirection, last types.Candle, minPrevLow, maxPrevHigh float64) bool {
	switch dir {
	case types.TrendUp:
		return last.Low > 0.995*minPrevLow
	case types.TrendDown:
		return last.High < 1.005*maxPrevHigh
	default:
		return false
	}
}
