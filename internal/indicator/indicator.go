// Package indicator implements the pure numerical kernels used by the
// analyzers and the signal engine: ATR, SMA/EMA, RSI (Wilder), ADX, and a
// body-ratio CVD approximation.
//
// All functions take an ordered candle window (oldest first) and are
// allocation-light; they run once per symbol per scan cycle.
package indicator

import (
	"math"

	"perp-scalper/pkg/types"
)

// ATR returns the average true range over the window using the given period.
// If the window is shorter than period+1 candles, it degrades to the mean
// high−low range, which is the documented fallback for thin history.
func ATR(candles []types.Candle, period int) float64 {
	if len(candles) == 0 {
		return 0
	}
	if period <= 0 || len(candles) < period+1 {
		return meanRange(candles)
	}

	start := len(candles) - period
	var sum float64
	for i := start; i < len(candles); i++ {
		sum += trueRange(candles[i], candles[i-1])
	}
	return sum / float64(period)
}

// trueRange is max(h−l, |h−prevClose|, |l−prevClose|).
func trueRange(c, prev types.Candle) float64 {
	tr := c.High - c.Low
	if d := math.Abs(c.High - prev.Close); d > tr {
		tr = d
	}
	if d := math.Abs(c.Low - prev.Close); d > tr {
		tr = d
	}
	return tr
}

func meanRange(candles []types.Candle) float64 {
	var sum float64
	for _, c := range candles {
		sum += c.Range()
	}
	return sum / float64(len(candles))
}

// SMA returns the simple moving average of closes over the last n candles.
// Returns 0 when the window is shorter than n.
func SMA(candles []types.Candle, n int) float64 {
	if n <= 0 || len(candles) < n {
		return 0
	}
	var sum float64
	for _, c := range candles[len(candles)-n:] {
		sum += c.Close
	}
	return sum / float64(n)
}

// EMA returns the exponential moving average of closes over the window,
// seeded with the SMA of the first n closes.
func EMA(candles []types.Candle, n int) float64 {
	if n <= 0 || len(candles) < n {
		return 0
	}
	var seed float64
	for _, c := range candles[:n] {
		seed += c.Close
	}
	ema := seed / float64(n)
	k := 2.0 / float64(n+1)
	for _, c := range candles[n:] {
		ema = c.Close*k + ema*(1-k)
	}
	return ema
}

// RSI returns the n-period relative strength index using Wilder's smoothing.
// Returns 50 (neutral) when the window is too short.
func RSI(candles []types.Candle, n int) float64 {
	if n <= 0 || len(candles) < n+1 {
		return 50
	}

	var gain, loss float64
	for i := 1; i <= n; i++ {
		d := candles[i].Close - candles[i-1].Close
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(n)
	avgLoss := loss / float64(n)

	for i := n + 1; i < len(candles); i++ {
		d := candles[i].Close - candles[i-1].Close
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(n-1) + g) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + l) / float64(n)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ADX returns the n-period average directional index (Wilder). Returns 0 when
// the window cannot support 2n candles.
func ADX(candles []types.Candle, n int) float64 {
	if n <= 0 || len(candles) < 2*n+1 {
		return 0
	}

	var trSum, plusSum, minusSum float64
	dxs := make([]float64, 0, len(candles)-1)

	// Wilder-smoothed TR and DM accumulators over successive bars.
	for i := 1; i < len(candles); i++ {
		cur, prev := candles[i], candles[i-1]
		upMove := cur.High - prev.High
		downMove := prev.Low - cur.Low

		plusDM, minusDM := 0.0, 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}
		tr := trueRange(cur, prev)

		if i <= n {
			trSum += tr
			plusSum += plusDM
			minusSum += minusDM
			if i < n {
				continue
			}
		} else {
			trSum = trSum - trSum/float64(n) + tr
			plusSum = plusSum - plusSum/float64(n) + plusDM
			minusSum = minusSum - minusSum/float64(n) + minusDM
		}

		if trSum == 0 {
			dxs = append(dxs, 0)
			continue
		}
		plusDI := 100 * plusSum / trSum
		minusDI := 100 * minusSum / trSum
		if plusDI+minusDI == 0 {
			dxs = append(dxs, 0)
			continue
		}
		dxs = append(dxs, 100*math.Abs(plusDI-minusDI)/(plusDI+minusDI))
	}

	if len(dxs) < n {
		return 0
	}
	adx := 0.0
	for _, dx := range dxs[:n] {
		adx += dx
	}
	adx /= float64(n)
	for _, dx := range dxs[n:] {
		adx = (adx*float64(n-1) + dx) / float64(n)
	}
	return adx
}

// CVD approximates cumulative volume delta over the last k candles as
// Σ clamp(body/range, −1, +1) × volume. A doji (zero range) contributes 0.
func CVD(candles []types.Candle, k int) float64 {
	if k <= 0 || len(candles) == 0 {
		return 0
	}
	if k > len(candles) {
		k = len(candles)
	}

	var cvd float64
	for _, c := range candles[len(candles)-k:] {
		r := c.Range()
		if r == 0 {
			continue
		}
		ratio := c.Body() / r
		if ratio > 1 {
			ratio = 1
		} else if ratio < -1 {
			ratio = -1
		}
		cvd += ratio * c.Volume
	}
	return cvd
}

// CVDRatio returns |CVD| normalized by total volume over the same k candles.
// Returns 0 when the window has no volume.
func CVDRatio(candles []types.Candle, k int) (cvd, ratio float64) {
	cvd = CVD(candles, k)
	if k > len(candles) {
		k = len(candles)
	}
	var vol float64
	for _, c := range candles[len(candles)-k:] {
		vol += c.Volume
	}
	if vol == 0 {
		return cvd, 0
	}
	return cvd, math.Abs(cvd) / vol
}
