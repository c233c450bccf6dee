// rounding.go snaps order quantities and prices onto exchange increments.
// Arithmetic goes through shopspring/decimal so repeated float64 rounding
// can never drift an order off-grid and trigger a precision rejection.
package trader

import (
	"github.com/shopspring/decimal"
)

// RoundDownToStep floors qty to a multiple of step. Quantities always round
// down so an order can never exceed the intended size.
func RoundDownToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	out, _ := q.Div(s).Floor().Mul(s).Float64()
	return out
}

// RoundToTick rounds price to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	out, _ := p.Div(t).Round(0).Mul(t).Float64()
	return out
}

// RoundDownToTick floors price to a multiple of tick.
func RoundDownToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	out, _ := p.Div(t).Floor().Mul(t).Float64()
	return out
}

// RoundUpToTick ceils price to a multiple of tick.
func RoundUpToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	out, _ := p.Div(t).Ceil().Mul(t).Float64()
	return out
}
