package adapter

import (
	"math"
)

// NormalizeQty floors qty to the step size. A result of zero becomes one
// step so a valid intent is never silently dropped to nothing.
func NormalizeQty(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	steps := math.Floor(qty / step)
	if steps < 1 {
		steps = 1
	}
	return steps * step
}

// NormalizePrice rounds price to the tick size, half up.
func NormalizePrice(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Floor(price/tick+0.5) * tick
}

// WithinTick reports whether two prices agree within one tick. Used as the
// shadow-execution price parity proxy.
func WithinTick(a, b, tick float64) bool {
	if tick <= 0 {
		return a == b
	}
	return math.Abs(a-b) <= tick+1e-12
}
