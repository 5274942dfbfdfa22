// Package strategy defines the discrete signal contract consumed by the
// position router, plus the built-in RSI mean-reversion strategy.
package strategy

// Signal is the desired directional stance for one evaluation cycle.
type Signal int

const (
	Flat Signal = iota
	Long
	// Short is recognized but unsupported for execution; the router
	// treats it the same as Flat.
	Short
)

func (s Signal) String() string {
	switch s {
	case Long:
		return "LONG"
	case Short:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// Strategy produces a signal from a bounded recent window of prices.
// Implementations must be pure: same prices, same signal.
type Strategy interface {
	Name() string
	Signal(prices []float64) Signal
}
