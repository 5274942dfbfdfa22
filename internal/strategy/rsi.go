package strategy

// RSIMeanReversion goes long when RSI drops to the oversold threshold and
// returns to flat once RSI crosses the overbought threshold.
type RSIMeanReversion struct {
	Len        int
	Oversold   float64
	Overbought float64
}

// NewRSIMeanReversion applies the conventional 14/30/70 defaults for any
// unset parameter.
func NewRSIMeanReversion(length int, oversold, overbought float64) *RSIMeanReversion {
	if length <= 0 {
		length = 14
	}
	if oversold <= 0 {
		oversold = 30
	}
	if overbought <= 0 {
		overbought = 70
	}
	return &RSIMeanReversion{Len: length, Oversold: oversold, Overbought: overbought}
}

func (r *RSIMeanReversion) Name() string { return "rsi_mean_rev" }

func (r *RSIMeanReversion) Signal(prices []float64) Signal {
	rsi, ok := RSI(prices, r.Len)
	if !ok {
		return Flat
	}
	switch {
	case rsi <= r.Oversold:
		return Long
	case rsi >= r.Overbought:
		return Flat
	default:
		return Flat
	}
}

// RSI computes the relative strength index over the trailing n deltas using
// simple rolling means. Returns ok=false when fewer than n+1 prices exist.
func RSI(prices []float64, n int) (float64, bool) {
	if n <= 0 || len(prices) < n+1 {
		return 0, false
	}
	var gain, loss float64
	for i := len(prices) - n; i < len(prices); i++ {
		delta := prices[i] - prices[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}
	if loss == 0 {
		if gain == 0 {
			return 50, true
		}
		return 100, true
	}
	rs := (gain / float64(n)) / (loss / float64(n))
	return 100 - (100 / (1 + rs)), true
}
