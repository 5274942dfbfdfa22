package marketdata

import (
	"context"
	"sync"
	"time"
)

// SimFeed replays a scripted price series per symbol. The cursor advances
// only on an explicit Advance call, so repeated Latest reads within one
// cycle observe the same price.
type SimFeed struct {
	mu     sync.Mutex
	series map[string][]float64
	cursor map[string]int
	now    func() time.Time
}

// NewSimFeed builds a feed from symbol -> price series.
func NewSimFeed(series map[string][]float64) *SimFeed {
	normalized := make(map[string][]float64, len(series))
	for sym, prices := range series {
		normalized[normalizeSymbol(sym)] = prices
	}
	return &SimFeed{
		series: normalized,
		cursor: map[string]int{},
		now:    time.Now,
	}
}

// Advance moves every symbol's cursor one bar forward, clamping at the
// final bar.
func (f *SimFeed) Advance() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sym, prices := range f.series {
		if f.cursor[sym] < len(prices)-1 {
			f.cursor[sym]++
		}
	}
}

func (f *SimFeed) Latest(_ context.Context, symbol string) (Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	symbol = normalizeSymbol(symbol)
	prices, ok := f.series[symbol]
	if !ok || len(prices) == 0 {
		return Quote{}, NewBadSymbolError(symbol, "symbol not in sim feed")
	}
	return Quote{
		Symbol:    symbol,
		Last:      prices[f.cursor[symbol]],
		Timestamp: f.now().UTC(),
	}, nil
}

// History returns up to bars prices ending at the current cursor.
func (f *SimFeed) History(_ context.Context, symbol string, bars int) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	symbol = normalizeSymbol(symbol)
	prices, ok := f.series[symbol]
	if !ok || len(prices) == 0 {
		return nil, NewBadSymbolError(symbol, "symbol not in sim feed")
	}
	end := f.cursor[symbol] + 1
	start := end - bars
	if start < 0 {
		start = 0
	}
	out := make([]float64, end-start)
	copy(out, prices[start:end])
	return out, nil
}

var _ Feed = (*SimFeed)(nil)
