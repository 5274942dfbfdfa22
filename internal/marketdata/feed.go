// Package marketdata provides the price source the live step consumes:
// a deterministic scripted feed for simulation and tests, and a
// websocket streaming feed for live runs.
package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Quote is the last observed price for a symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Timestamp time.Time `json:"ts_utc"`
}

// Feed supplies latest prices and a bounded recent history per symbol.
type Feed interface {
	Latest(ctx context.Context, symbol string) (Quote, error)
	History(ctx context.Context, symbol string, bars int) ([]float64, error)
}

// FeedError classifies feed failures.
type FeedError struct {
	Type    string // "network", "bad_symbol", "stale"
	Symbol  string
	Message string
	Cause   error
}

func (e *FeedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Type, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Symbol, e.Message)
}

func (e *FeedError) Unwrap() error { return e.Cause }

func NewBadSymbolError(symbol, message string) *FeedError {
	return &FeedError{Type: "bad_symbol", Symbol: symbol, Message: message}
}

func NewNetworkError(symbol, message string, cause error) *FeedError {
	return &FeedError{Type: "network", Symbol: symbol, Message: message, Cause: cause}
}

func NewStaleError(symbol string, age time.Duration) *FeedError {
	return &FeedError{Type: "stale", Symbol: symbol, Message: fmt.Sprintf("quote too stale: %v", age)}
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
