package strategy

import (
	"math"
	"testing"
)

func TestRSI_MonotonicDecline(t *testing.T) {
	prices := []float64{100, 99, 98, 97, 96, 95}
	rsi, ok := RSI(prices, 5)
	if !ok {
		t.Fatal("want RSI computable with 6 prices and n=5")
	}
	if rsi != 0 {
		t.Fatalf("all-loss series should pin RSI to 0, got %.2f", rsi)
	}
}

func TestRSI_MonotonicRise(t *testing.T) {
	prices := []float64{95, 96, 97, 98, 99, 100}
	rsi, ok := RSI(prices, 5)
	if !ok {
		t.Fatal("want RSI computable")
	}
	if rsi != 100 {
		t.Fatalf("all-gain series should pin RSI to 100, got %.2f", rsi)
	}
}

func TestRSI_InsufficientHistory(t *testing.T) {
	if _, ok := RSI([]float64{100, 101}, 14); ok {
		t.Fatal("2 prices cannot support a 14-period RSI")
	}
	if _, ok := RSI(nil, 14); ok {
		t.Fatal("nil prices cannot support RSI")
	}
}

func TestRSI_MixedSeries(t *testing.T) {
	// Equal total gains and losses over the window should land at 50.
	prices := []float64{100, 102, 100, 102, 100}
	rsi, ok := RSI(prices, 4)
	if !ok {
		t.Fatal("want RSI computable")
	}
	if math.Abs(rsi-50) > 1e-9 {
		t.Fatalf("balanced series should give RSI 50, got %.4f", rsi)
	}
}

func TestSignal_OversoldGoesLong(t *testing.T) {
	s := NewRSIMeanReversion(5, 30, 70)
	prices := []float64{100, 99, 98, 97, 96, 95}
	if got := s.Signal(prices); got != Long {
		t.Fatalf("oversold decline should signal LONG, got %s", got)
	}
}

func TestSignal_OverboughtGoesFlat(t *testing.T) {
	s := NewRSIMeanReversion(5, 30, 70)
	prices := []float64{95, 96, 97, 98, 99, 100}
	if got := s.Signal(prices); got != Flat {
		t.Fatalf("overbought rise should signal FLAT, got %s", got)
	}
}

func TestSignal_InsufficientHistoryHoldsFlat(t *testing.T) {
	s := NewRSIMeanReversion(14, 30, 70)
	if got := s.Signal([]float64{100, 99}); got != Flat {
		t.Fatalf("short history should signal FLAT, got %s", got)
	}
}

func TestNewRSIMeanReversion_Defaults(t *testing.T) {
	s := NewRSIMeanReversion(0, 0, 0)
	if s.Len != 14 || s.Oversold != 30 || s.Overbought != 70 {
		t.Fatalf("want 14/30/70 defaults, got %d/%.0f/%.0f", s.Len, s.Oversold, s.Overbought)
	}
}
