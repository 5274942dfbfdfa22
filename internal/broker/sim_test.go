package broker

import (
	"context"
	"math"
	"testing"
)

func fixedPrice(px float64) PriceFn {
	return func(string) float64 { return px }
}

func TestSim_BuySellRoundTrip(t *testing.T) {
	ctx := context.Background()
	price := 100.0
	sim := NewSim(10_000, func(string) float64 { return price })

	fill, err := sim.Submit(ctx, OrderIntent{Symbol: "SPY", Side: Buy, Qty: 10, Type: Market, TIF: Day})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if fill.Price != 100 || fill.Qty != 10 {
		t.Fatalf("want fill 10@100, got %+v", fill)
	}

	pos, _ := sim.Position(ctx, "SPY")
	if pos.Qty != 10 || pos.AvgEntryPrice != 100 {
		t.Fatalf("want position 10@100, got %+v", pos)
	}

	price = 105
	fill, err = sim.Submit(ctx, OrderIntent{Symbol: "SPY", Side: Sell, Qty: 10, Type: Market, TIF: Day})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if math.Abs(fill.RealizedPnL-50) > 1e-9 {
		t.Fatalf("want realized 50 = (105-100)*10, got %.4f", fill.RealizedPnL)
	}

	eq, _ := sim.Equity(ctx)
	if math.Abs(eq.Equity-10_050) > 1e-9 {
		t.Fatalf("want equity 10050, got %.4f", eq.Equity)
	}
	if math.Abs(eq.DayPnL-50) > 1e-9 {
		t.Fatalf("want day pnl 50, got %.4f", eq.DayPnL)
	}
}

func TestSim_EquityIdentity(t *testing.T) {
	ctx := context.Background()
	sim := NewSim(10_000, fixedPrice(100))
	if _, err := sim.Submit(ctx, OrderIntent{Symbol: "SPY", Side: Buy, Qty: 25, Type: Market, TIF: Day}); err != nil {
		t.Fatal(err)
	}
	eq, _ := sim.Equity(ctx)
	if math.Abs(eq.Equity-(eq.Cash+eq.PositionsValue)) > 1e-9 {
		t.Fatalf("equity %.4f != cash %.4f + positions %.4f", eq.Equity, eq.Cash, eq.PositionsValue)
	}
}

func TestSim_SlippageAndCommission(t *testing.T) {
	ctx := context.Background()
	sim := NewSim(10_000, fixedPrice(100), WithSlippageBps(10), WithCommission(1))

	fill, err := sim.Submit(ctx, OrderIntent{Symbol: "SPY", Side: Buy, Qty: 10, Type: Market, TIF: Day})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(fill.Price-100.10) > 1e-9 {
		t.Fatalf("buy should pay 10bps over the quote, got %.4f", fill.Price)
	}
	eq, _ := sim.Equity(ctx)
	wantCash := 10_000 - 100.10*10 - 1
	if math.Abs(eq.Cash-wantCash) > 1e-9 {
		t.Fatalf("want cash %.2f, got %.4f", wantCash, eq.Cash)
	}

	fill, err = sim.Submit(ctx, OrderIntent{Symbol: "SPY", Side: Sell, Qty: 10, Type: Market, TIF: Day})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(fill.Price-99.90) > 1e-9 {
		t.Fatalf("sell should receive 10bps under the quote, got %.4f", fill.Price)
	}
}

func TestSim_Rejections(t *testing.T) {
	ctx := context.Background()
	sim := NewSim(500, fixedPrice(100))

	testCases := []struct {
		name   string
		intent OrderIntent
	}{
		{"insufficient cash", OrderIntent{Symbol: "SPY", Side: Buy, Qty: 10, Type: Market, TIF: Day}},
		{"insufficient position", OrderIntent{Symbol: "SPY", Side: Sell, Qty: 1, Type: Market, TIF: Day}},
		{"buy limit below market", OrderIntent{Symbol: "SPY", Side: Buy, Qty: 1, Type: Limit, LimitPrice: 90, TIF: Day}},
	}
	for _, tc := range testCases {
		_, err := sim.Submit(ctx, tc.intent)
		if err == nil {
			t.Fatalf("%s: want rejection", tc.name)
		}
		if KindOf(err) != KindRejected {
			t.Fatalf("%s: want %s, got %s (%v)", tc.name, KindRejected, KindOf(err), err)
		}
	}

	// Rejections must not mutate state.
	eq, _ := sim.Equity(ctx)
	if eq.Cash != 500 || eq.PositionsValue != 0 {
		t.Fatalf("rejections must leave state untouched, got %+v", eq)
	}
}

func TestSim_LimitFillsWhenMarketable(t *testing.T) {
	ctx := context.Background()
	sim := NewSim(10_000, fixedPrice(100))
	fill, err := sim.Submit(ctx, OrderIntent{Symbol: "SPY", Side: Buy, Qty: 5, Type: Limit, LimitPrice: 100.5, TIF: Day})
	if err != nil {
		t.Fatalf("marketable limit should fill: %v", err)
	}
	if fill.Price != 100 {
		t.Fatalf("limit fills at the quote, got %.4f", fill.Price)
	}
}

func TestSim_BlendedEntryAndPartialReduce(t *testing.T) {
	ctx := context.Background()
	price := 100.0
	sim := NewSim(100_000, func(string) float64 { return price })

	mustFill := func(side Side, qty float64) Fill {
		t.Helper()
		f, err := sim.Submit(ctx, OrderIntent{Symbol: "SPY", Side: side, Qty: qty, Type: Market, TIF: Day})
		if err != nil {
			t.Fatal(err)
		}
		return f
	}

	mustFill(Buy, 10)
	price = 110
	mustFill(Buy, 10)

	pos, _ := sim.Position(ctx, "SPY")
	if math.Abs(pos.AvgEntryPrice-105) > 1e-9 {
		t.Fatalf("want blended entry 105, got %.4f", pos.AvgEntryPrice)
	}

	price = 120
	f := mustFill(Sell, 5)
	if math.Abs(f.RealizedPnL-75) > 1e-9 {
		t.Fatalf("want realized 75 = (120-105)*5, got %.4f", f.RealizedPnL)
	}
	pos, _ = sim.Position(ctx, "SPY")
	if pos.Qty != 15 || math.Abs(pos.AvgEntryPrice-105) > 1e-9 {
		t.Fatalf("partial reduce keeps the entry, got %+v", pos)
	}
}

func TestSim_ResetDay(t *testing.T) {
	ctx := context.Background()
	price := 100.0
	sim := NewSim(10_000, func(string) float64 { return price })

	if _, err := sim.Submit(ctx, OrderIntent{Symbol: "SPY", Side: Buy, Qty: 10, Type: Market, TIF: Day}); err != nil {
		t.Fatal(err)
	}
	price = 110
	eq, _ := sim.Equity(ctx)
	if math.Abs(eq.DayPnL-100) > 1e-9 {
		t.Fatalf("want day pnl 100, got %.4f", eq.DayPnL)
	}

	sim.ResetDay()
	eq, _ = sim.Equity(ctx)
	if math.Abs(eq.DayPnL) > 1e-9 {
		t.Fatalf("reset should rebase day pnl to zero, got %.4f", eq.DayPnL)
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(NewFatalError("alpaca", "bad key", nil)) != KindFatal {
		t.Fatal("want fatal")
	}
	if KindOf(NewRejectedError("sim", "no")) != KindRejected {
		t.Fatal("want rejected")
	}
	if KindOf(context.DeadlineExceeded) != KindTransient {
		t.Fatal("untyped errors default to transient")
	}
}
