package guardrail

import (
	"math"
	"testing"

	"github.com/tradingagentlab/league/internal/broker"
)

func baseConfig() Config {
	return Config{
		MaxOrderNotional: 5_000,
		MaxPositionPct:   50,
		MaxDailyLoss:     500,
	}
}

func buyIntent(qty float64) broker.OrderIntent {
	return broker.OrderIntent{Symbol: "SPY", Side: broker.Buy, Qty: qty, Type: broker.Market, TIF: broker.Day}
}

func equity(total, dayPnL float64) broker.EquitySnapshot {
	return broker.EquitySnapshot{Equity: total, Cash: total, DayPnL: dayPnL}
}

func TestEvaluate_AcceptsWithinLimits(t *testing.T) {
	res := Evaluate(Input{
		Intent:     buyIntent(10),
		Price:      100,
		Equity:     equity(10_000, 0),
		MarketOpen: true,
	}, baseConfig())
	if !res.Accepted || res.Reason != ReasonAccepted {
		t.Fatalf("want accepted, got %+v", res)
	}
	if res.Intent.Type != broker.Market {
		t.Fatalf("open-session intent must pass through unchanged, got %+v", res.Intent)
	}
}

func TestEvaluate_RealVenueRequiresArming(t *testing.T) {
	in := Input{
		Intent:     buyIntent(1),
		Price:      100,
		Equity:     equity(10_000, 0),
		MarketOpen: true,
		RealVenue:  true,
	}
	res := Evaluate(in, baseConfig())
	if res.Accepted || res.Reason != ReasonRealUnarmed {
		t.Fatalf("real venue without arming must reject, got %+v", res)
	}

	in.Armed = true
	if res := Evaluate(in, baseConfig()); !res.Accepted {
		t.Fatalf("armed real venue should pass, got %+v", res)
	}
}

func TestEvaluate_OrderNotionalCap(t *testing.T) {
	// 60 shares at 100 = 6000 > 5000 cap, regardless of session.
	for _, open := range []bool{true, false} {
		cfg := baseConfig()
		cfg.AllowAfterHours = true
		res := Evaluate(Input{
			Intent:     buyIntent(60),
			Price:      100,
			Equity:     equity(100_000, 0),
			MarketOpen: open,
		}, cfg)
		if res.Accepted || res.Reason != ReasonOrderNotional {
			t.Fatalf("market_open=%v: want %s, got %+v", open, ReasonOrderNotional, res)
		}
	}
}

func TestEvaluate_PositionCapUsesResultingPosition(t *testing.T) {
	// 40 held + 20 more = 60 shares * 100 = 6000 > 50% of 10k.
	res := Evaluate(Input{
		Intent:     buyIntent(20),
		Price:      100,
		Position:   broker.Position{Symbol: "SPY", Qty: 40},
		Equity:     equity(10_000, 0),
		MarketOpen: true,
	}, baseConfig())
	if res.Accepted || res.Reason != ReasonPositionPct {
		t.Fatalf("want %s, got %+v", ReasonPositionPct, res)
	}

	// Selling down from the same position is fine.
	sell := broker.OrderIntent{Symbol: "SPY", Side: broker.Sell, Qty: 20, Type: broker.Market, TIF: broker.Day}
	res = Evaluate(Input{
		Intent:     sell,
		Price:      100,
		Position:   broker.Position{Symbol: "SPY", Qty: 40},
		Equity:     equity(10_000, 0),
		MarketOpen: true,
	}, baseConfig())
	if !res.Accepted {
		t.Fatalf("reducing order should pass the position cap, got %+v", res)
	}
}

func TestEvaluate_DailyLossAllowsRiskReducing(t *testing.T) {
	in := Input{
		Price:      100,
		Position:   broker.Position{Symbol: "SPY", Qty: 10},
		Equity:     equity(10_000, -600), // past the 500 loss limit
		MarketOpen: true,
	}

	in.Intent = buyIntent(5)
	res := Evaluate(in, baseConfig())
	if res.Accepted || res.Reason != ReasonDailyLoss {
		t.Fatalf("risk-increasing order past loss limit must reject, got %+v", res)
	}

	in.Intent = broker.OrderIntent{Symbol: "SPY", Side: broker.Sell, Qty: 10, Type: broker.Market, TIF: broker.Day}
	res = Evaluate(in, baseConfig())
	if !res.Accepted {
		t.Fatalf("flattening order must pass the loss limit, got %+v", res)
	}
}

func TestEvaluate_MarketClosed(t *testing.T) {
	res := Evaluate(Input{
		Intent: buyIntent(10),
		Price:  100,
		Equity: equity(10_000, 0),
	}, baseConfig())
	if res.Accepted || res.Reason != ReasonMarketClosed {
		t.Fatalf("closed session without opt-in must reject, got %+v", res)
	}
}

func TestEvaluate_AfterHoursDowngrade(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowAfterHours = true
	cfg.AfterHoursLimitBps = 20

	original := buyIntent(10)
	res := Evaluate(Input{
		Intent: original,
		Price:  100,
		Equity: equity(10_000, 0),
	}, cfg)
	if !res.Accepted {
		t.Fatalf("after-hours opt-in should accept, got %+v", res)
	}
	got := res.Intent
	if got.Type != broker.Limit || got.TIF != broker.Day || !got.ExtendedHours {
		t.Fatalf("after-hours order must be a day-only extended limit, got %+v", got)
	}
	if math.Abs(got.LimitPrice-100.2) > 1e-9 {
		t.Fatalf("buy limit should sit 20bps above last, got %.4f", got.LimitPrice)
	}
	if original.Type != broker.Market || original.LimitPrice != 0 {
		t.Fatalf("input intent must not be mutated, got %+v", original)
	}

	sell := broker.OrderIntent{Symbol: "SPY", Side: broker.Sell, Qty: 10, Type: broker.Market, TIF: broker.Day}
	res = Evaluate(Input{Intent: sell, Price: 100, Equity: equity(10_000, 0)}, cfg)
	if math.Abs(res.Intent.LimitPrice-99.8) > 1e-9 {
		t.Fatalf("sell limit should sit 20bps below last, got %.4f", res.Intent.LimitPrice)
	}
}

func TestEvaluate_ChecksRunInOrder(t *testing.T) {
	// A real-venue unarmed order that also breaks the notional cap must
	// report the arming failure, not the later check.
	res := Evaluate(Input{
		Intent:     buyIntent(1_000),
		Price:      100,
		Equity:     equity(10_000, -600),
		MarketOpen: false,
		RealVenue:  true,
	}, baseConfig())
	if res.Reason != ReasonRealUnarmed {
		t.Fatalf("first failed check owns the reason, got %q", res.Reason)
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	in := Input{
		Intent:     buyIntent(10),
		Price:      100,
		Equity:     equity(10_000, 0),
		MarketOpen: true,
	}
	first := Evaluate(in, baseConfig())
	second := Evaluate(in, baseConfig())
	if first != second {
		t.Fatalf("same input must give the same verdict: %+v vs %+v", first, second)
	}
}
