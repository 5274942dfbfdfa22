// Package guardrail validates proposed orders against risk limits before
// anything reaches a broker. Evaluation is deterministic and ordered:
// the first failed check decides the rejection reason.
package guardrail

import (
	"math"

	"github.com/tradingagentlab/league/internal/broker"
	"github.com/tradingagentlab/league/internal/observ"
)

// Rejection reasons. Each check owns exactly one reason so callers can
// tell rejections apart.
const (
	ReasonAccepted       = "accepted"
	ReasonRealUnarmed    = "real_trading_unarmed"
	ReasonOrderNotional  = "max_order_notional"
	ReasonPositionPct    = "max_position_pct"
	ReasonDailyLoss      = "daily_loss_limit"
	ReasonMarketClosed   = "market_closed"
	ReasonUnknownOutcome = "unknown_outcome"
)

// Config holds the static risk limits for one agent.
type Config struct {
	MaxOrderNotional   float64 // absolute order value cap
	MaxPositionPct     float64 // resulting position value cap, percent of equity
	MaxDailyLoss       float64 // positive dollars of realized+unrealized day loss
	AllowAfterHours    bool
	AfterHoursLimitBps float64 // limit-price band around the last quote
}

// Input is everything one evaluation needs. Armed is threaded explicitly
// rather than read from process state so armed and unarmed evaluations
// can coexist in one process.
type Input struct {
	Intent     broker.OrderIntent
	Price      float64 // last quote for the intent's symbol
	Position   broker.Position
	Equity     broker.EquitySnapshot
	MarketOpen bool
	RealVenue  bool
	Armed      bool
}

// Result carries the verdict and, on acceptance, the intent to submit.
// After-hours acceptance returns a downgraded copy of the intent; the
// original is never mutated.
type Result struct {
	Intent   broker.OrderIntent
	Accepted bool
	Reason   string
}

// Evaluate runs the checks in order, short-circuiting on first failure.
// Safe to call repeatedly with the same input.
func Evaluate(in Input, cfg Config) Result {
	intent := in.Intent

	// Two-key control: config selecting a real venue is never enough on
	// its own to risk real capital.
	if in.RealVenue && !in.Armed {
		return reject(intent, ReasonRealUnarmed)
	}

	if intent.Notional(in.Price) > cfg.MaxOrderNotional {
		return reject(intent, ReasonOrderNotional)
	}

	resulting := math.Abs((in.Position.Qty + intent.SignedQty()) * in.Price)
	if resulting > cfg.MaxPositionPct/100*in.Equity.Equity {
		return reject(intent, ReasonPositionPct)
	}

	if in.Equity.DayPnL < -cfg.MaxDailyLoss && riskIncreasing(in.Position.Qty, intent.SignedQty()) {
		return reject(intent, ReasonDailyLoss)
	}

	if !in.MarketOpen {
		if !cfg.AllowAfterHours {
			return reject(intent, ReasonMarketClosed)
		}
		intent = downgradeAfterHours(intent, in.Price, cfg.AfterHoursLimitBps)
	}

	return Result{Intent: intent, Accepted: true, Reason: ReasonAccepted}
}

func reject(intent broker.OrderIntent, reason string) Result {
	observ.IncCounter("guardrail_blocks_total", map[string]string{
		"symbol": intent.Symbol,
		"reason": reason,
	})
	return Result{Intent: intent, Accepted: false, Reason: reason}
}

// riskIncreasing reports whether the delta moves the position away from
// flat. Flattening intents always pass the daily-loss check.
func riskIncreasing(current, delta float64) bool {
	return math.Abs(current+delta) > math.Abs(current)
}

// downgradeAfterHours converts any intent into a day-only limit order
// bounded near the last quote. Market orders never go out after hours.
func downgradeAfterHours(intent broker.OrderIntent, price, bandBps float64) broker.OrderIntent {
	if bandBps <= 0 {
		bandBps = 20
	}
	band := price * bandBps / 1e4
	out := intent
	out.Type = broker.Limit
	out.TIF = broker.Day
	out.ExtendedHours = true
	if intent.Side == broker.Buy {
		out.LimitPrice = price + band
	} else {
		out.LimitPrice = price - band
	}
	return out
}
