// Package executor runs one live trading cycle: fetch prices, compute
// the signal, route to a target position, guardrail-check, submit, and
// record the outcome.
package executor

import (
	"context"
	"time"

	"github.com/tradingagentlab/league/internal/broker"
	"github.com/tradingagentlab/league/internal/guardrail"
	"github.com/tradingagentlab/league/internal/ledger"
	"github.com/tradingagentlab/league/internal/marketdata"
	"github.com/tradingagentlab/league/internal/observ"
	"github.com/tradingagentlab/league/internal/router"
	"github.com/tradingagentlab/league/internal/strategy"
)

// Executor owns the per-cycle pipeline for one agent. It holds no
// position state of its own: position and equity are re-read from the
// gateway every cycle, so an unknown-outcome submission cannot cause
// double-submission drift on the next cycle.
type Executor struct {
	AgentID  string
	Symbols  []string
	Feed     marketdata.Feed
	Strategy strategy.Strategy
	Gateway  broker.Gateway
	Store    ledger.Store

	Guardrail guardrail.Config
	Routing   router.Config
	RealVenue bool
	Armed     bool

	LookbackBars  int
	SubmitTimeout time.Duration
	RetryBackoff  time.Duration

	// AfterCycle, when set, runs after every completed cycle. The sim
	// wiring uses it to advance a scripted feed one bar per step.
	AfterCycle func()

	sleep func(time.Duration) // test seam for the retry backoff
}

// StepOptions select the cycle mode.
type StepOptions struct {
	MarketOpen bool
	Flatten    bool // force target position to zero regardless of signal
}

// StepResult is one cycle's outputs.
type StepResult struct {
	Fills       []broker.Fill
	Rejections  []ledger.Rejection
	EquityAfter broker.EquitySnapshot
}

// RunOnce executes a single cycle. The cycle is atomic with respect to
// the ledger: all fills and rejections are recorded together or the
// cycle is reported failed. Every submission resolves before returning;
// no order stays in flight across cycles.
func (e *Executor) RunOnce(ctx context.Context, opts StepOptions) (StepResult, error) {
	var res StepResult

	for _, symbol := range e.Symbols {
		quote, err := e.Feed.Latest(ctx, symbol)
		if err != nil {
			return StepResult{}, err
		}

		pos, err := e.Gateway.Position(ctx, symbol)
		if err != nil {
			return StepResult{}, err
		}
		equity, err := e.Gateway.Equity(ctx)
		if err != nil {
			return StepResult{}, err
		}

		var intents []broker.OrderIntent
		if opts.Flatten {
			intents = router.Flatten(pos, e.Routing)
		} else {
			sig, err := e.signal(ctx, symbol)
			if err != nil {
				return StepResult{}, err
			}
			intents = router.Route(sig, pos, equity.Equity, quote.Last, e.Routing)
		}

		for _, intent := range intents {
			verdict := guardrail.Evaluate(guardrail.Input{
				Intent:     intent,
				Price:      quote.Last,
				Position:   pos,
				Equity:     equity,
				MarketOpen: opts.MarketOpen,
				RealVenue:  e.RealVenue,
				Armed:      e.Armed,
			}, e.Guardrail)

			if !verdict.Accepted {
				res.Rejections = append(res.Rejections, rejection(intent, verdict.Reason))
				continue
			}

			fill, rej, err := e.submit(ctx, verdict.Intent)
			if err != nil {
				return StepResult{}, err
			}
			if rej != nil {
				res.Rejections = append(res.Rejections, *rej)
				continue
			}
			res.Fills = append(res.Fills, fill)
			observ.IncCounter("fills_total", map[string]string{"symbol": symbol})
		}
	}

	after, err := e.Gateway.Equity(ctx)
	if err != nil {
		return StepResult{}, err
	}
	res.EquityAfter = after

	if err := e.Store.RecordStep(ctx, e.AgentID, res.Fills, res.Rejections, after); err != nil {
		return StepResult{}, err
	}

	observ.Log("live_step", map[string]any{
		"agent_id":   e.AgentID,
		"fills":      len(res.Fills),
		"rejections": len(res.Rejections),
		"equity":     after.Equity,
		"flatten":    opts.Flatten,
	})
	if e.AfterCycle != nil {
		e.AfterCycle()
	}
	return res, nil
}

func (e *Executor) signal(ctx context.Context, symbol string) (strategy.Signal, error) {
	bars := e.LookbackBars
	if bars <= 0 {
		bars = 200
	}
	history, err := e.Feed.History(ctx, symbol, bars)
	if err != nil {
		return strategy.Flat, err
	}
	return e.Strategy.Signal(history), nil
}

// submit performs the single bounded broker call, retrying once with
// backoff on a transient failure. A second transient failure is recorded
// as an unknown outcome rather than assumed filled; fatal venue errors
// propagate and halt the loop.
func (e *Executor) submit(ctx context.Context, intent broker.OrderIntent) (broker.Fill, *ledger.Rejection, error) {
	fill, err := e.submitBounded(ctx, intent)
	if err == nil {
		return fill, nil, nil
	}

	switch broker.KindOf(err) {
	case broker.KindFatal:
		return broker.Fill{}, nil, err
	case broker.KindRejected:
		rej := rejection(intent, err.Error())
		return broker.Fill{}, &rej, nil
	}

	// transient: one retry with backoff inside the same cycle
	backoff := e.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	e.pause(backoff)

	fill, err = e.submitBounded(ctx, intent)
	if err == nil {
		return fill, nil, nil
	}
	switch broker.KindOf(err) {
	case broker.KindFatal:
		return broker.Fill{}, nil, err
	case broker.KindRejected:
		rej := rejection(intent, err.Error())
		return broker.Fill{}, &rej, nil
	}

	observ.IncCounter("unknown_outcomes_total", map[string]string{"symbol": intent.Symbol})
	rej := rejection(intent, guardrail.ReasonUnknownOutcome)
	return broker.Fill{}, &rej, nil
}

func (e *Executor) submitBounded(ctx context.Context, intent broker.OrderIntent) (broker.Fill, error) {
	timeout := e.SubmitTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	subCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.Gateway.Submit(subCtx, intent)
}

func (e *Executor) pause(d time.Duration) {
	if e.sleep != nil {
		e.sleep(d)
		return
	}
	time.Sleep(d)
}

func rejection(intent broker.OrderIntent, reason string) ledger.Rejection {
	observ.IncCounter("rejections_total", map[string]string{"symbol": intent.Symbol})
	return ledger.Rejection{
		Symbol:    intent.Symbol,
		Side:      string(intent.Side),
		Qty:       intent.Qty,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}
