// Package scheduler drives the day/night operating cycle: repeated live
// steps during market hours, a nightly league evaluation after close.
// The session logic is an explicit state machine over an injected clock
// so session-boundary behavior is testable without real time.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/tradingagentlab/league/internal/broker"
	"github.com/tradingagentlab/league/internal/executor"
	"github.com/tradingagentlab/league/internal/observ"
)

// State is the scheduler's operating mode.
type State int

const (
	Closed State = iota
	OpenLive
	AfterHoursLive
	NightlyTune
	Done
)

func (s State) String() string {
	switch s {
	case OpenLive:
		return "OPEN_LIVE"
	case AfterHoursLive:
		return "AFTER_HOURS_LIVE"
	case NightlyTune:
		return "NIGHTLY_TUNE"
	case Done:
		return "DONE"
	default:
		return "CLOSED"
	}
}

// Clock abstracts wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Config holds the session window and loop limits.
type Config struct {
	Timezone        string
	Open            string // "09:30"
	Close           string // "16:00"
	AllowAfterHours bool
	CycleInterval   time.Duration
	MaxSteps        int
	FlattenAtEnd    bool
}

// Window resolves the configured open/close window for the day of t.
func (c Config) Window(t time.Time) (openT, closeT time.Time, err error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	local := t.In(loc)
	openT, err = atClock(local, c.Open, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	closeT, err = atClock(local, c.Close, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return openT, closeT, nil
}

func atClock(day time.Time, hhmm string, loc *time.Location) (time.Time, error) {
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse clock time %q: %w", hhmm, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), parsed.Hour(), parsed.Minute(), 0, 0, loc), nil
}

// StateAt classifies an instant: inside [open, close) on a weekday is
// OPEN_LIVE; outside the window is AFTER_HOURS_LIVE only when opted in,
// otherwise CLOSED.
func (c Config) StateAt(t time.Time) (State, error) {
	openT, closeT, err := c.Window(t)
	if err != nil {
		return Closed, err
	}
	loc := openT.Location()
	local := t.In(loc)
	weekday := local.Weekday()
	if weekday != time.Saturday && weekday != time.Sunday &&
		!local.Before(openT) && local.Before(closeT) {
		return OpenLive, nil
	}
	if c.AllowAfterHours {
		return AfterHoursLive, nil
	}
	return Closed, nil
}

// Summary reports how a run ended.
type Summary struct {
	Steps      int
	Final      State
	Flattened  bool
	NightlyRan bool
}

// Runner owns one agent's loop. Nightly is invoked exactly once when the
// run reaches NIGHTLY_TUNE; it must produce and persist the league's
// allocation recommendations.
type Runner struct {
	Cfg     Config
	Clock   Clock
	Exec    *executor.Executor
	Nightly func(ctx context.Context) error
	Stop    <-chan struct{}
}

// Run drives the state machine until a terminal state. Per-cycle
// failures (guardrail rejections, transient broker errors, feed errors)
// are recorded and the loop continues; fatal broker errors halt the run.
// The stop request is honored between cycles only, so every observed
// cycle is complete and ledger-consistent.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	clock := r.Clock
	if clock == nil {
		clock = RealClock{}
	}
	interval := r.Cfg.CycleInterval
	if interval <= 0 {
		interval = time.Minute
	}

	var sum Summary
	wasLive := false
	dayOpened := false

	for {
		if r.stopRequested(ctx) {
			return r.finish(ctx, &sum, wasLive)
		}

		state, err := r.Cfg.StateAt(clock.Now())
		if err != nil {
			return sum, err
		}

		switch state {
		case OpenLive, AfterHoursLive:
			if state == OpenLive && !dayOpened {
				if g, ok := r.Exec.Gateway.(broker.DayResetter); ok {
					g.ResetDay()
				}
				dayOpened = true
			}
			res, err := r.Exec.RunOnce(ctx, executor.StepOptions{MarketOpen: state == OpenLive})
			if err != nil {
				if broker.KindOf(err) == broker.KindFatal {
					sum.Final = state
					return sum, err
				}
				observ.IncCounter("cycle_errors_total", nil)
				observ.Log("cycle_error", map[string]any{"state": state.String(), "error": err.Error()})
			} else {
				observ.SetGauge("equity", res.EquityAfter.Equity, nil)
			}
			sum.Steps++
			wasLive = true

			if r.Cfg.MaxSteps > 0 && sum.Steps >= r.Cfg.MaxSteps {
				return r.finish(ctx, &sum, wasLive)
			}
			if !r.sleep(ctx, interval) {
				return r.finish(ctx, &sum, wasLive)
			}

		case Closed:
			// Session over: flatten while the books are still warm, then
			// hand off to the nightly evaluation.
			if wasLive && r.Cfg.FlattenAtEnd {
				r.flatten(ctx, &sum)
			}
			if err := r.runNightly(ctx, &sum); err != nil {
				return sum, err
			}
			sum.Final = Done
			return sum, nil
		}
	}
}

// finish is the terminal path for max-steps and stop requests: optional
// flatten, then done. It does not cycle back through CLOSED.
func (r *Runner) finish(ctx context.Context, sum *Summary, wasLive bool) (Summary, error) {
	if wasLive && r.Cfg.FlattenAtEnd {
		r.flatten(ctx, sum)
	}
	sum.Final = Done
	return *sum, nil
}

func (r *Runner) flatten(ctx context.Context, sum *Summary) {
	// Runs with MarketOpen set even after close: a flatten step only
	// ever reduces positions, and must execute past the session gate.
	if _, err := r.Exec.RunOnce(ctx, executor.StepOptions{MarketOpen: true, Flatten: true}); err != nil {
		observ.Log("flatten_error", map[string]any{"error": err.Error()})
		return
	}
	sum.Flattened = true
}

func (r *Runner) runNightly(ctx context.Context, sum *Summary) error {
	if r.Nightly == nil {
		return nil
	}
	observ.Log("nightly_tune", map[string]any{"agent_id": r.Exec.AgentID})
	if err := r.Nightly(ctx); err != nil {
		return fmt.Errorf("nightly evaluation: %w", err)
	}
	sum.NightlyRan = true
	return nil
}

func (r *Runner) stopRequested(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}
	if r.Stop == nil {
		return false
	}
	select {
	case <-r.Stop:
		return true
	default:
		return false
	}
}

// sleep waits one interval, returning false if a stop arrived first.
// A nil Stop channel simply never fires.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-r.Stop:
		return false
	case <-timer.C:
		return true
	}
}
