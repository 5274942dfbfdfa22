// Package league aggregates realized performance across a roster of
// agents and produces promotion/retirement/capital-allocation
// recommendations after each trading day.
package league

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/tradingagentlab/league/internal/broker"
	"github.com/tradingagentlab/league/internal/ledger"
	"github.com/tradingagentlab/league/internal/observ"
)

// Actions emitted per agent.
const (
	ActionPromote = "promote"
	ActionRetire  = "retire"
	ActionHold    = "hold"
)

// KPIs is the canonical per-agent metric set for one lookback window.
type KPIs struct {
	NetPnL      float64
	WinRate     float64
	MaxDrawdown float64 // positive, peak-to-trough in currency
	TradeCount  int
}

// Window is one agent's aggregated performance, loaded fully before any
// ranking so recommendations are a pure function of the windows.
type Window struct {
	AgentID    string
	Builder    string
	KPIs       KPIs
	Score      float64
	Sufficient bool
	LoadErr    error
}

// Config holds the league thresholds.
type Config struct {
	Lookback       time.Duration
	MinTrades      int
	PromoteFrac    float64 // top fraction promoted
	RetireFrac     float64 // bottom fraction considered for retirement
	FloorScore     float64 // retire only below this score
	GroupByBuilder bool
}

func (c Config) withDefaults() Config {
	if c.Lookback <= 0 {
		c.Lookback = 7 * 24 * time.Hour
	}
	if c.MinTrades <= 0 {
		c.MinTrades = 3
	}
	if c.PromoteFrac <= 0 {
		c.PromoteFrac = 0.25
	}
	if c.RetireFrac <= 0 {
		c.RetireFrac = 0.25
	}
	return c
}

// Aggregator reads the ledger and ranks the league. It only ever writes
// the allocation artifact; fills and equity history are read-only.
type Aggregator struct {
	Store ledger.Store
	Cfg   Config

	now func() time.Time
}

// NewAggregator builds an aggregator over a ledger store.
func NewAggregator(store ledger.Store, cfg Config) *Aggregator {
	return &Aggregator{Store: store, Cfg: cfg.withDefaults(), now: time.Now}
}

// Run aggregates every registered agent and persists the allocation
// artifact. This is the scheduler's NIGHTLY_TUNE entry point.
func (a *Aggregator) Run(ctx context.Context) (ledger.AllocationRun, error) {
	agents, err := a.Store.Agents(ctx)
	if err != nil {
		return ledger.AllocationRun{}, fmt.Errorf("load league roster: %w", err)
	}
	run, err := a.Aggregate(ctx, agents)
	if err != nil {
		return ledger.AllocationRun{}, err
	}
	if err := a.Store.RecordAllocations(ctx, run); err != nil {
		return ledger.AllocationRun{}, fmt.Errorf("persist allocations: %w", err)
	}
	observ.IncCounter("league_runs_total", nil)
	return run, nil
}

// Aggregate computes recommendations for the given roster. A failure to
// load one agent's history never fails the run: that agent is reported
// as hold with an error rationale and aggregation continues.
func (a *Aggregator) Aggregate(ctx context.Context, roster []ledger.AgentRecord) (ledger.AllocationRun, error) {
	since := a.now().Add(-a.Cfg.Lookback)

	// Load every window first; ranking sees a fixed snapshot.
	windows := make([]Window, 0, len(roster))
	for _, rec := range roster {
		windows = append(windows, a.loadWindow(ctx, rec, since))
	}

	groupBy := "agent"
	if a.Cfg.GroupByBuilder {
		windows = groupByBuilder(windows)
		groupBy = "builder"
	}

	return ledger.AllocationRun{
		Timestamp:   a.now().UTC(),
		Lookback:    a.Cfg.Lookback.String(),
		GroupBy:     groupBy,
		Allocations: Rank(windows, a.Cfg),
	}, nil
}

func (a *Aggregator) loadWindow(ctx context.Context, rec ledger.AgentRecord, since time.Time) Window {
	w := Window{AgentID: rec.AgentID, Builder: rec.Builder}

	fills, err := a.Store.FillsSince(ctx, rec.AgentID, since)
	if err != nil {
		w.LoadErr = err
		return w
	}
	equity, err := a.Store.EquityHistory(ctx, rec.AgentID, since)
	if err != nil {
		w.LoadErr = err
		return w
	}

	w.KPIs = ComputeKPIs(fills, equity)
	w.Score = score(w.KPIs)
	w.Sufficient = w.KPIs.TradeCount >= a.Cfg.MinTrades
	return w
}

// ComputeKPIs derives the metric set from fills and the equity curve.
func ComputeKPIs(fills []broker.Fill, equity []broker.EquitySnapshot) KPIs {
	var k KPIs
	k.TradeCount = len(fills)

	var wins, losses int
	var realized float64
	for _, f := range fills {
		realized += f.RealizedPnL
		if f.RealizedPnL > 0 {
			wins++
		} else if f.RealizedPnL < 0 {
			losses++
		}
	}
	if wins+losses > 0 {
		k.WinRate = float64(wins) / float64(wins+losses)
	}

	// Prefer the equity curve for net PnL; realized fills are the
	// fallback when no snapshots exist in the window.
	if len(equity) >= 2 {
		k.NetPnL = equity[len(equity)-1].Equity - equity[0].Equity
	} else {
		k.NetPnL = realized
	}

	peak := math.Inf(-1)
	for _, snap := range equity {
		if snap.Equity > peak {
			peak = snap.Equity
		}
		if dd := peak - snap.Equity; dd > k.MaxDrawdown {
			k.MaxDrawdown = dd
		}
	}
	return k
}

// score normalizes PnL by drawdown so equal profit with deeper swings
// ranks lower.
func score(k KPIs) float64 {
	return k.NetPnL / (1 + k.MaxDrawdown)
}

// groupByBuilder averages KPIs across agents sharing a builder into
// synthetic "virtual agents", which then flow through the same ranking
// as individuals would.
func groupByBuilder(windows []Window) []Window {
	byBuilder := map[string][]Window{}
	var order []string
	for _, w := range windows {
		name := w.Builder
		if name == "" {
			name = w.AgentID // ungrouped agents stand alone
		}
		if _, seen := byBuilder[name]; !seen {
			order = append(order, name)
		}
		byBuilder[name] = append(byBuilder[name], w)
	}

	out := make([]Window, 0, len(order))
	for _, name := range order {
		members := byBuilder[name]
		var agg Window
		agg.AgentID = "builder:" + name
		agg.Builder = name
		n := float64(len(members))
		minSufficient := true
		for _, m := range members {
			if m.LoadErr != nil {
				agg.LoadErr = m.LoadErr
			}
			agg.KPIs.NetPnL += m.KPIs.NetPnL / n
			agg.KPIs.WinRate += m.KPIs.WinRate / n
			agg.KPIs.MaxDrawdown += m.KPIs.MaxDrawdown / n
			agg.KPIs.TradeCount += m.KPIs.TradeCount
			if !m.Sufficient {
				minSufficient = false
			}
		}
		agg.Score = score(agg.KPIs)
		agg.Sufficient = minSufficient
		out = append(out, agg)
	}
	return out
}

// Rank turns a fixed set of windows into allocation recommendations:
// top fraction promote with score-scaled weights, bottom fraction under
// the floor retire at weight zero, the rest hold.
func Rank(windows []Window, cfg Config) []ledger.Allocation {
	cfg = cfg.withDefaults()

	ranked := make([]Window, 0, len(windows))
	allocs := make([]ledger.Allocation, 0, len(windows))
	held := map[string]ledger.Allocation{}

	for _, w := range windows {
		switch {
		case w.LoadErr != nil:
			held[w.AgentID] = allocation(w, ActionHold, 0, "history unavailable: "+w.LoadErr.Error())
		case !w.Sufficient:
			held[w.AgentID] = allocation(w, ActionHold, 0, "insufficient-data")
		default:
			ranked = append(ranked, w)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	n := len(ranked)
	promoteN := int(math.Ceil(cfg.PromoteFrac * float64(n)))
	retireN := int(math.Floor(cfg.RetireFrac * float64(n)))
	if promoteN+retireN > n {
		retireN = n - promoteN
	}

	// Weights scale with the promoted agents' positive scores.
	var scoreSum float64
	for i := 0; i < promoteN; i++ {
		if s := ranked[i].Score; s > 0 {
			scoreSum += s
		}
	}

	decided := map[string]ledger.Allocation{}
	for i, w := range ranked {
		switch {
		case i < promoteN && w.Score > cfg.FloorScore:
			weight := 0.0
			if scoreSum > 0 && w.Score > 0 {
				weight = w.Score / scoreSum
			} else if promoteN > 0 {
				weight = 1 / float64(promoteN)
			}
			decided[w.AgentID] = allocation(w, ActionPromote,
				round4(weight),
				fmt.Sprintf("rank %d/%d, score %.2f", i+1, n, w.Score))
		case i >= n-retireN && w.Score < cfg.FloorScore:
			decided[w.AgentID] = allocation(w, ActionRetire, 0,
				fmt.Sprintf("rank %d/%d, score %.2f below floor %.2f", i+1, n, w.Score, cfg.FloorScore))
		default:
			decided[w.AgentID] = allocation(w, ActionHold, 0, "hold at current weight")
		}
	}

	// Preserve roster order in the artifact.
	for _, w := range windows {
		if alloc, ok := decided[w.AgentID]; ok {
			allocs = append(allocs, alloc)
		} else if alloc, ok := held[w.AgentID]; ok {
			allocs = append(allocs, alloc)
		}
	}
	return allocs
}

func allocation(w Window, action string, weight float64, rationale string) ledger.Allocation {
	return ledger.Allocation{
		AgentID:   w.AgentID,
		Action:    action,
		Weight:    weight,
		Rationale: rationale,
		KPIs: map[string]float64{
			"net_pnl":      w.KPIs.NetPnL,
			"win_rate":     w.KPIs.WinRate,
			"max_drawdown": w.KPIs.MaxDrawdown,
			"trade_count":  float64(w.KPIs.TradeCount),
			"score":        w.Score,
		},
	}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
