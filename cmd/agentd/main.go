package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tradingagentlab/league/internal/agents"
	"github.com/tradingagentlab/league/internal/broker"
	"github.com/tradingagentlab/league/internal/executor"
	"github.com/tradingagentlab/league/internal/guardrail"
	"github.com/tradingagentlab/league/internal/league"
	"github.com/tradingagentlab/league/internal/ledger"
	"github.com/tradingagentlab/league/internal/marketdata"
	"github.com/tradingagentlab/league/internal/observ"
	"github.com/tradingagentlab/league/internal/router"
	"github.com/tradingagentlab/league/internal/scheduler"
	"github.com/tradingagentlab/league/internal/strategy"
)

func main() {
	var (
		specPath   string
		pricesPath string
		ledgerDir  string
		loop       bool
		interval   time.Duration
		maxSteps   int
		flatAtEnd  bool
	)
	flag.StringVar(&specPath, "config", "agents/momo-1.yaml", "agent spec path")
	flag.StringVar(&pricesPath, "prices", "fixtures/prices.json", "scripted price series for the sim feed")
	flag.StringVar(&ledgerDir, "ledger-dir", "data/ledger", "jsonl ledger directory (ignored when DATABASE_URL is set)")
	flag.BoolVar(&loop, "loop", false, "run the scheduler loop instead of a single step")
	flag.DurationVar(&interval, "interval", 0, "cycle interval override (e.g. 5m)")
	flag.IntVar(&maxSteps, "max-steps", 0, "stop after this many live steps")
	flag.BoolVar(&flatAtEnd, "flat-at-end", false, "flatten all positions when the run ends")
	flag.Parse()

	spec, err := agents.Load(specPath)
	if err != nil {
		log.Fatalf("load agent spec: %v", err)
	}

	armed := os.Getenv("REAL_TRADING_ENABLED") == "1"
	realVenue := spec.Live.Adapter == "alpaca" && !spec.Live.Paper

	store, err := openStore(context.Background(), ledgerDir)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}

	feed, err := openFeed(spec, pricesPath)
	if err != nil {
		log.Fatalf("open market data feed: %v", err)
	}

	gateway, err := openGateway(spec, feed)
	if err != nil {
		log.Fatalf("open broker gateway: %v", err)
	}

	strat := strategyFor(spec)

	if err := store.RecordAgent(context.Background(), spec.Record(time.Now())); err != nil {
		log.Fatalf("register agent: %v", err)
	}

	observ.Log("startup", map[string]any{
		"agent_id":    spec.ID,
		"universe":    strings.Join(spec.Universe, ","),
		"strategy":    strat.Name(),
		"adapter":     spec.Live.Adapter,
		"paper":       spec.Live.Paper,
		"real_venue":  realVenue,
		"armed":       armed,
		"config_hash": spec.ConfigHash(),
	})

	exec := &executor.Executor{
		AgentID:  spec.ID,
		Symbols:  spec.Universe,
		Feed:     feed,
		Strategy: strat,
		Gateway:  gateway,
		Store:    store,
		Guardrail: guardrail.Config{
			MaxOrderNotional: spec.Risk.MaxOrderNotional,
			MaxPositionPct:   spec.Risk.MaxPositionPct,
			MaxDailyLoss:     spec.Risk.MaxDailyLoss,
			AllowAfterHours:  spec.Orchestrator.AllowAfterHours,
		},
		Routing: router.Config{
			SizePct:        spec.Risk.SizePct,
			MaxPositionPct: spec.Risk.MaxPositionPct,
			MinOrderQty:    spec.Risk.MinOrderQty,
		},
		RealVenue:    realVenue,
		Armed:        armed,
		LookbackBars: spec.Strategy.RSILen + 1,
	}
	if sim, ok := feed.(*marketdata.SimFeed); ok {
		exec.AfterCycle = sim.Advance
	}

	if !loop {
		runOnce(exec, spec)
		return
	}

	cycleInterval := time.Duration(spec.Orchestrator.CycleMinutes) * time.Minute
	if interval > 0 {
		cycleInterval = interval
	}
	if maxSteps == 0 {
		maxSteps = spec.Orchestrator.MaxSteps
	}

	stop := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		observ.Log("shutdown_requested", map[string]any{"agent_id": spec.ID})
		close(stop)
	}()

	agg := league.NewAggregator(store, league.Config{})
	runner := &scheduler.Runner{
		Cfg: scheduler.Config{
			Timezone:        spec.Orchestrator.MarketHours.Timezone,
			Open:            spec.Orchestrator.MarketHours.Open,
			Close:           spec.Orchestrator.MarketHours.Close,
			AllowAfterHours: spec.Orchestrator.AllowAfterHours,
			CycleInterval:   cycleInterval,
			MaxSteps:        maxSteps,
			FlattenAtEnd:    flatAtEnd || spec.Orchestrator.FlattenAtEnd,
		},
		Clock: scheduler.RealClock{},
		Exec:  exec,
		Nightly: func(ctx context.Context) error {
			_, err := agg.Run(ctx)
			return err
		},
		Stop: stop,
	}

	summary, err := runner.Run(context.Background())
	if err != nil {
		log.Fatalf("run: %v", err)
	}
	observ.Log("run_complete", map[string]any{
		"agent_id":    spec.ID,
		"steps":       summary.Steps,
		"final_state": summary.Final.String(),
		"flattened":   summary.Flattened,
		"nightly_ran": summary.NightlyRan,
		"metrics":     observ.Snapshot(),
	})
}

func runOnce(exec *executor.Executor, spec *agents.Spec) {
	sched := scheduler.Config{
		Timezone:        spec.Orchestrator.MarketHours.Timezone,
		Open:            spec.Orchestrator.MarketHours.Open,
		Close:           spec.Orchestrator.MarketHours.Close,
		AllowAfterHours: spec.Orchestrator.AllowAfterHours,
	}
	state, err := sched.StateAt(time.Now())
	if err != nil {
		log.Fatalf("resolve market session: %v", err)
	}
	res, err := exec.RunOnce(context.Background(), executor.StepOptions{
		MarketOpen: state == scheduler.OpenLive,
	})
	if err != nil {
		log.Fatalf("step: %v", err)
	}
	observ.Log("step_complete", map[string]any{
		"agent_id":   spec.ID,
		"fills":      len(res.Fills),
		"rejections": len(res.Rejections),
		"equity":     res.EquityAfter.Equity,
	})
}

func openStore(ctx context.Context, dir string) (ledger.Store, error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return ledger.NewPostgresStore(ctx, dsn)
	}
	return ledger.NewJSONLStore(dir)
}

func openFeed(spec *agents.Spec, pricesPath string) (marketdata.Feed, error) {
	if spec.Live.StreamURL != "" {
		feed := marketdata.NewStreamFeed(spec.Live.StreamURL, spec.Strategy.RSILen+1, 30*time.Second)
		if err := feed.Connect(context.Background(), spec.Universe); err != nil {
			return nil, err
		}
		return feed, nil
	}
	series, err := loadPriceSeries(pricesPath)
	if err != nil {
		return nil, err
	}
	return marketdata.NewSimFeed(series), nil
}

func loadPriceSeries(path string) (map[string][]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var file struct {
		Prices map[string][]float64 `json:"prices"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("json %s: %w", path, err)
	}
	return file.Prices, nil
}

func openGateway(spec *agents.Spec, feed marketdata.Feed) (broker.Gateway, error) {
	switch spec.Live.Adapter {
	case "", "sim":
		priceFn := func(symbol string) float64 {
			q, err := feed.Latest(context.Background(), symbol)
			if err != nil {
				return 0
			}
			return q.Last
		}
		return broker.NewSim(spec.Live.Cash, priceFn,
			broker.WithSlippageBps(spec.Live.SlippageBps),
			broker.WithCommission(spec.Live.Commission),
		), nil
	case "alpaca":
		cfg := broker.PaperConfig{
			Paper:     spec.Live.Paper,
			KeyID:     os.Getenv("ALPACA_API_KEY_ID"),
			SecretKey: os.Getenv("ALPACA_API_SECRET_KEY"),
		}
		if spec.Live.BaseURL != "" {
			if spec.Live.Paper {
				cfg.PaperBaseURL = spec.Live.BaseURL
			} else {
				cfg.RealBaseURL = spec.Live.BaseURL
			}
		}
		return broker.NewPaperBroker(cfg)
	default:
		return nil, fmt.Errorf("unknown adapter %q", spec.Live.Adapter)
	}
}

func strategyFor(spec *agents.Spec) strategy.Strategy {
	return strategy.NewRSIMeanReversion(spec.Strategy.RSILen, spec.Strategy.Oversold, spec.Strategy.Overbought)
}
