package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/tradingagentlab/league/internal/league"
	"github.com/tradingagentlab/league/internal/ledger"
	"github.com/tradingagentlab/league/internal/observ"
)

// nightly runs one league aggregation pass over the ledger and writes
// the allocation artifact, both into the ledger and optionally to a
// standalone JSON file for downstream consumers.
func main() {
	var (
		ledgerDir   string
		outPath     string
		lookback    time.Duration
		minTrades   int
		promoteFrac float64
		retireFrac  float64
		floorScore  float64
		byBuilder   bool
	)
	flag.StringVar(&ledgerDir, "ledger-dir", "data/ledger", "jsonl ledger directory (ignored when DATABASE_URL is set)")
	flag.StringVar(&outPath, "out", "", "also write the allocation run to this JSON file")
	flag.DurationVar(&lookback, "lookback", 7*24*time.Hour, "performance window")
	flag.IntVar(&minTrades, "min-trades", 3, "trades required before an agent is ranked")
	flag.Float64Var(&promoteFrac, "promote-frac", 0.25, "top fraction to promote")
	flag.Float64Var(&retireFrac, "retire-frac", 0.25, "bottom fraction eligible for retirement")
	flag.Float64Var(&floorScore, "floor", 0, "retire only below this score")
	flag.BoolVar(&byBuilder, "group-by-builder", false, "rank builders via virtual agents instead of individuals")
	flag.Parse()

	ctx := context.Background()
	store, err := openStore(ctx, ledgerDir)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}

	agg := league.NewAggregator(store, league.Config{
		Lookback:       lookback,
		MinTrades:      minTrades,
		PromoteFrac:    promoteFrac,
		RetireFrac:     retireFrac,
		FloorScore:     floorScore,
		GroupByBuilder: byBuilder,
	})

	run, err := agg.Run(ctx)
	if err != nil {
		log.Fatalf("league aggregation: %v", err)
	}

	var promoted, retired, held int
	for _, a := range run.Allocations {
		switch a.Action {
		case league.ActionPromote:
			promoted++
		case league.ActionRetire:
			retired++
		default:
			held++
		}
	}
	observ.Log("league_run_complete", map[string]any{
		"group_by": run.GroupBy,
		"lookback": run.Lookback,
		"agents":   len(run.Allocations),
		"promoted": promoted,
		"retired":  retired,
		"held":     held,
	})

	if outPath != "" {
		if err := writeArtifact(outPath, run); err != nil {
			log.Fatalf("write %s: %v", outPath, err)
		}
	}
}

func writeArtifact(path string, run ledger.AllocationRun) error {
	raw, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}

func openStore(ctx context.Context, dir string) (ledger.Store, error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return ledger.NewPostgresStore(ctx, dsn)
	}
	return ledger.NewJSONLStore(dir)
}
