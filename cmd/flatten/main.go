package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/tradingagentlab/league/internal/agents"
	"github.com/tradingagentlab/league/internal/broker"
	"github.com/tradingagentlab/league/internal/observ"
	"github.com/tradingagentlab/league/internal/router"
)

// flatten closes every open position for an agent, bypassing the
// strategy entirely. Intended for operator use when an agent must be
// taken flat outside its own loop.
func main() {
	var specPath string
	flag.StringVar(&specPath, "config", "agents/momo-1.yaml", "agent spec path")
	flag.Parse()

	spec, err := agents.Load(specPath)
	if err != nil {
		log.Fatalf("load agent spec: %v", err)
	}
	if spec.Live.Adapter != "alpaca" {
		log.Fatalf("flatten targets broker-held positions; adapter %q holds none", spec.Live.Adapter)
	}

	cfg := broker.PaperConfig{
		Paper:     spec.Live.Paper,
		KeyID:     os.Getenv("ALPACA_API_KEY_ID"),
		SecretKey: os.Getenv("ALPACA_API_SECRET_KEY"),
	}
	gw, err := broker.NewPaperBroker(cfg)
	if err != nil {
		log.Fatalf("open broker gateway: %v", err)
	}

	routing := router.Config{MinOrderQty: spec.Risk.MinOrderQty}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	closed := 0
	for _, symbol := range spec.Universe {
		pos, err := gw.Position(ctx, symbol)
		if err != nil {
			log.Fatalf("read position %s: %v", symbol, err)
		}
		for _, intent := range router.Flatten(pos, routing) {
			fill, err := gw.Submit(ctx, intent)
			if err != nil {
				log.Fatalf("flatten %s: %v", symbol, err)
			}
			closed++
			observ.Log("position_flattened", map[string]any{
				"agent_id": spec.ID,
				"symbol":   fill.Symbol,
				"side":     string(fill.Side),
				"qty":      fill.Qty,
				"price":    fill.Price,
			})
		}
	}
	observ.Log("flatten_complete", map[string]any{"agent_id": spec.ID, "orders": closed})
}
