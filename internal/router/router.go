// Package router converts a discrete strategy signal into the minimal
// order needed to reach the target position.
package router

import (
	"math"

	"github.com/tradingagentlab/league/internal/broker"
	"github.com/tradingagentlab/league/internal/strategy"
)

// Config holds the sizing parameters for one agent.
type Config struct {
	SizePct        float64 // percent of equity committed when long
	MaxPositionPct float64 // position cap, percent of equity
	MinOrderQty    float64 // below this delta no intent is emitted
}

// Route maps a signal to at most one order intent per symbol per cycle.
// Long-only: LONG targets size_pct of equity, FLAT and the unsupported
// SHORT both target zero. The position cap is applied to the target
// before the delta so the router never proposes an order a correctly
// configured guardrail would reject under normal equity drift.
func Route(sig strategy.Signal, pos broker.Position, equity, price float64, cfg Config) []broker.OrderIntent {
	if price <= 0 || equity <= 0 {
		return nil
	}

	var target float64
	if sig == strategy.Long {
		target = cfg.SizePct / 100 * equity / price
		if capQty := cfg.MaxPositionPct / 100 * equity / price; target > capQty {
			target = capQty
		}
	}

	delta := target - pos.Qty
	minQty := cfg.MinOrderQty
	if minQty <= 0 {
		minQty = 1e-9
	}
	if math.Abs(delta) < minQty {
		return nil
	}

	side := broker.Buy
	if delta < 0 {
		side = broker.Sell
	}
	return []broker.OrderIntent{{
		Symbol: pos.Symbol,
		Side:   side,
		Qty:    math.Abs(delta),
		Type:   broker.Market,
		TIF:    broker.Day,
	}}
}

// Flatten returns the order that closes the current position, or nothing
// when already flat.
func Flatten(pos broker.Position, cfg Config) []broker.OrderIntent {
	if math.Abs(pos.Qty) < math.Max(cfg.MinOrderQty, 1e-9) {
		return nil
	}
	side := broker.Sell
	if pos.Qty < 0 {
		side = broker.Buy
	}
	return []broker.OrderIntent{{
		Symbol: pos.Symbol,
		Side:   side,
		Qty:    math.Abs(pos.Qty),
		Type:   broker.Market,
		TIF:    broker.Day,
	}}
}
