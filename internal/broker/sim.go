package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PriceFn supplies the last quoted price for a symbol. The sim fills
// immediately at this price plus configured slippage.
type PriceFn func(symbol string) float64

// Sim is a deterministic in-memory broker. Cash and positions mutate only
// through confirmed fills, so a position's quantity is always the sum of
// its fills' signed quantities.
type Sim struct {
	mu          sync.Mutex
	cash        float64
	positions   map[string]Position
	priceFn     PriceFn
	slippageBps float64
	commission  float64
	dayOpen     float64 // equity at start of trading day
	orderSeq    int
	now         func() time.Time
}

// SimOption adjusts simulator behavior.
type SimOption func(*Sim)

func WithSlippageBps(bps float64) SimOption { return func(s *Sim) { s.slippageBps = bps } }
func WithCommission(c float64) SimOption    { return func(s *Sim) { s.commission = c } }

// WithClock injects a time source for deterministic fill timestamps.
func WithClock(now func() time.Time) SimOption { return func(s *Sim) { s.now = now } }

// NewSim creates a simulator seeded with starting cash.
func NewSim(cash float64, priceFn PriceFn, opts ...SimOption) *Sim {
	s := &Sim{
		cash:      cash,
		positions: map[string]Position{},
		priceFn:   priceFn,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dayOpen = cash
	return s
}

// ResetDay rebases the day PnL to the current equity, as at market open.
func (s *Sim) ResetDay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dayOpen = s.equityLocked()
}

func (s *Sim) Submit(_ context.Context, intent OrderIntent) (Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	px := s.priceFn(intent.Symbol)
	if px <= 0 {
		return Fill{}, NewRejectedError("sim", fmt.Sprintf("no price for %s", intent.Symbol))
	}
	slip := px * s.slippageBps / 1e4
	execPx := px + slip
	if intent.Side == Sell {
		execPx = px - slip
	}
	// Limit orders fill only when the bound is satisfiable at the quote.
	if intent.Type == Limit {
		if intent.Side == Buy && execPx > intent.LimitPrice {
			return Fill{}, NewRejectedError("sim", "limit price below market")
		}
		if intent.Side == Sell && execPx < intent.LimitPrice {
			return Fill{}, NewRejectedError("sim", "limit price above market")
		}
	}

	pos := s.positions[intent.Symbol]
	signed := intent.SignedQty()

	if intent.Side == Buy {
		cost := execPx*intent.Qty + s.commission
		if cost > s.cash {
			return Fill{}, NewRejectedError("sim", "insufficient cash")
		}
		s.cash -= cost
	} else {
		if intent.Qty > pos.Qty {
			return Fill{}, NewRejectedError("sim", "insufficient position")
		}
		s.cash += execPx*intent.Qty - s.commission
	}

	var realized float64
	switch {
	case pos.Qty == 0 || (pos.Qty > 0) == (signed > 0):
		// opening or adding: blend the cost basis
		totalQty := pos.Qty + signed
		pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Qty + execPx*signed) / totalQty
		pos.Qty = totalQty
	default:
		// reducing toward flat: realize PnL against the average entry
		realized = (execPx - pos.AvgEntryPrice) * intent.Qty
		if pos.Qty < 0 {
			realized = -realized
		}
		pos.Qty += signed
		if pos.Qty == 0 {
			pos.AvgEntryPrice = 0
		}
	}
	pos.Symbol = intent.Symbol
	s.positions[intent.Symbol] = pos

	s.orderSeq++
	return Fill{
		OrderID:     fmt.Sprintf("sim-%d", s.orderSeq),
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Qty:         intent.Qty,
		Price:       execPx,
		Timestamp:   s.now().UTC(),
		RealizedPnL: realized,
	}, nil
}

func (s *Sim) Position(_ context.Context, symbol string) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[symbol]
	if !ok {
		return Position{Symbol: symbol}, nil
	}
	return pos, nil
}

func (s *Sim) Equity(_ context.Context) (EquitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	eq := s.equityLocked()
	var posValue float64
	for sym, pos := range s.positions {
		posValue += pos.Qty * s.priceFn(sym)
	}
	return EquitySnapshot{
		Cash:           s.cash,
		PositionsValue: posValue,
		Equity:         eq,
		DayPnL:         eq - s.dayOpen,
		Timestamp:      s.now().UTC(),
	}, nil
}

func (s *Sim) equityLocked() float64 {
	eq := s.cash
	for sym, pos := range s.positions {
		eq += pos.Qty * s.priceFn(sym)
	}
	return eq
}

var _ Gateway = (*Sim)(nil)
