// Package broker defines the order gateway contract and its two
// implementations: an in-memory deterministic simulator and an HTTP
// paper/real venue adapter. The core trades only against the Gateway
// interface, never a concrete venue type.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

type TimeInForce string

const (
	Day TIF = "day"
	GTC TIF = "gtc"
)

// TIF is shorthand used throughout the pipeline.
type TIF = TimeInForce

// OrderIntent is a proposed order. Intents are immutable after creation:
// the guardrail evaluator returns an adjusted copy rather than mutating.
type OrderIntent struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Qty           float64   `json:"qty"`
	Type          OrderType `json:"type"`
	LimitPrice    float64   `json:"limit_price,omitempty"`
	TIF           TIF       `json:"time_in_force"`
	ExtendedHours bool      `json:"extended_hours"`
}

// Notional returns the absolute order value at the given reference price.
func (o OrderIntent) Notional(price float64) float64 {
	n := o.Qty * price
	if n < 0 {
		return -n
	}
	return n
}

// SignedQty returns the position delta the intent represents.
func (o OrderIntent) SignedQty() float64 {
	if o.Side == Sell {
		return -o.Qty
	}
	return o.Qty
}

// Fill is an executed order. Immutable once recorded.
type Fill struct {
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Qty         float64   `json:"qty"`
	Price       float64   `json:"price"`
	Timestamp   time.Time `json:"ts_utc"`
	RealizedPnL float64   `json:"realized_pnl"`
}

// Position is a signed quantity with its cost basis, owned by the gateway.
type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
}

// EquitySnapshot is cash plus mark-to-market position value at an instant.
// Equity always equals Cash + PositionsValue.
type EquitySnapshot struct {
	Cash           float64   `json:"cash"`
	PositionsValue float64   `json:"positions_value"`
	Equity         float64   `json:"equity"`
	DayPnL         float64   `json:"day_pnl"`
	Timestamp      time.Time `json:"ts_utc"`
}

// Gateway executes orders and reports position and equity state.
type Gateway interface {
	Submit(ctx context.Context, intent OrderIntent) (Fill, error)
	Position(ctx context.Context, symbol string) (Position, error)
	Equity(ctx context.Context) (EquitySnapshot, error)
}

// DayResetter marks gateways that track day PnL locally and need a
// rebase at session open. Venue-backed gateways report day PnL from the
// account and do not implement it.
type DayResetter interface {
	ResetDay()
}

// ErrorKind classifies gateway failures for the executor's recovery policy.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient" // network/timeout, retried once then unknown-outcome
	KindFatal     ErrorKind = "fatal"     // account-level failure, halts the loop
	KindRejected  ErrorKind = "rejected"  // venue refused the order, recorded as rejection
)

// Error is a typed gateway failure.
type Error struct {
	Kind    ErrorKind
	Venue   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error from %s: %s (%v)", e.Kind, e.Venue, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error from %s: %s", e.Kind, e.Venue, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func NewTransientError(venue, message string, cause error) *Error {
	return &Error{Kind: KindTransient, Venue: venue, Message: message, Cause: cause}
}

func NewFatalError(venue, message string, cause error) *Error {
	return &Error{Kind: KindFatal, Venue: venue, Message: message, Cause: cause}
}

func NewRejectedError(venue, message string) *Error {
	return &Error{Kind: KindRejected, Venue: venue, Message: message}
}

// KindOf returns the error's kind, defaulting to transient for untyped
// errors so an unclassified failure never assumes success.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransient
}
