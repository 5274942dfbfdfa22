// Package ledger is the append-only persistence layer: fills, rejections,
// equity snapshots, agent provenance, and nightly allocation artifacts.
// Two implementations exist: newline-delimited JSON files for sim/paper
// runs and PostgreSQL for league deployments.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/tradingagentlab/league/internal/broker"
)

// Rejection records an intent that did not become a fill, with the
// guardrail or venue reason.
type Rejection struct {
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Qty       float64   `json:"qty"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"ts_utc"`
}

// AgentRecord is an agent's provenance: who built it and from what.
type AgentRecord struct {
	AgentID    string    `json:"agent_id"`
	Builder    string    `json:"builder"`
	Lineage    string    `json:"lineage,omitempty"`
	ConfigHash string    `json:"config_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// Allocation is one agent's row in a nightly allocation run.
type Allocation struct {
	AgentID   string             `json:"agent_id"`
	Action    string             `json:"action"` // promote | retire | hold
	Weight    float64            `json:"weight"`
	Rationale string             `json:"rationale"`
	KPIs      map[string]float64 `json:"kpis"`
}

// AllocationRun is the structured artifact of one nightly league run.
type AllocationRun struct {
	Timestamp    time.Time    `json:"ts_utc"`
	Lookback     string       `json:"lookback"`
	GroupBy      string       `json:"group_by"` // agent | builder
	Allocations  []Allocation `json:"allocations"`
}

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = errors.New("ledger: not found")

// Store is the persistence collaborator. All writes are append-only and
// keyed by agent id; RecordStep persists one live cycle's outputs
// atomically so later cycles never observe a partial write.
type Store interface {
	RecordAgent(ctx context.Context, rec AgentRecord) error
	RecordFill(ctx context.Context, agentID string, fill broker.Fill) error
	RecordRejection(ctx context.Context, agentID string, rej Rejection) error
	RecordStep(ctx context.Context, agentID string, fills []broker.Fill, rejections []Rejection, equity broker.EquitySnapshot) error
	RecordAllocations(ctx context.Context, run AllocationRun) error

	FillsSince(ctx context.Context, agentID string, since time.Time) ([]broker.Fill, error)
	EquityHistory(ctx context.Context, agentID string, since time.Time) ([]broker.EquitySnapshot, error)
	Agents(ctx context.Context) ([]AgentRecord, error)
}
