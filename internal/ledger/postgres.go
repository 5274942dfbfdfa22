package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradingagentlab/league/internal/broker"
)

// PostgresStore implements Store on PostgreSQL via pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects, pings, and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id    TEXT PRIMARY KEY,
			builder     TEXT NOT NULL DEFAULT '',
			lineage     TEXT NOT NULL DEFAULT '',
			config_hash TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fills (
			id           BIGSERIAL PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			order_id     TEXT NOT NULL,
			symbol       TEXT NOT NULL,
			side         TEXT NOT NULL,
			qty          DOUBLE PRECISION NOT NULL,
			price        DOUBLE PRECISION NOT NULL,
			realized_pnl DOUBLE PRECISION NOT NULL,
			ts_utc       TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS fills_agent_ts ON fills (agent_id, ts_utc)`,
		`CREATE TABLE IF NOT EXISTS rejections (
			id       BIGSERIAL PRIMARY KEY,
			agent_id TEXT NOT NULL,
			symbol   TEXT NOT NULL,
			side     TEXT NOT NULL,
			qty      DOUBLE PRECISION NOT NULL,
			reason   TEXT NOT NULL,
			ts_utc   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS equity_snapshots (
			id              BIGSERIAL PRIMARY KEY,
			agent_id        TEXT NOT NULL,
			cash            DOUBLE PRECISION NOT NULL,
			positions_value DOUBLE PRECISION NOT NULL,
			equity          DOUBLE PRECISION NOT NULL,
			day_pnl         DOUBLE PRECISION NOT NULL,
			ts_utc          TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS equity_agent_ts ON equity_snapshots (agent_id, ts_utc)`,
		`CREATE TABLE IF NOT EXISTS allocation_runs (
			id       BIGSERIAL PRIMARY KEY,
			ts_utc   TIMESTAMPTZ NOT NULL,
			lookback TEXT NOT NULL,
			group_by TEXT NOT NULL,
			payload  JSONB NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger schema: %w", err)
		}
	}
	return nil
}

// RecordAgent inserts a new agent record or updates provenance in place.
func (s *PostgresStore) RecordAgent(ctx context.Context, rec AgentRecord) error {
	query := `
		INSERT INTO agents (agent_id, builder, lineage, config_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent_id) DO UPDATE
		SET builder = EXCLUDED.builder, lineage = EXCLUDED.lineage, config_hash = EXCLUDED.config_hash
	`
	if _, err := s.pool.Exec(ctx, query, rec.AgentID, rec.Builder, rec.Lineage, rec.ConfigHash, rec.CreatedAt); err != nil {
		return fmt.Errorf("record agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordFill(ctx context.Context, agentID string, fill broker.Fill) error {
	if err := insertFill(ctx, s.pool, agentID, fill); err != nil {
		return fmt.Errorf("record fill: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordRejection(ctx context.Context, agentID string, rej Rejection) error {
	if err := insertRejection(ctx, s.pool, agentID, rej); err != nil {
		return fmt.Errorf("record rejection: %w", err)
	}
	return nil
}

// RecordStep writes the whole cycle in one transaction.
func (s *PostgresStore) RecordStep(ctx context.Context, agentID string, fills []broker.Fill, rejections []Rejection, equity broker.EquitySnapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, f := range fills {
		if err := insertFill(ctx, tx, agentID, f); err != nil {
			return fmt.Errorf("record step fill: %w", err)
		}
	}
	for _, r := range rejections {
		if err := insertRejection(ctx, tx, agentID, r); err != nil {
			return fmt.Errorf("record step rejection: %w", err)
		}
	}
	query := `
		INSERT INTO equity_snapshots (agent_id, cash, positions_value, equity, day_pnl, ts_utc)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.Exec(ctx, query, agentID, equity.Cash, equity.PositionsValue, equity.Equity, equity.DayPnL, equity.Timestamp); err != nil {
		return fmt.Errorf("record step equity: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit step: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordAllocations(ctx context.Context, run AllocationRun) error {
	payload, err := json.Marshal(run.Allocations)
	if err != nil {
		return fmt.Errorf("marshal allocations: %w", err)
	}
	query := `INSERT INTO allocation_runs (ts_utc, lookback, group_by, payload) VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, query, run.Timestamp, run.Lookback, run.GroupBy, payload); err != nil {
		return fmt.Errorf("record allocations: %w", err)
	}
	return nil
}

func (s *PostgresStore) FillsSince(ctx context.Context, agentID string, since time.Time) ([]broker.Fill, error) {
	query := `
		SELECT order_id, symbol, side, qty, price, realized_pnl, ts_utc
		FROM fills WHERE agent_id = $1 AND ts_utc >= $2
		ORDER BY ts_utc
	`
	rows, err := s.pool.Query(ctx, query, agentID, since)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var fills []broker.Fill
	for rows.Next() {
		var f broker.Fill
		var side string
		if err := rows.Scan(&f.OrderID, &f.Symbol, &side, &f.Qty, &f.Price, &f.RealizedPnL, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Side = broker.Side(side)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *PostgresStore) EquityHistory(ctx context.Context, agentID string, since time.Time) ([]broker.EquitySnapshot, error) {
	query := `
		SELECT cash, positions_value, equity, day_pnl, ts_utc
		FROM equity_snapshots WHERE agent_id = $1 AND ts_utc >= $2
		ORDER BY ts_utc
	`
	rows, err := s.pool.Query(ctx, query, agentID, since)
	if err != nil {
		return nil, fmt.Errorf("query equity history: %w", err)
	}
	defer rows.Close()

	var snaps []broker.EquitySnapshot
	for rows.Next() {
		var snap broker.EquitySnapshot
		if err := rows.Scan(&snap.Cash, &snap.PositionsValue, &snap.Equity, &snap.DayPnL, &snap.Timestamp); err != nil {
			return nil, fmt.Errorf("scan equity snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) Agents(ctx context.Context) ([]AgentRecord, error) {
	query := `SELECT agent_id, builder, lineage, config_hash, created_at FROM agents ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []AgentRecord
	for rows.Next() {
		var rec AgentRecord
		if err := rows.Scan(&rec.AgentID, &rec.Builder, &rec.Lineage, &rec.ConfigHash, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, rec)
	}
	return agents, rows.Err()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertFill(ctx context.Context, db execer, agentID string, f broker.Fill) error {
	query := `
		INSERT INTO fills (agent_id, order_id, symbol, side, qty, price, realized_pnl, ts_utc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := db.Exec(ctx, query, agentID, f.OrderID, f.Symbol, string(f.Side), f.Qty, f.Price, f.RealizedPnL, f.Timestamp)
	return err
}

func insertRejection(ctx context.Context, db execer, agentID string, r Rejection) error {
	query := `
		INSERT INTO rejections (agent_id, symbol, side, qty, reason, ts_utc)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := db.Exec(ctx, query, agentID, r.Symbol, r.Side, r.Qty, r.Reason, r.Timestamp)
	return err
}

var _ Store = (*PostgresStore)(nil)
