package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tradingagentlab/league/internal/broker"
)

const (
	entryFill        = "fill"
	entryRejection   = "rejection"
	entryEquity      = "equity"
	entryAgent       = "agent"
	entryAllocations = "allocations"
)

type jsonlEntry struct {
	Type  string          `json:"type"`
	Event time.Time       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// JSONLStore keeps one append-only .jsonl file per agent under a root
// directory, plus shared agents.jsonl and allocations.jsonl files.
type JSONLStore struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewJSONLStore creates the root directory if needed.
func NewJSONLStore(dir string) (*JSONLStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &JSONLStore{dir: dir, now: time.Now}, nil
}

func (s *JSONLStore) agentPath(agentID string) string {
	return filepath.Join(s.dir, agentID+".jsonl")
}

func (s *JSONLStore) RecordAgent(_ context.Context, rec AgentRecord) error {
	line, err := marshalEntry(entryAgent, s.now().UTC(), rec)
	if err != nil {
		return err
	}
	return s.appendLines(filepath.Join(s.dir, "agents.jsonl"), line)
}

func (s *JSONLStore) RecordFill(_ context.Context, agentID string, fill broker.Fill) error {
	line, err := marshalEntry(entryFill, s.now().UTC(), fill)
	if err != nil {
		return err
	}
	return s.appendLines(s.agentPath(agentID), line)
}

func (s *JSONLStore) RecordRejection(_ context.Context, agentID string, rej Rejection) error {
	line, err := marshalEntry(entryRejection, s.now().UTC(), rej)
	if err != nil {
		return err
	}
	return s.appendLines(s.agentPath(agentID), line)
}

// RecordStep writes a cycle's fills, rejections, and closing equity
// snapshot in a single file append, so readers see all of the cycle or
// none of it.
func (s *JSONLStore) RecordStep(_ context.Context, agentID string, fills []broker.Fill, rejections []Rejection, equity broker.EquitySnapshot) error {
	now := s.now().UTC()
	var lines [][]byte
	for _, f := range fills {
		line, err := marshalEntry(entryFill, now, f)
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	for _, r := range rejections {
		line, err := marshalEntry(entryRejection, now, r)
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	line, err := marshalEntry(entryEquity, now, equity)
	if err != nil {
		return err
	}
	lines = append(lines, line)
	return s.appendLines(s.agentPath(agentID), lines...)
}

func (s *JSONLStore) RecordAllocations(_ context.Context, run AllocationRun) error {
	line, err := marshalEntry(entryAllocations, s.now().UTC(), run)
	if err != nil {
		return err
	}
	return s.appendLines(filepath.Join(s.dir, "allocations.jsonl"), line)
}

func (s *JSONLStore) FillsSince(_ context.Context, agentID string, since time.Time) ([]broker.Fill, error) {
	var fills []broker.Fill
	err := s.scan(s.agentPath(agentID), entryFill, since, func(data json.RawMessage) error {
		var f broker.Fill
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		fills = append(fills, f)
		return nil
	})
	return fills, err
}

func (s *JSONLStore) EquityHistory(_ context.Context, agentID string, since time.Time) ([]broker.EquitySnapshot, error) {
	var snaps []broker.EquitySnapshot
	err := s.scan(s.agentPath(agentID), entryEquity, since, func(data json.RawMessage) error {
		var snap broker.EquitySnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		snaps = append(snaps, snap)
		return nil
	})
	return snaps, err
}

// Agents returns the latest record per agent id; later appends supersede
// earlier ones when provenance changes.
func (s *JSONLStore) Agents(_ context.Context) ([]AgentRecord, error) {
	byID := map[string]AgentRecord{}
	var order []string
	err := s.scan(filepath.Join(s.dir, "agents.jsonl"), entryAgent, time.Time{}, func(data json.RawMessage) error {
		var rec AgentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if _, seen := byID[rec.AgentID]; !seen {
			order = append(order, rec.AgentID)
		}
		byID[rec.AgentID] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]AgentRecord, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

func (s *JSONLStore) appendLines(path string, lines ...[]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(bytes.Join(lines, nil))
	return err
}

func (s *JSONLStore) scan(path, wantType string, since time.Time, visit func(json.RawMessage) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry jsonlEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue // tolerate a torn trailing line
		}
		if entry.Type != wantType || entry.Event.Before(since) {
			continue
		}
		if err := visit(entry.Data); err != nil {
			return err
		}
	}
	return sc.Err()
}

func marshalEntry(entryType string, event time.Time, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(jsonlEntry{Type: entryType, Event: event, Data: raw})
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

var _ Store = (*JSONLStore)(nil)
