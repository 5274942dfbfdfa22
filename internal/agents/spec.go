// Package agents loads agent spec files and tracks agent provenance.
// A spec is one YAML file per agent; a league's roster is a directory of
// them. ${VAR} references in spec files expand from the environment.
package agents

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tradingagentlab/league/internal/ledger"
)

// BuilderInfo identifies the strategy family that produced an agent.
type BuilderInfo struct {
	Name       string `yaml:"name"`
	Model      string `yaml:"model,omitempty"`
	PromptHash string `yaml:"prompt_hash,omitempty"`
}

// LineageInfo links an agent to its parent version.
type LineageInfo struct {
	ParentID string `yaml:"parent_id,omitempty"`
	Version  int    `yaml:"version,omitempty"`
	Mutation string `yaml:"mutation,omitempty"`
}

type Metadata struct {
	Builder BuilderInfo `yaml:"builder"`
	Lineage LineageInfo `yaml:"lineage"`
}

type StrategyCfg struct {
	Name       string  `yaml:"name"`
	RSILen     int     `yaml:"rsi_len"`
	Oversold   float64 `yaml:"oversold"`
	Overbought float64 `yaml:"overbought"`
}

type RiskCfg struct {
	SizePct          float64 `yaml:"size_pct"`
	MaxPositionPct   float64 `yaml:"max_position_pct"`
	MaxOrderNotional float64 `yaml:"max_order_notional"`
	MaxDailyLoss     float64 `yaml:"max_daily_loss"`
	MinOrderQty      float64 `yaml:"min_order_qty"`
}

type MarketHours struct {
	Timezone string `yaml:"timezone"`
	Open     string `yaml:"open"`
	Close    string `yaml:"close"`
}

type OrchestratorCfg struct {
	CycleMinutes    int         `yaml:"cycle_minutes"`
	MaxSteps        int         `yaml:"max_steps"`
	FlattenAtEnd    bool        `yaml:"flatten_at_end"`
	AllowAfterHours bool        `yaml:"allow_after_hours"`
	MarketHours     MarketHours `yaml:"market_hours"`
}

type LiveCfg struct {
	Adapter     string  `yaml:"adapter"` // sim | alpaca
	Paper       bool    `yaml:"paper"`
	Cash        float64 `yaml:"cash"`
	Commission  float64 `yaml:"commission"`
	SlippageBps float64 `yaml:"slippage_bps"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	StreamURL   string  `yaml:"stream_url,omitempty"`
}

// Spec is one agent's full configuration.
type Spec struct {
	ID           string          `yaml:"id"`
	Capital      float64         `yaml:"capital"`
	Universe     []string        `yaml:"universe"`
	Strategy     StrategyCfg     `yaml:"strategy"`
	Risk         RiskCfg         `yaml:"risk"`
	Orchestrator OrchestratorCfg `yaml:"orchestrator"`
	Live         LiveCfg         `yaml:"live"`
	Metadata     Metadata        `yaml:"metadata"`

	configHash string
}

var envVar = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnv(text string) string {
	return envVar.ReplaceAllStringFunc(text, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

// Load reads and validates one agent spec file.
func Load(path string) (*Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent spec: %w", err)
	}
	expanded := expandEnv(string(raw))

	spec := defaultSpec()
	if err := yaml.Unmarshal([]byte(expanded), spec); err != nil {
		return nil, fmt.Errorf("parse agent spec %s: %w", path, err)
	}
	if spec.ID == "" {
		base := filepath.Base(path)
		spec.ID = base[:len(base)-len(filepath.Ext(base))]
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("agent spec %s: %w", path, err)
	}

	sum := sha256.Sum256([]byte(expanded))
	spec.configHash = hex.EncodeToString(sum[:])
	return spec, nil
}

func defaultSpec() *Spec {
	return &Spec{
		Capital:  10_000,
		Universe: []string{"SPY"},
		Strategy: StrategyCfg{Name: "rsi_mean_rev", RSILen: 14, Oversold: 30, Overbought: 70},
		Risk: RiskCfg{
			SizePct:          10,
			MaxPositionPct:   50,
			MaxOrderNotional: 5_000,
			MaxDailyLoss:     500,
			MinOrderQty:      0.01,
		},
		Orchestrator: OrchestratorCfg{
			CycleMinutes: 5,
			MaxSteps:     60,
			MarketHours:  MarketHours{Timezone: "America/New_York", Open: "09:30", Close: "16:00"},
		},
		Live: LiveCfg{Adapter: "sim", Paper: true, Cash: 10_000, SlippageBps: 1},
	}
}

// Validate rejects specs that would be unsafe to trade.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("missing agent id")
	}
	if len(s.Universe) == 0 {
		return fmt.Errorf("empty symbol universe")
	}
	if s.Risk.SizePct <= 0 || s.Risk.SizePct > 100 {
		return fmt.Errorf("size_pct %.2f out of (0,100]", s.Risk.SizePct)
	}
	if s.Risk.MaxPositionPct <= 0 || s.Risk.MaxPositionPct > 100 {
		return fmt.Errorf("max_position_pct %.2f out of (0,100]", s.Risk.MaxPositionPct)
	}
	if s.Risk.MaxOrderNotional <= 0 {
		return fmt.Errorf("max_order_notional must be positive")
	}
	if s.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("max_daily_loss must be positive")
	}
	if s.Orchestrator.CycleMinutes <= 0 {
		return fmt.Errorf("cycle_minutes must be positive")
	}
	switch s.Live.Adapter {
	case "sim", "alpaca":
	default:
		return fmt.Errorf("unknown live adapter %q", s.Live.Adapter)
	}
	return nil
}

// ConfigHash is the sha256 of the expanded spec text.
func (s *Spec) ConfigHash() string { return s.configHash }

// Record converts the spec to its provenance record.
func (s *Spec) Record(now time.Time) ledger.AgentRecord {
	lineage := ""
	if s.Metadata.Lineage.ParentID != "" {
		lineage = fmt.Sprintf("%s@v%d", s.Metadata.Lineage.ParentID, s.Metadata.Lineage.Version)
	}
	return ledger.AgentRecord{
		AgentID:    s.ID,
		Builder:    s.Metadata.Builder.Name,
		Lineage:    lineage,
		ConfigHash: s.configHash,
		CreatedAt:  now.UTC(),
	}
}

// List returns the spec files in a roster directory, sorted by name.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agents dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
