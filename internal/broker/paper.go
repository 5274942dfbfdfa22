package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// PaperConfig configures the HTTP venue adapter. The same adapter serves
// the paper and real endpoints; which base URL is used depends only on
// the Paper flag, while the guardrail's arming gate decides whether a
// real-venue order may be submitted at all.
type PaperConfig struct {
	PaperBaseURL    string  `yaml:"paper_base_url"`
	RealBaseURL     string  `yaml:"real_base_url"`
	Paper           bool    `yaml:"paper"`
	KeyID           string  `yaml:"-"` // sourced from env, never the config file
	SecretKey       string  `yaml:"-"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	TimeoutSeconds  int     `yaml:"timeout_seconds"`
}

// PaperBroker talks to an Alpaca-shaped trading API over HTTP. Calls are
// paced by a rate limiter and bounded by a per-call timeout; transient
// and fatal failures are distinguished so the executor can recover.
type PaperBroker struct {
	cfg         PaperConfig
	baseURL     string
	venue       string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewPaperBroker validates credentials and builds the adapter.
func NewPaperBroker(cfg PaperConfig) (*PaperBroker, error) {
	if cfg.KeyID == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("broker credentials missing")
	}
	if cfg.PaperBaseURL == "" {
		cfg.PaperBaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.RealBaseURL == "" {
		cfg.RealBaseURL = "https://api.alpaca.markets"
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 3
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}

	baseURL := cfg.PaperBaseURL
	venue := "alpaca_paper"
	if !cfg.Paper {
		baseURL = cfg.RealBaseURL
		venue = "alpaca_real"
	}

	return &PaperBroker{
		cfg:     cfg,
		baseURL: baseURL,
		venue:   venue,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), 1),
	}, nil
}

// Venue returns the venue label used in errors and ledger records.
func (p *PaperBroker) Venue() string { return p.venue }

// Real reports whether the adapter points at the real-money endpoint.
func (p *PaperBroker) Real() bool { return !p.cfg.Paper }

type orderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	ExtendedHours bool   `json:"extended_hours"`
}

type orderResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
}

type accountResponse struct {
	Cash       string `json:"cash"`
	Equity     string `json:"equity"`
	LastEquity string `json:"last_equity"`
}

type positionResponse struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
}

func (p *PaperBroker) Submit(ctx context.Context, intent OrderIntent) (Fill, error) {
	req := orderRequest{
		Symbol:        intent.Symbol,
		Qty:           strconv.FormatFloat(intent.Qty, 'f', -1, 64),
		Side:          string(intent.Side),
		Type:          string(intent.Type),
		TimeInForce:   string(intent.TIF),
		ExtendedHours: intent.ExtendedHours,
	}
	if intent.Type == Limit {
		req.LimitPrice = strconv.FormatFloat(intent.LimitPrice, 'f', 2, 64)
	}

	var resp orderResponse
	if err := p.doJSON(ctx, http.MethodPost, "/v2/orders", req, &resp); err != nil {
		return Fill{}, err
	}

	if resp.Status != "filled" && resp.Status != "accepted" {
		return Fill{}, NewRejectedError(p.venue, fmt.Sprintf("order status %q", resp.Status))
	}
	qty := parseFloat(resp.FilledQty, intent.Qty)
	price := parseFloat(resp.FilledAvgPrice, intent.LimitPrice)

	return Fill{
		OrderID:   resp.ID,
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Qty:       qty,
		Price:     price,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (p *PaperBroker) Position(ctx context.Context, symbol string) (Position, error) {
	var resp positionResponse
	err := p.doJSON(ctx, http.MethodGet, "/v2/positions/"+symbol, nil, &resp)
	if err != nil {
		var be *Error
		// A missing position is reported as a venue rejection of the
		// lookup; treat it as flat.
		if errors.As(err, &be) && be.Kind == KindRejected {
			return Position{Symbol: symbol}, nil
		}
		return Position{}, err
	}
	return Position{
		Symbol:        symbol,
		Qty:           parseFloat(resp.Qty, 0),
		AvgEntryPrice: parseFloat(resp.AvgEntryPrice, 0),
	}, nil
}

func (p *PaperBroker) Equity(ctx context.Context) (EquitySnapshot, error) {
	var resp accountResponse
	if err := p.doJSON(ctx, http.MethodGet, "/v2/account", nil, &resp); err != nil {
		return EquitySnapshot{}, err
	}
	cash := parseFloat(resp.Cash, 0)
	equity := parseFloat(resp.Equity, 0)
	lastEquity := parseFloat(resp.LastEquity, equity)
	return EquitySnapshot{
		Cash:           cash,
		PositionsValue: equity - cash,
		Equity:         equity,
		DayPnL:         equity - lastEquity,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// doJSON performs one rate-limited HTTP call and classifies failures.
func (p *PaperBroker) doJSON(ctx context.Context, method, path string, body, out any) error {
	if err := p.rateLimiter.Wait(ctx); err != nil {
		return NewTransientError(p.venue, "rate limiter wait", err)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", p.cfg.KeyID)
	req.Header.Set("APCA-API-SECRET-KEY", p.cfg.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return NewTransientError(p.venue, method+" "+path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return NewFatalError(p.venue, fmt.Sprintf("auth failed (%d)", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity:
		return NewRejectedError(p.venue, fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode))
	case resp.StatusCode >= 500:
		return NewTransientError(p.venue, fmt.Sprintf("venue error (%d)", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return NewRejectedError(p.venue, fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewTransientError(p.venue, "read response", err)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return NewTransientError(p.venue, "decode response", err)
		}
	}
	return nil
}

func parseFloat(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}

var _ Gateway = (*PaperBroker)(nil)
