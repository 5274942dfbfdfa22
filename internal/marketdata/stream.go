package marketdata

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradingagentlab/league/internal/observ"
)

// StreamFeed consumes a websocket tick stream and caches the latest quote
// plus a bounded price history per symbol. Reads never block on the
// network: Latest serves from the cache and reports staleness instead.
type StreamFeed struct {
	url          string
	maxBars      int
	maxStaleness time.Duration

	mu      sync.RWMutex
	latest  map[string]Quote
	history map[string][]float64

	conn      *websocket.Conn
	sendChan  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc

	readTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
}

// streamTick is the wire shape of one tick event.
type streamTick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	TsUTC  string  `json:"ts_utc"`
}

// NewStreamFeed creates a feed for the given websocket endpoint.
func NewStreamFeed(url string, maxBars int, maxStaleness time.Duration) *StreamFeed {
	if maxBars <= 0 {
		maxBars = 500
	}
	if maxStaleness <= 0 {
		maxStaleness = 30 * time.Second
	}
	return &StreamFeed{
		url:          url,
		maxBars:      maxBars,
		maxStaleness: maxStaleness,
		latest:       map[string]Quote{},
		history:      map[string][]float64{},
		sendChan:     make(chan []byte, 256),
		done:         make(chan struct{}),
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		pingInterval: 20 * time.Second,
	}
}

// Connect dials the endpoint, subscribes to the symbols, and starts the
// read/write pumps.
func (f *StreamFeed) Connect(ctx context.Context, symbols []string) error {
	ctx, f.cancel = context.WithCancel(ctx)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return NewNetworkError("", "dial "+f.url, err)
	}
	f.conn = conn

	sub := map[string]any{
		"action":  "subscribe",
		"symbols": normalizeAll(symbols),
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	f.sendChan <- payload

	go f.readPump(ctx)
	go f.writePump(ctx)
	return nil
}

// Close stops the pumps and closes the connection. Safe to call more
// than once.
func (f *StreamFeed) Close() {
	f.closeOnce.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		close(f.done)
		if f.conn != nil {
			f.conn.Close()
		}
	})
}

func (f *StreamFeed) readPump(ctx context.Context) {
	defer f.conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		default:
		}
		f.conn.SetReadDeadline(time.Now().Add(f.readTimeout))
		_, raw, err := f.conn.ReadMessage()
		if err != nil {
			observ.IncCounter("stream_read_errors_total", nil)
			observ.Log("stream_read_error", map[string]any{"error": err.Error()})
			return
		}
		var tick streamTick
		if err := json.Unmarshal(raw, &tick); err != nil || tick.Symbol == "" || tick.Price <= 0 {
			continue
		}
		f.record(tick)
	}
}

func (f *StreamFeed) writePump(ctx context.Context) {
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case msg := <-f.sendChan:
			f.conn.SetWriteDeadline(time.Now().Add(f.writeTimeout))
			if err := f.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				observ.IncCounter("stream_write_errors_total", nil)
				return
			}
		case <-ticker.C:
			f.conn.SetWriteDeadline(time.Now().Add(f.writeTimeout))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *StreamFeed) record(tick streamTick) {
	ts, err := time.Parse(time.RFC3339Nano, tick.TsUTC)
	if err != nil {
		ts = time.Now().UTC()
	}
	sym := normalizeSymbol(tick.Symbol)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest[sym] = Quote{Symbol: sym, Last: tick.Price, Timestamp: ts}
	h := append(f.history[sym], tick.Price)
	if len(h) > f.maxBars {
		h = h[len(h)-f.maxBars:]
	}
	f.history[sym] = h
}

func (f *StreamFeed) Latest(_ context.Context, symbol string) (Quote, error) {
	symbol = normalizeSymbol(symbol)
	f.mu.RLock()
	q, ok := f.latest[symbol]
	f.mu.RUnlock()
	if !ok {
		return Quote{}, NewBadSymbolError(symbol, "no tick received yet")
	}
	if age := time.Since(q.Timestamp); age > f.maxStaleness {
		return Quote{}, NewStaleError(symbol, age)
	}
	return q, nil
}

func (f *StreamFeed) History(_ context.Context, symbol string, bars int) ([]float64, error) {
	symbol = normalizeSymbol(symbol)
	f.mu.RLock()
	defer f.mu.RUnlock()
	h, ok := f.history[symbol]
	if !ok || len(h) == 0 {
		return nil, NewBadSymbolError(symbol, "no history received yet")
	}
	start := len(h) - bars
	if start < 0 {
		start = 0
	}
	out := make([]float64, len(h)-start)
	copy(out, h[start:])
	return out, nil
}

func normalizeAll(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var _ Feed = (*StreamFeed)(nil)
