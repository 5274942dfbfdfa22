package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, handler http.Handler) *PaperBroker {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	b, err := NewPaperBroker(PaperConfig{
		PaperBaseURL:    srv.URL,
		Paper:           true,
		KeyID:           "test-key",
		SecretKey:       "test-secret",
		RateLimitPerSec: 1000,
	})
	require.NoError(t, err)
	return b
}

func TestNewPaperBroker_RequiresCredentials(t *testing.T) {
	_, err := NewPaperBroker(PaperConfig{Paper: true})
	require.Error(t, err)
}

func TestPaperBroker_SubmitFilled(t *testing.T) {
	var gotAuth string
	var gotReq orderRequest
	b := newTestBroker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/orders", r.URL.Path)
		gotAuth = r.Header.Get("APCA-API-KEY-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(orderResponse{
			ID:             "ord-1",
			Status:         "filled",
			FilledQty:      "10",
			FilledAvgPrice: "100.25",
		})
	}))

	fill, err := b.Submit(context.Background(), OrderIntent{
		Symbol: "SPY", Side: Buy, Qty: 10, Type: Market, TIF: Day,
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", fill.OrderID)
	assert.Equal(t, 10.0, fill.Qty)
	assert.Equal(t, 100.25, fill.Price)
	assert.Equal(t, "test-key", gotAuth)
	assert.Equal(t, "10", gotReq.Qty)
	assert.Equal(t, "buy", gotReq.Side)
}

func TestPaperBroker_SubmitRejectedStatus(t *testing.T) {
	b := newTestBroker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(orderResponse{ID: "ord-2", Status: "rejected"})
	}))

	_, err := b.Submit(context.Background(), OrderIntent{Symbol: "SPY", Side: Buy, Qty: 1, Type: Market, TIF: Day})
	require.Error(t, err)
	assert.Equal(t, KindRejected, KindOf(err))
}

func TestPaperBroker_ErrorClassification(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		want   ErrorKind
	}{
		{"unauthorized is fatal", http.StatusUnauthorized, KindFatal},
		{"forbidden is fatal", http.StatusForbidden, KindFatal},
		{"unprocessable is rejected", http.StatusUnprocessableEntity, KindRejected},
		{"server error is transient", http.StatusInternalServerError, KindTransient},
		{"bad gateway is transient", http.StatusBadGateway, KindTransient},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBroker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			_, err := b.Submit(context.Background(), OrderIntent{Symbol: "SPY", Side: Buy, Qty: 1, Type: Market, TIF: Day})
			require.Error(t, err)
			assert.Equal(t, tc.want, KindOf(err))
		})
	}
}

func TestPaperBroker_PositionNotFoundIsFlat(t *testing.T) {
	b := newTestBroker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	pos, err := b.Position(context.Background(), "SPY")
	require.NoError(t, err)
	assert.Equal(t, "SPY", pos.Symbol)
	assert.Zero(t, pos.Qty)
}

func TestPaperBroker_Equity(t *testing.T) {
	b := newTestBroker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/account", r.URL.Path)
		json.NewEncoder(w).Encode(accountResponse{
			Cash:       "4000",
			Equity:     "10500",
			LastEquity: "10000",
		})
	}))

	eq, err := b.Equity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4000.0, eq.Cash)
	assert.Equal(t, 10500.0, eq.Equity)
	assert.Equal(t, 6500.0, eq.PositionsValue)
	assert.Equal(t, 500.0, eq.DayPnL)
}

func TestPaperBroker_LimitPriceSerialized(t *testing.T) {
	var gotReq orderRequest
	b := newTestBroker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(orderResponse{ID: "ord-3", Status: "accepted"})
	}))

	_, err := b.Submit(context.Background(), OrderIntent{
		Symbol: "SPY", Side: Buy, Qty: 1, Type: Limit, LimitPrice: 100.249, TIF: Day, ExtendedHours: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "100.25", gotReq.LimitPrice)
	assert.True(t, gotReq.ExtendedHours)
}
