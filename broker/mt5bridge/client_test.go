package mt5bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/tradebridge/broker"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, Token: "tok", RatePerSecond: 100, Burst: 10})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", DefaultBaseURL, false},
		{"http://10.0.0.5:9000/", "http://10.0.0.5:9000", false},
		{"http://host:1 # sidecar", "http://host:1", false},
		{"ftp://host", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := BaseURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_HeadersAndAccount(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		require.Equal(t, "/account", r.URL.Path)
		writeJSON(w, http.StatusOK, broker.Account{Login: 42, Server: "Demo", Balance: 1000})
	}))

	acct, err := c.AccountInfo(context.Background())
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, int64(42), acct.Login)
	assert.Equal(t, "Demo", acct.Server)
}

func TestClient_NotFoundIsAbsent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, apiError{Message: "not found"})
	}))
	ctx := context.Background()

	acct, err := c.AccountInfo(ctx)
	require.NoError(t, err)
	assert.Nil(t, acct)

	ok, err := c.SymbolSelect(ctx, "XAUUSD")
	require.NoError(t, err)
	assert.False(t, ok)

	info, err := c.SymbolInfo(ctx, "XAUUSD")
	require.NoError(t, err)
	assert.Nil(t, info)

	ps, err := c.PositionsByTicket(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func TestClient_ErrorBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, apiError{Code: -10004, Message: "No IPC connection"})
	}))

	err := c.Connect(context.Background())
	var berr *broker.Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, -10004, berr.Code)
	assert.Equal(t, "initialize", berr.Op)
	assert.Contains(t, err.Error(), "No IPC connection")
	assert.ErrorIs(t, err, broker.ErrNotInitialized)
}

func TestClient_TradeErrorKeepsSession(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, apiError{Code: -2, Message: "Invalid arguments"})
	}))

	_, err := c.Positions(context.Background())
	var berr *broker.Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, -2, berr.Code)
	assert.NotErrorIs(t, err, broker.ErrNotInitialized)
}

func TestClient_PositionsAndTick(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "123", r.URL.Query().Get("ticket"))
		writeJSON(w, http.StatusOK, []map[string]any{{
			"ticket":     123,
			"symbol":     "EURUSD",
			"type":       "sell",
			"volume":     0.5,
			"price_open": 1.1,
			"sl":         1.11,
			"tp":         0,
			"time":       1700000000,
		}})
	})
	mux.HandleFunc("/symbols/EURUSD/tick", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"bid": 1.1, "ask": 1.1002, "time": 1700000001})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	ps, err := c.PositionsByTicket(ctx, 123)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, broker.Sell, ps[0].Direction)
	assert.Equal(t, 1.11, ps[0].StopLoss)
	assert.Equal(t, int64(1700000000), ps[0].OpenTime.Unix())

	tick, err := c.SymbolTick(ctx, "EURUSD")
	require.NoError(t, err)
	require.NotNil(t, tick)
	assert.Equal(t, "EURUSD", tick.Symbol)
	assert.Equal(t, 1.1002, tick.Ask)
}

func TestClient_OrderSend(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/orders", r.URL.Path)

		var req broker.OrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, broker.ActionDeal, req.Action)
		assert.Equal(t, broker.Buy, req.Direction)
		assert.Equal(t, "TV#p1", req.Comment)
		require.NotNil(t, req.StopLoss)
		assert.Equal(t, 1.09, *req.StopLoss)
		assert.Nil(t, req.TakeProfit)

		writeJSON(w, http.StatusOK, broker.OrderResult{RetCode: broker.RetcodeDone, Order: 555, Price: 1.1002, Volume: 0.1})
	}))

	res, err := c.OrderSend(context.Background(), broker.OrderRequest{
		Action:    broker.ActionDeal,
		Symbol:    "EURUSD",
		Volume:    0.1,
		Direction: broker.Buy,
		Comment:   "TV#p1",
		StopLoss:  broker.Ptr(1.09),
	})
	require.NoError(t, err)
	assert.True(t, res.Done())
	assert.Equal(t, broker.Ticket(555), res.Order)
}
