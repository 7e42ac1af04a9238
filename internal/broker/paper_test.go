package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeQuoteSource struct {
	price float64
}

func (f fakeQuoteSource) GetQuote(ctx context.Context, symbol string) (float64, bool, error) {
	return f.price, true, nil
}

func newFakePPT(t *testing.T, wantToken string) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"account": "default", "equity": 10500.0, "cash": 9000.0, "position_value": 1500.0,
		})
	})
	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"positions": []map[string]any{{"symbol": "US.AAPL", "qty": 10.0, "avg_price": 150.0, "current_price": 155.0}},
		})
	})
	mux.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if wantToken != "" {
			token, _ := body["token"].(string)
			if r.Header.Get("X-Webhook-Token") != wantToken && token != wantToken {
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid webhook token"})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"order":  map[string]any{"id": "ord-1", "symbol": body["symbol"]},
		})
	})
	return httptest.NewServer(mux)
}

func TestPaperGatewayConnectAndAccount(t *testing.T) {
	srv := newFakePPT(t, "")
	defer srv.Close()

	gw := NewPaperGateway(srv.URL, "", fakeQuoteSource{price: 150}, zerolog.Nop())
	require.NoError(t, gw.Connect(context.Background()))
	require.True(t, gw.IsConnected())

	acct, err := gw.GetAccount(context.Background(), "default")
	require.NoError(t, err)
	require.Equal(t, 9000.0, acct.Cash)
	require.Equal(t, 10500.0, acct.TotalAssets)
}

func TestPaperGatewayDisconnectsWhenQuoteSourceFails(t *testing.T) {
	srv := newFakePPT(t, "")
	defer srv.Close()

	gw := NewPaperGateway(srv.URL, "", failingQuoteSource{}, zerolog.Nop())
	require.NoError(t, gw.Connect(context.Background()))
	require.False(t, gw.IsConnected(), "losing the data channel should disconnect the gateway")
}

type failingQuoteSource struct{}

func (failingQuoteSource) GetQuote(ctx context.Context, symbol string) (float64, bool, error) {
	return 0, false, context.DeadlineExceeded
}

func TestPaperGatewayPlaceOrderRequiresToken(t *testing.T) {
	srv := newFakePPT(t, "secret")
	defer srv.Close()

	gw := NewPaperGateway(srv.URL, "wrong", fakeQuoteSource{price: 150}, zerolog.Nop())
	_, err := gw.PlaceOrder(context.Background(), PlaceOrderRequest{Symbol: "US.AAPL", Side: "buy", Qty: 1})
	require.Error(t, err)

	gw2 := NewPaperGateway(srv.URL, "secret", fakeQuoteSource{price: 150}, zerolog.Nop())
	id, err := gw2.PlaceOrder(context.Background(), PlaceOrderRequest{Symbol: "US.AAPL", Side: "buy", Qty: 1})
	require.NoError(t, err)
	require.Equal(t, "ord-1", id)
}

func TestPaperGatewayPropagatesSimulationTime(t *testing.T) {
	var gotHeader string
	mux := http.NewServeMux()
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"cash": 0.0, "equity": 0.0, "position_value": 0.0})
	})
	mux.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Simulation-Time")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "order": map[string]any{"id": "ord-2"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gw := NewPaperGateway(srv.URL, "", fakeQuoteSource{price: 1}, zerolog.Nop())
	simTime := time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC)
	_, err := gw.PlaceOrder(context.Background(), PlaceOrderRequest{Symbol: "US.AAPL", Side: "buy", Qty: 1, SimTime: &simTime})
	require.NoError(t, err)
	require.Equal(t, "2026-01-01T09:30:00Z", gotHeader)
}
