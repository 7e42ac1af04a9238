package paperbook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/httpapi"
	"github.com/quantcore/platform/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, webhookToken string) (*chi.Mux, *Service) {
	t.Helper()
	db, err := store.Open(store.Config{Path: ":memory:", Name: "test_ppt_http"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo, err := NewRepository(db)
	require.NoError(t, err)
	clk := clock.New()
	svc, err := NewService(DefaultExecutionConfig(), repo, clk, fakeQuotes{}, zerolog.Nop(), d("20000"))
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/api", func(api chi.Router) {
		NewHandlers(svc, webhookToken, zerolog.Nop()).Mount(api)
	})
	return r, svc
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestWebhookPlacesOrder(t *testing.T) {
	r, _ := newTestRouter(t, "")
	rec := doJSON(t, r, http.MethodPost, "/api/webhook", map[string]any{
		"symbol": "AAPL", "side": "buy", "qty": "100", "price": "180",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp["status"])
}

func TestWebhookRejectsBadToken(t *testing.T) {
	r, _ := newTestRouter(t, "secret")
	req := httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewBufferString(`{"symbol":"AAPL","side":"buy","qty":"1","price":"180"}`))
	req.Header.Set(httpapi.HeaderWebhookToken, "wrong")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookAcceptsTokenInBody(t *testing.T) {
	r, _ := newTestRouter(t, "secret")
	rec := doJSON(t, r, http.MethodPost, "/api/webhook", map[string]any{
		"symbol": "AAPL", "side": "buy", "qty": "1", "price": "180", "token": "secret",
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookUnrecognizedSideRejects(t *testing.T) {
	r, _ := newTestRouter(t, "")
	rec := doJSON(t, r, http.MethodPost, "/api/webhook", map[string]any{
		"symbol": "AAPL", "side": "yolo", "qty": "1", "price": "180",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccountEndpointReturnsEquitySummary(t *testing.T) {
	r, _ := newTestRouter(t, "")
	doJSON(t, r, http.MethodPost, "/api/webhook", map[string]any{
		"symbol": "AAPL", "side": "buy", "qty": "10", "price": "100",
	})
	rec := doJSON(t, r, http.MethodGet, "/api/account", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp, "equity")
	require.Contains(t, resp, "cash")
}

func TestAccountsCRUDFlow(t *testing.T) {
	r, _ := newTestRouter(t, "")

	rec := doJSON(t, r, http.MethodPost, "/api/accounts", map[string]any{"name": "growth", "initial_capital": "5000"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/api/accounts/switch", map[string]any{"name": "growth"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/api/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "growth", resp["current"])

	rec = doJSON(t, r, http.MethodDelete, "/api/accounts/growth", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestExportTradesReturnsCSV(t *testing.T) {
	r, _ := newTestRouter(t, "")
	doJSON(t, r, http.MethodPost, "/api/webhook", map[string]any{
		"symbol": "AAPL", "side": "buy", "qty": "10", "price": "100",
	})
	rec := doJSON(t, r, http.MethodGet, "/api/export/trades", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "time,symbol,side,qty,price,value")
	require.Contains(t, rec.Body.String(), "US.AAPL")
}
