package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/quantcore/platform/internal/barstore"
	"github.com/quantcore/platform/internal/httpapi"
	"github.com/rs/zerolog"
)

// QuoteSource is the data channel a PaperGateway needs for get_quote
// and is_connected, distinct from PPT's HTTP command channel.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (float64, bool, error)
}

// PaperGateway forwards orders to PPT's HTTP webhook contract,
// following the teacher's tradernet.Client shape: baseURL + *http.Client
// + JSON post/get helpers. Per §4.9, it is connected only while both
// its command channel (PPT) and data channel (QuoteSource) answer.
type PaperGateway struct {
	baseURL string
	token   string
	client  *http.Client
	quotes  QuoteSource
	log     zerolog.Logger

	mu        sync.Mutex
	connected bool
}

// NewPaperGateway builds a PaperGateway pointed at a running PPT
// instance's base URL (including its /api prefix), using webhookToken
// for X-Webhook-Token and quotes as the data channel.
func NewPaperGateway(baseURL, webhookToken string, quotes QuoteSource, log zerolog.Logger) *PaperGateway {
	return &PaperGateway{
		baseURL: baseURL,
		token:   webhookToken,
		client:  &http.Client{Timeout: 10 * time.Second},
		quotes:  quotes,
		log:     log.With().Str("component", "paper_gateway").Logger(),
	}
}

// Connect probes the command channel (PPT /account) and marks the
// gateway connected if it answers. The data channel is probed lazily
// on IsConnected/GetQuote.
func (g *PaperGateway) Connect(ctx context.Context) error {
	if _, err := g.get(ctx, "/account", nil); err != nil {
		return fmt.Errorf("paper gateway connect: command channel unreachable: %w", err)
	}
	g.mu.Lock()
	g.connected = true
	g.mu.Unlock()
	return nil
}

// Disconnect marks the gateway disconnected. No remote call is made.
func (g *PaperGateway) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	g.connected = false
	g.mu.Unlock()
	return nil
}

// IsConnected reports true only when a prior Connect succeeded AND the
// data channel (quote source) currently answers for a sentinel probe.
// Losing either channel disconnects the gateway until Connect is
// called again.
func (g *PaperGateway) IsConnected() bool {
	g.mu.Lock()
	wasConnected := g.connected
	g.mu.Unlock()
	if !wasConnected {
		return false
	}
	if g.quotes == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := g.quotes.GetQuote(ctx, "US.AAPL"); err != nil {
		g.mu.Lock()
		g.connected = false
		g.mu.Unlock()
		return false
	}
	return true
}

func (g *PaperGateway) GetQuote(ctx context.Context, symbol string, asOf *time.Time) (Quote, error) {
	if g.quotes == nil {
		return Quote{}, fmt.Errorf("paper gateway: no data channel configured")
	}
	price, ok, err := g.quotes.GetQuote(ctx, symbol)
	if err != nil {
		return Quote{}, err
	}
	if !ok {
		return Quote{}, fmt.Errorf("paper gateway: no quote available for %s", symbol)
	}
	t := time.Now().UTC()
	if asOf != nil {
		t = *asOf
	}
	return Quote{Symbol: symbol, Price: price, AsOf: t}, nil
}

// GetHistory is not served by PPT; the paper engine has no bar store
// of its own, so callers needing history should go to DMS directly.
func (g *PaperGateway) GetHistory(ctx context.Context, symbol string, start, end time.Time, interval string) ([]barstore.Bar, error) {
	return nil, fmt.Errorf("paper gateway: get_history is not supported, query DMS directly")
}

func (g *PaperGateway) GetAccount(ctx context.Context, account string) (AccountInfo, error) {
	resp, err := g.get(ctx, "/account", map[string]string{"account": account})
	if err != nil {
		return AccountInfo{}, err
	}
	var body struct {
		Equity        float64 `json:"equity"`
		Cash          float64 `json:"cash"`
		PositionValue float64 `json:"position_value"`
	}
	if err := json.Unmarshal(resp, &body); err != nil {
		return AccountInfo{}, err
	}
	return AccountInfo{Cash: body.Cash, TotalAssets: body.Equity, MarketValue: body.PositionValue, Power: body.Cash}, nil
}

func (g *PaperGateway) GetPositions(ctx context.Context, account string) ([]Position, error) {
	resp, err := g.get(ctx, "/positions", map[string]string{"account": account})
	if err != nil {
		return nil, err
	}
	var body struct {
		Positions []struct {
			Symbol       string  `json:"symbol"`
			Qty          float64 `json:"qty"`
			AvgPrice     float64 `json:"avg_price"`
			CurrentPrice float64 `json:"current_price"`
		} `json:"positions"`
	}
	if err := json.Unmarshal(resp, &body); err != nil {
		return nil, err
	}
	out := make([]Position, len(body.Positions))
	for i, p := range body.Positions {
		out[i] = Position{Symbol: p.Symbol, Qty: p.Qty, AvgPrice: p.AvgPrice, CurrentPrice: p.CurrentPrice}
	}
	return out, nil
}

func (g *PaperGateway) GetOrders(ctx context.Context, account string) ([]Order, error) {
	resp, err := g.get(ctx, "/orders", map[string]string{"account": account})
	if err != nil {
		return nil, err
	}
	var body struct {
		Orders []struct {
			ID             string  `json:"id"`
			Symbol         string  `json:"symbol"`
			Side           string  `json:"side"`
			RequestedQty   float64 `json:"requested_qty"`
			RequestedPrice float64 `json:"requested_price"`
			Status         string  `json:"status"`
		} `json:"orders"`
	}
	if err := json.Unmarshal(resp, &body); err != nil {
		return nil, err
	}
	out := make([]Order, len(body.Orders))
	for i, o := range body.Orders {
		out[i] = Order{ID: o.ID, Symbol: o.Symbol, Side: o.Side, Qty: o.RequestedQty, Price: o.RequestedPrice, Status: o.Status}
	}
	return out, nil
}

func (g *PaperGateway) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error) {
	body := map[string]any{
		"symbol":  req.Symbol,
		"side":    req.Side,
		"qty":     req.Qty,
		"account": req.Account,
	}
	if req.Price != nil {
		body["price"] = *req.Price
	}
	if g.token != "" {
		body["token"] = g.token
	}
	resp, err := g.post(ctx, "/webhook", body, req.SimTime)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Status string `json:"status"`
		Order  struct {
			ID string `json:"id"`
		} `json:"order"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return "", err
	}
	if parsed.Status != "ok" {
		return "", fmt.Errorf("paper gateway: order rejected: %s", parsed.Reason)
	}
	return parsed.Order.ID, nil
}

// CancelOrder always returns an error: paper fills are immediate, so
// there is nothing left in flight to cancel by the time place_order
// returns.
func (g *PaperGateway) CancelOrder(ctx context.Context, orderID, account string) error {
	return fmt.Errorf("paper gateway: orders fill immediately, nothing to cancel")
}

func (g *PaperGateway) get(ctx context.Context, path string, query map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	for k, v := range query {
		if v != "" {
			q.Set(k, v)
		}
	}
	req.URL.RawQuery = q.Encode()
	return g.do(req)
}

func (g *PaperGateway) post(ctx context.Context, path string, body any, simTime *time.Time) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set(httpapi.HeaderWebhookToken, g.token)
	}
	if simTime != nil {
		req.Header.Set(httpapi.HeaderSimTime, simTime.UTC().Format(time.RFC3339))
	}
	return g.do(req)
}

func (g *PaperGateway) do(req *http.Request) ([]byte, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		// command channel unreachable: stay disconnected until Connect
		g.mu.Lock()
		g.connected = false
		g.mu.Unlock()
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		g.log.Warn().Int("status", resp.StatusCode).Str("path", req.URL.Path).Msg("paper gateway request failed")
		return nil, fmt.Errorf("paper gateway: %s returned %d: %s", req.URL.Path, resp.StatusCode, string(data))
	}
	return data, nil
}
