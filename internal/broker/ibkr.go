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
	"github.com/rs/zerolog"
)

// IBKRGateway talks to a running IBKR Client Portal Gateway over its
// local HTTPS REST proxy. Like FutuGateway, this wires the full
// Gateway surface against IBKR's documented REST shape without live
// brokerage credentials.
type IBKRGateway struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger

	mu        sync.Mutex
	connected bool
}

// NewIBKRGateway builds an IBKRGateway pointed at a local Client
// Portal Gateway's base URL (typically https://localhost:5000/v1/api).
func NewIBKRGateway(baseURL string, log zerolog.Logger) *IBKRGateway {
	return &IBKRGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("component", "ibkr_gateway").Logger(),
	}
}

func (g *IBKRGateway) Connect(ctx context.Context) error {
	if _, err := g.get(ctx, "/iserver/auth/status", nil); err != nil {
		return fmt.Errorf("ibkr gateway connect: %w", err)
	}
	g.mu.Lock()
	g.connected = true
	g.mu.Unlock()
	return nil
}

func (g *IBKRGateway) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	g.connected = false
	g.mu.Unlock()
	return nil
}

func (g *IBKRGateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *IBKRGateway) GetQuote(ctx context.Context, symbol string, asOf *time.Time) (Quote, error) {
	resp, err := g.get(ctx, "/iserver/marketdata/snapshot", map[string]string{"conids": symbol, "fields": "31"})
	if err != nil {
		return Quote{}, err
	}
	var rows []struct {
		Last string `json:"31"`
	}
	if err := json.Unmarshal(resp, &rows); err != nil || len(rows) == 0 {
		return Quote{}, fmt.Errorf("ibkr gateway: no snapshot for %s", symbol)
	}
	var price float64
	fmt.Sscanf(rows[0].Last, "%f", &price)
	t := time.Now().UTC()
	if asOf != nil {
		t = *asOf
	}
	return Quote{Symbol: symbol, Price: price, AsOf: t}, nil
}

func (g *IBKRGateway) GetHistory(ctx context.Context, symbol string, start, end time.Time, interval string) ([]barstore.Bar, error) {
	resp, err := g.get(ctx, "/iserver/marketdata/history", map[string]string{
		"conid": symbol, "bar": interval,
		"period": fmt.Sprintf("%dd", int(end.Sub(start).Hours()/24)+1),
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		Data []barstore.Bar `json:"data"`
	}
	if err := json.Unmarshal(resp, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

func (g *IBKRGateway) GetAccount(ctx context.Context, account string) (AccountInfo, error) {
	resp, err := g.get(ctx, "/portfolio/"+account+"/summary", nil)
	if err != nil {
		return AccountInfo{}, err
	}
	var body struct {
		Cash struct {
			Amount float64 `json:"amount"`
		} `json:"availablefunds"`
		TotalAssets struct {
			Amount float64 `json:"amount"`
		} `json:"netliquidation"`
		MarketValue struct {
			Amount float64 `json:"amount"`
		} `json:"grosspositionvalue"`
		Power struct {
			Amount float64 `json:"amount"`
		} `json:"buyingpower"`
	}
	if err := json.Unmarshal(resp, &body); err != nil {
		return AccountInfo{}, err
	}
	return AccountInfo{Cash: body.Cash.Amount, TotalAssets: body.TotalAssets.Amount, MarketValue: body.MarketValue.Amount, Power: body.Power.Amount}, nil
}

func (g *IBKRGateway) GetPositions(ctx context.Context, account string) ([]Position, error) {
	resp, err := g.get(ctx, "/portfolio/"+account+"/positions/0", nil)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Symbol   string  `json:"contractDesc"`
		Position float64 `json:"position"`
		AvgCost  float64 `json:"avgCost"`
		MktPrice float64 `json:"mktPrice"`
	}
	if err := json.Unmarshal(resp, &rows); err != nil {
		return nil, err
	}
	out := make([]Position, len(rows))
	for i, r := range rows {
		out[i] = Position{Symbol: r.Symbol, Qty: r.Position, AvgPrice: r.AvgCost, CurrentPrice: r.MktPrice}
	}
	return out, nil
}

func (g *IBKRGateway) GetOrders(ctx context.Context, account string) ([]Order, error) {
	resp, err := g.get(ctx, "/iserver/account/orders", map[string]string{"accountId": account})
	if err != nil {
		return nil, err
	}
	var body struct {
		Orders []struct {
			OrderID  int     `json:"orderId"`
			Ticker   string  `json:"ticker"`
			Side     string  `json:"side"`
			Quantity float64 `json:"totalSize"`
			Price    float64 `json:"price"`
			Status   string  `json:"status"`
		} `json:"orders"`
	}
	if err := json.Unmarshal(resp, &body); err != nil {
		return nil, err
	}
	out := make([]Order, len(body.Orders))
	for i, o := range body.Orders {
		out[i] = Order{ID: fmt.Sprint(o.OrderID), Symbol: o.Ticker, Side: o.Side, Qty: o.Quantity, Price: o.Price, Status: o.Status}
	}
	return out, nil
}

func (g *IBKRGateway) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error) {
	order := map[string]any{
		"conid":     req.Symbol,
		"side":      req.Side,
		"quantity":  req.Qty,
		"orderType": req.OrderType,
		"acctId":    req.Account,
	}
	if req.Price != nil {
		order["price"] = *req.Price
	}
	payload := map[string]any{"orders": []map[string]any{order}}
	resp, err := g.post(ctx, "/iserver/account/"+req.Account+"/orders", payload)
	if err != nil {
		return "", err
	}
	var rows []struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(resp, &rows); err != nil || len(rows) == 0 {
		return "", fmt.Errorf("ibkr gateway: no order id in response")
	}
	return rows[0].OrderID, nil
}

func (g *IBKRGateway) CancelOrder(ctx context.Context, orderID, account string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.baseURL+"/iserver/account/"+account+"/order/"+orderID, nil)
	if err != nil {
		return err
	}
	_, err = g.do(req)
	return err
}

func (g *IBKRGateway) get(ctx context.Context, path string, query map[string]string) ([]byte, error) {
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

func (g *IBKRGateway) post(ctx context.Context, path string, body any) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(req)
}

func (g *IBKRGateway) do(req *http.Request) ([]byte, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		g.log.Warn().Int("status", resp.StatusCode).Str("path", req.URL.Path).Msg("ibkr gateway request failed")
		return nil, fmt.Errorf("ibkr gateway: %s returned %d: %s", req.URL.Path, resp.StatusCode, string(data))
	}
	return data, nil
}
