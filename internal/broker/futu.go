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

// serviceResponse mirrors the teacher's tradernet.ServiceResponse
// envelope: {success, data, error, timestamp}.
type serviceResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *string         `json:"error"`
	Timestamp string          `json:"timestamp"`
}

// FutuGateway talks to a local FutuOpenD gateway over its HTTP proxy.
// Real order routing and market depth are out of scope (no live
// brokerage credentials in this environment); this implementation
// wires the full Gateway surface against FutuOpenD's REST shape so it
// can be dropped in once credentials are configured.
type FutuGateway struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger

	mu        sync.Mutex
	connected bool
}

// NewFutuGateway builds a FutuGateway pointed at a local FutuOpenD
// instance's REST proxy address.
func NewFutuGateway(baseURL string, log zerolog.Logger) *FutuGateway {
	return &FutuGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("component", "futu_gateway").Logger(),
	}
}

func (g *FutuGateway) Connect(ctx context.Context) error {
	if _, err := g.get(ctx, "/futuopend/ping", nil); err != nil {
		return fmt.Errorf("futu gateway connect: %w", err)
	}
	g.mu.Lock()
	g.connected = true
	g.mu.Unlock()
	return nil
}

func (g *FutuGateway) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	g.connected = false
	g.mu.Unlock()
	return nil
}

func (g *FutuGateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *FutuGateway) GetQuote(ctx context.Context, symbol string, asOf *time.Time) (Quote, error) {
	resp, err := g.get(ctx, "/futuopend/quote", map[string]string{"code": symbol})
	if err != nil {
		return Quote{}, err
	}
	var body struct {
		Price float64 `json:"last_price"`
	}
	if err := json.Unmarshal(resp.Data, &body); err != nil {
		return Quote{}, err
	}
	t := time.Now().UTC()
	if asOf != nil {
		t = *asOf
	}
	return Quote{Symbol: symbol, Price: body.Price, AsOf: t}, nil
}

func (g *FutuGateway) GetHistory(ctx context.Context, symbol string, start, end time.Time, interval string) ([]barstore.Bar, error) {
	resp, err := g.get(ctx, "/futuopend/history", map[string]string{
		"code": symbol, "ktype": interval,
		"start": start.Format("2006-01-02"), "end": end.Format("2006-01-02"),
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		Bars []barstore.Bar `json:"bars"`
	}
	if err := json.Unmarshal(resp.Data, &body); err != nil {
		return nil, err
	}
	return body.Bars, nil
}

func (g *FutuGateway) GetAccount(ctx context.Context, account string) (AccountInfo, error) {
	resp, err := g.get(ctx, "/futuopend/accinfo", map[string]string{"acc_id": account})
	if err != nil {
		return AccountInfo{}, err
	}
	var body struct {
		Cash        float64 `json:"cash"`
		TotalAssets float64 `json:"total_assets"`
		MarketValue float64 `json:"market_val"`
		Power       float64 `json:"power"`
	}
	if err := json.Unmarshal(resp.Data, &body); err != nil {
		return AccountInfo{}, err
	}
	return AccountInfo{Cash: body.Cash, TotalAssets: body.TotalAssets, MarketValue: body.MarketValue, Power: body.Power}, nil
}

func (g *FutuGateway) GetPositions(ctx context.Context, account string) ([]Position, error) {
	resp, err := g.get(ctx, "/futuopend/positions", map[string]string{"acc_id": account})
	if err != nil {
		return nil, err
	}
	var body struct {
		Positions []Position `json:"positions"`
	}
	if err := json.Unmarshal(resp.Data, &body); err != nil {
		return nil, err
	}
	return body.Positions, nil
}

func (g *FutuGateway) GetOrders(ctx context.Context, account string) ([]Order, error) {
	resp, err := g.get(ctx, "/futuopend/orders", map[string]string{"acc_id": account})
	if err != nil {
		return nil, err
	}
	var body struct {
		Orders []Order `json:"orders"`
	}
	if err := json.Unmarshal(resp.Data, &body); err != nil {
		return nil, err
	}
	return body.Orders, nil
}

func (g *FutuGateway) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error) {
	payload := map[string]any{
		"code": req.Symbol, "trd_side": req.Side, "qty": req.Qty,
		"order_type": req.OrderType, "acc_id": req.Account,
	}
	if req.Price != nil {
		payload["price"] = *req.Price
	}
	resp, err := g.post(ctx, "/futuopend/place_order", payload)
	if err != nil {
		return "", err
	}
	var body struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(resp.Data, &body); err != nil {
		return "", err
	}
	return body.OrderID, nil
}

func (g *FutuGateway) CancelOrder(ctx context.Context, orderID, account string) error {
	_, err := g.post(ctx, "/futuopend/cancel_order", map[string]any{"order_id": orderID, "acc_id": account})
	return err
}

func (g *FutuGateway) get(ctx context.Context, path string, query map[string]string) (*serviceResponse, error) {
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

func (g *FutuGateway) post(ctx context.Context, path string, body any) (*serviceResponse, error) {
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

func (g *FutuGateway) do(req *http.Request) (*serviceResponse, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var parsed serviceResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	if !parsed.Success {
		msg := "unknown error"
		if parsed.Error != nil {
			msg = *parsed.Error
		}
		g.log.Warn().Str("path", req.URL.Path).Str("error", msg).Msg("futu gateway request failed")
		return nil, fmt.Errorf("futu gateway: %s: %s", req.URL.Path, msg)
	}
	return &parsed, nil
}
