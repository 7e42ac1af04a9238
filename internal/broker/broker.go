// Package broker implements the BrokerGateway trait (spec C11): a
// uniform interface over the paper-trading engine and real brokers,
// following the teacher's internal/clients/tradernet.Client shape
// (baseURL + *http.Client + JSON GET/POST helpers).
package broker

import (
	"context"
	"time"

	"github.com/quantcore/platform/internal/barstore"
)

// Quote is a point-in-time price.
type Quote struct {
	Symbol string
	Price  float64
	AsOf   time.Time
}

// AccountInfo is a broker-reported account summary.
type AccountInfo struct {
	Cash        float64
	TotalAssets float64
	MarketValue float64
	Power       float64
}

// Position is a broker-reported held quantity.
type Position struct {
	Symbol       string
	Qty          float64
	AvgPrice     float64
	CurrentPrice float64
}

// Order is a broker-reported order record.
type Order struct {
	ID     string
	Symbol string
	Side   string
	Qty    float64
	Price  float64
	Status string
}

// PlaceOrderRequest is the input to Gateway.PlaceOrder.
type PlaceOrderRequest struct {
	Symbol    string
	Side      string // "buy" | "sell"
	Qty       float64
	Price     *float64 // nil => market
	OrderType string
	Account   string
	SimTime   *time.Time // propagated as X-Simulation-Time when set
}

// Gateway is the uniform broker trait of spec §4.9. All operations
// that can fail return an error; implementations should never panic
// on a remote failure.
type Gateway interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	GetQuote(ctx context.Context, symbol string, asOf *time.Time) (Quote, error)
	GetHistory(ctx context.Context, symbol string, start, end time.Time, interval string) ([]barstore.Bar, error)
	GetAccount(ctx context.Context, account string) (AccountInfo, error)
	GetPositions(ctx context.Context, account string) ([]Position, error)
	GetOrders(ctx context.Context, account string) ([]Order, error)
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (orderID string, err error)
	CancelOrder(ctx context.Context, orderID, account string) error
}

// Registry resolves a Gateway by account type, per §4.8's routing
// rule: "the executor never guesses — unknown account type returns
// FAILED."
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{gateways: map[string]Gateway{}}
}

// Register binds an account type ("paper", "futu", "ibkr", ...) to a
// concrete Gateway.
func (r *Registry) Register(accountType string, gw Gateway) {
	r.gateways[accountType] = gw
}

// Resolve returns the Gateway for accountType, or ok=false if none is
// registered.
func (r *Registry) Resolve(accountType string) (Gateway, bool) {
	gw, ok := r.gateways[accountType]
	return gw, ok
}
