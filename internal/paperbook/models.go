// Package paperbook implements the PPT paper-trading account engine
// (spec C6): a deterministic single-threaded simulator of an equity
// cash account, with slippage, commission, and partial fill.
package paperbook

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is a buy or sell direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus is the terminal fill state of an Order.
type OrderStatus string

const (
	OrderFilled   OrderStatus = "filled"
	OrderPartial  OrderStatus = "partial"
	OrderRejected OrderStatus = "rejected"
)

// Source records where an order originated, for audit purposes.
type Source string

const (
	SourceWeb     Source = "web"
	SourceWebhook Source = "webhook"
)

// Account holds simulated cash, positions, and identity.
type Account struct {
	Name           string
	InitialCapital decimal.Decimal
	Cash           decimal.Decimal
	Positions      map[string]*Position // keyed by canonical symbol
	CreatedAt      time.Time
}

// Position is a held quantity at a weighted-average cost.
type Position struct {
	Symbol       string
	Qty          decimal.Decimal
	AvgPrice     decimal.Decimal
	CurrentPrice decimal.Decimal // zero until an explicit quote arrives; see DESIGN.md open question 1
	HasQuote     bool
}

// Order is one order attempt (filled, partial, or rejected).
type Order struct {
	ID             string          `json:"id"`
	Account        string          `json:"account"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	RequestedQty   decimal.Decimal `json:"requested_qty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	RequestedPrice decimal.Decimal `json:"requested_price"`
	ExecPrice      decimal.Decimal `json:"exec_price"`
	Status         OrderStatus     `json:"status"`
	Source         Source          `json:"source"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	Time           time.Time       `json:"time"`
}

// Trade is a fill record with its cash-flow side effects.
type Trade struct {
	ID           string          `json:"id"`
	Account      string          `json:"account"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Qty          decimal.Decimal `json:"qty"`
	Price        decimal.Decimal `json:"price"`
	Commission   decimal.Decimal `json:"commission"`
	SlippageCost decimal.Decimal `json:"slippage_cost"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	Time         time.Time       `json:"time"`
}

// EquityPoint is one (account, date) equity snapshot.
type EquityPoint struct {
	Account string          `json:"account"`
	Date    time.Time       `json:"date"` // UTC midnight
	Equity  decimal.Decimal `json:"equity"`
	PnL     decimal.Decimal `json:"pnl"`
	PnLPct  decimal.Decimal `json:"pnl_pct"`
}

// ExecutionConfig holds the per-account simulation parameters from
// spec §4.4.
type ExecutionConfig struct {
	SlippagePct    decimal.Decimal // e.g. 0.001 = 10bps
	CommissionRate decimal.Decimal // e.g. 0.001
	MinCommission  decimal.Decimal
	FillModel      FillRateModel
}

// DefaultExecutionConfig matches the zero-friction defaults used by S1
// in spec §8 (no slippage, 0.1% commission, full fill).
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		SlippagePct:    decimal.Zero,
		CommissionRate: decimal.NewFromFloat(0.001),
		MinCommission:  decimal.Zero,
		FillModel:      FullFill{},
	}
}
