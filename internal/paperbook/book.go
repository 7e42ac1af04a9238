package paperbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quantcore/platform/internal/clock"
	"github.com/shopspring/decimal"
)

// ErrKind enumerates the rejection/error categories spec §7 requires
// callers to distinguish.
type ErrKind string

const (
	ErrInsufficientCash     ErrKind = "insufficient_cash"
	ErrInsufficientPosition ErrKind = "insufficient_position"
	ErrMarketQuoteMissing   ErrKind = "market_quote_missing"
	ErrUnknownAccount       ErrKind = "unknown_account"
)

// BookError carries a spec error kind alongside a human message.
type BookError struct {
	Kind ErrKind
	Msg  string
}

func (e *BookError) Error() string { return e.Msg }

// OrderRequest is the input to PlaceOrder.
type OrderRequest struct {
	Account        string
	Symbol         string // already canonicalized by the caller
	Side           Side
	RequestedQty   decimal.Decimal
	RequestedPrice decimal.Decimal // <= 0 means "market", and is rejected unless resolved by the caller first
	Source         Source
	TimeOverride   *time.Time // set when the request carried X-Simulation-Time
}

// ExecutionResult is what PlaceOrder returns on success or rejection.
type ExecutionResult struct {
	Order         Order
	Trade         Trade
	SlippagePct   decimal.Decimal
	Commission    decimal.Decimal
	FillRate      decimal.Decimal
	TotalCost     decimal.Decimal
	Cash          decimal.Decimal
}

// Book is the deterministic single-threaded paper-trading engine. Each
// account is serialized via its own mutex so concurrent HTTP requests
// for different accounts don't contend, while the cash/position
// invariants of a single account are never interleaved.
type Book struct {
	mu       sync.Mutex // guards accounts map + locks map structure
	accounts map[string]*Account
	locks    map[string]*sync.Mutex
	lastPx   map[string]decimal.Decimal // watchlist: account|symbol -> last exec price

	cfg   ExecutionConfig
	clock *clock.Clock
}

// New builds an empty Book.
func New(cfg ExecutionConfig, clk *clock.Clock) *Book {
	return &Book{
		accounts: map[string]*Account{},
		locks:    map[string]*sync.Mutex{},
		lastPx:   map[string]decimal.Decimal{},
		cfg:      cfg,
		clock:    clk,
	}
}

// CreateAccount registers a new account with the given starting cash.
func (b *Book) CreateAccount(name string, initialCapital decimal.Decimal) *Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := &Account{
		Name:           name,
		InitialCapital: initialCapital,
		Cash:           initialCapital,
		Positions:      map[string]*Position{},
		CreatedAt:      b.clock.Now(),
	}
	b.accounts[name] = a
	b.locks[name] = &sync.Mutex{}
	return a
}

// Account returns a pointer to the named account, or nil if unknown.
// Callers must hold the account's lock (via lockFor) before mutating
// fields on the returned pointer.
func (b *Book) Account(name string) *Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accounts[name]
}

func (b *Book) lockFor(name string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[name]
	if !ok {
		l = &sync.Mutex{}
		b.locks[name] = l
	}
	return l
}

// PlaceOrder runs the order-execution algorithm of spec §4.4 steps
// 1-9 against req.Account, serialized per-account.
func (b *Book) PlaceOrder(ctx context.Context, req OrderRequest) (ExecutionResult, error) {
	acct := b.Account(req.Account)
	if acct == nil {
		return ExecutionResult{}, &BookError{Kind: ErrUnknownAccount, Msg: fmt.Sprintf("paperbook: unknown account %q", req.Account)}
	}
	if req.RequestedPrice.LessThanOrEqual(decimal.Zero) {
		return ExecutionResult{}, &BookError{Kind: ErrMarketQuoteMissing, Msg: "paperbook: market order requires a resolved price"}
	}

	lock := b.lockFor(req.Account)
	lock.Lock()
	defer lock.Unlock()

	orderTime := b.clock.Now()
	if req.TimeOverride != nil {
		orderTime = req.TimeOverride.UTC()
	}

	// Step 1: slippage-adjusted execution price.
	slip := b.cfg.SlippagePct
	var execPrice decimal.Decimal
	if req.Side == SideBuy {
		execPrice = req.RequestedPrice.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		execPrice = req.RequestedPrice.Mul(decimal.NewFromInt(1).Sub(slip))
	}

	// Step 2: fill-rate model.
	fillModel := b.cfg.FillModel
	if fillModel == nil {
		fillModel = FullFill{}
	}
	filledQty := fillModel.Fill(req.RequestedQty)

	// Step 3: commission.
	commission := decimal.Max(b.cfg.MinCommission, execPrice.Mul(filledQty).Mul(b.cfg.CommissionRate))

	// Step 4: total cost.
	filledValue := filledQty.Mul(execPrice)
	var totalCost decimal.Decimal
	if req.Side == SideBuy {
		totalCost = filledValue.Add(commission)
	} else {
		totalCost = filledValue.Sub(commission)
	}

	orderID := uuid.NewString()

	// Step 5: pre-checks (before any mutation).
	if req.Side == SideBuy {
		if totalCost.GreaterThan(acct.Cash) {
			order := Order{ID: orderID, Account: req.Account, Symbol: req.Symbol, Side: req.Side,
				RequestedQty: req.RequestedQty, RequestedPrice: req.RequestedPrice,
				Status: OrderRejected, Source: req.Source, RejectReason: string(ErrInsufficientCash), Time: orderTime}
			return ExecutionResult{Order: order}, &BookError{Kind: ErrInsufficientCash, Msg: "paperbook: insufficient cash"}
		}
	} else {
		pos := acct.Positions[req.Symbol]
		if pos == nil || pos.Qty.LessThan(filledQty) {
			order := Order{ID: orderID, Account: req.Account, Symbol: req.Symbol, Side: req.Side,
				RequestedQty: req.RequestedQty, RequestedPrice: req.RequestedPrice,
				Status: OrderRejected, Source: req.Source, RejectReason: string(ErrInsufficientPosition), Time: orderTime}
			return ExecutionResult{Order: order}, &BookError{Kind: ErrInsufficientPosition, Msg: "paperbook: insufficient position"}
		}
	}

	// Step 6: apply cash + position changes.
	var realizedPnL decimal.Decimal
	if req.Side == SideBuy {
		acct.Cash = acct.Cash.Sub(totalCost)
		pos := acct.Positions[req.Symbol]
		if pos == nil {
			pos = &Position{Symbol: req.Symbol}
			acct.Positions[req.Symbol] = pos
		}
		newQty := pos.Qty.Add(filledQty)
		if newQty.GreaterThan(decimal.Zero) {
			totalCostBasis := pos.AvgPrice.Mul(pos.Qty).Add(execPrice.Mul(filledQty))
			pos.AvgPrice = totalCostBasis.Div(newQty)
		}
		pos.Qty = newQty
	} else {
		acct.Cash = acct.Cash.Add(totalCost)
		pos := acct.Positions[req.Symbol]
		realizedPnL = execPrice.Sub(pos.AvgPrice).Mul(filledQty)
		pos.Qty = pos.Qty.Sub(filledQty)
		if pos.Qty.LessThanOrEqual(decimal.Zero) {
			delete(acct.Positions, req.Symbol)
		}
	}

	status := OrderFilled
	if filledQty.LessThan(req.RequestedQty) {
		status = OrderPartial
	}

	order := Order{
		ID: orderID, Account: req.Account, Symbol: req.Symbol, Side: req.Side,
		RequestedQty: req.RequestedQty, FilledQty: filledQty, RequestedPrice: req.RequestedPrice,
		ExecPrice: execPrice, Status: status, Source: req.Source, Time: orderTime,
	}
	trade := Trade{
		ID: uuid.NewString(), Account: req.Account, Symbol: req.Symbol, Side: req.Side,
		Qty: filledQty, Price: execPrice, Commission: commission,
		SlippageCost: req.RequestedPrice.Sub(execPrice).Abs().Mul(filledQty),
		RealizedPnL: realizedPnL, Time: orderTime,
	}

	// Step 8: watchlist.
	b.mu.Lock()
	b.lastPx[req.Account+"|"+req.Symbol] = execPrice
	b.mu.Unlock()

	return ExecutionResult{
		Order: order, Trade: trade, SlippagePct: slip, Commission: commission,
		FillRate: filledQty.Div(req.RequestedQty), TotalCost: totalCost, Cash: acct.Cash,
	}, nil
}

// LastPrice returns the watchlist's last executed price for
// (account, symbol), and ok=false if none recorded yet.
func (b *Book) LastPrice(account, symbol string) (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.lastPx[account+"|"+symbol]
	return p, ok
}

// UpdateQuote sets a position's CurrentPrice from an explicit quote.
// Per DESIGN.md open-question decision 1, CurrentPrice is never set
// implicitly by a same-side buy; only this call (or equity recompute,
// which calls it) updates it.
func (b *Book) UpdateQuote(account, symbol string, price decimal.Decimal) {
	lock := b.lockFor(account)
	lock.Lock()
	defer lock.Unlock()
	acct := b.Account(account)
	if acct == nil {
		return
	}
	if pos, ok := acct.Positions[symbol]; ok {
		pos.CurrentPrice = price
		pos.HasQuote = true
	}
}

// Reset clears an account's positions/state, setting cash back to
// initialCapital (or a new value, if provided).
func (b *Book) Reset(account string, newInitialCapital *decimal.Decimal) error {
	lock := b.lockFor(account)
	lock.Lock()
	defer lock.Unlock()
	acct := b.Account(account)
	if acct == nil {
		return &BookError{Kind: ErrUnknownAccount, Msg: "paperbook: unknown account"}
	}
	if newInitialCapital != nil {
		acct.InitialCapital = *newInitialCapital
	}
	acct.Cash = acct.InitialCapital
	acct.Positions = map[string]*Position{}
	return nil
}

// DeleteAccount removes an account. Callers (Service) enforce the
// "at least one account remains" and "switch current" rules.
func (b *Book) DeleteAccount(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.accounts, name)
	delete(b.locks, name)
}

// Equity computes cash + sum(qty * quote-or-fallback-avg-price), per
// spec §4.4 "Equity recomputation".
func (b *Book) Equity(account string, quote func(symbol string) (decimal.Decimal, bool)) (decimal.Decimal, error) {
	acct := b.Account(account)
	if acct == nil {
		return decimal.Zero, &BookError{Kind: ErrUnknownAccount, Msg: "paperbook: unknown account"}
	}
	lock := b.lockFor(account)
	lock.Lock()
	defer lock.Unlock()

	equity := acct.Cash
	for sym, pos := range acct.Positions {
		price, ok := quote(sym)
		if !ok {
			price = pos.AvgPrice
		}
		equity = equity.Add(pos.Qty.Mul(price))
	}
	return equity, nil
}

// AccountNames returns every registered account name.
func (b *Book) AccountNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.accounts))
	for n := range b.accounts {
		out = append(out, n)
	}
	return out
}
