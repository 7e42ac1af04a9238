package paperbook

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// QuoteSource resolves a current market price for a symbol, used both
// to fill in a missing order price and to mark positions to market
// for equity recomputation.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
}

// Service wires the in-memory Book to durable storage, owns account
// lifecycle rules, and performs equity recomputation. It is the
// surface the HTTP handlers and webhook call into.
type Service struct {
	book  *Book
	repo  *Repository
	clock *clock.Clock
	quote QuoteSource
	log   zerolog.Logger

	mu      sync.Mutex
	current string
}

// NewService loads existing accounts from repo (creating a "default"
// account if none exist) and returns a ready Service.
func NewService(cfg ExecutionConfig, repo *Repository, clk *clock.Clock, quote QuoteSource, log zerolog.Logger, defaultInitialCapital decimal.Decimal) (*Service, error) {
	book := New(cfg, clk)
	svc := &Service{book: book, repo: repo, clock: clk, quote: quote, log: log.With().Str("component", "paperbook").Logger()}

	accounts, err := repo.LoadAccounts()
	if err != nil {
		return nil, fmt.Errorf("paperbook: load accounts: %w", err)
	}
	if len(accounts) == 0 {
		a := book.CreateAccount("default", defaultInitialCapital)
		if err := repo.SaveAccount(a); err != nil {
			return nil, err
		}
		svc.current = "default"
		if err := repo.SetCurrentAccount("default"); err != nil {
			return nil, err
		}
		return svc, nil
	}
	for _, a := range accounts {
		book.accounts[a.Name] = a
		book.locks[a.Name] = &sync.Mutex{}
	}
	cur, err := repo.CurrentAccount()
	if err != nil {
		return nil, err
	}
	if cur == "" {
		cur = accounts[0].Name
	}
	svc.current = cur
	return svc, nil
}

// CurrentAccountName returns the active account name.
func (s *Service) CurrentAccountName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SwitchAccount changes the active account.
func (s *Service) SwitchAccount(name string) error {
	if s.book.Account(name) == nil {
		return &BookError{Kind: ErrUnknownAccount, Msg: fmt.Sprintf("paperbook: unknown account %q", name)}
	}
	s.mu.Lock()
	s.current = name
	s.mu.Unlock()
	return s.repo.SetCurrentAccount(name)
}

// CreateAccount creates and persists a new account.
func (s *Service) CreateAccount(name string, initialCapital decimal.Decimal) (*Account, error) {
	if s.book.Account(name) != nil {
		return nil, fmt.Errorf("paperbook: account %q already exists", name)
	}
	a := s.book.CreateAccount(name, initialCapital)
	if err := s.repo.SaveAccount(a); err != nil {
		return nil, err
	}
	return a, nil
}

// ResetAccount zeroes an account back to its (or a new) initial capital.
func (s *Service) ResetAccount(name string, newInitialCapital *decimal.Decimal) error {
	if err := s.book.Reset(name, newInitialCapital); err != nil {
		return err
	}
	a := s.book.Account(name)
	if err := s.repo.SaveAccount(a); err != nil {
		return err
	}
	if err := s.repo.SavePositions(name, a.Positions); err != nil {
		return err
	}
	return s.repo.ClearHistory(name)
}

// DeleteAccount removes an account, enforcing that at least one
// account always remains and that deleting the current account
// switches to the (alphabetically) first remaining one.
func (s *Service) DeleteAccount(name string) error {
	names := s.book.AccountNames()
	if len(names) <= 1 {
		return fmt.Errorf("paperbook: cannot delete the only remaining account")
	}
	if s.book.Account(name) == nil {
		return &BookError{Kind: ErrUnknownAccount, Msg: fmt.Sprintf("paperbook: unknown account %q", name)}
	}
	s.book.DeleteAccount(name)
	if err := s.repo.DeleteAccount(name); err != nil {
		return err
	}

	s.mu.Lock()
	wasCurrent := s.current == name
	s.mu.Unlock()
	if !wasCurrent {
		return nil
	}
	remaining := s.book.AccountNames()
	sort.Strings(remaining)
	return s.SwitchAccount(remaining[0])
}

// DepositWithdraw adjusts an account's cash directly (no order flow),
// used by the deposit/withdraw endpoints.
func (s *Service) DepositWithdraw(name string, delta decimal.Decimal) error {
	a := s.book.Account(name)
	if a == nil {
		return &BookError{Kind: ErrUnknownAccount, Msg: fmt.Sprintf("paperbook: unknown account %q", name)}
	}
	lock := s.book.lockFor(name)
	lock.Lock()
	newCash := a.Cash.Add(delta)
	if newCash.LessThan(decimal.Zero) {
		lock.Unlock()
		return fmt.Errorf("paperbook: withdrawal would leave negative cash")
	}
	a.Cash = newCash
	lock.Unlock()
	return s.repo.SaveAccount(a)
}

// PlaceOrder resolves a market price if needed, runs the execution
// algorithm, and persists the resulting order/trade/account state.
// Equity is recomputed immediately in real mode; in simulation mode
// (X-Simulation-Time present) it is deferred to the caller's explicit
// equity/update call, per spec §4.4 step 10.
func (s *Service) PlaceOrder(ctx context.Context, req OrderRequest) (ExecutionResult, error) {
	if req.RequestedPrice.LessThanOrEqual(decimal.Zero) && s.quote != nil {
		price, ok, err := s.quote.GetQuote(ctx, req.Symbol)
		if err != nil {
			return ExecutionResult{}, fmt.Errorf("paperbook: resolve market price: %w", err)
		}
		if ok {
			req.RequestedPrice = price
		}
	}

	res, err := s.book.PlaceOrder(ctx, req)
	if berr, ok := err.(*BookError); ok && (berr.Kind == ErrInsufficientCash || berr.Kind == ErrInsufficientPosition) {
		_ = s.repo.InsertOrder(res.Order)
		metrics.PPTOrders.WithLabelValues(req.Account, string(res.Order.Status)).Inc()
		return res, err
	}
	if err != nil {
		return res, err
	}
	metrics.PPTOrders.WithLabelValues(req.Account, string(res.Order.Status)).Inc()

	if ierr := s.repo.InsertOrder(res.Order); ierr != nil {
		s.log.Error().Err(ierr).Msg("persist order failed")
	}
	if ierr := s.repo.InsertTrade(res.Trade); ierr != nil {
		s.log.Error().Err(ierr).Msg("persist trade failed")
	}
	acct := s.book.Account(req.Account)
	if ierr := s.repo.SaveAccount(acct); ierr != nil {
		s.log.Error().Err(ierr).Msg("persist account failed")
	}
	if ierr := s.repo.SavePositions(req.Account, acct.Positions); ierr != nil {
		s.log.Error().Err(ierr).Msg("persist positions failed")
	}

	if req.TimeOverride == nil {
		if _, eerr := s.UpdateEquity(ctx, req.Account); eerr != nil {
			s.log.Error().Err(eerr).Msg("equity recompute failed")
		}
	}
	return res, nil
}

// UpdateEquity recomputes and persists today's equity row for account.
func (s *Service) UpdateEquity(ctx context.Context, account string) (decimal.Decimal, error) {
	quoted := map[string]decimal.Decimal{}
	quoteFn := func(symbol string) (decimal.Decimal, bool) {
		if s.quote == nil {
			return decimal.Zero, false
		}
		price, ok, err := s.quote.GetQuote(ctx, symbol)
		if err != nil || !ok {
			return decimal.Zero, false
		}
		quoted[symbol] = price
		return price, true
	}
	equity, err := s.book.Equity(account, quoteFn)
	if err != nil {
		return decimal.Zero, err
	}
	// Book.Equity holds the account lock while calling quoteFn, so the
	// quotes are applied to the positions only once it has returned.
	for symbol, price := range quoted {
		s.book.UpdateQuote(account, symbol, price)
	}
	a := s.book.Account(account)
	pnl := equity.Sub(a.InitialCapital)
	pnlPct := decimal.Zero
	if a.InitialCapital.GreaterThan(decimal.Zero) {
		pnlPct = pnl.Div(a.InitialCapital).Mul(decimal.NewFromInt(100))
	}
	point := EquityPoint{Account: account, Date: s.clock.Now().Truncate(24 * time.Hour), Equity: equity, PnL: pnl, PnLPct: pnlPct}
	if err := s.repo.UpsertEquityPoint(point); err != nil {
		return equity, err
	}
	eq, _ := equity.Float64()
	metrics.PPTEquity.WithLabelValues(account).Set(eq)
	return equity, nil
}

// Book exposes the underlying engine for read-only queries (handlers).
func (s *Service) Book() *Book { return s.book }

// Repository exposes the persistence layer for read-only queries.
func (s *Service) Repository() *Repository { return s.repo }
