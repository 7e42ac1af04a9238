// Package executor implements SignalExecutor (spec C10): the
// consumer that drains due pending TradingSignals and routes them to
// a broker, per account type.
package executor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/quantcore/platform/internal/broker"
	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/signalstore"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
)

// AccountTypes resolves an account name to a broker account type
// ("paper", "futu", "ibkr", ...) per the accounts config. The executor
// never guesses: an account missing from this lookup fails its
// signals rather than falling back to a default broker.
type AccountTypes interface {
	AccountType(account string) (string, bool)
}

// StaticAccountTypes is the simplest AccountTypes: a fixed map loaded
// once from config at startup.
type StaticAccountTypes map[string]string

func (m StaticAccountTypes) AccountType(account string) (string, bool) {
	t, ok := m[account]
	return t, ok
}

// Executor drains due signals and routes them through a broker.Registry.
type Executor struct {
	store    *signalstore.Store
	gateways *broker.Registry
	accounts AccountTypes
	clock    *clock.Clock
	log      zerolog.Logger
}

// New builds an Executor.
func New(store *signalstore.Store, gateways *broker.Registry, accounts AccountTypes, clk *clock.Clock, log zerolog.Logger) *Executor {
	return &Executor{store: store, gateways: gateways, accounts: accounts, clock: clk, log: log.With().Str("component", "signal_executor").Logger()}
}

// RunResult is the return value of RunOnce.
type RunResult struct {
	Pending  int      `json:"pending"`
	Executed int      `json:"executed"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors"`
}

const diffEpsilon = 1e-6

// holding is a resolved current position: quantity and a known price
// (from the broker's position snapshot, or a freshly resolved quote).
type holding struct {
	qty   float64
	price float64
}

// RunOnce drains every pending signal due for (account, market) as of
// triggerAt (defaulting to now), routing each to its account's broker.
func (e *Executor) RunOnce(ctx context.Context, account, market string, triggerAt *time.Time) (RunResult, error) {
	now := e.clock.Now()
	if triggerAt != nil {
		now = *triggerAt
	}
	pending, err := e.store.ListPending(account, market, now)
	if err != nil {
		return RunResult{}, fmt.Errorf("executor: list pending: %w", err)
	}

	result := RunResult{Pending: len(pending)}
	for _, sig := range pending {
		var execErr error
		switch sig.Kind {
		case signalstore.KindOrder:
			execErr = e.executeOrder(ctx, sig, now)
		case signalstore.KindRebalance, signalstore.KindAllocation:
			execErr = e.executeRebalance(ctx, sig, now)
		default:
			execErr = fmt.Errorf("unknown signal kind %q", sig.Kind)
		}

		if execErr != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("signal %d: %v", sig.ID, execErr))
			if err := e.store.UpdateStatus(sig.ID, signalstore.StatusFailed, nil); err != nil {
				e.log.Error().Err(err).Int64("signal_id", sig.ID).Msg("failed to mark signal FAILED")
			}
			continue
		}
		result.Executed++
		if err := e.store.UpdateStatus(sig.ID, signalstore.StatusExecuted, &now); err != nil {
			e.log.Error().Err(err).Int64("signal_id", sig.ID).Msg("failed to mark signal EXECUTED")
		}
	}
	return result, nil
}

func (e *Executor) resolveGateway(account string) (broker.Gateway, error) {
	accountType, ok := e.accounts.AccountType(account)
	if !ok {
		return nil, fmt.Errorf("account %q has no configured account type", account)
	}
	gw, ok := e.gateways.Resolve(accountType)
	if !ok {
		return nil, fmt.Errorf("no broker gateway registered for account type %q", accountType)
	}
	return gw, nil
}

func (e *Executor) executeOrder(ctx context.Context, sig signalstore.TradingSignal, now time.Time) error {
	payload, err := sig.DecodeOrder()
	if err != nil {
		return fmt.Errorf("decode order payload: %w", err)
	}
	if sig.Symbol == "" {
		return fmt.Errorf("order signal missing symbol")
	}
	if payload.Qty <= 0 {
		return fmt.Errorf("order signal qty must be > 0, got %v", payload.Qty)
	}
	gw, err := e.resolveGateway(sig.Account)
	if err != nil {
		return err
	}
	req := broker.PlaceOrderRequest{
		Symbol: sig.Symbol, Side: payload.Side, Qty: payload.Qty,
		Price: payload.Price, OrderType: "market", Account: sig.Account,
		SimTime: &now,
	}
	_, err = gw.PlaceOrder(ctx, req)
	return err
}

func (e *Executor) executeRebalance(ctx context.Context, sig signalstore.TradingSignal, now time.Time) error {
	gw, err := e.resolveGateway(sig.Account)
	if err != nil {
		return err
	}

	acct, err := gw.GetAccount(ctx, sig.Account)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if acct.TotalAssets <= 0 {
		return fmt.Errorf("account equity is %.2f, cannot rebalance", acct.TotalAssets)
	}

	positions, err := gw.GetPositions(ctx, sig.Account)
	if err != nil {
		return fmt.Errorf("get positions: %w", err)
	}
	current := make(map[string]holding, len(positions))
	for _, p := range positions {
		current[p.Symbol] = holding{qty: p.Qty, price: p.CurrentPrice}
	}

	targetQty, err := e.targetQuantities(ctx, sig, gw, acct.TotalAssets, current)
	if err != nil {
		return err
	}

	symbolSet := make(map[string]struct{}, len(current)+len(targetQty))
	for sym := range current {
		symbolSet[sym] = struct{}{}
	}
	for sym := range targetQty {
		symbolSet[sym] = struct{}{}
	}
	syms := make([]string, 0, len(symbolSet))
	for sym := range symbolSet {
		syms = append(syms, sym)
	}
	sort.Strings(syms) // deterministic order: aligns curVec/targetVec/diffVec by index

	curVec := make([]float64, len(syms))
	targetVec := make([]float64, len(syms))
	for i, sym := range syms {
		curVec[i] = current[sym].qty
		targetVec[i] = targetQty[sym]
	}
	diffVec := make([]float64, len(syms))
	floats.SubTo(diffVec, targetVec, curVec)

	var diffOrders []broker.PlaceOrderRequest
	for i, sym := range syms {
		diff := diffVec[i]
		if math.Abs(diff) < diffEpsilon {
			continue
		}
		side := "buy"
		if diff < 0 {
			side = "sell"
		}
		qty := roundTo4(math.Abs(diff))
		diffOrders = append(diffOrders, broker.PlaceOrderRequest{
			Symbol: sym, Side: side, Qty: qty, OrderType: "market", Account: sig.Account, SimTime: &now,
		})
	}

	for _, order := range diffOrders {
		if _, err := gw.PlaceOrder(ctx, order); err != nil {
			return fmt.Errorf("diff order for %s failed: %w", order.Symbol, err)
		}
	}
	return nil
}

// targetQuantities computes the target quantity per symbol from a
// REBALANCE (target_weights or target_mv) or ALLOCATION (target_weights)
// payload, resolving a quote for any symbol absent from current.
func (e *Executor) targetQuantities(ctx context.Context, sig signalstore.TradingSignal, gw broker.Gateway, equity float64, current map[string]holding) (map[string]float64, error) {
	var weights map[string]float64
	var mv map[string]float64

	switch sig.Kind {
	case signalstore.KindAllocation:
		payload, err := sig.DecodeAllocation()
		if err != nil {
			return nil, fmt.Errorf("decode allocation payload: %w", err)
		}
		weights = payload.TargetWeights
	case signalstore.KindRebalance:
		payload, err := sig.DecodeRebalance()
		if err != nil {
			return nil, fmt.Errorf("decode rebalance payload: %w", err)
		}
		weights = payload.TargetWeights
		mv = payload.TargetMV
	}

	out := make(map[string]float64)
	for sym, w := range weights {
		price, err := e.priceFor(ctx, sym, gw, current)
		if err != nil {
			return nil, err
		}
		out[sym] = (equity * w) / price
	}
	for sym, targetMV := range mv {
		price, err := e.priceFor(ctx, sym, gw, current)
		if err != nil {
			return nil, err
		}
		out[sym] = targetMV / price
	}
	return out, nil
}

func (e *Executor) priceFor(ctx context.Context, sym string, gw broker.Gateway, current map[string]holding) (float64, error) {
	if h, ok := current[sym]; ok && h.price > 0 {
		return h.price, nil
	}
	q, err := gw.GetQuote(ctx, sym, nil)
	if err != nil {
		return 0, fmt.Errorf("resolve quote for %s: %w", sym, err)
	}
	if q.Price <= 0 {
		return 0, fmt.Errorf("quote for %s is non-positive", sym)
	}
	return q.Price, nil
}

func roundTo4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
