// Package strategy implements StrategyRunner (spec C8): the bridge
// between a Strategy's per-bar decisions and the durable TradingSignal
// log, plus an explicit string-keyed strategy registry in place of the
// source's package-walking discovery (Design Note "Dynamic strategy
// loading").
package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quantcore/platform/internal/barstore"
)

// Signal is one bar-level decision emitted by on_bar: buy/sell a
// default quantity of the symbol currently in view.
type Signal struct {
	Side string // "buy" or "sell"
}

// Context is the per-symbol state handed to on_bar: a synthetic
// account snapshot plus params, and (progressively) the bar window
// walked so far.
type Context struct {
	Account string
	Params  map[string]any
	History []barstore.Bar
}

// Strategy is the stateful per-bar computation contract.
type Strategy interface {
	// OnBar is called once per bar in chronological order. A nil
	// return means "no opinion on this bar".
	OnBar(bar barstore.Bar, ctx *Context) *Signal
}

// PortfolioStrategy is the optional portfolio-level escape hatch: if a
// strategy implements this, run_strategy prefers its rebalance output
// over the per-symbol on_bar walk entirely (step 1 of §4.6).
type PortfolioStrategy interface {
	Strategy
	GetRebalanceOutput() (SignalDict, bool)
}

// SignalDict is the intermediate, loosely-typed signal shape produced
// by a strategy invocation, before conversion to a signalstore.Kind.
// Mirrors the source's duck-typed dict (Design Note "Duck-typed
// payloads"): ORDER fields are used unless Kind or TargetWeights/
// TargetMV indicate a portfolio-level signal.
type SignalDict struct {
	Kind          string // "order" (default), "rebalance", "allocation"
	Symbol        string
	Side          string
	Qty           float64
	Price         float64
	Timestamp     time.Time
	TargetWeights map[string]float64
	TargetMV      map[string]float64
}

// Registry is the explicit string-keyed strategy factory set,
// replacing the source's subclass-discovery walk.
type Registry struct {
	factories map[string]func(params map[string]any) Strategy
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]func(params map[string]any) Strategy{}}
}

// Register adds a named strategy constructor. Call at init time from
// each strategy's own package.
func (r *Registry) Register(name string, factory func(params map[string]any) Strategy) {
	r.factories[name] = factory
}

// Build instantiates a registered strategy by name.
func (r *Registry) Build(name string, params map[string]any) (Strategy, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("strategy: unknown strategy %q", name)
	}
	return factory(params), nil
}

// Names lists every registered strategy name.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	return out
}

// DefaultRegistry is populated by each built-in strategy package's
// init() function registering itself, per Design Note "Dynamic
// strategy loading" (self-registration replaces the source's
// subclass-discovery walk).
var DefaultRegistry = NewRegistry()

// HistoryProvider resolves the trailing bar window a strategy needs.
type HistoryProvider interface {
	Read(ctx context.Context, symbol, interval string, start, end time.Time) ([]barstore.Bar, error)
}

// QuoteProvider resolves a current quote, scoped to the same gateway
// the account's broker uses, per §4.6 step 2a ("to guarantee that
// execution and quote share the same gateway, avoiding cross-broker
// price drift").
type QuoteProvider interface {
	GetQuote(ctx context.Context, symbol string) (price float64, ok bool, err error)
}

const defaultQty = 1.0
const historyWindow = 150 * 24 * time.Hour

// Runner builds strategy input and collects emitted signal dicts.
type Runner struct {
	history HistoryProvider
	quotes  QuoteProvider
	now     func() time.Time
}

// NewRunner builds a Runner.
func NewRunner(history HistoryProvider, quotes QuoteProvider, now func() time.Time) *Runner {
	return &Runner{history: history, quotes: quotes, now: now}
}

// RunStrategy implements the §4.6 algorithm.
func (r *Runner) RunStrategy(ctx context.Context, strat Strategy, symbols []string, account string) ([]SignalDict, error) {
	if portfolio, ok := strat.(PortfolioStrategy); ok {
		if sig, found := portfolio.GetRebalanceOutput(); found {
			return []SignalDict{sig}, nil
		}
	}

	now := r.now()
	var out []SignalDict
	for _, symbol := range symbols {
		price, hasQuote, err := r.quotes.GetQuote(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("strategy: get quote %s: %w", symbol, err)
		}

		bars, err := r.history.Read(ctx, symbol, "1d", now.Add(-historyWindow), now)
		if err != nil {
			return nil, fmt.Errorf("strategy: read history %s: %w", symbol, err)
		}

		sctx := &Context{Account: account, Params: map[string]any{}}
		var last *Signal
		for _, bar := range bars {
			sctx.History = append(sctx.History, bar)
			if sig := strat.OnBar(bar, sctx); sig != nil {
				last = sig
			}
		}
		if last == nil {
			continue
		}

		execPrice := price
		if !hasQuote && len(bars) > 0 {
			execPrice = bars[len(bars)-1].Close
		}
		out = append(out, SignalDict{
			Kind: "order", Symbol: symbol, Side: last.Side,
			Qty: defaultQty, Price: execPrice, Timestamp: now,
		})
	}
	return out, nil
}

// InferMarket implements the §4.6 market-inference rule: "HK." -> HK,
// "US." -> US, else UNKNOWN.
func InferMarket(symbol string) string {
	switch {
	case strings.HasPrefix(symbol, "HK."):
		return "HK"
	case strings.HasPrefix(symbol, "US."):
		return "US"
	default:
		return "UNKNOWN"
	}
}
