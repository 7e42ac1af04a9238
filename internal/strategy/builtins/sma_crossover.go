// Package builtins holds example strategies, self-registered into
// strategy.DefaultRegistry at init time per Design Note "Dynamic
// strategy loading".
package builtins

import (
	"math"

	"github.com/markcheno/go-talib"
	"github.com/quantcore/platform/internal/barstore"
	"github.com/quantcore/platform/internal/strategy"
)

func init() {
	strategy.DefaultRegistry.Register("sma_crossover", New)
}

// SMACrossover emits buy when the fast SMA crosses above the slow
// SMA, sell on cross below. It is stateless across calls: every
// decision is recomputed from ctx.History, so the same instance may
// safely be reused across symbols within one run_strategy call.
type SMACrossover struct {
	FastPeriod int
	SlowPeriod int
}

// New builds an SMACrossover from params, defaulting to 10/30.
func New(params map[string]any) strategy.Strategy {
	s := &SMACrossover{FastPeriod: 10, SlowPeriod: 30}
	if v, ok := params["fast_period"].(int); ok && v > 0 {
		s.FastPeriod = v
	}
	if v, ok := params["slow_period"].(int); ok && v > 0 {
		s.SlowPeriod = v
	}
	return s
}

// OnBar implements strategy.Strategy.
func (s *SMACrossover) OnBar(_ barstore.Bar, ctx *strategy.Context) *strategy.Signal {
	if len(ctx.History) < s.SlowPeriod+1 {
		return nil
	}
	closes := make([]float64, len(ctx.History))
	for i, b := range ctx.History {
		closes[i] = b.Close
	}

	fast := talib.Sma(closes, s.FastPeriod)
	slow := talib.Sma(closes, s.SlowPeriod)
	n := len(closes)
	prevFast, prevSlow := fast[n-2], slow[n-2]
	curFast, curSlow := fast[n-1], slow[n-1]
	if math.IsNaN(prevFast) || math.IsNaN(prevSlow) || math.IsNaN(curFast) || math.IsNaN(curSlow) {
		return nil
	}

	switch {
	case prevFast <= prevSlow && curFast > curSlow:
		return &strategy.Signal{Side: "buy"}
	case prevFast >= prevSlow && curFast < curSlow:
		return &strategy.Signal{Side: "sell"}
	default:
		return nil
	}
}
