package builtins

import (
	"testing"
	"time"

	"github.com/quantcore/platform/internal/barstore"
	"github.com/quantcore/platform/internal/strategy"
	"github.com/stretchr/testify/require"
)

func barsWithCloses(closes []float64) []barstore.Bar {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]barstore.Bar, len(closes))
	for i, c := range closes {
		bars[i] = barstore.Bar{Symbol: "US.AAPL", Interval: "1d", Timestamp: base.AddDate(0, 0, i),
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000}
	}
	return bars
}

func TestSMACrossoverDetectsGoldenCross(t *testing.T) {
	s := &SMACrossover{FastPeriod: 2, SlowPeriod: 4}
	// A flat series followed by a sharp dip-then-spike forces the
	// 2-period SMA to cross above the 4-period SMA on the final bar.
	closes := []float64{100, 100, 100, 100, 100, 100, 50, 300}
	bars := barsWithCloses(closes)

	ctx := &strategy.Context{}
	var lastSignal *strategy.Signal
	for _, bar := range bars {
		ctx.History = append(ctx.History, bar)
		if sig := s.OnBar(bar, ctx); sig != nil {
			lastSignal = sig
		}
	}
	require.NotNil(t, lastSignal)
	require.Equal(t, "buy", lastSignal.Side)
}

func TestSMACrossoverRegisteredInDefaultRegistry(t *testing.T) {
	require.Contains(t, strategy.DefaultRegistry.Names(), "sma_crossover")
}

func TestSMACrossoverReturnsNilBeforeEnoughHistory(t *testing.T) {
	s := &SMACrossover{FastPeriod: 2, SlowPeriod: 30}
	ctx := &strategy.Context{}
	bars := barsWithCloses([]float64{100, 101, 102})
	for _, bar := range bars {
		ctx.History = append(ctx.History, bar)
		require.Nil(t, s.OnBar(bar, ctx))
	}
}
