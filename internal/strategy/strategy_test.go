package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/quantcore/platform/internal/barstore"
	"github.com/stretchr/testify/require"
)

type alwaysBuyStrategy struct{}

func (alwaysBuyStrategy) OnBar(bar barstore.Bar, ctx *Context) *Signal {
	return &Signal{Side: "buy"}
}

type rebalanceStrategy struct{ weights map[string]float64 }

func (rebalanceStrategy) OnBar(bar barstore.Bar, ctx *Context) *Signal { return nil }
func (r rebalanceStrategy) GetRebalanceOutput() (SignalDict, bool) {
	return SignalDict{Kind: "rebalance", TargetWeights: r.weights}, true
}

type fakeHistory struct{ bars []barstore.Bar }

func (f fakeHistory) Read(ctx context.Context, symbol, interval string, start, end time.Time) ([]barstore.Bar, error) {
	return f.bars, nil
}

type fakeQuotes struct{ price float64 }

func (f fakeQuotes) GetQuote(ctx context.Context, symbol string) (float64, bool, error) {
	return f.price, true, nil
}

func testBars(n int) []barstore.Bar {
	bars := make([]barstore.Bar, n)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = barstore.Bar{Symbol: "US.AAPL", Interval: "1d", Timestamp: base.AddDate(0, 0, i),
			Open: 100, High: 101, Low: 99, Close: 100, Volume: 1000}
	}
	return bars
}

func TestRunStrategyEmitsOrderFromLastSignal(t *testing.T) {
	runner := NewRunner(fakeHistory{bars: testBars(5)}, fakeQuotes{price: 150}, func() time.Time { return time.Now() })
	out, err := runner.RunStrategy(context.Background(), alwaysBuyStrategy{}, []string{"US.AAPL"}, "default")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "buy", out[0].Side)
	require.Equal(t, float64(150), out[0].Price)
}

func TestRunStrategyPrefersPortfolioOutput(t *testing.T) {
	runner := NewRunner(fakeHistory{bars: testBars(5)}, fakeQuotes{price: 150}, func() time.Time { return time.Now() })
	strat := rebalanceStrategy{weights: map[string]float64{"US.AAPL": 1.0}}
	out, err := runner.RunStrategy(context.Background(), strat, []string{"US.AAPL", "US.MSFT"}, "default")
	require.NoError(t, err)
	require.Len(t, out, 1, "a non-empty rebalance output short-circuits the per-symbol walk")
	require.Equal(t, "rebalance", out[0].Kind)
}

func TestInferMarket(t *testing.T) {
	require.Equal(t, "HK", InferMarket("HK.00700"))
	require.Equal(t, "US", InferMarket("US.AAPL"))
	require.Equal(t, "UNKNOWN", InferMarket("FOO.BAR"))
}

func TestConvertToSignalsOrderUsesInferredMarket(t *testing.T) {
	dicts := []SignalDict{{Kind: "order", Symbol: "HK.00700", Side: "buy", Qty: 10, Price: 55}}
	sigs, err := ConvertToSignals(dicts, "job1", "default", "", nil, time.Now())
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	require.Equal(t, "HK", sigs[0].Market)
	require.Equal(t, "ORDER", string(sigs[0].Kind))
}

func TestConvertToSignalsRebalanceAndAllocation(t *testing.T) {
	rebalance := []SignalDict{{Kind: "rebalance", TargetWeights: map[string]float64{"US.AAPL": 0.6, "US.MSFT": 0.4}}}
	sigs, err := ConvertToSignals(rebalance, "job1", "default", "US", nil, time.Now())
	require.NoError(t, err)
	require.Equal(t, "REBALANCE", string(sigs[0].Kind))
	require.Empty(t, sigs[0].Symbol)

	allocation := []SignalDict{{Kind: "allocation", TargetWeights: map[string]float64{"US.AAPL": 1.0}}}
	sigs, err = ConvertToSignals(allocation, "job1", "default", "US", nil, time.Now())
	require.NoError(t, err)
	require.Equal(t, "ALLOCATION", string(sigs[0].Kind))
}

func TestRegistryBuildUnknownErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build("nonexistent", nil)
	require.Error(t, err)
}
