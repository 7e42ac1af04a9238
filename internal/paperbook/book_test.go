package paperbook

import (
	"context"
	"testing"

	"github.com/quantcore/platform/internal/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// TestS1BuyScenario reproduces the worked example from spec §8: AAPL
// buy 100@180 with $20000 starting cash, 0.1% commission, 0 slippage.
func TestS1BuyScenario(t *testing.T) {
	clk := clock.New()
	book := New(DefaultExecutionConfig(), clk)
	book.CreateAccount("default", d("20000"))

	res, err := book.PlaceOrder(context.Background(), OrderRequest{
		Account: "default", Symbol: "US.AAPL", Side: SideBuy,
		RequestedQty: d("100"), RequestedPrice: d("180"), Source: SourceWeb,
	})
	require.NoError(t, err)

	require.True(t, res.Order.ExecPrice.Equal(d("180")))
	require.True(t, res.Commission.Equal(d("18")))
	require.True(t, res.Cash.Equal(d("1982")))

	acct := book.Account("default")
	require.True(t, acct.Cash.Equal(d("1982")))
	pos := acct.Positions["US.AAPL"]
	require.NotNil(t, pos)
	require.True(t, pos.Qty.Equal(d("100")))
	require.True(t, pos.AvgPrice.Equal(d("180")))
}

func TestInsufficientCashRejects(t *testing.T) {
	clk := clock.New()
	book := New(DefaultExecutionConfig(), clk)
	book.CreateAccount("default", d("100"))

	_, err := book.PlaceOrder(context.Background(), OrderRequest{
		Account: "default", Symbol: "US.AAPL", Side: SideBuy,
		RequestedQty: d("100"), RequestedPrice: d("180"), Source: SourceWeb,
	})
	require.Error(t, err)
	berr, ok := err.(*BookError)
	require.True(t, ok)
	require.Equal(t, ErrInsufficientCash, berr.Kind)

	acct := book.Account("default")
	require.True(t, acct.Cash.Equal(d("100")), "cash must be unchanged on rejection")
}

func TestInsufficientPositionRejects(t *testing.T) {
	clk := clock.New()
	book := New(DefaultExecutionConfig(), clk)
	book.CreateAccount("default", d("20000"))

	_, err := book.PlaceOrder(context.Background(), OrderRequest{
		Account: "default", Symbol: "US.AAPL", Side: SideSell,
		RequestedQty: d("10"), RequestedPrice: d("180"), Source: SourceWeb,
	})
	require.Error(t, err)
	berr, ok := err.(*BookError)
	require.True(t, ok)
	require.Equal(t, ErrInsufficientPosition, berr.Kind)
}

func TestSellComputesRealizedPnLAndDeletesZeroPosition(t *testing.T) {
	clk := clock.New()
	book := New(DefaultExecutionConfig(), clk)
	book.CreateAccount("default", d("20000"))

	_, err := book.PlaceOrder(context.Background(), OrderRequest{
		Account: "default", Symbol: "US.AAPL", Side: SideBuy,
		RequestedQty: d("100"), RequestedPrice: d("180"), Source: SourceWeb,
	})
	require.NoError(t, err)

	res, err := book.PlaceOrder(context.Background(), OrderRequest{
		Account: "default", Symbol: "US.AAPL", Side: SideSell,
		RequestedQty: d("100"), RequestedPrice: d("200"), Source: SourceWeb,
	})
	require.NoError(t, err)
	require.True(t, res.Trade.RealizedPnL.Equal(d("2000")))

	acct := book.Account("default")
	_, exists := acct.Positions["US.AAPL"]
	require.False(t, exists, "fully-closed position must be deleted")
}

func TestWeightedAverageCostOnSecondBuy(t *testing.T) {
	clk := clock.New()
	book := New(DefaultExecutionConfig(), clk)
	book.CreateAccount("default", d("100000"))

	_, err := book.PlaceOrder(context.Background(), OrderRequest{
		Account: "default", Symbol: "US.AAPL", Side: SideBuy,
		RequestedQty: d("100"), RequestedPrice: d("180"), Source: SourceWeb,
	})
	require.NoError(t, err)
	_, err = book.PlaceOrder(context.Background(), OrderRequest{
		Account: "default", Symbol: "US.AAPL", Side: SideBuy,
		RequestedQty: d("100"), RequestedPrice: d("200"), Source: SourceWeb,
	})
	require.NoError(t, err)

	pos := book.Account("default").Positions["US.AAPL"]
	require.True(t, pos.Qty.Equal(d("200")))
	require.True(t, pos.AvgPrice.Equal(d("190")), "weighted-average cost should be (180+200)/2")
}

func TestMarketOrderWithoutResolvedPriceRejects(t *testing.T) {
	clk := clock.New()
	book := New(DefaultExecutionConfig(), clk)
	book.CreateAccount("default", d("20000"))

	_, err := book.PlaceOrder(context.Background(), OrderRequest{
		Account: "default", Symbol: "US.AAPL", Side: SideBuy,
		RequestedQty: d("100"), RequestedPrice: decimal.Zero, Source: SourceWeb,
	})
	require.Error(t, err)
	berr, ok := err.(*BookError)
	require.True(t, ok)
	require.Equal(t, ErrMarketQuoteMissing, berr.Kind)
}

func TestEquityFallsBackToAvgPriceWithoutQuote(t *testing.T) {
	clk := clock.New()
	book := New(DefaultExecutionConfig(), clk)
	book.CreateAccount("default", d("20000"))
	_, err := book.PlaceOrder(context.Background(), OrderRequest{
		Account: "default", Symbol: "US.AAPL", Side: SideBuy,
		RequestedQty: d("100"), RequestedPrice: d("180"), Source: SourceWeb,
	})
	require.NoError(t, err)

	equity, err := book.Equity("default", func(string) (decimal.Decimal, bool) { return decimal.Zero, false })
	require.NoError(t, err)
	// cash 1982 + 100 * avg_price(180) = 19982
	require.True(t, equity.Equal(d("19982")))
}

func TestFixedRatePartialFill(t *testing.T) {
	cfg := DefaultExecutionConfig()
	cfg.FillModel = FixedRatePartialFill{Rate: d("0.5")}
	clk := clock.New()
	book := New(cfg, clk)
	book.CreateAccount("default", d("20000"))

	res, err := book.PlaceOrder(context.Background(), OrderRequest{
		Account: "default", Symbol: "US.AAPL", Side: SideBuy,
		RequestedQty: d("100"), RequestedPrice: d("180"), Source: SourceWeb,
	})
	require.NoError(t, err)
	require.True(t, res.Order.FilledQty.Equal(d("50")))
	require.Equal(t, OrderPartial, res.Order.Status)
}
