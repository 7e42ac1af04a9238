package paperbook

import (
	"context"
	"testing"

	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeQuotes map[string]decimal.Decimal

func (f fakeQuotes) GetQuote(_ context.Context, symbol string) (decimal.Decimal, bool, error) {
	p, ok := f[symbol]
	return p, ok, nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := store.Open(store.Config{Path: ":memory:", Name: "test_ppt"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo, err := NewRepository(db)
	require.NoError(t, err)
	clk := clock.New()
	svc, err := NewService(DefaultExecutionConfig(), repo, clk, fakeQuotes{}, zerolog.Nop(), d("20000"))
	require.NoError(t, err)
	return svc
}

func TestServiceCreatesDefaultAccountOnFirstLoad(t *testing.T) {
	svc := newTestService(t)
	require.Equal(t, "default", svc.CurrentAccountName())
	acct := svc.Book().Account("default")
	require.NotNil(t, acct)
	require.True(t, acct.Cash.Equal(d("20000")))
}

func TestServiceAccountLifecycle(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateAccount("aggressive", d("50000"))
	require.NoError(t, err)

	require.NoError(t, svc.SwitchAccount("aggressive"))
	require.Equal(t, "aggressive", svc.CurrentAccountName())

	// Deleting the only non-current account is fine.
	require.NoError(t, svc.SwitchAccount("default"))
	require.NoError(t, svc.DeleteAccount("aggressive"))
	require.Len(t, svc.Book().AccountNames(), 1)

	// Cannot delete the last remaining account.
	err = svc.DeleteAccount("default")
	require.Error(t, err)
}

func TestDeleteCurrentAccountSwitchesToFirstRemaining(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreateAccount("alpha", d("1000"))
	require.NoError(t, err)
	require.NoError(t, svc.SwitchAccount("alpha"))

	require.NoError(t, svc.DeleteAccount("alpha"))
	require.Equal(t, "default", svc.CurrentAccountName())
}

func TestResetClearsPositionsAndHistory(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.PlaceOrder(context.Background(), OrderRequest{
		Account: "default", Symbol: "US.AAPL", Side: SideBuy,
		RequestedQty: d("10"), RequestedPrice: d("100"), Source: SourceWeb,
	})
	require.NoError(t, err)

	require.NoError(t, svc.ResetAccount("default", nil))

	acct := svc.Book().Account("default")
	require.True(t, acct.Cash.Equal(d("20000")))
	require.Empty(t, acct.Positions)

	orders, err := svc.Repository().ListOrders("default", 0)
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestPlaceOrderPersistsAcrossServiceReload(t *testing.T) {
	db, err := store.Open(store.Config{Path: ":memory:", Name: "test_ppt_reload"})
	require.NoError(t, err)
	defer db.Close()
	repo, err := NewRepository(db)
	require.NoError(t, err)
	clk := clock.New()

	svc, err := NewService(DefaultExecutionConfig(), repo, clk, fakeQuotes{}, zerolog.Nop(), d("20000"))
	require.NoError(t, err)
	_, err = svc.PlaceOrder(context.Background(), OrderRequest{
		Account: "default", Symbol: "US.AAPL", Side: SideBuy,
		RequestedQty: d("10"), RequestedPrice: d("100"), Source: SourceWeb,
	})
	require.NoError(t, err)

	// A fresh Service against the same repo must reload the persisted account.
	svc2, err := NewService(DefaultExecutionConfig(), repo, clk, fakeQuotes{}, zerolog.Nop(), d("20000"))
	require.NoError(t, err)
	acct := svc2.Book().Account("default")
	require.NotNil(t, acct)
	pos := acct.Positions["US.AAPL"]
	require.NotNil(t, pos)
	require.True(t, pos.Qty.Equal(d("10")))
}

func TestUpdateEquityUsesQuoteSource(t *testing.T) {
	db, err := store.Open(store.Config{Path: ":memory:", Name: "test_ppt_equity"})
	require.NoError(t, err)
	defer db.Close()
	repo, err := NewRepository(db)
	require.NoError(t, err)
	clk := clock.New()
	quotes := fakeQuotes{"US.AAPL": d("210")}

	svc, err := NewService(DefaultExecutionConfig(), repo, clk, quotes, zerolog.Nop(), d("20000"))
	require.NoError(t, err)
	_, err = svc.PlaceOrder(context.Background(), OrderRequest{
		Account: "default", Symbol: "US.AAPL", Side: SideBuy,
		RequestedQty: d("10"), RequestedPrice: d("100"), Source: SourceWeb,
	})
	require.NoError(t, err)

	equity, err := svc.UpdateEquity(context.Background(), "default")
	require.NoError(t, err)
	// cash 20000 - 1000 - commission(1) = 18999, + 10*210 = 21099
	require.True(t, equity.Equal(d("21099")))
}
