package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quantcore/platform/internal/barstore"
	"github.com/quantcore/platform/internal/broker"
	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/signalstore"
	"github.com/quantcore/platform/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *signalstore.Store {
	t.Helper()
	db, err := store.Open(store.Config{Path: ":memory:", Name: "test_signals_exec", Profile: store.ProfileLedger})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := signalstore.New(db)
	require.NoError(t, err)
	return s
}

var errNoQuote = errors.New("no quote")
var errPlaceOrder = errors.New("broker rejected order")

// fakeGateway implements broker.Gateway entirely in memory for tests.
type fakeGateway struct {
	account   broker.AccountInfo
	positions []broker.Position
	quotes    map[string]float64
	orders    []broker.PlaceOrderRequest
	failOn    map[string]bool // symbol -> force PlaceOrder failure
}

func (f *fakeGateway) Connect(ctx context.Context) error    { return nil }
func (f *fakeGateway) Disconnect(ctx context.Context) error { return nil }
func (f *fakeGateway) IsConnected() bool                    { return true }

func (f *fakeGateway) GetQuote(ctx context.Context, symbol string, asOf *time.Time) (broker.Quote, error) {
	p, ok := f.quotes[symbol]
	if !ok {
		return broker.Quote{}, errNoQuote
	}
	return broker.Quote{Symbol: symbol, Price: p, AsOf: time.Now()}, nil
}

func (f *fakeGateway) GetHistory(ctx context.Context, symbol string, start, end time.Time, interval string) ([]barstore.Bar, error) {
	return nil, nil
}

func (f *fakeGateway) GetAccount(ctx context.Context, account string) (broker.AccountInfo, error) {
	return f.account, nil
}

func (f *fakeGateway) GetPositions(ctx context.Context, account string) ([]broker.Position, error) {
	return f.positions, nil
}

func (f *fakeGateway) GetOrders(ctx context.Context, account string) ([]broker.Order, error) {
	return nil, nil
}

func (f *fakeGateway) PlaceOrder(ctx context.Context, req broker.PlaceOrderRequest) (string, error) {
	if f.failOn[req.Symbol] {
		return "", errPlaceOrder
	}
	f.orders = append(f.orders, req)
	return "ord-1", nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, orderID, account string) error { return nil }

func newExecutor(t *testing.T, gw broker.Gateway) (*Executor, *signalstore.Store) {
	t.Helper()
	s := newTestStore(t)
	reg := broker.NewRegistry()
	reg.Register("paper", gw)
	ex := New(s, reg, StaticAccountTypes{"default": "paper"}, clock.New(), zerolog.Nop())
	return ex, s
}

func TestRunOnceExecutesOrderSignal(t *testing.T) {
	gw := &fakeGateway{}
	ex, s := newExecutor(t, gw)
	_, err := s.Add(signalstore.TradingSignal{
		JobName: "job1", Account: "default", Market: "US", Kind: signalstore.KindOrder,
		Symbol: "US.AAPL", Payload: []byte(`{"side":"buy","qty":10}`),
	})
	require.NoError(t, err)

	res, err := ex.RunOnce(context.Background(), "default", "US", nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Pending)
	require.Equal(t, 1, res.Executed)
	require.Equal(t, 0, res.Failed)
	require.Len(t, gw.orders, 1)
	require.Equal(t, "buy", gw.orders[0].Side)
}

func TestRunOnceFailsOrderWithUnknownAccountType(t *testing.T) {
	gw := &fakeGateway{}
	s := newTestStore(t)
	reg := broker.NewRegistry()
	reg.Register("paper", gw)
	ex := New(s, reg, StaticAccountTypes{}, clock.New(), zerolog.Nop())

	_, err := s.Add(signalstore.TradingSignal{
		JobName: "job1", Account: "unknown_acct", Market: "US", Kind: signalstore.KindOrder,
		Symbol: "US.AAPL", Payload: []byte(`{"side":"buy","qty":10}`),
	})
	require.NoError(t, err)

	res, err := ex.RunOnce(context.Background(), "unknown_acct", "US", nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
}

func TestRunOnceFailsOrderWithZeroQty(t *testing.T) {
	gw := &fakeGateway{}
	ex, s := newExecutor(t, gw)
	_, err := s.Add(signalstore.TradingSignal{
		JobName: "job1", Account: "default", Market: "US", Kind: signalstore.KindOrder,
		Symbol: "US.AAPL", Payload: []byte(`{"side":"buy","qty":0}`),
	})
	require.NoError(t, err)

	res, err := ex.RunOnce(context.Background(), "default", "US", nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
}

func TestRunOnceRebalanceComputesDiffOrders(t *testing.T) {
	gw := &fakeGateway{
		account:   broker.AccountInfo{TotalAssets: 10000},
		positions: []broker.Position{{Symbol: "US.AAPL", Qty: 10, CurrentPrice: 100}},
		quotes:    map[string]float64{"US.MSFT": 50},
	}
	ex, s := newExecutor(t, gw)
	_, err := s.Add(signalstore.TradingSignal{
		JobName: "job1", Account: "default", Market: "US", Kind: signalstore.KindRebalance,
		Payload: []byte(`{"target_weights":{"US.AAPL":0.5,"US.MSFT":0.5}}`),
	})
	require.NoError(t, err)

	res, err := ex.RunOnce(context.Background(), "default", "US", nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Executed)
	require.Equal(t, 0, res.Failed)

	// target AAPL = 10000*0.5/100 = 50, current 10 -> diff 40 buy.
	// target MSFT = 10000*0.5/50 = 100, current 0 -> diff 100 buy.
	require.Len(t, gw.orders, 2)
	bySymbol := map[string]broker.PlaceOrderRequest{}
	for _, o := range gw.orders {
		bySymbol[o.Symbol] = o
	}
	require.Equal(t, "buy", bySymbol["US.AAPL"].Side)
	require.InDelta(t, 40.0, bySymbol["US.AAPL"].Qty, 1e-9)
	require.Equal(t, "buy", bySymbol["US.MSFT"].Side)
	require.InDelta(t, 100.0, bySymbol["US.MSFT"].Qty, 1e-9)
}

func TestRunOnceRebalanceFailsWhenEquityIsZero(t *testing.T) {
	gw := &fakeGateway{account: broker.AccountInfo{TotalAssets: 0}}
	ex, s := newExecutor(t, gw)
	_, err := s.Add(signalstore.TradingSignal{
		JobName: "job1", Account: "default", Market: "US", Kind: signalstore.KindRebalance,
		Payload: []byte(`{"target_weights":{"US.AAPL":1.0}}`),
	})
	require.NoError(t, err)

	res, err := ex.RunOnce(context.Background(), "default", "US", nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
}

func TestRunOnceRebalanceSkipsSmallDiffsAndFailsAllOnOneOrderFailure(t *testing.T) {
	gw := &fakeGateway{
		account:   broker.AccountInfo{TotalAssets: 1000},
		positions: []broker.Position{{Symbol: "US.AAPL", Qty: 10, CurrentPrice: 100}},
		failOn:    map[string]bool{"US.MSFT": true},
		quotes:    map[string]float64{"US.MSFT": 50},
	}
	ex, s := newExecutor(t, gw)
	_, err := s.Add(signalstore.TradingSignal{
		JobName: "job1", Account: "default", Market: "US", Kind: signalstore.KindRebalance,
		Payload: []byte(`{"target_weights":{"US.AAPL":1.0,"US.MSFT":0.0000001}}`),
	})
	require.NoError(t, err)

	res, err := ex.RunOnce(context.Background(), "default", "US", nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed, "any diff-order failure fails the whole rebalance")
}
