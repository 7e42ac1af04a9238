package signalstore

import (
	"testing"
	"time"

	"github.com/quantcore/platform/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(store.Config{Path: ":memory:", Name: "test_signals", Profile: store.ProfileLedger})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := New(db)
	require.NoError(t, err)
	return s
}

func orderSignal(job, account string) TradingSignal {
	return TradingSignal{
		JobName: job, Account: account, Market: "US", Kind: KindOrder, Symbol: "US.AAPL",
		Payload: []byte(`{"side":"buy","qty":10}`),
	}
}

func TestAddAndGet(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Add(orderSignal("job1", "default"))
	require.NoError(t, err)

	sig, ok, err := s.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusPending, sig.Status)
	require.Equal(t, "job1", sig.JobName)
}

func TestAddManyPreservesFIFOOrder(t *testing.T) {
	s := newTestStore(t)
	var sigs []TradingSignal
	for i := 0; i < 5; i++ {
		sigs = append(sigs, orderSignal("batchjob", "default"))
	}
	ids, err := s.AddMany(sigs)
	require.NoError(t, err)
	require.Len(t, ids, 5)

	pending, err := s.ListPending("default", "", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, pending, 5)
	for i := 1; i < len(pending); i++ {
		require.LessOrEqual(t, pending[i-1].ID, pending[i].ID, "must be FIFO by id/created_at")
	}
}

func TestStatusTransitionsOnlyForwardFromPending(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Add(orderSignal("job1", "default"))
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, s.UpdateStatus(id, StatusExecuted, &now))

	sig, _, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, sig.Status)
	require.NotNil(t, sig.ExecutedAt)

	// A second transition attempt must fail: the row is no longer PENDING.
	err = s.UpdateStatus(id, StatusFailed, &now)
	require.Error(t, err)
}

func TestCancelOnlyFromPending(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Add(orderSignal("job1", "default"))
	require.NoError(t, err)
	require.NoError(t, s.Cancel(id))

	sig, _, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, sig.Status)

	require.Error(t, s.Cancel(id), "cancelling an already-terminal signal must fail")
}

func TestListPendingRespectsTriggerAt(t *testing.T) {
	s := newTestStore(t)
	future := time.Now().Add(24 * time.Hour)
	sig := orderSignal("job1", "default")
	sig.TriggerAt = &future
	_, err := s.Add(sig)
	require.NoError(t, err)

	pending, err := s.ListPending("default", "", time.Now())
	require.NoError(t, err)
	require.Empty(t, pending, "future trigger_at must not be due yet")

	pending, err = s.ListPending("default", "", time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestListSignalsFiltersAndPaginates(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		_, err := s.Add(orderSignal("job1", "default"))
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := s.Add(orderSignal("job2", "other"))
		require.NoError(t, err)
	}

	count, err := s.CountSignals(Filters{Account: "default"})
	require.NoError(t, err)
	require.Equal(t, 3, count)

	page, err := s.ListSignals(Filters{Account: "default"}, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
}

func TestRebalancePayloadRoundTrips(t *testing.T) {
	s := newTestStore(t)
	sig := TradingSignal{
		JobName: "rebalance_job", Account: "default", Market: "US", Kind: KindRebalance,
		Payload: []byte(`{"target_weights":{"US.AAPL":0.5,"US.MSFT":0.5}}`),
	}
	id, err := s.Add(sig)
	require.NoError(t, err)

	got, _, err := s.Get(id)
	require.NoError(t, err)
	payload, err := got.DecodeRebalance()
	require.NoError(t, err)
	require.InDelta(t, 0.5, payload.TargetWeights["US.AAPL"], 1e-9)
}
