package dmscore

import (
	"context"
	"testing"
	"time"

	"github.com/quantcore/platform/internal/barstore"
	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := store.Open(store.Config{Path: ":memory:", Name: "test_meta"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo, err := NewRepository(db)
	require.NoError(t, err)
	return repo
}

func TestReplicationCopiesAfterWatermark(t *testing.T) {
	ctx := context.Background()
	primary := newTestStore(t)
	backupStore := newTestStore(t)
	repo := newRepo(t)
	clk := clock.New()
	require.NoError(t, clk.Set("2025-11-17T10:00:00Z"))

	require.NoError(t, primary.Write(ctx, []barstore.Bar{bar("AAPL", 15, 100), bar("AAPL", 16, 101), bar("AAPL", 17, 102)}))

	repl := NewReplicator(ReplicatorConfig{
		Primary: primary,
		Backups: []Backup{{Name: "backup1", Store: backupStore, Enabled: true}},
		Repo:    repo,
		Clock:   clk,
		Log:     zerolog.Nop(),
	})

	repl.SyncAll(ctx, "AAPL", "1d", false, time.Time{}, clk.Now())

	bars, err := backupStore.Read(ctx, "AAPL", "1d", time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC), clk.Now())
	require.NoError(t, err)
	require.Len(t, bars, 3)

	wm, ok, err := repo.GetWatermark("backup1", "US.AAPL", "1d")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Date(2025, 11, 17, 0, 0, 0, 0, time.UTC), wm)

	// A second sync with no new primary data should copy nothing further.
	repl.SyncAll(ctx, "AAPL", "1d", false, time.Time{}, clk.Now())
	bars2, err := backupStore.Read(ctx, "AAPL", "1d", time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC), clk.Now())
	require.NoError(t, err)
	require.Len(t, bars2, 3)
}

func TestRealtimeFanOutDoesNotBlockOnFailure(t *testing.T) {
	ctx := context.Background()
	primary := newTestStore(t)
	repo := newRepo(t)
	clk := clock.New()

	repl := NewReplicator(ReplicatorConfig{
		Primary: primary,
		Backups: []Backup{{Name: "broken", Store: failingStore{}, Enabled: true}},
		Repo:    repo,
		Clock:   clk,
		Log:     zerolog.Nop(),
	})

	done := make(chan struct{})
	go func() {
		repl.FanOutRealtime(ctx, []barstore.Bar{bar("AAPL", 17, 100)})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("FanOutRealtime should return immediately, not block on backup failure")
	}
}

type failingStore struct{}

func (failingStore) Write(ctx context.Context, bars []barstore.Bar) error { return assertErr }
func (failingStore) Read(ctx context.Context, sym, interval string, start, end time.Time) ([]barstore.Bar, error) {
	return nil, assertErr
}
func (failingStore) LatestTimestamp(ctx context.Context, sym, interval string) (time.Time, bool, error) {
	return time.Time{}, false, assertErr
}
func (failingStore) Delete(ctx context.Context, sym, interval string, start, end time.Time) error {
	return assertErr
}

var assertErr = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
