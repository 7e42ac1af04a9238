package dmscore

import (
	"context"
	"testing"
	"time"

	"github.com/quantcore/platform/internal/barstore"
	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/fetcher"
	"github.com/quantcore/platform/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *barstore.SQLiteStore {
	t.Helper()
	db, err := store.Open(store.Config{Path: ":memory:", Profile: store.ProfileStandard, Name: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := barstore.NewSQLiteStore(db)
	require.NoError(t, err)
	return s
}

func bar(sym string, day int, close float64) barstore.Bar {
	ts := time.Date(2025, 11, day, 0, 0, 0, 0, time.UTC)
	return barstore.Bar{Symbol: sym, Interval: "1d", Timestamp: ts, Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 100}
}

func TestIncrementalFetchesOnlyAfterLatest(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.Write(ctx, []barstore.Bar{bar("AAPL", 14, 100)}))

	f := fetcher.NewStub()
	f.Seed("US.AAPL", "1d", []barstore.Bar{bar("AAPL", 14, 100), bar("AAPL", 15, 101), bar("AAPL", 16, 102), bar("AAPL", 17, 103)})

	clk := clock.New()
	require.NoError(t, clk.Set("2025-11-17T10:00:00Z"))

	runner := NewTaskRunner(st, f, clk, zerolog.Nop())
	task := Task{Name: "aapl_incremental", Kind: KindIncremental, Symbols: []string{"AAPL"}, Interval: "1d"}

	res, err := runner.RunIncremental(ctx, task)
	require.NoError(t, err)
	require.Equal(t, 3, res.DataCount)

	latest, ok, err := st.LatestTimestamp(ctx, "US.AAPL", "1d")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Date(2025, 11, 17, 0, 0, 0, 0, time.UTC), latest)
}

func TestIncrementalWithNoExistingRowsFetchesInitialWindow(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	f := fetcher.NewStub()
	f.Seed("US.MSFT", "1d", []barstore.Bar{bar("MSFT", 17, 400)})

	clk := clock.New()
	require.NoError(t, clk.Set("2025-11-17T10:00:00Z"))
	runner := NewTaskRunner(st, f, clk, zerolog.Nop())

	task := Task{Name: "msft_incremental", Kind: KindIncremental, Symbols: []string{"MSFT"}, Interval: "1d", InitialDays: 30}
	res, err := runner.RunIncremental(ctx, task)
	require.NoError(t, err)
	require.Equal(t, 1, res.DataCount)
}

func TestValidationDetectsIssues(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	clk := clock.New()
	require.NoError(t, clk.Set("2025-11-17T10:00:00Z"))

	good := bar("GOOG", 15, 100)
	zeroVol := bar("GOOG", 16, 101)
	zeroVol.Volume = 0
	jump := bar("GOOG", 17, 300) // >20% jump from 101
	require.NoError(t, st.Write(ctx, []barstore.Bar{good, zeroVol, jump}))

	runner := NewTaskRunner(st, fetcher.NewStub(), clk, zerolog.Nop())
	task := Task{Name: "goog_validate", Kind: KindValidation, Symbols: []string{"GOOG"}, Interval: "1d", CheckRangeDays: 30}
	res, err := runner.RunValidation(ctx, task)
	require.NoError(t, err)

	var kinds []string
	for _, i := range res.Issues {
		kinds = append(kinds, i.Kind)
	}
	require.Contains(t, kinds, "zero_volume")
	require.Contains(t, kinds, "price_jump")
}

func TestRepairOverwritesDivergentRows(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	clk := clock.New()
	require.NoError(t, clk.Set("2025-11-17T10:00:00Z"))

	require.NoError(t, st.Write(ctx, []barstore.Bar{bar("TSLA", 16, 100)}))
	f := fetcher.NewStub()
	f.Seed("US.TSLA", "1d", []barstore.Bar{bar("TSLA", 16, 105)}) // >1% divergence

	runner := NewTaskRunner(st, f, clk, zerolog.Nop())
	task := Task{Name: "tsla_repair", Kind: KindRepair, Symbols: []string{"TSLA"}, Interval: "1d", CheckRangeDays: 5}
	res, err := runner.RunRepair(ctx, task)
	require.NoError(t, err)
	require.Equal(t, 1, res.DataCount)

	bars, err := st.Read(ctx, "TSLA", "1d", time.Date(2025, 11, 16, 0, 0, 0, 0, time.UTC), time.Date(2025, 11, 16, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	require.Equal(t, 105.0, bars[0].Close)
}
