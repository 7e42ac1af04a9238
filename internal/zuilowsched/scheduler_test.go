package zuilowsched

import (
	"context"
	"testing"
	"time"

	"github.com/quantcore/platform/internal/barstore"
	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/executor"
	"github.com/quantcore/platform/internal/signalstore"
	"github.com/quantcore/platform/internal/store"
	"github.com/quantcore/platform/internal/strategy"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct{ bars []barstore.Bar }

func (f fakeHistory) Read(ctx context.Context, symbol, interval string, start, end time.Time) ([]barstore.Bar, error) {
	return f.bars, nil
}

type fakeQuotes struct{ price float64 }

func (f fakeQuotes) GetQuote(ctx context.Context, symbol string) (float64, bool, error) {
	return f.price, true, nil
}

type alwaysBuyStrategy struct{}

func (alwaysBuyStrategy) OnBar(bar barstore.Bar, ctx *strategy.Context) *strategy.Signal {
	return &strategy.Signal{Side: "buy"}
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

// fakeExecutor records invocations so tick-ordering tests can assert
// strategy jobs ran before execution jobs.
type fakeExecutor struct {
	calls       []string
	signals     *signalstore.Store
	pendingSeen []int
}

func (f *fakeExecutor) RunOnce(ctx context.Context, account, market string, triggerAt *time.Time) (executor.RunResult, error) {
	f.calls = append(f.calls, account+"/"+market)
	if f.signals != nil {
		n, _ := f.signals.CountSignals(signalstore.Filters{Status: signalstore.StatusPending})
		f.pendingSeen = append(f.pendingSeen, n)
	}
	return executor.RunResult{}, nil
}

func newTestScheduler(t *testing.T, exec SignalExecutor, clk *clock.Clock) (*Scheduler, *signalstore.Store) {
	t.Helper()
	db, err := store.Open(store.Config{Path: ":memory:", Name: "test_zuilow", Profile: store.ProfileLedger})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo, err := NewRepository(db)
	require.NoError(t, err)

	sigDB, err := store.Open(store.Config{Path: ":memory:", Name: "test_zuilow_signals", Profile: store.ProfileLedger})
	require.NoError(t, err)
	t.Cleanup(func() { sigDB.Close() })
	sigStore, err := signalstore.New(sigDB)
	require.NoError(t, err)

	reg := strategy.NewRegistry()
	reg.Register("always_buy", func(params map[string]any) strategy.Strategy { return alwaysBuyStrategy{} })
	runner := strategy.NewRunner(fakeHistory{bars: testBars(5)}, fakeQuotes{price: 150}, func() time.Time { return clk.Now() })

	sched := New(Config{
		Registry: reg, Runner: runner, Store: sigStore, Exec: exec, Repo: repo,
		Clock: clk, Log: zerolog.Nop(), Workers: 3, WakeInterval: time.Second,
	})
	return sched, sigStore
}

func TestLoadJobsInjectsExecutionJobsForEnabledMarkets(t *testing.T) {
	clk := clock.New()
	sched, _ := newTestScheduler(t, &fakeExecutor{}, clk)
	sched.LoadJobs(nil, []MarketConfig{{Name: "US", Enabled: true, Timezone: "UTC", OpenTime: "09:30", CloseTime: "16:00", BarMinutes: 5, Account: "default"}})

	names := map[string]bool{}
	for _, j := range sched.Jobs() {
		names[j.Name] = true
	}
	require.True(t, names["exec_US_open"])
	require.True(t, names["exec_US_close"])
	require.True(t, names["exec_US_bar"])
}

func TestLoadJobsDoesNotOverrideExplicitExecutionJob(t *testing.T) {
	clk := clock.New()
	sched, _ := newTestScheduler(t, &fakeExecutor{}, clk)
	custom := Job{Name: "exec_US_open", Enabled: true, Priority: 99}
	sched.LoadJobs([]Job{custom}, []MarketConfig{{Name: "US", Enabled: true, Account: "default"}})

	for _, j := range sched.Jobs() {
		if j.Name == "exec_US_open" {
			require.Equal(t, 99, j.Priority)
		}
	}
}

func TestManualTriggerRejectsAutoInjectedAndExecutionJobs(t *testing.T) {
	clk := clock.New()
	sched, _ := newTestScheduler(t, &fakeExecutor{}, clk)
	sched.LoadJobs(nil, []MarketConfig{{Name: "US", Enabled: true, Account: "default"}})

	err := sched.TriggerNow(context.Background(), "exec_US_open")
	require.Error(t, err)

	err = sched.TriggerNow(context.Background(), "nonexistent")
	require.Error(t, err)
}

func TestManualTriggerRunsEnabledStrategyJob(t *testing.T) {
	clk := clock.New()
	sched, sigStore := newTestScheduler(t, &fakeExecutor{}, clk)
	sched.LoadJobs([]Job{{
		Name: "momentum", Strategy: "always_buy", Account: "default", Market: "US",
		Symbols: []string{"US.AAPL"}, Enabled: true,
	}}, nil)

	require.NoError(t, sched.TriggerNow(context.Background(), "momentum"))
	// run() is dispatched in a goroutine; wait for it to finish.
	sched.wg.Wait()

	sigs, err := sigStore.ListSignals(signalstore.Filters{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	require.Equal(t, signalstore.KindOrder, sigs[0].Kind)
}

func TestTickRunsStrategyJobsBeforeExecutionJobs(t *testing.T) {
	exec := &fakeExecutor{}
	clk := clock.NewSim(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC))
	sched, sigStore := newTestScheduler(t, exec, clk)
	exec.signals = sigStore
	sched.LoadJobs([]Job{
		{Name: "exec_job", Account: "default", Market: "US", Enabled: true, Priority: 0,
			Trigger: Trigger{Type: TriggerInterval, Interval: time.Nanosecond}},
		{Name: "strategy_job", Strategy: "always_buy", Account: "default", Market: "US",
			Symbols: []string{"US.AAPL"}, Enabled: true, Priority: 0,
			Trigger: Trigger{Type: TriggerInterval, Interval: time.Nanosecond}},
	}, nil)

	sched.tick(context.Background())
	sched.wg.Wait()
	require.Len(t, exec.calls, 1, "only the execution job should call the executor")
	require.Equal(t, []int{1}, exec.pendingSeen, "the execution job must already see the signal the strategy job inserted this tick")
}

func TestBumpErrorIncrementsWithoutRemovingJob(t *testing.T) {
	clk := clock.New()
	sched, _ := newTestScheduler(t, &fakeExecutor{}, clk)
	sched.LoadJobs([]Job{{Name: "broken", Strategy: "unregistered", Account: "default", Enabled: true}}, nil)

	require.NoError(t, sched.TriggerNow(context.Background(), "broken"))
	sched.wg.Wait()

	jobs := sched.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, 1, jobs[0].ErrorCount)
	require.Equal(t, "broken", jobs[0].Name)
}

func TestReloadConfigDiscardsPreviousJobsOnFailure(t *testing.T) {
	clk := clock.New()
	sched, _ := newTestScheduler(t, &fakeExecutor{}, clk)
	sched.LoadJobs([]Job{{Name: "keepme", Enabled: true}}, nil)
	require.Len(t, sched.Jobs(), 1)

	err := sched.ReloadConfig(func() ([]Job, []MarketConfig, error) {
		return nil, nil, context.DeadlineExceeded
	})
	require.Error(t, err)
	require.Empty(t, sched.Jobs(), "a failed reload discards the previous job set rather than patching it")
}
