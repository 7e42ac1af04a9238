package stimedrv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/quantcore/platform/internal/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestDriver(t *testing.T) (*Driver, *clock.Clock) {
	t.Helper()
	clk := clock.NewSim(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(clk, zerolog.Nop()), clk
}

func recordingServer(t *testing.T, mu *sync.Mutex, received *[]string, executedCount int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		*received = append(*received, r.Header.Get("X-Simulation-Time"))
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"executed_count": executedCount})
	}))
}

func TestStartAdvancesClockAndTicksEachStep(t *testing.T) {
	d, clk := newTestDriver(t)
	var mu sync.Mutex
	var received []string
	srv := recordingServer(t, &mu, &received, 2)
	defer srv.Close()

	err := d.Start(context.Background(), StartRequest{
		Unit: UnitDays, StepValue: 1, StepsCount: 3, TickURLs: []string{srv.URL},
	})
	require.NoError(t, err)

	require.Equal(t, time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC), clk.Now())
	require.Len(t, received, 3)
	require.Equal(t, 6, d.State().ExecutedTotal)
	require.Equal(t, 3, d.State().StepsDone)
	require.False(t, d.State().Running)
}

func TestStartVisitsURLsInOrderWithinAStep(t *testing.T) {
	d, _ := newTestDriver(t)
	var mu sync.Mutex
	var order []string
	mkServer := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"executed_count": 0})
		}))
	}
	first := mkServer("first")
	second := mkServer("second")
	defer first.Close()
	defer second.Close()

	err := d.Start(context.Background(), StartRequest{
		Unit: UnitMinutes, StepValue: 5, StepsCount: 1, TickURLs: []string{first.URL, second.URL},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, order)
}

func TestFirstURLFailureAbortsTheWholeJob(t *testing.T) {
	d, _ := newTestDriver(t)
	var mu sync.Mutex
	var secondCalled bool
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		secondCalled = true
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"executed_count": 0})
	}))
	defer second.Close()

	err := d.Start(context.Background(), StartRequest{
		Unit: UnitDays, StepValue: 1, StepsCount: 5, TickURLs: []string{failing.URL, second.URL},
	})
	require.Error(t, err)
	require.False(t, secondCalled, "a first-URL failure must abort remaining URLs for the step")
	require.False(t, d.State().Running)
	require.NotEmpty(t, d.State().Error)
	require.Equal(t, 0, d.State().StepsDone, "the failed step never completed")
}

func TestLaterURLFailureIsLoggedAndLoopContinues(t *testing.T) {
	d, _ := newTestDriver(t)
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"executed_count": 1})
	}))
	defer ok.Close()
	failingSecond := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failingSecond.Close()

	err := d.Start(context.Background(), StartRequest{
		Unit: UnitDays, StepValue: 1, StepsCount: 1, TickURLs: []string{ok.URL, failingSecond.URL},
	})
	require.NoError(t, err)
	require.Equal(t, 1, d.State().StepsDone)
}

func TestSecondStartWhileRunningReturns409Equivalent(t *testing.T) {
	d, _ := newTestDriver(t)
	blockCh := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blockCh
		_ = json.NewEncoder(w).Encode(map[string]any{"executed_count": 0})
	}))
	defer slow.Close()

	done := make(chan error, 1)
	go func() {
		done <- d.Start(context.Background(), StartRequest{
			Unit: UnitDays, StepValue: 1, StepsCount: 1, TickURLs: []string{slow.URL},
		})
	}()
	require.Eventually(t, func() bool { return d.State().Running }, time.Second, 5*time.Millisecond)

	err := d.Start(context.Background(), StartRequest{Unit: UnitDays, StepValue: 1, StepsCount: 1, TickURLs: nil})
	require.True(t, IsAlreadyRunning(err))

	close(blockCh)
	require.NoError(t, <-done)
}

func TestCancelStopsBeforeNextStep(t *testing.T) {
	d, _ := newTestDriver(t)
	var stepCount int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stepCount++
		n := stepCount
		mu.Unlock()
		if n == 4 {
			_ = d.Cancel()
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"executed_count": 0})
	}))
	defer srv.Close()

	err := d.Start(context.Background(), StartRequest{
		Unit: UnitDays, StepValue: 1, StepsCount: 10, TickURLs: []string{srv.URL},
	})
	require.NoError(t, err)

	s := d.State()
	require.True(t, s.Cancelled)
	require.False(t, s.Running)
	require.Equal(t, 4, s.StepsDone)
}

func TestRejectsZeroSteps(t *testing.T) {
	d, _ := newTestDriver(t)
	err := d.Start(context.Background(), StartRequest{Unit: UnitDays, StepValue: 1, StepsCount: 0})
	require.Error(t, err)
}

func TestRejectsZeroStepValue(t *testing.T) {
	d, _ := newTestDriver(t)
	err := d.Start(context.Background(), StartRequest{Unit: UnitDays, StepValue: 0, StepsCount: 1})
	require.Error(t, err)
}
