package zuilowsched

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/executor"
	"github.com/quantcore/platform/internal/metrics"
	"github.com/quantcore/platform/internal/signalstore"
	"github.com/quantcore/platform/internal/strategy"
	"github.com/rs/zerolog"
)

// SignalExecutor is the narrow seam the scheduler drives execution
// jobs through. Defined here (rather than importing a concrete
// Executor type by value) so Scheduler depends only on the shape it
// needs — per Design Note "Cyclic ownership": Scheduler -> SignalStore
// -> SignalExecutor -> BrokerGateway -> PPT -> SignalStore is a cycle
// at the architecture level even though no Go import cycle exists, and
// this interface is the seam that keeps wiring (not compilation) from
// tangling the two.
type SignalExecutor interface {
	RunOnce(ctx context.Context, account, market string, triggerAt *time.Time) (executor.RunResult, error)
}

// Notifier emits scheduler lifecycle events (spec §4.7 "emit notifier
// event (signal/success/failure) if configured"). Optional.
type Notifier interface {
	Notify(event string, job string, detail map[string]any)
}

// Scheduler evaluates every enabled Job's trigger each tick, running
// strategy jobs before execution jobs within the same tick (the
// load-bearing ordering guarantee of spec §4.7).
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*Job

	registry *strategy.Registry
	runner   *strategy.Runner
	store    *signalstore.Store
	exec     SignalExecutor
	repo     *Repository
	clock    *clock.Clock
	notifier Notifier
	log      zerolog.Logger

	workers      int
	wakeInterval time.Duration
	running      bool
	startedAt    time.Time
	stop         chan struct{}
	wg           sync.WaitGroup
	sem          chan struct{}

	pendingEvents []Event
}

// Config configures a new Scheduler.
type Config struct {
	Registry     *strategy.Registry
	Runner       *strategy.Runner
	Store        *signalstore.Store
	Exec         SignalExecutor
	Repo         *Repository
	Clock        *clock.Clock
	Notifier     Notifier
	Log          zerolog.Logger
	Workers      int           // default 3
	WakeInterval time.Duration // default 30s, must be <= 60s per spec
}

// New builds a Scheduler.
func New(cfg Config) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 3
	}
	wake := cfg.WakeInterval
	if wake <= 0 || wake > 60*time.Second {
		wake = 30 * time.Second
	}
	return &Scheduler{
		jobs:         map[string]*Job{},
		registry:     cfg.Registry,
		runner:       cfg.Runner,
		store:        cfg.Store,
		exec:         cfg.Exec,
		repo:         cfg.Repo,
		clock:        cfg.Clock,
		notifier:     cfg.Notifier,
		log:          cfg.Log.With().Str("component", "zuilow_scheduler").Logger(),
		workers:      workers,
		wakeInterval: wake,
		stop:         make(chan struct{}),
		sem:          make(chan struct{}, workers),
	}
}

// LoadJobs replaces the in-memory job set with jobs, then auto-injects
// the three execution jobs (open/close/bar) for every enabled market
// absent from jobs, per spec §4.7 "Job loading".
func (s *Scheduler) LoadJobs(jobs []Job, markets []MarketConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = map[string]*Job{}
	for i := range jobs {
		j := jobs[i]
		s.jobs[j.Name] = &j
	}
	for _, m := range markets {
		if !m.Enabled {
			continue
		}
		s.injectExecutionJob(fmt.Sprintf("exec_%s_open", m.Name), m, Trigger{
			Type: TriggerMarketOpen, MarketTimezone: m.Timezone, MarketOpenTime: m.OpenTime,
		})
		s.injectExecutionJob(fmt.Sprintf("exec_%s_close", m.Name), m, Trigger{
			Type: TriggerMarketClose, MarketTimezone: m.Timezone, CloseTime: m.CloseTime,
		})
		s.injectExecutionJob(fmt.Sprintf("exec_%s_bar", m.Name), m, Trigger{
			Type: TriggerOpenBar, MarketTimezone: m.Timezone, BarMinutes: m.BarMinutes,
		})
	}
}

func (s *Scheduler) injectExecutionJob(name string, m MarketConfig, trigger Trigger) {
	if _, exists := s.jobs[name]; exists {
		return
	}
	s.jobs[name] = &Job{
		Name: name, Trigger: trigger, Account: m.Account, Market: m.Name,
		Priority: 0, Enabled: true, AutoInjected: true,
	}
}

// ReloadConfig drops every in-memory job and reloads from loader. Per
// the accepted Open Question resolution: if loader fails, the previous
// jobs are lost — not silently patched over — and the error is
// surfaced to the caller so an operator notices immediately rather
// than discovering a silently-stale job set later.
func (s *Scheduler) ReloadConfig(loader func() ([]Job, []MarketConfig, error)) error {
	jobs, markets, err := loader()
	if err != nil {
		s.mu.Lock()
		s.jobs = map[string]*Job{}
		s.mu.Unlock()
		return fmt.Errorf("zuilowsched: reload_config failed, previous jobs discarded: %w", err)
	}
	s.LoadJobs(jobs, markets)
	return nil
}

// Jobs returns a snapshot of every registered job.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// PushEvent queues an Event for the next tick's TriggerEvent jobs to
// consider. The queue is drained at the start of every tick.
func (s *Scheduler) PushEvent(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingEvents = append(s.pendingEvents, e)
}

// Start begins the tick loop. A no-op if already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.startedAt = s.clock.Now()
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.wakeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				// tick blocks until its strategy-class barrier clears
				// (see tick's doc comment), so it runs off the wake
				// loop's own goroutine: a slow tick must never delay
				// noticing the next one's due jobs. Per-job IsRunning
				// guards under s.mu keep concurrent ticks from
				// double-dispatching the same job.
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.tick(ctx)
				}()
			}
		}
	}()
}

// Stop signals the tick loop to exit and waits (up to timeout) for
// in-flight job goroutines. A no-op if not running.
func (s *Scheduler) Stop(timeout time.Duration) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.log.Warn().Msg("scheduler stop timed out waiting for in-flight jobs")
	}
}

// Status reports the scheduler's running state for the §6.3 status
// endpoint.
type Status struct {
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitempty"`
	JobsCount int       `json:"jobs_count"`
	Workers   int       `json:"workers"`
}

// Status returns a snapshot of the scheduler's run state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Running: s.running, StartedAt: s.startedAt, JobsCount: len(s.jobs), Workers: s.workers}
}

// Statistics aggregates per-job run counters for the §6.3 statistics
// endpoint.
type Statistics struct {
	TotalJobs    int `json:"total_jobs"`
	EnabledJobs  int `json:"enabled_jobs"`
	TotalRuns    int `json:"total_runs"`
	TotalErrors  int `json:"total_errors"`
	AutoInjected int `json:"auto_injected_jobs"`
}

// Statistics computes aggregate counters across every registered job.
func (s *Scheduler) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Statistics
	st.TotalJobs = len(s.jobs)
	for _, j := range s.jobs {
		if j.Enabled {
			st.EnabledJobs++
		}
		if j.AutoInjected {
			st.AutoInjected++
		}
		st.TotalRuns += j.RunCount
		st.TotalErrors += j.ErrorCount
	}
	return st
}

// Tick runs one tick immediately (the §6.3 POST /api/scheduler/tick
// endpoint), optionally under a caller-supplied simulation time by
// having the caller Set the clock first.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tick(ctx)
}

// History returns a job's run history, newest first.
func (s *Scheduler) History(jobName string, limit, offset int) ([]JobHistory, error) {
	return s.repo.ListHistory(jobName, limit, offset)
}

// tick evaluates every enabled job's trigger and splits the due set
// into strategy-class and execution-class jobs. The two classes are
// separated by a hard barrier, not just dispatch order: every
// strategy job of this tick runs to completion (including its
// AddMany commit) before any execution job of this tick starts, so a
// signal a strategy job inserts this tick is always visible to this
// tick's execution jobs (invariant #2). Within a class, jobs still run
// concurrently against the worker pool, ordered by Priority.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	events := s.pendingEvents
	s.pendingEvents = nil
	var strategyJobs, execJobs []*Job
	for _, j := range s.jobs {
		if !j.Enabled || j.IsRunning {
			continue
		}
		if s.jobDue(j, now, events) {
			j.IsRunning = true
			if j.IsExecutionJob() {
				execJobs = append(execJobs, j)
			} else {
				strategyJobs = append(strategyJobs, j)
			}
		}
	}
	s.mu.Unlock()

	byPriority := func(jobs []*Job) {
		sort.Slice(jobs, func(i, k int) bool { return jobs[i].Priority < jobs[k].Priority })
	}
	byPriority(strategyJobs)
	byPriority(execJobs)

	s.runClass(ctx, strategyJobs, now)
	s.runClass(ctx, execJobs, now)

	if n, err := s.store.CountSignals(signalstore.Filters{Status: signalstore.StatusPending}); err == nil {
		metrics.ZuiLowSignalsPending.Set(float64(n))
	}
}

// runClass dispatches every job in jobs concurrently against the
// worker pool and blocks until all of them finish.
func (s *Scheduler) runClass(ctx context.Context, jobs []*Job, now time.Time) {
	var wg sync.WaitGroup
	for _, j := range jobs {
		j := j
		wg.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer wg.Done()
			s.sem <- struct{}{}
			defer func() { <-s.sem }()
			s.run(ctx, j, now)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) jobDue(j *Job, now time.Time, events []Event) bool {
	if j.Trigger.Type != TriggerEvent {
		return isDue(j, now, nil)
	}
	for i := range events {
		if isDue(j, now, &events[i]) {
			return true
		}
	}
	return false
}

// run executes one due job: an execution job drains due signals for
// its (account, market); a strategy job runs the strategy, converts
// its output to TradingSignals, always persists them, and optionally
// executes them immediately.
func (s *Scheduler) run(ctx context.Context, j *Job, triggerTime time.Time) {
	defer func() {
		s.mu.Lock()
		j.IsRunning = false
		j.LastRun = triggerTime
		j.RunCount++
		s.mu.Unlock()
	}()

	if j.IsExecutionJob() {
		s.runExecutionJob(ctx, j, triggerTime)
		return
	}
	s.runStrategyJob(ctx, j, triggerTime)
}

func (s *Scheduler) runExecutionJob(ctx context.Context, j *Job, triggerTime time.Time) {
	res, err := s.exec.RunOnce(ctx, j.Account, j.Market, &triggerTime)
	if err != nil {
		s.bumpError(j)
		s.log.Error().Err(err).Str("job", j.Name).Msg("execution job failed")
		metrics.ZuiLowJobRuns.WithLabelValues(j.Name, "failed").Inc()
		return
	}
	if res.Failed > 0 {
		s.log.Warn().Str("job", j.Name).Int("failed", res.Failed).Strs("errors", res.Errors).Msg("execution job had failures")
	}
	metrics.ZuiLowJobRuns.WithLabelValues(j.Name, "completed").Inc()
}

func (s *Scheduler) runStrategyJob(ctx context.Context, j *Job, triggerTime time.Time) {
	historyID, _ := s.repo.InsertHistory(JobHistory{JobName: j.Name, TriggerTime: triggerTime, StartTime: s.clock.Now(), Status: JobRunning})

	strat, err := s.registry.Build(j.Strategy, j.StrategyParams)
	if err != nil {
		s.finishStrategyJob(j, historyID, nil, err)
		return
	}

	dicts, err := s.runner.RunStrategy(ctx, strat, j.Symbols, j.Account)
	if err != nil {
		s.finishStrategyJob(j, historyID, nil, err)
		return
	}

	createdAt := s.clock.Now()
	sigs, err := strategy.ConvertToSignals(dicts, j.Name, j.Account, j.Market, &triggerTime, createdAt)
	if err != nil {
		s.finishStrategyJob(j, historyID, nil, err)
		return
	}

	if _, err := s.store.AddMany(sigs); err != nil {
		s.finishStrategyJob(j, historyID, nil, fmt.Errorf("persist signals: %w", err))
		return
	}

	if j.SendImmediately {
		// Scoped to (account, market) with trigger_at = createdAt: this
		// drains every PENDING signal in that scope due at or before
		// createdAt. That includes the just-inserted batch, and also any
		// older pending rows of the same account and market.
		res, err := s.exec.RunOnce(ctx, j.Account, j.Market, &createdAt)
		if err != nil || res.Failed > 0 {
			s.log.Warn().Str("job", j.Name).Int("failed", res.Failed).Msg("send_immediately execution had failures")
		}
	}

	s.finishStrategyJob(j, historyID, dicts, nil)
	if s.notifier != nil {
		s.notifier.Notify("signal", j.Name, map[string]any{"count": len(dicts)})
	}
}

func (s *Scheduler) finishStrategyJob(j *Job, historyID int64, dicts []strategy.SignalDict, runErr error) {
	end := s.clock.Now()
	if runErr != nil {
		s.bumpError(j)
		_ = s.repo.UpdateHistory(historyID, JobFailed, end, 0, "", runErr.Error())
		s.log.Error().Err(runErr).Str("job", j.Name).Msg("strategy job failed")
		metrics.ZuiLowJobRuns.WithLabelValues(j.Name, "failed").Inc()
		if s.notifier != nil {
			s.notifier.Notify("failure", j.Name, map[string]any{"error": runErr.Error()})
		}
		return
	}
	signalsJSON, _ := json.Marshal(dicts)
	_ = s.repo.UpdateHistory(historyID, JobSuccess, end, len(dicts), string(signalsJSON), "")
	metrics.ZuiLowJobRuns.WithLabelValues(j.Name, "completed").Inc()
	if s.notifier != nil {
		s.notifier.Notify("success", j.Name, map[string]any{"signals_count": len(dicts)})
	}
}

func (s *Scheduler) bumpError(j *Job) {
	s.mu.Lock()
	j.ErrorCount++
	s.mu.Unlock()
}

// TriggerNow runs a named job immediately, bypassing its schedule. Per
// spec §4.7 "Manual trigger", only enabled, strategy-backed,
// non-auto-injected jobs may be triggered this way.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("zuilowsched: unknown job %q", name)
	}
	if !j.Enabled || j.AutoInjected || j.IsExecutionJob() {
		s.mu.Unlock()
		return fmt.Errorf("zuilowsched: job %q is not eligible for manual trigger", name)
	}
	if j.IsRunning {
		s.mu.Unlock()
		return fmt.Errorf("zuilowsched: job %q is already running", name)
	}
	j.IsRunning = true
	s.mu.Unlock()

	now := s.clock.Now()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, j, now)
	}()
	return nil
}
