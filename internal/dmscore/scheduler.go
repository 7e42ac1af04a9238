package dmscore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantcore/platform/internal/barstore"
	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler drives Task execution on cron/interval triggers, never
// running the same task twice concurrently, and dispatching each run
// to its own goroutine so the dispatch loop never blocks (spec §4.3).
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	runner  *TaskRunner
	repo    *Repository
	replica *Replicator
	cache   *ReadCache
	clock   *clock.Clock
	log     zerolog.Logger

	wakeInterval time.Duration
	stop         chan struct{}
	wg           sync.WaitGroup
}

// SchedulerConfig configures a new Scheduler.
type SchedulerConfig struct {
	Runner       *TaskRunner
	Repo         *Repository
	Replicator   *Replicator
	Cache        *ReadCache
	Clock        *clock.Clock
	Log          zerolog.Logger
	WakeInterval time.Duration // default 30s, must be <= 60s per spec
}

// NewScheduler builds an empty Scheduler; AddTask restores each task's
// status from its last MaintenanceLog row.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	wake := cfg.WakeInterval
	if wake <= 0 || wake > 60*time.Second {
		wake = 30 * time.Second
	}
	return &Scheduler{
		tasks:        map[string]*Task{},
		runner:       cfg.Runner,
		repo:         cfg.Repo,
		replica:      cfg.Replicator,
		cache:        cfg.Cache,
		clock:        cfg.Clock,
		log:          cfg.Log.With().Str("component", "dms_scheduler").Logger(),
		wakeInterval: wake,
		stop:         make(chan struct{}),
	}
}

// AddTask registers a task. If a MaintenanceLog row exists and its
// status is RUNNING, the task is reported RUNNING until its next run
// overwrites that (spec §4.3 "Status after restart").
func (s *Scheduler) AddTask(t Task) error {
	if t.Trigger.Type == TriggerCron {
		if _, err := cronParser.Parse(t.Trigger.Cron); err != nil {
			return fmt.Errorf("dmscore: invalid cron expression %q: %w", t.Trigger.Cron, err)
		}
	}
	t.Status = StatusIdle
	if last, err := s.repo.LastLog(t.Name); err == nil && last != nil {
		t.Status = last.Status
		if t.Status == "" {
			t.Status = StatusIdle
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.Name] = &t
	return nil
}

// Task returns a copy of a task's current state.
func (s *Scheduler) Task(name string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Tasks returns a snapshot of every registered task.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

// Start begins the dispatch loop: it wakes every wakeInterval (<=60s)
// and, for each enabled task whose trigger fires, dispatches a run in
// its own goroutine without blocking the loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.wakeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// Stop signals the dispatch loop to exit and waits (up to timeout) for
// in-flight task goroutines tracked by the wait group.
func (s *Scheduler) Stop(timeout time.Duration) {
	close(s.stop)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.log.Warn().Msg("scheduler stop timed out waiting for in-flight tasks")
	}
}

func (s *Scheduler) tick() {
	now := s.clock.Now()
	var due []*Task
	s.mu.Lock()
	for _, t := range s.tasks {
		if !t.Enabled || t.Status == StatusRunning {
			continue
		}
		if s.isDue(t, now) {
			t.Status = StatusRunning
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		t := t
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(context.Background(), t)
		}()
	}
}

func (s *Scheduler) isDue(t *Task, now time.Time) bool {
	switch t.Trigger.Type {
	case TriggerInterval:
		return t.LastCheck.IsZero() || now.Sub(t.LastCheck) >= t.Trigger.Interval
	case TriggerCron:
		sched, err := cronParser.Parse(t.Trigger.Cron)
		if err != nil {
			return false
		}
		last := t.LastCheck
		if last.IsZero() {
			last = now.Add(-time.Minute)
		}
		return !sched.Next(last).After(now)
	default:
		return false
	}
}

// TriggerNow runs a named task immediately, bypassing its schedule.
// Returns an error if the task is unknown or already running.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) (RunResult, error) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return RunResult{}, fmt.Errorf("dmscore: unknown task %q", name)
	}
	if t.Status == StatusRunning {
		s.mu.Unlock()
		return RunResult{}, fmt.Errorf("dmscore: task %q already running", name)
	}
	t.Status = StatusRunning
	s.mu.Unlock()

	return s.execute(ctx, t), nil
}

func (s *Scheduler) execute(ctx context.Context, t *Task) RunResult {
	start := s.clock.Now()
	logID, _ := s.repo.InsertLog(MaintenanceLog{Task: t.Name, TaskKind: t.Kind, StartTime: start, Status: StatusRunning})

	result, err := s.runner.Run(ctx, *t)

	s.mu.Lock()
	t.LastCheck = start
	if err != nil {
		t.Status = StatusFailed
	} else {
		t.Status = result.Status
	}
	s.mu.Unlock()

	end := s.clock.Now()
	if err != nil {
		_ = s.repo.UpdateLog(logID, StatusFailed, end, result.DataCount, "", err.Error())
		s.log.Error().Err(err).Str("task", t.Name).Msg("task run failed")
		result.Status = StatusFailed
		result.Error = err.Error()
		metrics.DMSTaskRuns.WithLabelValues(t.Name, string(StatusFailed)).Inc()
	} else {
		msg := fmt.Sprintf("%d rows affected", result.DataCount)
		if len(result.Issues) > 0 {
			msg = fmt.Sprintf("%d issues found", len(result.Issues))
		}
		_ = s.repo.UpdateLog(logID, result.Status, end, result.DataCount, msg, "")
		s.log.Info().Str("task", t.Name).Int("data_count", result.DataCount).Msg("task run completed")
		metrics.DMSTaskRuns.WithLabelValues(t.Name, string(result.Status)).Inc()

		if result.DataCount > 0 && s.replica != nil && t.Kind != KindValidation {
			for _, rawSym := range t.Symbols {
				s.replica.SyncAll(ctx, rawSym, t.Interval, false, time.Time{}, end)
			}
		}
	}
	result.StartTime, result.EndTime, result.Task, result.Kind = start, end, t.Name, t.Kind
	return result
}

// ReadHistory serves spec §4.3 "read_history": cache-then-store lookup
// for a single symbol.
func (s *Scheduler) ReadHistory(ctx context.Context, store barstore.BarStore, sym, interval string, start, end time.Time) ([]barstore.Bar, error) {
	if s.cache != nil {
		if bars, ok := s.cache.Get(sym, interval, start, end); ok {
			return bars, nil
		}
	}
	bars, err := store.Read(ctx, sym, interval, start, end)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Put(sym, interval, start, end, bars)
	}
	return bars, nil
}

// ReadBatch serves spec §4.3 "read_batch" with one ReadHistory call per
// symbol (there is no single "read many symbols" store method in the
// BarStore contract). The store canonicalizes each symbol for the read,
// but the result map is keyed by each symbol exactly as given in
// symbols, not by its canonical form.
func (s *Scheduler) ReadBatch(ctx context.Context, store barstore.BarStore, symbols []string, interval string, start, end time.Time) (map[string][]barstore.Bar, error) {
	out := make(map[string][]barstore.Bar, len(symbols))
	for _, sym := range symbols {
		bars, err := s.ReadHistory(ctx, store, sym, interval, start, end)
		if err != nil {
			return nil, fmt.Errorf("dmscore: read_batch(%s): %w", sym, err)
		}
		out[sym] = bars
	}
	return out, nil
}
