package dmscore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantcore/platform/internal/barstore"
	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/metrics"
	"github.com/quantcore/platform/internal/symbol"
	"github.com/rs/zerolog"
)

// Backup is one configured replication target.
type Backup struct {
	Name    string
	Store   barstore.BarStore
	Enabled bool
}

// Replicator fans a primary BarStore's writes out to a set of backup
// BarStores, per spec §4.3. Per-backup sync runs in a bounded worker
// pool; realtime fan-out after a primary write is best-effort and
// never fails the primary write path.
type Replicator struct {
	primary    barstore.BarStore
	backups    []Backup
	repo       *Repository
	clock      *clock.Clock
	log        zerolog.Logger
	poolSize   int
	retryTimes int
	retryDelay time.Duration
	expBackoff bool
}

// ReplicatorConfig configures a Replicator.
type ReplicatorConfig struct {
	Primary    barstore.BarStore
	Backups    []Backup
	Repo       *Repository
	Clock      *clock.Clock
	Log        zerolog.Logger
	PoolSize   int // default 5
	RetryTimes int // default 3
	RetryDelay time.Duration
	ExponentialBackoff bool
}

// NewReplicator builds a Replicator from cfg.
func NewReplicator(cfg ReplicatorConfig) *Replicator {
	pool := cfg.PoolSize
	if pool <= 0 {
		pool = 5
	}
	retries := cfg.RetryTimes
	if retries <= 0 {
		retries = 3
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Replicator{
		primary:    cfg.Primary,
		backups:    cfg.Backups,
		repo:       cfg.Repo,
		clock:      cfg.Clock,
		log:        cfg.Log.With().Str("component", "dms_replication").Logger(),
		poolSize:   pool,
		retryTimes: retries,
		retryDelay: delay,
		expBackoff: cfg.ExponentialBackoff,
	}
}

// SyncAll runs an incremental (or, if full, a fixed-range) replication
// pass of (symbol, interval) to every enabled backup, fanned out over
// a bounded worker pool (default concurrency 5).
func (r *Replicator) SyncAll(ctx context.Context, sym, interval string, full bool, start, end time.Time) {
	sym = symbol.Canonicalize(sym)
	sem := make(chan struct{}, r.poolSize)
	var wg sync.WaitGroup
	for _, b := range r.backups {
		if !b.Enabled {
			continue
		}
		b := b
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.syncOneWithRetry(ctx, b, sym, interval, full, start, end); err != nil {
				r.log.Error().Err(err).Str("backup", b.Name).Str("symbol", sym).Msg("backup sync failed, will be caught by next incremental run")
			}
		}()
	}
	wg.Wait()
}

func (r *Replicator) syncOneWithRetry(ctx context.Context, b Backup, sym, interval string, full bool, fullStart, fullEnd time.Time) error {
	var lastErr error
	for attempt := 0; attempt < r.retryTimes; attempt++ {
		lastErr = r.syncOne(ctx, b, sym, interval, full, fullStart, fullEnd)
		if lastErr == nil {
			return nil
		}
		if attempt == r.retryTimes-1 {
			break
		}
		wait := r.retryDelay
		if r.expBackoff {
			wait = r.retryDelay * time.Duration(1<<attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

func (r *Replicator) syncOne(ctx context.Context, b Backup, sym, interval string, full bool, fullStart, fullEnd time.Time) error {
	now := r.clock.Now()
	var start, end time.Time
	if full {
		start, end = fullStart, fullEnd
	} else {
		wm, ok, err := r.repo.GetWatermark(b.Name, sym, interval)
		if err != nil {
			return fmt.Errorf("dmscore: replication watermark(%s): %w", b.Name, err)
		}
		if !ok {
			// No watermark yet: this is effectively a first-time full copy.
			wm = time.Time{}
		}
		start, end = wm, now
		if !wm.IsZero() {
			start = wm.Add(time.Nanosecond) // strictly after the watermark
		}
	}
	if start.After(end) {
		return nil
	}

	bars, err := r.primary.Read(ctx, sym, interval, start, end)
	if err != nil {
		return fmt.Errorf("dmscore: replication read primary: %w", err)
	}
	if len(bars) == 0 {
		return nil
	}
	if err := b.Store.Write(ctx, bars); err != nil {
		return fmt.Errorf("dmscore: replication write %s: %w", b.Name, err)
	}

	latest := bars[len(bars)-1].Timestamp
	if err := r.repo.SetWatermark(SyncHistory{
		Backup: b.Name, Symbol: sym, Interval: interval,
		LastSyncTime: latest, LastStatus: StatusCompleted,
		LastStart: now, LastEnd: r.clock.Now(), LastCount: len(bars),
	}); err != nil {
		return err
	}
	metrics.DMSReplicationLag.WithLabelValues(b.Name, sym).Set(r.clock.Now().Sub(latest).Seconds())
	return nil
}

// FanOutRealtime spawns a best-effort background copy of freshly
// written bars to every enabled backup. Failures never affect the
// primary write path that already committed (spec §4.3 "Realtime
// fan-out"); there is no durable outbox, matching the spec's
// open-question note that this is fire-and-forget by design.
func (r *Replicator) FanOutRealtime(ctx context.Context, bars []barstore.Bar) {
	if len(bars) == 0 {
		return
	}
	for _, b := range r.backups {
		if !b.Enabled {
			continue
		}
		b := b
		go func() {
			if err := b.Store.Write(ctx, bars); err != nil {
				r.log.Warn().Err(err).Str("backup", b.Name).Msg("realtime fan-out copy failed, relying on next incremental replication")
			}
		}()
	}
}
