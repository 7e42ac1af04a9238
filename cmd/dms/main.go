// Command dms runs the DMS data-maintenance daemon (spec C5): it keeps
// a BarStore current for a symbol universe on cron/interval triggers
// and serves the read/status API under /api/dms.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantcore/platform/internal/barstore"
	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/config"
	"github.com/quantcore/platform/internal/dmscore"
	"github.com/quantcore/platform/internal/fetcher"
	"github.com/quantcore/platform/internal/httpapi"
	"github.com/quantcore/platform/internal/store"
	"github.com/quantcore/platform/pkg/logger"
	"github.com/rs/zerolog"
)

func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting DMS")

	cfg, err := config.LoadDMS()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(lvl)
	}

	db, err := store.Open(store.Config{Path: cfg.DatabasePath, Name: "dms", Profile: store.ProfileStandard})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	primary, err := openBarStore(cfg, db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open bar store")
	}

	repo, err := dmscore.NewRepository(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open DMS repository")
	}

	clk := clock.New()
	fetch := fetcher.NewResilient(fetcher.NewStub(), fetcher.DefaultRetryConfig())
	runner := dmscore.NewTaskRunner(primary, fetch, clk, log)
	cache := dmscore.NewReadCache(1000, 5*time.Minute)

	var replicator *dmscore.Replicator
	if cfg.Role == "master" {
		replicator = dmscore.NewReplicator(dmscore.ReplicatorConfig{
			Primary: primary, Repo: repo, Clock: clk, Log: log, PoolSize: 5, RetryTimes: 3,
			RetryDelay: time.Second, ExponentialBackoff: true,
		})
	}

	sched := dmscore.NewScheduler(dmscore.SchedulerConfig{
		Runner: runner, Repo: repo, Replicator: replicator, Cache: cache, Clock: clk,
		Log: log, WakeInterval: 30 * time.Second,
	})
	for _, t := range defaultTasks(cfg) {
		if err := sched.AddTask(t); err != nil {
			log.Fatal().Err(err).Str("task", t.Name).Msg("failed to register task")
		}
	}
	sched.Start(context.Background())
	defer sched.Stop(10 * time.Second)

	handlers := dmscore.NewHandlers(sched, primary, repo, clk, log, cfg.Role)
	r := httpapi.NewRouter(log)
	r.Route("/api/dms", handlers.Mount)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("DMS started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down DMS")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("DMS stopped")
}

// openBarStore selects the primary BarStore engine per cfg.BarStore.
// DMS_BAR_STORE=s3 is rejected with an error because no S3Client is
// wired here; every other value opens the SQLite engine that shares
// the DMS database file.
func openBarStore(cfg *config.DMS, db *store.DB) (barstore.BarStore, error) {
	switch cfg.BarStore {
	case "s3":
		return nil, fmt.Errorf("dms: DMS_BAR_STORE=s3 requires a configured S3Client; wire one in before enabling this mode")
	default:
		return barstore.NewSQLiteStore(db)
	}
}

// defaultTasks builds the standard four-task universe (spec §4.3) over
// cfg.Symbols/cfg.Interval: a daily incremental sync, a quarterly
// full re-sync, a nightly validation pass, and a disabled repair task
// an operator enables once validation actually flags something.
func defaultTasks(cfg *config.DMS) []dmscore.Task {
	return []dmscore.Task{
		{
			Name: "incremental-sync", Kind: dmscore.KindIncremental, Symbols: cfg.Symbols,
			Interval: cfg.Interval, Enabled: true,
			Trigger:          dmscore.Trigger{Type: dmscore.TriggerCron, Cron: "0 1 * * *"},
			InitialDays:      1825,
			GapThresholdDays: 5,
		},
		{
			Name: "full-sync", Kind: dmscore.KindFullSync, Symbols: cfg.Symbols,
			Interval: cfg.Interval, Enabled: true,
			Trigger: dmscore.Trigger{Type: dmscore.TriggerCron, Cron: "0 2 1 */3 *"},
		},
		{
			Name: "validation", Kind: dmscore.KindValidation, Symbols: cfg.Symbols,
			Interval: cfg.Interval, Enabled: true,
			Trigger:           dmscore.Trigger{Type: dmscore.TriggerCron, Cron: "0 3 * * *"},
			CheckRangeDays:    90,
			MaxPriceChangePct: 0.20,
		},
		{
			Name: "repair", Kind: dmscore.KindRepair, Symbols: cfg.Symbols,
			Interval: cfg.Interval, Enabled: false,
			Trigger:         dmscore.Trigger{Type: dmscore.TriggerInterval, Interval: time.Hour},
			RepairTolerance: 0.01,
		},
	}
}
