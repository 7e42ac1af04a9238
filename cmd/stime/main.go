// Command stime runs the Stime driver daemon (spec C12): a simulation
// clock plus the advance-and-tick job that fans a clock step out to
// every configured consumer, serving the control API at the root
// (no /api prefix, per spec §6.4).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/config"
	"github.com/quantcore/platform/internal/httpapi"
	"github.com/quantcore/platform/internal/stimedrv"
	"github.com/quantcore/platform/pkg/logger"
	"github.com/rs/zerolog"
)

func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting Stime")

	cfg, err := config.LoadStime()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(lvl)
	}

	clk := clock.New()
	if cfg.InitialNow != "" {
		t, err := time.Parse(time.RFC3339, cfg.InitialNow)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid STIME_INITIAL_NOW")
		}
		clk = clock.NewSim(t)
	}

	driver := stimedrv.New(clk, log)
	handlers := stimedrv.NewHandlers(clk, driver, log)
	handlers.SetToken(cfg.WebhookToken)
	handlers.SetDefaults(cfg.TickURLs, time.Duration(cfg.ZuilowTickTimeout)*time.Second)

	ctx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	go handlers.Stream().Run(ctx, 2*time.Second)

	r := httpapi.NewRouter(log)
	handlers.Mount(r)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Stime started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down Stime")
	cancelStream()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("Stime stopped")
}
