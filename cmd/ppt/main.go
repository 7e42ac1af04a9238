// Command ppt runs the PaperBook execution daemon (spec C6): a
// deterministic single-threaded paper-trading simulator serving the
// order/account/equity API under /api.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/config"
	"github.com/quantcore/platform/internal/httpapi"
	"github.com/quantcore/platform/internal/paperbook"
	"github.com/quantcore/platform/internal/store"
	"github.com/quantcore/platform/pkg/logger"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting PaperBook")

	cfg, err := config.LoadPPT()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(lvl)
	}

	db, err := store.Open(store.Config{Path: cfg.DatabasePath, Name: "ppt", Profile: store.ProfileLedger})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	repo, err := paperbook.NewRepository(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open PaperBook repository")
	}

	clk := clock.New()
	quote := &dmsQuoteSource{baseURL: cfg.QuoteSourceURL, client: &http.Client{Timeout: 10 * time.Second}}
	initialCapital := decimal.NewFromFloat(cfg.DefaultInitialCapital)
	execCfg := paperbook.ExecutionConfig{
		SlippagePct:    decimal.NewFromFloat(cfg.SlippageBps / 10000),
		CommissionRate: decimal.NewFromFloat(cfg.CommissionBps / 10000),
		MinCommission:  decimal.Zero,
		FillModel:      paperbook.FullFill{},
	}
	svc, err := paperbook.NewService(execCfg, repo, clk, quote, log, initialCapital)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize PaperBook service")
	}

	handlers := paperbook.NewHandlers(svc, cfg.WebhookToken, log)
	r := httpapi.NewRouter(log)
	r.Route("/api", handlers.Mount)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("PaperBook started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down PaperBook")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("PaperBook stopped")
}

// dmsQuoteSource resolves equity-recomputation quotes from DMS's last
// daily bar close, per spec §4.4's "quote source Q" contract.
type dmsQuoteSource struct {
	baseURL string
	client  *http.Client
}

func (q *dmsQuoteSource) GetQuote(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -10)
	body, _ := json.Marshal(map[string]any{
		"symbols": []string{symbol}, "interval": "1d",
		"start_date": start.Format(time.RFC3339), "end_date": end.Format(time.RFC3339),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+"/api/dms/read/batch", bytes.NewReader(body))
	if err != nil {
		return decimal.Zero, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := q.client.Do(req)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("ppt: quote source unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, false, nil
	}
	var parsed map[string]struct {
		Data []struct {
			Close float64 `json:"Close"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return decimal.Zero, false, nil
	}
	series, ok := parsed[symbol]
	if !ok || len(series.Data) == 0 {
		return decimal.Zero, false, nil
	}
	return decimal.NewFromFloat(series.Data[len(series.Data)-1].Close), true, nil
}
