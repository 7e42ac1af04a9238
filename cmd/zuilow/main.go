// Command zuilow runs the ZuiLow scheduler daemon (spec C9): it fires
// strategy and execution jobs on cron/interval/market-time triggers,
// persists the signals they emit, and drains due signals against the
// configured broker gateways.
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

	"github.com/quantcore/platform/internal/barstore"
	"github.com/quantcore/platform/internal/broker"
	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/config"
	"github.com/quantcore/platform/internal/executor"
	"github.com/quantcore/platform/internal/httpapi"
	"github.com/quantcore/platform/internal/signalstore"
	"github.com/quantcore/platform/internal/store"
	"github.com/quantcore/platform/internal/strategy"

	// side-effect import: registers the built-in strategies into
	// strategy.DefaultRegistry at init time, per Design Note "Dynamic
	// strategy loading".
	_ "github.com/quantcore/platform/internal/strategy/builtins"

	"github.com/quantcore/platform/internal/zuilowsched"
	"github.com/quantcore/platform/pkg/logger"
	"github.com/rs/zerolog"
)

func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting ZuiLow")

	cfg, err := config.LoadZuiLow()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(lvl)
	}

	db, err := store.Open(store.Config{Path: cfg.DatabasePath, Name: "zuilow", Profile: store.ProfileStandard})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	signalsDB, err := store.Open(store.Config{Path: cfg.SignalStorePath, Name: "signals", Profile: store.ProfileLedger})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open signal store database")
	}
	defer signalsDB.Close()

	signals, err := signalstore.New(signalsDB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize signal store")
	}

	repo, err := zuilowsched.NewRepository(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open ZuiLow repository")
	}

	clk := clock.New()
	accounts := executor.StaticAccountTypes(cfg.AccountTypes)
	gateways := newGatewayRegistry(cfg, log)

	exec := executor.New(signals, gateways, accounts, clk, log)
	history := &dmsHistoryProvider{baseURL: cfg.DMSBaseURL, client: &http.Client{Timeout: 30 * time.Second}}
	quotes := &gatewayQuoteProvider{gateways: gateways, accounts: accounts, defaultAccount: cfg.DefaultAccount}
	runner := strategy.NewRunner(history, quotes, clk.Now)

	sched := zuilowsched.New(zuilowsched.Config{
		Registry: strategy.DefaultRegistry, Runner: runner, Store: signals, Exec: exec,
		Repo: repo, Clock: clk, Log: log, Workers: cfg.Workers,
		WakeInterval: time.Duration(cfg.WakeIntervalSecs) * time.Second,
	})
	sched.Start(context.Background())
	defer sched.Stop(10 * time.Second)

	handlers := zuilowsched.NewHandlers(sched, signals, gateways, accounts, cfg.DefaultAccount, log)
	r := httpapi.NewRouter(log)
	r.Route("/api", handlers.Mount)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("ZuiLow started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down ZuiLow")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("ZuiLow stopped")
}

// newGatewayRegistry registers one Gateway per distinct broker type
// named in cfg.AccountTypes, per §4.8's routing table.
func newGatewayRegistry(cfg *config.ZuiLow, log zerolog.Logger) *broker.Registry {
	reg := broker.NewRegistry()
	seen := map[string]bool{}
	for _, t := range cfg.AccountTypes {
		if seen[t] {
			continue
		}
		seen[t] = true
		switch t {
		case "paper":
			quotes := &paperQuoteSource{baseURL: cfg.DMSBaseURL, client: &http.Client{Timeout: 10 * time.Second}}
			reg.Register("paper", broker.NewPaperGateway(cfg.PaperBaseURL+"/api", "", quotes, log))
		case "futu":
			reg.Register("futu", broker.NewFutuGateway(cfg.FutuBaseURL, log))
		case "ibkr":
			reg.Register("ibkr", broker.NewIBKRGateway(cfg.IBKRBaseURL, log))
		default:
			log.Warn().Str("account_type", t).Msg("unknown broker account type, no gateway registered")
		}
	}
	return reg
}

// paperQuoteSource resolves PaperGateway's data channel from DMS's
// latest daily bar close, mirroring cmd/ppt's equity quote source.
type paperQuoteSource struct {
	baseURL string
	client  *http.Client
}

func (q *paperQuoteSource) GetQuote(ctx context.Context, sym string) (float64, bool, error) {
	hp := &dmsHistoryProvider{baseURL: q.baseURL, client: q.client}
	bars, err := hp.Read(ctx, sym, "1d", time.Now().UTC().AddDate(0, 0, -10), time.Now().UTC())
	if err != nil {
		return 0, false, err
	}
	if len(bars) == 0 {
		return 0, false, nil
	}
	return bars[len(bars)-1].Close, true, nil
}

// dmsHistoryProvider implements strategy.HistoryProvider over DMS's
// HTTP read/batch endpoint, since ZuiLow does not hold its own BarStore.
type dmsHistoryProvider struct {
	baseURL string
	client  *http.Client
}

func (p *dmsHistoryProvider) Read(ctx context.Context, sym, interval string, start, end time.Time) ([]barstore.Bar, error) {
	body, _ := json.Marshal(map[string]any{
		"symbols": []string{sym}, "interval": interval,
		"start_date": start.Format(time.RFC3339), "end_date": end.Format(time.RFC3339),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/dms/read/batch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("zuilow: DMS history unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("zuilow: DMS history returned %d", resp.StatusCode)
	}
	var parsed map[string]struct {
		Data []struct {
			Open, High, Low, Close, Volume float64
		} `json:"data"`
		Index []string `json:"index"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	series, ok := parsed[sym]
	if !ok {
		return nil, nil
	}
	bars := make([]barstore.Bar, 0, len(series.Data))
	for i, d := range series.Data {
		ts, err := time.Parse(time.RFC3339, series.Index[i])
		if err != nil {
			continue
		}
		bars = append(bars, barstore.Bar{
			Symbol: sym, Interval: interval, Timestamp: ts,
			Open: d.Open, High: d.High, Low: d.Low, Close: d.Close, Volume: d.Volume,
		})
	}
	return bars, nil
}

// gatewayQuoteProvider resolves strategy.QuoteProvider through the
// default account's gateway, guaranteeing a single shared gateway
// across every strategy evaluation per §4.6 step 2a.
type gatewayQuoteProvider struct {
	gateways       *broker.Registry
	accounts       executor.AccountTypes
	defaultAccount string
}

func (q *gatewayQuoteProvider) GetQuote(ctx context.Context, sym string) (float64, bool, error) {
	accType, ok := q.accounts.AccountType(q.defaultAccount)
	if !ok {
		return 0, false, fmt.Errorf("zuilow: default account %q has no configured broker type", q.defaultAccount)
	}
	gw, ok := q.gateways.Resolve(accType)
	if !ok {
		return 0, false, fmt.Errorf("zuilow: no gateway registered for broker type %q", accType)
	}
	quote, err := gw.GetQuote(ctx, sym, nil)
	if err != nil {
		return 0, false, err
	}
	return quote.Price, true, nil
}
