// Package fetcher defines the external market-data provider contract
// (spec C3). The provider itself (a Yahoo-style history/quote API) is
// out of scope; this package supplies the interface plus a
// rate-limited, retrying wrapper any concrete client can be plugged
// behind.
package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/quantcore/platform/internal/barstore"
	"golang.org/x/time/rate"
)

// Quote is a point-in-time price snapshot.
type Quote struct {
	Symbol string
	Price  float64
	AsOf   time.Time
}

// Fetcher retrieves historical bars and live quotes from an upstream
// market-data provider.
type Fetcher interface {
	History(ctx context.Context, sym, interval string, start, end time.Time) ([]barstore.Bar, error)
	Quote(ctx context.Context, sym string) (Quote, error)
}

// RetryConfig controls the rate limiting and exponential backoff
// applied around every upstream call.
type RetryConfig struct {
	RequestsPerSecond float64
	Burst             int
	RetryTimes        int
	RetryDelay        time.Duration
	ExponentialBackoff bool
}

// DefaultRetryConfig matches the defaults implied by spec §4.3/§7:
// transient fetcher errors retry with exponential backoff up to
// RetryTimes attempts before surfacing as a task failure.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		RequestsPerSecond: 5,
		Burst:             5,
		RetryTimes:        3,
		RetryDelay:        2 * time.Second,
		ExponentialBackoff: true,
	}
}

// Resilient wraps a Fetcher with a token-bucket rate limiter and
// retry-with-backoff, so every concrete provider client gets the same
// transient-failure handling without reimplementing it.
type Resilient struct {
	inner   Fetcher
	limiter *rate.Limiter
	cfg     RetryConfig
}

// NewResilient wraps inner with rate limiting and retries per cfg.
func NewResilient(inner Fetcher, cfg RetryConfig) *Resilient {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.RetryTimes <= 0 {
		cfg.RetryTimes = 1
	}
	return &Resilient{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:     cfg,
	}
}

func (r *Resilient) History(ctx context.Context, sym, interval string, start, end time.Time) ([]barstore.Bar, error) {
	var bars []barstore.Bar
	err := r.withRetry(ctx, func() error {
		var err error
		bars, err = r.inner.History(ctx, sym, interval, start, end)
		return err
	})
	return bars, err
}

func (r *Resilient) Quote(ctx context.Context, sym string) (Quote, error) {
	var q Quote
	err := r.withRetry(ctx, func() error {
		var err error
		q, err = r.inner.Quote(ctx, sym)
		return err
	})
	return q, err
}

func (r *Resilient) withRetry(ctx context.Context, call func() error) error {
	delay := r.cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	var lastErr error
	for attempt := 0; attempt < r.cfg.RetryTimes; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("fetcher: rate limiter wait: %w", err)
		}
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if attempt == r.cfg.RetryTimes-1 {
			break
		}
		wait := delay
		if r.cfg.ExponentialBackoff {
			wait = delay * time.Duration(1<<attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("fetcher: transient failure after %d attempts: %w", r.cfg.RetryTimes, lastErr)
}
