package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantcore/platform/internal/barstore"
)

// Stub is an in-memory Fetcher used by tests and by the reference
// wiring in cmd/dms when no real upstream client is configured. It is
// not a market-data provider: it exists so the DMS task scheduler has
// something to call through the Fetcher interface.
type Stub struct {
	mu    sync.Mutex
	bars  map[string][]barstore.Bar // key: symbol|interval
	quote map[string]Quote
}

// NewStub creates an empty in-memory Fetcher.
func NewStub() *Stub {
	return &Stub{bars: map[string][]barstore.Bar{}, quote: map[string]Quote{}}
}

// Seed preloads bars for a symbol/interval, used by tests.
func (s *Stub) Seed(sym, interval string, bars []barstore.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[sym+"|"+interval] = bars
}

// SeedQuote preloads a quote for a symbol, used by tests.
func (s *Stub) SeedQuote(sym string, q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quote[sym] = q
}

func (s *Stub) History(_ context.Context, sym, interval string, start, end time.Time) ([]barstore.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.bars[sym+"|"+interval]
	var out []barstore.Bar
	for _, b := range all {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Stub) Quote(_ context.Context, sym string) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quote[sym]
	if !ok {
		return Quote{}, fmt.Errorf("fetcher: no quote seeded for %s", sym)
	}
	return q, nil
}
