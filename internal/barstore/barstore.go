// Package barstore defines the BarStore interface (spec C2, an
// external collaborator whose physical engine is out of scope) and
// provides two concrete implementations used by DMS: a SQLite-backed
// primary store and an S3-backed backup store for replication fan-out.
package barstore

import (
	"context"
	"fmt"
	"time"

	"github.com/quantcore/platform/internal/symbol"
)

// Bar is one OHLCV row, keyed by (symbol, interval, timestamp).
type Bar struct {
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate enforces the Bar invariants from spec §3.
func (b Bar) Validate() error {
	if b.Low > b.Open || b.Low > b.Close || b.Open > b.High || b.Close > b.High {
		return fmt.Errorf("barstore: bar %s@%s invariant violated: low=%v open=%v close=%v high=%v",
			b.Symbol, b.Timestamp, b.Low, b.Open, b.Close, b.High)
	}
	if b.Volume < 0 {
		return fmt.Errorf("barstore: bar %s@%s has negative volume %v", b.Symbol, b.Timestamp, b.Volume)
	}
	return nil
}

// Canonical returns b with its Symbol canonicalized.
func (b Bar) Canonical() Bar {
	b.Symbol = symbol.Canonicalize(b.Symbol)
	return b
}

// BarStore is the external time-series store contract. Every read and
// write canonicalizes its symbol argument(s) first; there is no
// fallback lookup by a non-canonical spelling.
type BarStore interface {
	// Write upserts bars, replacing any existing row for the same
	// (symbol, interval, timestamp) key.
	Write(ctx context.Context, bars []Bar) error

	// Read returns bars for symbol/interval in [start, end], ordered by
	// timestamp ascending.
	Read(ctx context.Context, sym, interval string, start, end time.Time) ([]Bar, error)

	// LatestTimestamp returns the most recent timestamp stored for
	// (symbol, interval), and ok=false if no rows exist.
	LatestTimestamp(ctx context.Context, sym, interval string) (t time.Time, ok bool, err error)

	// Delete removes all rows for symbol/interval within [start, end],
	// used by full-sync and repair to overwrite ranges.
	Delete(ctx context.Context, sym, interval string, start, end time.Time) error
}

// Clearable is implemented by BarStores that support wiping all data,
// used by the DMS "/database/clear" master-role endpoint.
type Clearable interface {
	Clear(ctx context.Context) error
}
