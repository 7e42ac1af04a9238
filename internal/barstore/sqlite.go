package barstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quantcore/platform/internal/store"
	"github.com/quantcore/platform/internal/symbol"
)

const schema = `
CREATE TABLE IF NOT EXISTS bars (
	symbol    TEXT NOT NULL,
	interval  TEXT NOT NULL,
	ts        TEXT NOT NULL,
	open      REAL NOT NULL,
	high      REAL NOT NULL,
	low       REAL NOT NULL,
	close     REAL NOT NULL,
	volume    REAL NOT NULL,
	PRIMARY KEY (symbol, interval, ts)
);
CREATE INDEX IF NOT EXISTS idx_bars_symbol_interval_ts ON bars(symbol, interval, ts);
`

// SQLiteStore is the primary BarStore implementation, backed by the
// service's local SQLite database.
type SQLiteStore struct {
	db *store.DB
}

// NewSQLiteStore opens (migrating if necessary) a SQLite-backed
// BarStore. Connection failure here is meant to be treated as fatal
// by the caller (spec §4.3: "Connection failure to the BarStore on
// startup is fatal").
func NewSQLiteStore(db *store.DB) (*SQLiteStore, error) {
	if err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("barstore: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Write(ctx context.Context, bars []Bar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("barstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (symbol, interval, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, interval, ts) DO UPDATE SET
			open=excluded.open, high=excluded.high, low=excluded.low,
			close=excluded.close, volume=excluded.volume
	`)
	if err != nil {
		return fmt.Errorf("barstore: prepare: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		b = b.Canonical()
		if err := b.Validate(); err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, b.Symbol, b.Interval, b.Timestamp.UTC().Format(timeLayout),
			b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("barstore: insert %s: %w", b.Symbol, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Read(ctx context.Context, sym, interval string, start, end time.Time) ([]Bar, error) {
	canon := symbol.Canonicalize(sym)
	if canon == "" {
		return nil, nil
	}
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT symbol, interval, ts, open, high, low, close, volume
		FROM bars WHERE symbol = ? AND interval = ? AND ts BETWEEN ? AND ?
		ORDER BY ts ASC
	`, canon, interval, start.UTC().Format(timeLayout), end.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("barstore: read: %w", err)
	}
	defer rows.Close()
	return scanBars(rows)
}

func (s *SQLiteStore) LatestTimestamp(ctx context.Context, sym, interval string) (time.Time, bool, error) {
	canon := symbol.Canonicalize(sym)
	if canon == "" {
		return time.Time{}, false, nil
	}
	var ts sql.NullString
	err := s.db.Conn().QueryRowContext(ctx, `
		SELECT MAX(ts) FROM bars WHERE symbol = ? AND interval = ?
	`, canon, interval).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("barstore: latest: %w", err)
	}
	if !ts.Valid || ts.String == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(timeLayout, ts.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("barstore: parse latest ts: %w", err)
	}
	return t, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sym, interval string, start, end time.Time) error {
	canon := symbol.Canonicalize(sym)
	if canon == "" {
		return nil
	}
	_, err := s.db.Conn().ExecContext(ctx, `
		DELETE FROM bars WHERE symbol = ? AND interval = ? AND ts BETWEEN ? AND ?
	`, canon, interval, start.UTC().Format(timeLayout), end.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("barstore: delete: %w", err)
	}
	return nil
}

// Clear wipes every row from the bars table. Used only behind the
// DMS master-role "/database/clear" endpoint.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.Conn().ExecContext(ctx, `DELETE FROM bars`)
	if err != nil {
		return fmt.Errorf("barstore: clear: %w", err)
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

func scanBars(rows *sql.Rows) ([]Bar, error) {
	var out []Bar
	for rows.Next() {
		var b Bar
		var ts string
		if err := rows.Scan(&b.Symbol, &b.Interval, &ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("barstore: scan: %w", err)
		}
		t, err := time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("barstore: parse ts: %w", err)
		}
		b.Timestamp = t
		out = append(out, b)
	}
	return out, rows.Err()
}
