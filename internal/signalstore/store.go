package signalstore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/quantcore/platform/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS trading_signals (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	job_name    TEXT NOT NULL,
	account     TEXT NOT NULL,
	market      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	symbol      TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	trigger_at  TEXT,
	executed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_signals_account_market_status ON trading_signals(account, market, status);
CREATE INDEX IF NOT EXISTS idx_signals_trigger_at ON trading_signals(trigger_at);
`

// Store is the durable SignalStore (spec C7), backed by SQLite with
// the teacher's ledger profile (maximum-safety PRAGMAs — this is an
// audit trail, not a cache).
type Store struct {
	db *store.DB
}

// New migrates the schema and returns a Store.
func New(db *store.DB) (*Store, error) {
	if err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("signalstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

const tsLayout = time.RFC3339

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(tsLayout)
}

// Add inserts one signal in PENDING status and returns its assigned ID.
func (s *Store) Add(sig TradingSignal) (int64, error) {
	if sig.Status == "" {
		sig.Status = StatusPending
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Conn().Exec(`
		INSERT INTO trading_signals (job_name, account, market, kind, symbol, payload, status, created_at, trigger_at, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sig.JobName, sig.Account, sig.Market, string(sig.Kind), sig.Symbol, string(sig.Payload), string(sig.Status),
		sig.CreatedAt.UTC().Format(tsLayout), nullableTime(sig.TriggerAt), nullableTime(sig.ExecutedAt))
	if err != nil {
		return 0, fmt.Errorf("signalstore: add: %w", err)
	}
	return res.LastInsertId()
}

// AddMany inserts a batch of signals in a single transaction,
// preserving their relative creation order for the FIFO guarantee.
func (s *Store) AddMany(sigs []TradingSignal) ([]int64, error) {
	if len(sigs) == 0 {
		return nil, nil
	}
	tx, err := s.db.Conn().Begin()
	if err != nil {
		return nil, fmt.Errorf("signalstore: add_many begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO trading_signals (job_name, account, market, kind, symbol, payload, status, created_at, trigger_at, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(sigs))
	now := time.Now().UTC()
	for _, sig := range sigs {
		if sig.Status == "" {
			sig.Status = StatusPending
		}
		if sig.CreatedAt.IsZero() {
			sig.CreatedAt = now
		}
		res, err := stmt.Exec(sig.JobName, sig.Account, sig.Market, string(sig.Kind), sig.Symbol, string(sig.Payload),
			string(sig.Status), sig.CreatedAt.UTC().Format(tsLayout), nullableTime(sig.TriggerAt), nullableTime(sig.ExecutedAt))
		if err != nil {
			return nil, fmt.Errorf("signalstore: add_many insert: %w", err)
		}
		id, _ := res.LastInsertId()
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Get returns one signal by ID.
func (s *Store) Get(id int64) (TradingSignal, bool, error) {
	row := s.db.Conn().QueryRow(`
		SELECT id, job_name, account, market, kind, symbol, payload, status, created_at, trigger_at, executed_at
		FROM trading_signals WHERE id = ?
	`, id)
	sig, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return TradingSignal{}, false, nil
	}
	if err != nil {
		return TradingSignal{}, false, fmt.Errorf("signalstore: get: %w", err)
	}
	return sig, true, nil
}

// Cancel transitions a PENDING signal to CANCELLED. Returns an error
// if the signal is not currently PENDING (no backward or lateral
// transitions are permitted).
func (s *Store) Cancel(id int64) error {
	res, err := s.db.Conn().Exec(`
		UPDATE trading_signals SET status = ? WHERE id = ? AND status = ?
	`, string(StatusCancelled), id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("signalstore: cancel: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("signalstore: signal %d is not PENDING", id)
	}
	return nil
}

// UpdateStatus transitions a PENDING signal to a terminal status,
// optionally stamping executed_at. Only PENDING -> terminal is
// permitted; this is enforced by the WHERE clause, not a prior read.
func (s *Store) UpdateStatus(id int64, status Status, executedAt *time.Time) error {
	if status == StatusPending {
		return fmt.Errorf("signalstore: cannot transition to PENDING")
	}
	res, err := s.db.Conn().Exec(`
		UPDATE trading_signals SET status = ?, executed_at = ? WHERE id = ? AND status = ?
	`, string(status), nullableTime(executedAt), id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("signalstore: update_status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("signalstore: signal %d is not PENDING", id)
	}
	return nil
}

// ListPending returns PENDING signals due at or before triggerAtBefore
// (or with no trigger_at at all), ordered created_at ascending (FIFO).
func (s *Store) ListPending(account, market string, triggerAtBefore time.Time) ([]TradingSignal, error) {
	query := `
		SELECT id, job_name, account, market, kind, symbol, payload, status, created_at, trigger_at, executed_at
		FROM trading_signals
		WHERE status = ? AND (trigger_at IS NULL OR trigger_at <= ?)
	`
	args := []any{string(StatusPending), triggerAtBefore.UTC().Format(tsLayout)}
	if account != "" {
		query += ` AND account = ?`
		args = append(args, account)
	}
	if market != "" {
		query += ` AND market = ?`
		args = append(args, market)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("signalstore: list_pending: %w", err)
	}
	defer rows.Close()
	return scanSignals(rows)
}

// ListSignals applies Filters and pagination, newest first.
func (s *Store) ListSignals(f Filters, offset, limit int) ([]TradingSignal, error) {
	query, args := f.whereClause()
	query = `SELECT id, job_name, account, market, kind, symbol, payload, status, created_at, trigger_at, executed_at
		FROM trading_signals` + query + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, offset)

	rows, err := s.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("signalstore: list_signals: %w", err)
	}
	defer rows.Close()
	return scanSignals(rows)
}

// CountSignals counts rows matching Filters.
func (s *Store) CountSignals(f Filters) (int, error) {
	query, args := f.whereClause()
	query = `SELECT COUNT(*) FROM trading_signals` + query
	var n int
	if err := s.db.Conn().QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("signalstore: count_signals: %w", err)
	}
	return n, nil
}

func (f Filters) whereClause() (string, []any) {
	var clauses []string
	var args []any
	if f.Account != "" {
		clauses = append(clauses, "account = ?")
		args = append(args, f.Account)
	}
	if f.Market != "" {
		clauses = append(clauses, "market = ?")
		args = append(args, f.Market)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.DateFrom != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.DateFrom.UTC().Format(tsLayout))
	}
	if f.DateTo != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.DateTo.UTC().Format(tsLayout))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (TradingSignal, error) {
	var sig TradingSignal
	var kind, payload, status, createdAt string
	var triggerAt, executedAt sql.NullString
	if err := row.Scan(&sig.ID, &sig.JobName, &sig.Account, &sig.Market, &kind, &sig.Symbol, &payload,
		&status, &createdAt, &triggerAt, &executedAt); err != nil {
		return TradingSignal{}, err
	}
	sig.Kind = Kind(kind)
	sig.Payload = []byte(payload)
	sig.Status = Status(status)
	sig.CreatedAt, _ = time.Parse(tsLayout, createdAt)
	if triggerAt.Valid {
		t, _ := time.Parse(tsLayout, triggerAt.String)
		sig.TriggerAt = &t
	}
	if executedAt.Valid {
		t, _ := time.Parse(tsLayout, executedAt.String)
		sig.ExecutedAt = &t
	}
	return sig, nil
}

func scanSignals(rows *sql.Rows) ([]TradingSignal, error) {
	var out []TradingSignal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("signalstore: scan: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}
