package zuilowsched

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quantcore/platform/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_history (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	job_name      TEXT NOT NULL,
	trigger_time  TEXT NOT NULL,
	start_time    TEXT NOT NULL,
	end_time      TEXT,
	status        TEXT NOT NULL,
	signals_count INTEGER NOT NULL DEFAULT 0,
	signals       TEXT,
	error         TEXT
);
CREATE INDEX IF NOT EXISTS idx_job_history_job ON job_history(job_name, start_time);
`

// Repository persists JobHistory rows.
type Repository struct {
	db *store.DB
}

// NewRepository opens (migrating if necessary) the ZuiLow metadata store.
func NewRepository(db *store.DB) (*Repository, error) {
	if err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("zuilowsched: migrate: %w", err)
	}
	return &Repository{db: db}, nil
}

// InsertHistory appends a JobHistory row and returns its ID.
func (r *Repository) InsertHistory(h JobHistory) (int64, error) {
	res, err := r.db.Conn().Exec(`
		INSERT INTO job_history (job_name, trigger_time, start_time, end_time, status, signals_count, signals, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, h.JobName, fmtTime(h.TriggerTime), fmtTime(h.StartTime), fmtTimeOrNil(h.EndTime), string(h.Status), h.SignalsCount, h.Signals, h.Error)
	if err != nil {
		return 0, fmt.Errorf("zuilowsched: insert history: %w", err)
	}
	return res.LastInsertId()
}

// UpdateHistory completes a previously-inserted history row.
func (r *Repository) UpdateHistory(id int64, status JobStatus, end time.Time, signalsCount int, signals, errMsg string) error {
	_, err := r.db.Conn().Exec(`
		UPDATE job_history SET status=?, end_time=?, signals_count=?, signals=?, error=? WHERE id=?
	`, string(status), fmtTime(end), signalsCount, signals, errMsg, id)
	if err != nil {
		return fmt.Errorf("zuilowsched: update history: %w", err)
	}
	return nil
}

// ListHistory returns JobHistory rows, optionally filtered by job
// name, newest first.
func (r *Repository) ListHistory(jobName string, limit, offset int) ([]JobHistory, error) {
	var rows *sql.Rows
	var err error
	if jobName != "" {
		rows, err = r.db.Conn().Query(`
			SELECT id, job_name, trigger_time, start_time, end_time, status, signals_count, signals, error
			FROM job_history WHERE job_name = ? ORDER BY start_time DESC LIMIT ? OFFSET ?
		`, jobName, limit, offset)
	} else {
		rows, err = r.db.Conn().Query(`
			SELECT id, job_name, trigger_time, start_time, end_time, status, signals_count, signals, error
			FROM job_history ORDER BY start_time DESC LIMIT ? OFFSET ?
		`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("zuilowsched: list history: %w", err)
	}
	defer rows.Close()

	var out []JobHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistory(row rowScanner) (JobHistory, error) {
	var h JobHistory
	var trigger, start string
	var end, signals, errMsg sql.NullString
	var status string
	if err := row.Scan(&h.ID, &h.JobName, &trigger, &start, &end, &status, &h.SignalsCount, &signals, &errMsg); err != nil {
		return JobHistory{}, fmt.Errorf("zuilowsched: scan history: %w", err)
	}
	h.TriggerTime = parseTime(trigger)
	h.StartTime = parseTime(start)
	if end.Valid {
		h.EndTime = parseTime(end.String)
	}
	h.Status = JobStatus(status)
	h.Signals = signals.String
	h.Error = errMsg.String
	return h, nil
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func fmtTimeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
