package dmscore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quantcore/platform/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS maintenance_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task       TEXT NOT NULL,
	task_kind  TEXT NOT NULL,
	start_time TEXT NOT NULL,
	end_time   TEXT,
	status     TEXT NOT NULL,
	data_count INTEGER NOT NULL DEFAULT 0,
	message    TEXT,
	error      TEXT
);
CREATE INDEX IF NOT EXISTS idx_maintenance_log_task ON maintenance_log(task, start_time);

CREATE TABLE IF NOT EXISTS sync_history (
	backup         TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	interval       TEXT NOT NULL,
	last_sync_time TEXT,
	last_status    TEXT,
	last_start     TEXT,
	last_end       TEXT,
	last_count     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (backup, symbol, interval)
);
`

// Repository persists MaintenanceLog rows and SyncHistory watermarks.
type Repository struct {
	db *store.DB
}

// NewRepository opens (migrating if necessary) the DMS metadata store.
func NewRepository(db *store.DB) (*Repository, error) {
	if err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("dmscore: migrate: %w", err)
	}
	return &Repository{db: db}, nil
}

// InsertLog appends a MaintenanceLog row and returns its ID.
func (r *Repository) InsertLog(l MaintenanceLog) (int64, error) {
	res, err := r.db.Conn().Exec(`
		INSERT INTO maintenance_log (task, task_kind, start_time, end_time, status, data_count, message, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, l.Task, string(l.TaskKind), fmtTime(l.StartTime), fmtTimeOrNil(l.EndTime), string(l.Status), l.DataCount, l.Message, l.Error)
	if err != nil {
		return 0, fmt.Errorf("dmscore: insert log: %w", err)
	}
	return res.LastInsertId()
}

// UpdateLog completes a previously-inserted log row.
func (r *Repository) UpdateLog(id int64, status TaskStatus, end time.Time, dataCount int, message, errMsg string) error {
	_, err := r.db.Conn().Exec(`
		UPDATE maintenance_log SET status=?, end_time=?, data_count=?, message=?, error=? WHERE id=?
	`, string(status), fmtTime(end), dataCount, message, errMsg, id)
	if err != nil {
		return fmt.Errorf("dmscore: update log: %w", err)
	}
	return nil
}

// LastLog returns the most recent MaintenanceLog row for task, used to
// derive state after a restart.
func (r *Repository) LastLog(task string) (*MaintenanceLog, error) {
	row := r.db.Conn().QueryRow(`
		SELECT id, task, task_kind, start_time, end_time, status, data_count, message, error
		FROM maintenance_log WHERE task = ? ORDER BY start_time DESC LIMIT 1
	`, task)
	var l MaintenanceLog
	var start string
	var end, msg, errMsg sql.NullString
	var kind, status string
	if err := row.Scan(&l.ID, &l.Task, &kind, &start, &end, &status, &l.DataCount, &msg, &errMsg); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("dmscore: last log: %w", err)
	}
	l.TaskKind = TaskKind(kind)
	l.Status = TaskStatus(status)
	l.StartTime = parseTime(start)
	if end.Valid {
		l.EndTime = parseTime(end.String)
	}
	l.Message = msg.String
	l.Error = errMsg.String
	return &l, nil
}

// ListLogs returns MaintenanceLog rows, optionally filtered by task
// name, newest first.
func (r *Repository) ListLogs(task string, limit, offset int) ([]MaintenanceLog, error) {
	var rows *sql.Rows
	var err error
	if task != "" {
		rows, err = r.db.Conn().Query(`
			SELECT id, task, task_kind, start_time, end_time, status, data_count, message, error
			FROM maintenance_log WHERE task = ? ORDER BY start_time DESC LIMIT ? OFFSET ?
		`, task, limit, offset)
	} else {
		rows, err = r.db.Conn().Query(`
			SELECT id, task, task_kind, start_time, end_time, status, data_count, message, error
			FROM maintenance_log ORDER BY start_time DESC LIMIT ? OFFSET ?
		`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("dmscore: list logs: %w", err)
	}
	defer rows.Close()

	var out []MaintenanceLog
	for rows.Next() {
		var l MaintenanceLog
		var start string
		var end, msg, errMsg sql.NullString
		var kind, status string
		if err := rows.Scan(&l.ID, &l.Task, &kind, &start, &end, &status, &l.DataCount, &msg, &errMsg); err != nil {
			return nil, fmt.Errorf("dmscore: scan log: %w", err)
		}
		l.TaskKind = TaskKind(kind)
		l.Status = TaskStatus(status)
		l.StartTime = parseTime(start)
		if end.Valid {
			l.EndTime = parseTime(end.String)
		}
		l.Message = msg.String
		l.Error = errMsg.String
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetWatermark returns the replication high-watermark for
// (backup, symbol, interval), and ok=false if none recorded yet.
func (r *Repository) GetWatermark(backup, sym, interval string) (time.Time, bool, error) {
	var ts sql.NullString
	err := r.db.Conn().QueryRow(`
		SELECT last_sync_time FROM sync_history WHERE backup=? AND symbol=? AND interval=?
	`, backup, sym, interval).Scan(&ts)
	if err == sql.ErrNoRows || !ts.Valid {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("dmscore: get watermark: %w", err)
	}
	return parseTime(ts.String), true, nil
}

// SetWatermark upserts the replication high-watermark and the audit
// fields for (backup, symbol, interval). Only called after a
// successful replication copy.
func (r *Repository) SetWatermark(h SyncHistory) error {
	_, err := r.db.Conn().Exec(`
		INSERT INTO sync_history (backup, symbol, interval, last_sync_time, last_status, last_start, last_end, last_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(backup, symbol, interval) DO UPDATE SET
			last_sync_time=excluded.last_sync_time, last_status=excluded.last_status,
			last_start=excluded.last_start, last_end=excluded.last_end, last_count=excluded.last_count
	`, h.Backup, h.Symbol, h.Interval, fmtTime(h.LastSyncTime), string(h.LastStatus),
		fmtTime(h.LastStart), fmtTime(h.LastEnd), h.LastCount)
	if err != nil {
		return fmt.Errorf("dmscore: set watermark: %w", err)
	}
	return nil
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
