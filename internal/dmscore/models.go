// Package dmscore implements the DMS data-maintenance core (spec C5):
// a cron/interval task scheduler that keeps a BarStore current for a
// symbol universe, with parallel per-backup replication.
package dmscore

import "time"

// TaskKind enumerates the kinds of maintenance job a Task can run.
type TaskKind string

const (
	KindIncremental TaskKind = "INCREMENTAL"
	KindFullSync    TaskKind = "FULL_SYNC"
	KindValidation  TaskKind = "VALIDATION"
	KindRepair      TaskKind = "REPAIR"
)

// TaskStatus is a Task's lifecycle state.
type TaskStatus string

const (
	StatusIdle      TaskStatus = "IDLE"
	StatusRunning   TaskStatus = "RUNNING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
)

// TriggerType selects how a Task is scheduled.
type TriggerType string

const (
	TriggerCron     TriggerType = "cron"
	TriggerInterval TriggerType = "interval"
)

// Trigger configures when a Task fires.
type Trigger struct {
	Type     TriggerType
	Cron     string        // 5-field cron expression, when Type == cron
	Interval time.Duration // when Type == interval
}

// Task is one maintenance job definition plus its in-memory run state.
type Task struct {
	Name     string
	Kind     TaskKind
	Symbols  []string
	Interval string // bar interval, e.g. "1d"
	Trigger  Trigger
	Enabled  bool

	// Tunables per spec §4.3.
	InitialDays       int     // default 1825
	GapThresholdDays  int     // warn if now - latest > this
	CheckRangeDays    int     // validation lookback window
	MaxPriceChangePct float64 // validation threshold, e.g. 0.20
	RepairTolerance   float64 // repair threshold, default 0.01
	FullSyncStart     time.Time
	FullSyncEnd       time.Time

	// runtime state, guarded by the scheduler's mutex
	Status    TaskStatus
	LastCheck time.Time
}

// MaintenanceLog is an append-only audit row, used to infer task state
// after restart.
type MaintenanceLog struct {
	ID        int64
	Task      string
	TaskKind  TaskKind
	StartTime time.Time
	EndTime   time.Time
	Status    TaskStatus
	DataCount int
	Message   string
	Error     string
}

// SyncHistory is the per-(backup, symbol, interval) high-watermark plus
// the most recent audit row for that pairing.
type SyncHistory struct {
	Backup       string
	Symbol       string
	Interval     string
	LastSyncTime time.Time
	LastStatus   TaskStatus
	LastStart    time.Time
	LastEnd      time.Time
	LastCount    int
}

// ValidationIssue describes one problem found by a VALIDATION task run.
type ValidationIssue struct {
	Symbol    string
	Timestamp time.Time
	Kind      string // "missing_column", "negative_price", "ohlc_violation", "zero_volume", "price_jump"
	Detail    string
}

// RunResult summarizes one task execution, used for HTTP responses and
// logging.
type RunResult struct {
	Task      string
	Kind      TaskKind
	Status    TaskStatus
	DataCount int
	Issues    []ValidationIssue
	Error     string
	StartTime time.Time
	EndTime   time.Time
}
