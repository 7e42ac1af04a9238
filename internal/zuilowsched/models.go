// Package zuilowsched implements the ZuiLow Scheduler (spec C9): the
// trigger evaluation loop that runs strategy jobs (producing signals)
// ahead of execution jobs (consuming them) within every tick.
package zuilowsched

import "time"

// TriggerType is one of the seven trigger kinds of spec §4.7.
type TriggerType string

const (
	TriggerCron        TriggerType = "cron"
	TriggerInterval    TriggerType = "interval"
	TriggerEvent       TriggerType = "event"
	TriggerMarketOpen  TriggerType = "market_open"
	TriggerMarketClose TriggerType = "market_close"
	TriggerOpenBar     TriggerType = "open_bar"
	TriggerAtTime      TriggerType = "at_time"
)

// Trigger configures when a Job fires.
type Trigger struct {
	Type TriggerType

	Cron     string        // TriggerCron, TriggerAtTime
	Interval time.Duration // TriggerInterval

	EventType string          // TriggerEvent
	Condition *EventCondition // TriggerEvent

	MarketTimezone string // TriggerMarketOpen, TriggerMarketClose, TriggerOpenBar
	MarketOpenTime string // "HH:MM", TriggerMarketOpen
	CloseTime      string // "HH:MM", TriggerMarketClose
	BarMinutes     int    // TriggerOpenBar
}

// EventCondition is a single predicate evaluated against an Event's
// fields: operators ==, >, <, >=, <=, in.
type EventCondition struct {
	Field    string
	Operator string
	Value    any
}

// Event is a single fact dispatched into the scheduler for
// TriggerEvent jobs to match against.
type Event struct {
	Type   string
	Fields map[string]any
}

// Job is a scheduled unit of work: either a strategy job (produces
// signals) or an auto-injected execution job (consumes them).
type Job struct {
	Name            string
	Strategy        string // empty for execution jobs
	StrategyParams  map[string]any
	Trigger         Trigger
	Account         string
	Market          string
	Symbols         []string
	Priority        int
	SendImmediately bool
	Enabled         bool
	AutoInjected    bool // true for exec_<market>_open/close/bar

	LastRun    time.Time
	RunCount   int
	ErrorCount int
	IsRunning  bool
}

// IsExecutionJob reports whether this job has no strategy, i.e. it
// exists only to drain due signals rather than produce them.
func (j *Job) IsExecutionJob() bool {
	return j.Strategy == ""
}

// JobStatus is a JobHistory row's terminal (or in-flight) state.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// JobHistory is one durable record of a job's execution, persisted so
// operators can audit what a tick actually did.
type JobHistory struct {
	ID           int64
	JobName      string
	TriggerTime  time.Time
	StartTime    time.Time
	EndTime      time.Time
	Status       JobStatus
	SignalsCount int
	Signals      string // JSON-encoded signal dicts, for audit
	Error        string
}

// MarketConfig declares one tradeable market for job auto-injection.
type MarketConfig struct {
	Name       string
	Enabled    bool
	Timezone   string
	OpenTime   string // "HH:MM"
	CloseTime  string // "HH:MM"
	BarMinutes int
	Account    string
}
