// Package metrics holds the prometheus collectors shared across the
// four service daemons, all exposed on each daemon's existing
// /metrics route (internal/httpapi.NewRouter already mounts
// promhttp.Handler against the default registry these register into).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DMSTaskRuns counts DMS maintenance task runs by (task, status).
	DMSTaskRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dms_task_runs_total",
		Help: "DMS maintenance task runs by task name and terminal status.",
	}, []string{"task", "status"})

	// DMSReplicationLag tracks seconds between a backup's high-watermark
	// and the primary's, per (backup, symbol).
	DMSReplicationLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dms_replication_lag_seconds",
		Help: "Seconds between a backup BarStore's high-watermark and the primary's.",
	}, []string{"backup", "symbol"})

	// ZuiLowJobRuns counts scheduler job runs by (job, status).
	ZuiLowJobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zuilow_job_runs_total",
		Help: "ZuiLow scheduler job runs by job name and terminal status.",
	}, []string{"job", "status"})

	// ZuiLowSignalsPending is the current count of PENDING signals.
	ZuiLowSignalsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zuilow_signals_pending",
		Help: "Current count of signals in PENDING status.",
	})

	// PPTOrders counts PaperBook order outcomes by (account, status).
	PPTOrders = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ppt_orders_total",
		Help: "PaperBook orders by account and outcome (filled, partial, rejected).",
	}, []string{"account", "status"})

	// PPTEquity is the most recently recomputed equity value per account.
	PPTEquity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ppt_equity",
		Help: "Most recently recomputed equity value per account.",
	}, []string{"account"})

	// StimeStepsDone is the completed step count of the in-flight (or
	// most recently completed) advance-and-tick job.
	StimeStepsDone = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stime_steps_done",
		Help: "Completed step count of the current advance-and-tick job.",
	})

	// StimeStepsTotal is that job's requested step count.
	StimeStepsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stime_steps_total",
		Help: "Requested step count of the current advance-and-tick job.",
	})
)

func init() {
	prometheus.MustRegister(
		DMSTaskRuns, DMSReplicationLag,
		ZuiLowJobRuns, ZuiLowSignalsPending,
		PPTOrders, PPTEquity,
		StimeStepsDone, StimeStepsTotal,
	)
}
