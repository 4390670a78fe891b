package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SweepRuns counts sweep executions per sweep and outcome (ok, error)
	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsulenote_sweep_runs_total",
			Help: "Total number of reconciliation sweeps run",
		},
		[]string{"sweep", "outcome"},
	)

	// SweepDuration tracks how long a sweep takes
	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capsulenote_sweep_duration_seconds",
			Help:    "Reconciliation sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)

	// SweepItems counts rows handled by a sweep, by result
	SweepItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsulenote_sweep_items_total",
			Help: "Rows handled by reconciliation sweeps",
		},
		[]string{"sweep", "result"},
	)

	// WebhookOutcomes counts webhook processing outcomes
	WebhookOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsulenote_webhook_outcomes_total",
			Help: "Webhook processing outcomes",
		},
		[]string{"outcome"},
	)

	// DeliveryOutcomes counts delivery attempts by channel and outcome
	DeliveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsulenote_delivery_outcomes_total",
			Help: "Delivery attempt outcomes",
		},
		[]string{"channel", "outcome"},
	)

	// CreditTransactions counts ledger writes by type
	CreditTransactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsulenote_credit_transactions_total",
			Help: "Credit ledger transactions written",
		},
		[]string{"credit_type", "transaction_type"},
	)

	// JobsEnqueued counts jobs handed to the queue
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsulenote_jobs_enqueued_total",
			Help: "Jobs enqueued by type",
		},
		[]string{"type"},
	)

	// JobsFinished counts finished jobs by type and status
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsulenote_jobs_finished_total",
			Help: "Jobs finished by type and final status",
		},
		[]string{"type", "status"},
	)

	// AuditDropped counts audit events dropped on a full buffer or after Stop
	AuditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsulenote_audit_dropped_total",
			Help: "Audit events dropped because the writer could not keep up or had stopped",
		},
	)

	// AuditWriteErrors counts failed audit batch writes
	AuditWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsulenote_audit_write_errors_total",
			Help: "Audit event batches that failed to persist",
		},
	)
)

// ObserveSweep records one sweep run.
func ObserveSweep(sweep string, seconds float64, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	SweepRuns.WithLabelValues(sweep, outcome).Inc()
	SweepDuration.WithLabelValues(sweep).Observe(seconds)
}
