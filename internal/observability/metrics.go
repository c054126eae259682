package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resv_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	EngineOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resv_engine_ops_total",
			Help: "Engine operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	CASConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resv_cas_conflicts_total",
			Help: "Version conflicts retried by the engine",
		},
		[]string{"op"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "resv_tx_seconds",
			Help:    "Duration of engine units of work",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReaperExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resv_reaper_holds_total",
			Help: "Overdue holds handled by the reaper by outcome",
		},
		[]string{"outcome"},
	)

	ReaperTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "resv_reaper_tick_seconds",
			Help:    "Duration of a reaper pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	LedgerInvariantBreaches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resv_ledger_invariant_breaches_total",
			Help: "Ledger release/promote calls beyond held or confirmed capacity",
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resv_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resv_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resv_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
