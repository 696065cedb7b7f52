package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Admission decision metrics
	checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admission",
			Subsystem: "checks",
			Name:      "total",
			Help:      "Total number of admission checks by result (allowed, denied, fail_open, unconfigured)",
		},
		[]string{"result"},
	)

	checkDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "admission",
			Subsystem: "checks",
			Name:      "duration_seconds",
			Help:      "Duration of admission checks in seconds",
			Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
	)

	denialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admission",
			Subsystem: "checks",
			Name:      "denials_total",
			Help:      "Total number of denied requests by rule",
		},
		[]string{"rule"},
	)

	// Storage metrics
	storageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admission",
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "Total number of storage backend errors by operation",
		},
		[]string{"operation"},
	)

	failOpenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "admission",
			Subsystem: "storage",
			Name:      "fail_open_total",
			Help:      "Total number of requests admitted because the backend failed",
		},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "admission",
			Subsystem: "storage",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// Audit metrics
	auditRecordedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "admission",
			Subsystem: "audit",
			Name:      "recorded_total",
			Help:      "Total number of violation records handed to the audit sink",
		},
	)

	auditDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "admission",
			Subsystem: "audit",
			Name:      "dropped_total",
			Help:      "Total number of violation records dropped because the audit buffer was full",
		},
	)
)

func init() {
	prometheus.MustRegister(
		checksTotal,
		checkDuration,
		denialsTotal,
		storageErrorsTotal,
		failOpenTotal,
		breakerState,
		auditRecordedTotal,
		auditDroppedTotal,
	)
}

// RecordCheck records an admission check outcome
func RecordCheck(result string) {
	checksTotal.WithLabelValues(result).Inc()
}

// RecordCheckDuration records the duration of an admission check
func RecordCheckDuration(d time.Duration) {
	checkDuration.Observe(d.Seconds())
}

// RecordDenial records a denied request for a rule
func RecordDenial(rule string) {
	denialsTotal.WithLabelValues(rule).Inc()
}

// RecordStorageError records a storage backend error
func RecordStorageError(operation string) {
	storageErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordFailOpen records a request admitted due to backend failure
func RecordFailOpen() {
	failOpenTotal.Inc()
}

// SetBreakerState records the current circuit breaker state
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordAuditRecorded records a violation handed to the audit sink
func RecordAuditRecorded() {
	auditRecordedTotal.Inc()
}

// RecordAuditDropped records a violation dropped by a full audit buffer
func RecordAuditDropped() {
	auditDroppedTotal.Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
