package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements gocredit.Metrics using Prometheus.
type Metrics struct {
	apiCallsTotal              *prometheus.CounterVec
	apiCallDuration            *prometheus.HistogramVec
	refreshTotal               *prometheus.CounterVec
	refreshDuration            prometheus.Histogram
	lowBalanceWarningsTotal    prometheus.Counter
	searchTotal                *prometheus.CounterVec
	searchResults              prometheus.Histogram
	adjustmentsTotal           *prometheus.CounterVec
	adjustmentAmount           *prometheus.HistogramVec
	circuitBreakerStateChanges *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_calls_total",
			Help:      "Total number of credit API calls.",
		}, []string{"operation", "success"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_call_duration_seconds",
			Help:      "Latency of credit API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		refreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_refresh_total",
			Help:      "Total number of balance refreshes by outcome.",
		}, []string{"status"}),

		refreshDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "balance_refresh_duration_seconds",
			Help:      "Latency of balance refreshes.",
			Buckets:   prometheus.DefBuckets,
		}),

		lowBalanceWarningsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "low_balance_warnings_total",
			Help:      "Total number of low balance warnings emitted.",
		}),

		searchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_search_total",
			Help:      "Total number of admin user searches.",
		}, []string{"success"}),

		searchResults: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "user_search_results",
			Help:      "Distribution of user search result counts.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50},
		}),

		adjustmentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_adjustments_total",
			Help:      "Total number of credit adjustments.",
		}, []string{"direction", "status"}),

		adjustmentAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credit_adjustment_amount",
			Help:      "Distribution of absolute adjustment amounts.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}, []string{"direction"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of ledger storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of ledger storage operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordAPICall(operation string, duration time.Duration, err error) {
	m.apiCallsTotal.WithLabelValues(operation, successLabel(err == nil)).Inc()
	m.apiCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordRefresh(status string, duration time.Duration) {
	m.refreshTotal.WithLabelValues(status).Inc()
	m.refreshDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordLowBalanceWarning() {
	m.lowBalanceWarningsTotal.Inc()
}

func (m *Metrics) RecordSearch(results int) {
	if results < 0 {
		m.searchTotal.WithLabelValues(successLabel(false)).Inc()
		return
	}
	m.searchTotal.WithLabelValues(successLabel(true)).Inc()
	m.searchResults.Observe(float64(results))
}

func (m *Metrics) RecordAdjustment(direction, status string, amount int) {
	m.adjustmentsTotal.WithLabelValues(direction, status).Inc()
	if amount < 0 {
		amount = -amount
	}
	m.adjustmentAmount.WithLabelValues(direction).Observe(float64(amount))
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func successLabel(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
