package gocredit

import "time"

// Metrics defines the interface for tracking credit operations.
type Metrics interface {
	// RecordAPICall records a backend call by operation name with its duration and outcome.
	RecordAPICall(operation string, duration time.Duration, err error)

	// RecordRefresh records a balance refresh outcome ("loaded" or "error").
	RecordRefresh(status string, duration time.Duration)

	// RecordLowBalanceWarning records a low-balance warning emission.
	RecordLowBalanceWarning()

	// RecordSearch records a user search; results is -1 when the search failed.
	RecordSearch(results int)

	// RecordAdjustment records an adjustment by direction ("credit"/"spend") and status.
	RecordAdjustment(direction, status string, amount int)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)

	// RecordStorageOperation records a ledger storage operation and its outcome.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordAPICall(operation string, duration time.Duration, err error)          {}
func (n *NoopMetrics) RecordRefresh(status string, duration time.Duration)                       {}
func (n *NoopMetrics) RecordLowBalanceWarning()                                                  {}
func (n *NoopMetrics) RecordSearch(results int)                                                  {}
func (n *NoopMetrics) RecordAdjustment(direction, status string, amount int)                     {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                              {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
