// Package domain defines the core entities and ports of the orchestrator.
package domain

import (
	"time"
)

// CircuitState enumerates circuit breaker states.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerConfig configures a per-target circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// Timeout is how long the circuit stays open before admitting a probe.
	Timeout time.Duration
	// SuccessThreshold is the consecutive half-open successes required to close.
	SuccessThreshold int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		SuccessThreshold: 2,
	}
}

// Circuit is a read-only snapshot of one breaker's state.
type Circuit struct {
	Target                       string       `json:"target"`
	State                        CircuitState `json:"state"`
	ConsecutiveFailures          int          `json:"consecutive_failures"`
	ConsecutiveHalfOpenSuccesses int          `json:"consecutive_half_open_successes"`
	OpenedAt                     *time.Time   `json:"opened_at,omitempty"`
	LastFailureAt                *time.Time   `json:"last_failure_at,omitempty"`
}

// BreakerStateStore (port) optionally persists a breaker's opened_at so a
// restart does not release a thundering herd onto a still-failing target.
// Implementations must be fail-safe: any load error means "closed".
type BreakerStateStore interface {
	SaveOpen(ctx Context, target string, openedAt time.Time) error
	LoadOpen(ctx Context, target string) (openedAt time.Time, ok bool, err error)
	ClearOpen(ctx Context, target string) error
}

// RetryPolicy defines the retry executor's behavior.
type RetryPolicy struct {
	// MaxAttempts is the total number of invocations, first try included.
	MaxAttempts int
	// BaseDelay is the first backoff interval.
	BaseDelay time.Duration
	// MaxDelay caps the backoff interval.
	MaxDelay time.Duration
	// Jitter adds up to one second of randomness to each delay.
	Jitter bool
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    60 * time.Second,
		Jitter:      true,
	}
}

// DLQEntry is a durable record of a failure that exceeded retries or was
// refused by an open circuit. Removed on successful replay.
type DLQEntry struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Task       Task           `json:"task"`
	Repos      []string       `json:"repos"`
	Engine     string         `json:"engine"`
	Error      string         `json:"error"`
	ErrorKind  string         `json:"error_kind"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DLQFilter narrows DLQ listings.
type DLQFilter struct {
	WorkflowID string
	Engine     string
	ErrorKind  string
	Limit      int
	Offset     int
}

// DLQRepository (port) is the durable dead-letter store. Writes are
// serialized at the storage layer; listings return newest first.
type DLQRepository interface {
	Enqueue(ctx Context, e DLQEntry) error
	Get(ctx Context, id string) (DLQEntry, error)
	List(ctx Context, f DLQFilter) ([]DLQEntry, error)
	Remove(ctx Context, id string) error
	Purge(ctx Context, before time.Time) (int64, error)
	Size(ctx Context) (int64, error)
}
