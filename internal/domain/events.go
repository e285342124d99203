package domain

import (
	"time"
)

// EventType names a lifecycle event on the internal bus.
type EventType string

const (
	EventWorkflowCreated   EventType = "workflow.created"
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowSucceeded EventType = "workflow.succeeded"
	EventWorkflowPartial   EventType = "workflow.partial"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventWorkflowCancelled EventType = "workflow.cancelled"

	EventRepoSucceeded EventType = "repo.succeeded"
	EventRepoFailed    EventType = "repo.failed"

	EventDLQEnqueued EventType = "dlq.enqueued"
	EventDLQReplayed EventType = "dlq.replayed"

	EventBreakerOpened   EventType = "breaker.opened"
	EventBreakerClosed   EventType = "breaker.closed"
	EventBreakerHalfOpen EventType = "breaker.half_open"

	EventPoolCreated   EventType = "pool.created"
	EventPoolDegraded  EventType = "pool.degraded"
	EventPoolDestroyed EventType = "pool.destroyed"

	EventWorkerSpawned   EventType = "worker.spawned"
	EventWorkerReady     EventType = "worker.ready"
	EventWorkerUnhealthy EventType = "worker.unhealthy"
	EventWorkerDead      EventType = "worker.dead"

	EventSagaCreated       EventType = "saga.created"
	EventSagaStepSucceeded EventType = "saga.step.succeeded"
	EventSagaStepFailed    EventType = "saga.step.failed"
	EventSagaCompensating  EventType = "saga.compensating"
	EventSagaCompleted     EventType = "saga.completed"
	EventSagaFailed        EventType = "saga.failed"
)

// Event is one lifecycle event. Fields carries the relevant primary-key ids
// (workflow_id, repo, target, pool_id, worker_id, saga_id, ...).
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// EventBus (port) publishes lifecycle events with at-least-once delivery to
// subscribed collectors. Publish never blocks the caller's critical path.
type EventBus interface {
	Publish(ctx Context, typ EventType, fields map[string]string)
}
