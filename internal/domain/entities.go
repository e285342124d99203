package domain

import (
	"context"
	"time"
)

// Task is the opaque unit of work consumed by an engine adapter.
// Invariants: ID is a non-empty identifier unique per workflow; Type is drawn
// from the engine's own enumeration and validated by the adapter.
type Task struct {
	ID     string         `json:"id" validate:"required,identifier"`
	Type   string         `json:"type" validate:"required,identifier"`
	Params map[string]any `json:"params"`
	// Idempotent marks the task safe to re-dispatch after a WorkerLost
	// failure. Declaring it is the caller's contract.
	Idempotent bool `json:"idempotent"`
}

// WorkflowStatus enumerates workflow lifecycle states.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowSuccess   WorkflowStatus = "success"
	WorkflowPartial   WorkflowStatus = "partial"
	WorkflowFailure   WorkflowStatus = "failure"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state. Once terminal, a
// workflow row is immutable.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowSuccess, WorkflowPartial, WorkflowFailure, WorkflowCancelled:
		return true
	}
	return false
}

// RepoFailure records a single repository's terminal failure inside a workflow.
type RepoFailure struct {
	Repo      string `json:"repo"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// Workflow is one invocation of a task across a set of repositories.
type Workflow struct {
	ID              string         `json:"workflow_id"`
	Task            Task           `json:"task"`
	Repos           []string       `json:"repos"`
	Engine          string         `json:"engine"`
	Status          WorkflowStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	SuccessfulRepos []string       `json:"successful_repos"`
	FailedRepos     []RepoFailure  `json:"failed_repos"`
	ExecutionTime   float64        `json:"execution_time_seconds"`
}

// WorkflowFilter narrows list queries.
type WorkflowFilter struct {
	Status WorkflowStatus
	Engine string
	Limit  int
	Offset int
}

// AdapterStatus enumerates the uniform per-call outcome of an adapter.
type AdapterStatus string

const (
	AdapterSuccess AdapterStatus = "success"
	AdapterFailure AdapterStatus = "failure"
	AdapterPartial AdapterStatus = "partial"
)

// AdapterResult is the uniform result shape every engine adapter returns.
// Engine-specific data goes under EngineSpecific without breaking callers.
type AdapterResult struct {
	Status         AdapterStatus  `json:"status"`
	ReposProcessed []string       `json:"repos_processed"`
	ReposFailed    []RepoFailure  `json:"repos_failed"`
	ExecutionTime  float64        `json:"execution_time_seconds"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Errors         []string       `json:"errors,omitempty"`
	EngineSpecific map[string]any `json:"engine_specific,omitempty"`
}

// HealthStatus enumerates adapter health levels.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// AdapterHealth is the result of an adapter health probe.
type AdapterHealth struct {
	Status  HealthStatus   `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

// EngineAdapter (port) is the only contract through which the core speaks to
// an external execution engine. Decorators (resilient wrapper, pool routing)
// compose by wrapping one adapter into another satisfying the same contract.
type EngineAdapter interface {
	Name() string
	Execute(ctx Context, task Task, repos []string) (AdapterResult, error)
	Validate(ctx Context, task Task, repos []string) error
	Health(ctx Context) AdapterHealth
}

// WorkflowRepository (port) persists workflow rows.
type WorkflowRepository interface {
	Create(ctx Context, w Workflow) error
	Get(ctx Context, id string) (Workflow, error)
	List(ctx Context, f WorkflowFilter) ([]Workflow, error)
	MarkRunning(ctx Context, id string, startedAt time.Time) error
	Finalize(ctx Context, w Workflow) error
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
