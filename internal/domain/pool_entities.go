package domain

import (
	"time"
)

// PoolStatus enumerates worker pool lifecycle states.
type PoolStatus string

const (
	PoolStarting PoolStatus = "starting"
	PoolActive   PoolStatus = "active"
	PoolDraining PoolStatus = "draining"
	PoolStopped  PoolStatus = "stopped"
	PoolDegraded PoolStatus = "degraded"
)

// WorkerStatus enumerates worker process lifecycle states.
type WorkerStatus string

const (
	WorkerSpawning  WorkerStatus = "spawning"
	WorkerReady     WorkerStatus = "ready"
	WorkerBusy      WorkerStatus = "busy"
	WorkerUnhealthy WorkerStatus = "unhealthy"
	WorkerStopping  WorkerStatus = "stopping"
	WorkerDead      WorkerStatus = "dead"
)

// PoolConfig configures one worker pool. PoolType identifies the worker
// class; each class runs a specific binary.
type PoolConfig struct {
	PoolType                string        `json:"pool_type" validate:"required,identifier"`
	MinWorkers              int           `json:"min_workers" validate:"gte=1"`
	MaxWorkers              int           `json:"max_workers" validate:"gtefield=MinWorkers"`
	ScaleUpThreshold        float64       `json:"scale_up_threshold"`
	ScaleDownThreshold      float64       `json:"scale_down_threshold"`
	HealthInterval          time.Duration `json:"health_interval"`
	SpawnTimeout            time.Duration `json:"spawn_timeout"`
	GracefulShutdownTimeout time.Duration `json:"graceful_shutdown_timeout"`
	ExecTimeout             time.Duration `json:"exec_timeout"`
	ScaleCooldown           time.Duration `json:"scale_cooldown"`
	// SpawnRateLimit caps replacements per minute to prevent thrash storms.
	SpawnRateLimit int `json:"spawn_rate_limit"`
}

// DefaultPoolConfig returns a pool configuration with sensible defaults for
// the given pool type.
func DefaultPoolConfig(poolType string) PoolConfig {
	return PoolConfig{
		PoolType:                poolType,
		MinWorkers:              1,
		MaxWorkers:              4,
		ScaleUpThreshold:        0.8,
		ScaleDownThreshold:      0.2,
		HealthInterval:          5 * time.Second,
		SpawnTimeout:            30 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
		ExecTimeout:             5 * time.Minute,
		ScaleCooldown:           15 * time.Second,
		SpawnRateLimit:          10,
	}
}

// WorkerSnapshot is a read-only view of one worker.
type WorkerSnapshot struct {
	WorkerID                string       `json:"worker_id"`
	PID                     int          `json:"pid"`
	PoolID                  string       `json:"pool_id"`
	Status                  WorkerStatus `json:"status"`
	LastHeartbeat           time.Time    `json:"last_heartbeat"`
	ConsecutiveHealthFailed int          `json:"consecutive_health_failures"`
	ActiveTaskID            string       `json:"active_task_id,omitempty"`
}

// PoolSnapshot is a read-only view of one pool.
type PoolSnapshot struct {
	PoolID   string           `json:"pool_id"`
	PoolType string           `json:"pool_type"`
	Status   PoolStatus       `json:"status"`
	Config   PoolConfig       `json:"config"`
	Workers  []WorkerSnapshot `json:"workers"`
}
