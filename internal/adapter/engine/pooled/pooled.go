// Package pooled adapts the worker pool manager to the engine adapter
// contract, so pool-backed engines compose with the resilience decorator the
// same way in-process ones do.
package pooled

import (
	"fmt"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
	"github.com/fairyhunter13/mahavishnu/internal/pool"
)

// Adapter routes execution to worker pools of one pool type.
type Adapter struct {
	name     string
	poolType string
	mgr      *pool.Manager
}

// New constructs a pooled adapter. Tasks dispatched through it run on
// whichever active pool of poolType has the most idle capacity.
func New(name, poolType string, mgr *pool.Manager) *Adapter {
	return &Adapter{name: name, poolType: poolType, mgr: mgr}
}

// Name returns the adapter name.
func (a *Adapter) Name() string { return a.name }

// Validate checks the structural task contract; worker-side validation
// happens on dispatch.
func (a *Adapter) Validate(_ domain.Context, task domain.Task, repos []string) error {
	if err := domain.ValidateTask(task); err != nil {
		return err
	}
	if len(repos) == 0 {
		return fmt.Errorf("op=pooled.validate: no repos: %w", domain.ErrValidation)
	}
	return nil
}

// Execute dispatches the task to a pool of the adapter's type.
func (a *Adapter) Execute(ctx domain.Context, task domain.Task, repos []string) (domain.AdapterResult, error) {
	return a.mgr.ExecuteOnType(ctx, a.poolType, task, repos)
}

// Health reflects the state of the adapter's pools: healthy when any pool is
// active, degraded when only degraded pools remain, unhealthy with none.
func (a *Adapter) Health(domain.Context) domain.AdapterHealth {
	pools := a.mgr.ListPools()
	var active, degraded int
	for _, p := range pools {
		if p.PoolType != a.poolType {
			continue
		}
		switch p.Status {
		case domain.PoolActive:
			active++
		case domain.PoolDegraded:
			degraded++
		}
	}
	h := domain.AdapterHealth{Details: map[string]any{"active_pools": active, "degraded_pools": degraded}}
	switch {
	case active > 0:
		h.Status = domain.HealthHealthy
	case degraded > 0:
		h.Status = domain.HealthDegraded
	default:
		h.Status = domain.HealthUnhealthy
	}
	return h
}
