package pool

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

// Manager owns every pool. Pools are created and destroyed at runtime; the
// manager also routes pool-addressed execution requests.
type Manager struct {
	launcher Launcher
	bus      domain.EventBus

	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewManager constructs a pool manager. bus may be nil.
func NewManager(l Launcher, bus domain.EventBus) *Manager {
	return &Manager{launcher: l, bus: bus, pools: make(map[string]*Pool)}
}

// CreatePool validates the config, spawns the minimum worker set and
// registers the pool. The generated pool id is returned in the snapshot.
func (m *Manager) CreatePool(ctx domain.Context, cfg domain.PoolConfig) (domain.PoolSnapshot, error) {
	if err := domain.ValidateStruct(cfg); err != nil {
		return domain.PoolSnapshot{}, fmt.Errorf("op=pool.create: %w", err)
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		return domain.PoolSnapshot{}, fmt.Errorf("op=pool.create: max_workers < min_workers: %w", domain.ErrValidation)
	}

	id := cfg.PoolType + "-" + strings.ToLower(ulid.Make().String())
	p, err := newPool(ctx, id, cfg, m.launcher, m.bus)
	if err != nil {
		return domain.PoolSnapshot{}, err
	}

	m.mu.Lock()
	m.pools[id] = p
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(ctx, domain.EventPoolCreated, map[string]string{"pool_id": id, "pool_type": cfg.PoolType})
	}
	slog.Info("pool created", slog.String("pool_id", id), slog.String("pool_type", cfg.PoolType))
	return p.Snapshot(), nil
}

// DestroyPool removes a pool. Graceful destruction drains in-flight work
// first; otherwise workers are killed outright.
func (m *Manager) DestroyPool(ctx domain.Context, poolID string, graceful bool) error {
	m.mu.Lock()
	p, ok := m.pools[poolID]
	if ok {
		delete(m.pools, poolID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("op=pool.destroy: pool %s: %w", poolID, domain.ErrNotFound)
	}

	if graceful {
		p.Drain()
	} else {
		p.Kill()
	}
	if m.bus != nil {
		m.bus.Publish(ctx, domain.EventPoolDestroyed, map[string]string{"pool_id": poolID})
	}
	slog.Info("pool destroyed", slog.String("pool_id", poolID), slog.Bool("graceful", graceful))
	return nil
}

// ExecuteOnPool routes one task to the named pool.
func (m *Manager) ExecuteOnPool(ctx domain.Context, poolID string, task domain.Task, repos []string) (domain.AdapterResult, error) {
	p, err := m.pool(poolID)
	if err != nil {
		return domain.AdapterResult{}, err
	}
	return p.Execute(ctx, task, repos)
}

// ExecuteOnType routes one task to any active pool of the given type,
// preferring the one with the most idle capacity.
func (m *Manager) ExecuteOnType(ctx domain.Context, poolType string, task domain.Task, repos []string) (domain.AdapterResult, error) {
	m.mu.RLock()
	var best *Pool
	bestIdle := -1
	for _, p := range m.pools {
		s := p.Snapshot()
		if s.PoolType != poolType {
			continue
		}
		if s.Status != domain.PoolActive && s.Status != domain.PoolDegraded {
			continue
		}
		idle := 0
		for _, w := range s.Workers {
			if w.Status == domain.WorkerReady {
				idle++
			}
		}
		if idle > bestIdle {
			best, bestIdle = p, idle
		}
	}
	m.mu.RUnlock()
	if best == nil {
		return domain.AdapterResult{}, fmt.Errorf("op=pool.route: no active pool of type %s: %w", poolType, domain.ErrPoolUnavailable)
	}
	return best.Execute(ctx, task, repos)
}

// GetPool returns a snapshot of one pool.
func (m *Manager) GetPool(poolID string) (domain.PoolSnapshot, error) {
	p, err := m.pool(poolID)
	if err != nil {
		return domain.PoolSnapshot{}, err
	}
	return p.Snapshot(), nil
}

// ListPools returns snapshots of every pool.
func (m *Manager) ListPools() []domain.PoolSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.PoolSnapshot, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Snapshot())
	}
	return out
}

// Shutdown drains every pool.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for id, p := range m.pools {
		pools = append(pools, p)
		delete(m.pools, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Drain()
		}(p)
	}
	wg.Wait()
}

func (m *Manager) pool(poolID string) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[poolID]
	if !ok {
		return nil, fmt.Errorf("op=pool.get: pool %s: %w", poolID, domain.ErrNotFound)
	}
	return p, nil
}
