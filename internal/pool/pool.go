package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

// Pool owns a set of worker processes of one pool type. Tasks route to idle
// workers; a health loop replaces dead or unhealthy workers and scales the
// pool between its min and max bounds.
type Pool struct {
	id       string
	cfg      domain.PoolConfig
	launcher Launcher
	bus      domain.EventBus

	mu         sync.Mutex
	status     domain.PoolStatus
	workers    map[string]*Worker
	lastScale  time.Time
	spawnTimes []time.Time

	// idle hands out ready workers; capacity MaxWorkers so returns never block.
	idle chan *Worker
	stop chan struct{}
	wg   sync.WaitGroup
}

// newPool spawns the minimum worker set and starts the supervision loop. At
// least one worker must come up or creation fails.
func newPool(ctx domain.Context, id string, cfg domain.PoolConfig, l Launcher, bus domain.EventBus) (*Pool, error) {
	p := &Pool{
		id:       id,
		cfg:      cfg,
		launcher: l,
		bus:      bus,
		status:   domain.PoolStarting,
		workers:  make(map[string]*Worker),
		idle:     make(chan *Worker, cfg.MaxWorkers),
		stop:     make(chan struct{}),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		if err := p.addWorker(ctx); err != nil {
			slog.Warn("pool startup spawn failed", slog.String("pool_id", id), slog.Any("error", err))
		}
	}
	p.mu.Lock()
	n := len(p.workers)
	switch {
	case n == 0:
		p.mu.Unlock()
		return nil, fmt.Errorf("op=pool.create: pool %s: no workers came up: %w", id, domain.ErrPoolUnavailable)
	case n < cfg.MinWorkers:
		p.status = domain.PoolDegraded
	default:
		p.status = domain.PoolActive
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.superviseLoop()
	return p, nil
}

// ID returns the pool id.
func (p *Pool) ID() string { return p.id }

// Execute routes one task to an idle worker and blocks for the result. When
// every worker is busy the call queues until one frees up or ctx expires.
func (p *Pool) Execute(ctx domain.Context, task domain.Task, repos []string) (domain.AdapterResult, error) {
	for {
		p.mu.Lock()
		st := p.status
		p.mu.Unlock()
		if st == domain.PoolDraining || st == domain.PoolStopped {
			return domain.AdapterResult{}, fmt.Errorf("op=pool.execute: pool %s %s: %w", p.id, st, domain.ErrPoolUnavailable)
		}

		var w *Worker
		select {
		case w = <-p.idle:
		case <-p.stop:
			return domain.AdapterResult{}, fmt.Errorf("op=pool.execute: pool %s stopped: %w", p.id, domain.ErrPoolUnavailable)
		case <-ctx.Done():
			return domain.AdapterResult{}, fmt.Errorf("op=pool.execute: %w", ctx.Err())
		}

		// A worker may have died while parked in the idle channel.
		if w.currentStatus() != domain.WorkerReady {
			continue
		}

		res, err := w.Execute(ctx, task, repos, p.cfg.ExecTimeout)
		if w.currentStatus() == domain.WorkerReady {
			p.idle <- w
		}
		return res, err
	}
}

// Drain stops accepting work and shuts every worker down gracefully.
func (p *Pool) Drain() {
	p.mu.Lock()
	if p.status == domain.PoolStopped || p.status == domain.PoolDraining {
		p.mu.Unlock()
		return
	}
	p.status = domain.PoolDraining
	workers := p.workerList()
	p.mu.Unlock()

	close(p.stop)
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop(p.cfg.GracefulShutdownTimeout)
		}(w)
	}
	wg.Wait()
	p.wg.Wait()

	p.mu.Lock()
	p.status = domain.PoolStopped
	p.mu.Unlock()
}

// Kill stops the pool without grace.
func (p *Pool) Kill() {
	p.mu.Lock()
	if p.status == domain.PoolStopped {
		p.mu.Unlock()
		return
	}
	already := p.status == domain.PoolDraining
	p.status = domain.PoolStopped
	workers := p.workerList()
	p.mu.Unlock()

	if !already {
		close(p.stop)
	}
	for _, w := range workers {
		w.Stop(0)
	}
	p.wg.Wait()
}

// Snapshot returns a read-only view of the pool and its workers.
func (p *Pool) Snapshot() domain.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := domain.PoolSnapshot{
		PoolID:   p.id,
		PoolType: p.cfg.PoolType,
		Status:   p.status,
		Config:   p.cfg,
	}
	for _, w := range p.workers {
		s.Workers = append(s.Workers, w.Snapshot())
	}
	return s
}

func (p *Pool) superviseLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.healthSweep()
			p.autoscale()
		}
	}
}

// healthSweep pings ready workers, reaps the dead and unhealthy, and spawns
// replacements up to the rate limit.
func (p *Pool) healthSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthInterval)
	defer cancel()

	p.mu.Lock()
	workers := p.workerList()
	p.mu.Unlock()

	for _, w := range workers {
		switch w.currentStatus() {
		case domain.WorkerBusy, domain.WorkerStopping:
			continue
		case domain.WorkerDead:
			p.reap(w)
			continue
		case domain.WorkerUnhealthy:
			// Abandoned after a task timeout, or flagged by earlier sweeps.
			p.publish(domain.EventWorkerUnhealthy, w.id)
			w.Stop(p.cfg.GracefulShutdownTimeout)
			p.reap(w)
			continue
		}
		if err := w.Ping(ctx, p.cfg.HealthInterval); err != nil {
			n := w.markUnhealthy()
			slog.Warn("worker heartbeat failed",
				slog.String("pool_id", p.id),
				slog.String("worker_id", w.id),
				slog.Int("consecutive", n))
			if n >= unhealthyThreshold {
				p.publish(domain.EventWorkerUnhealthy, w.id)
				w.Stop(p.cfg.GracefulShutdownTimeout)
				p.reap(w)
			}
		} else {
			w.markHealthy()
		}
	}

	// Replace losses up to the floor, rate limited to prevent thrash storms.
	p.mu.Lock()
	deficit := p.cfg.MinWorkers - len(p.workers)
	p.mu.Unlock()
	for i := 0; i < deficit; i++ {
		if !p.allowSpawn() {
			slog.Warn("spawn rate limit hit", slog.String("pool_id", p.id))
			break
		}
		if err := p.addWorker(ctx); err != nil {
			slog.Warn("worker replacement failed", slog.String("pool_id", p.id), slog.Any("error", err))
			break
		}
	}

	p.mu.Lock()
	n := len(p.workers)
	prev := p.status
	if prev == domain.PoolActive || prev == domain.PoolDegraded {
		if n < p.cfg.MinWorkers {
			p.status = domain.PoolDegraded
		} else {
			p.status = domain.PoolActive
		}
	}
	now := p.status
	p.mu.Unlock()
	if prev != now && now == domain.PoolDegraded {
		p.publish(domain.EventPoolDegraded, "")
	}
}

// autoscale grows the pool when utilization crosses the scale-up threshold
// and shrinks it when it drops below the scale-down threshold, within bounds
// and the cooldown.
func (p *Pool) autoscale() {
	p.mu.Lock()
	if time.Since(p.lastScale) < p.cfg.ScaleCooldown {
		p.mu.Unlock()
		return
	}
	total, busy := 0, 0
	for _, w := range p.workers {
		switch w.currentStatus() {
		case domain.WorkerReady:
			total++
		case domain.WorkerBusy:
			total++
			busy++
		}
	}
	p.mu.Unlock()
	if total == 0 {
		return
	}

	util := float64(busy) / float64(total)
	switch {
	case util >= p.cfg.ScaleUpThreshold && total < p.cfg.MaxWorkers:
		if !p.allowSpawn() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SpawnTimeout)
		err := p.addWorker(ctx)
		cancel()
		if err != nil {
			slog.Warn("scale-up spawn failed", slog.String("pool_id", p.id), slog.Any("error", err))
			return
		}
		p.mu.Lock()
		p.lastScale = time.Now()
		p.mu.Unlock()
		slog.Info("pool scaled up", slog.String("pool_id", p.id), slog.Float64("utilization", util))
	case util <= p.cfg.ScaleDownThreshold && total > p.cfg.MinWorkers:
		p.retireIdleWorker()
		p.mu.Lock()
		p.lastScale = time.Now()
		p.mu.Unlock()
		slog.Info("pool scaled down", slog.String("pool_id", p.id), slog.Float64("utilization", util))
	}
}

func (p *Pool) addWorker(ctx domain.Context) error {
	workerID := p.id + "-w-" + strings.ToLower(ulid.Make().String())
	w, err := spawnWorker(ctx, p.launcher, p.cfg.PoolType, p.id, workerID, p.cfg.SpawnTimeout)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.workers[workerID] = w
	p.spawnTimes = append(p.spawnTimes, time.Now())
	p.mu.Unlock()

	p.publish(domain.EventWorkerSpawned, workerID)
	p.publish(domain.EventWorkerReady, workerID)
	p.idle <- w
	return nil
}

func (p *Pool) retireIdleWorker() {
	select {
	case w := <-p.idle:
		w.Stop(p.cfg.GracefulShutdownTimeout)
		p.reap(w)
	default:
	}
}

func (p *Pool) reap(w *Worker) {
	p.mu.Lock()
	_, present := p.workers[w.id]
	delete(p.workers, w.id)
	p.mu.Unlock()
	if present {
		p.publish(domain.EventWorkerDead, w.id)
	}
}

// allowSpawn enforces the per-minute spawn rate limit.
func (p *Pool) allowSpawn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-time.Minute)
	kept := p.spawnTimes[:0]
	for _, t := range p.spawnTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.spawnTimes = kept
	return len(p.spawnTimes) < p.cfg.SpawnRateLimit
}

func (p *Pool) workerList() []*Worker {
	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	return out
}

func (p *Pool) publish(typ domain.EventType, workerID string) {
	if p.bus == nil {
		return
	}
	fields := map[string]string{"pool_id": p.id, "pool_type": p.cfg.PoolType}
	if workerID != "" {
		fields["worker_id"] = workerID
	}
	p.bus.Publish(context.Background(), typ, fields)
}
