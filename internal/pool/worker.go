package pool

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

// Worker supervises one worker process: handshake, request/response
// correlation, heartbeats and shutdown. All frames are multiplexed over one
// stdio pair; the single read loop dispatches replies by frame id.
type Worker struct {
	id       string
	poolID   string
	poolType string
	proc     Proc

	mu             sync.Mutex
	status         domain.WorkerStatus
	lastHeartbeat  time.Time
	healthFailures int
	activeTaskID   string
	pending        map[string]chan Message

	// done closes when the process's stdout ends; every in-flight request is
	// then failed with WorkerLost.
	done chan struct{}
}

// spawnWorker launches a process and performs the ready handshake. A worker
// that does not announce readiness within spawnTimeout is killed.
func spawnWorker(ctx domain.Context, l Launcher, poolType, poolID, workerID string, spawnTimeout time.Duration) (*Worker, error) {
	proc, err := l.Launch(ctx, poolType, poolID, workerID)
	if err != nil {
		return nil, fmt.Errorf("op=pool.spawn: %w", err)
	}
	w := &Worker{
		id:       workerID,
		poolID:   poolID,
		poolType: poolType,
		proc:     proc,
		status:   domain.WorkerSpawning,
		pending:  make(map[string]chan Message),
		done:     make(chan struct{}),
	}

	ready := make(chan Message, 1)
	go w.readLoop(ready)

	select {
	case m, ok := <-ready:
		if !ok || m.Type != MsgReady {
			_ = proc.Kill()
			return nil, fmt.Errorf("op=pool.spawn: worker %s bad handshake: %w", workerID, domain.ErrWorkerLost)
		}
	case <-time.After(spawnTimeout):
		_ = proc.Kill()
		return nil, fmt.Errorf("op=pool.spawn: worker %s handshake timeout: %w", workerID, domain.ErrTimeout)
	case <-ctx.Done():
		_ = proc.Kill()
		return nil, fmt.Errorf("op=pool.spawn: %w", ctx.Err())
	}

	w.mu.Lock()
	w.status = domain.WorkerReady
	w.lastHeartbeat = time.Now().UTC()
	w.mu.Unlock()
	return w, nil
}

func (w *Worker) readLoop(ready chan<- Message) {
	defer func() {
		close(w.done)
		w.mu.Lock()
		w.status = domain.WorkerDead
		for id, ch := range w.pending {
			close(ch)
			delete(w.pending, id)
		}
		w.mu.Unlock()
		_ = w.proc.Wait()
	}()

	announced := false
	for m := range w.proc.Recv() {
		if m.Type == MsgReady && !announced {
			announced = true
			ready <- m
			continue
		}
		w.mu.Lock()
		ch, ok := w.pending[m.ID]
		if ok {
			delete(w.pending, m.ID)
		}
		w.mu.Unlock()
		if ok {
			ch <- m
		} else {
			slog.Debug("worker frame with no waiter",
				slog.String("worker_id", w.id), slog.String("type", m.Type), slog.String("id", m.ID))
		}
	}
	if !announced {
		close(ready)
	}
}

// Execute dispatches one task and blocks for its result. A dead process or a
// closed reply channel surfaces as WorkerLost; the deadline as Timeout.
func (w *Worker) Execute(ctx domain.Context, task domain.Task, repos []string, timeout time.Duration) (domain.AdapterResult, error) {
	reqID := uuid.New().String()
	ch := make(chan Message, 1)

	w.mu.Lock()
	if w.status == domain.WorkerDead || w.status == domain.WorkerStopping {
		w.mu.Unlock()
		return domain.AdapterResult{}, fmt.Errorf("op=worker.execute: worker %s gone: %w", w.id, domain.ErrWorkerLost)
	}
	w.status = domain.WorkerBusy
	w.activeTaskID = task.ID
	w.pending[reqID] = ch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.pending, reqID)
		w.activeTaskID = ""
		if w.status == domain.WorkerBusy {
			w.status = domain.WorkerReady
		}
		w.mu.Unlock()
	}()

	if err := w.proc.Send(Message{Type: MsgTask, ID: reqID, Task: &task, Repos: repos}); err != nil {
		return domain.AdapterResult{}, fmt.Errorf("op=worker.execute: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m, ok := <-ch:
		if !ok {
			return domain.AdapterResult{}, fmt.Errorf("op=worker.execute: worker %s died mid-task: %w", w.id, domain.ErrWorkerLost)
		}
		if m.Error != "" {
			return domain.AdapterResult{}, fmt.Errorf("op=worker.execute: %s: %w", m.Error, kindToErr(m))
		}
		if m.Result == nil {
			return domain.AdapterResult{}, fmt.Errorf("op=worker.execute: empty result: %w", domain.ErrInternal)
		}
		return *m.Result, nil
	case <-w.done:
		return domain.AdapterResult{}, fmt.Errorf("op=worker.execute: worker %s died mid-task: %w", w.id, domain.ErrWorkerLost)
	case <-timer.C:
		w.abandon()
		return domain.AdapterResult{}, fmt.Errorf("op=worker.execute: task %s on %s: %w", task.ID, w.id, domain.ErrTimeout)
	case <-ctx.Done():
		w.abandon()
		return domain.AdapterResult{}, fmt.Errorf("op=worker.execute: %w", ctx.Err())
	}
}

// abandon marks a worker whose task was given up on. The process may still be
// chewing that task and its late result frame has no waiter, so the worker
// must not return to the idle set; the health sweep replaces it.
func (w *Worker) abandon() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == domain.WorkerBusy {
		w.status = domain.WorkerUnhealthy
	}
}

// Ping sends a heartbeat and waits for the pong. Health bookkeeping is the
// caller's (the pool health loop's) job.
func (w *Worker) Ping(ctx domain.Context, timeout time.Duration) error {
	reqID := uuid.New().String()
	ch := make(chan Message, 1)

	w.mu.Lock()
	if w.status == domain.WorkerDead {
		w.mu.Unlock()
		return fmt.Errorf("op=worker.ping: worker %s dead: %w", w.id, domain.ErrWorkerLost)
	}
	w.pending[reqID] = ch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.pending, reqID)
		w.mu.Unlock()
	}()

	if err := w.proc.Send(Message{Type: MsgPing, ID: reqID}); err != nil {
		return fmt.Errorf("op=worker.ping: %w", err)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m, ok := <-ch:
		if !ok || m.Type != MsgPong {
			return fmt.Errorf("op=worker.ping: worker %s: %w", w.id, domain.ErrWorkerLost)
		}
		w.mu.Lock()
		w.lastHeartbeat = time.Now().UTC()
		w.mu.Unlock()
		return nil
	case <-w.done:
		return fmt.Errorf("op=worker.ping: worker %s: %w", w.id, domain.ErrWorkerLost)
	case <-timer.C:
		return fmt.Errorf("op=worker.ping: worker %s: %w", w.id, domain.ErrTimeout)
	case <-ctx.Done():
		return fmt.Errorf("op=worker.ping: %w", ctx.Err())
	}
}

// Stop shuts the worker down: protocol shutdown plus SIGTERM, then SIGKILL
// after the grace period.
func (w *Worker) Stop(graceful time.Duration) {
	w.mu.Lock()
	if w.status == domain.WorkerDead {
		w.mu.Unlock()
		return
	}
	w.status = domain.WorkerStopping
	w.mu.Unlock()

	_ = w.proc.Send(Message{Type: MsgShutdown})
	_ = w.proc.Terminate()

	select {
	case <-w.done:
	case <-time.After(graceful):
		slog.Warn("worker did not exit in time, killing", slog.String("worker_id", w.id))
		_ = w.proc.Kill()
		<-w.done
	}
}

// Snapshot returns a read-only view of the worker.
func (w *Worker) Snapshot() domain.WorkerSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return domain.WorkerSnapshot{
		WorkerID:                w.id,
		PID:                     w.proc.PID(),
		PoolID:                  w.poolID,
		Status:                  w.status,
		LastHeartbeat:           w.lastHeartbeat,
		ConsecutiveHealthFailed: w.healthFailures,
		ActiveTaskID:            w.activeTaskID,
	}
}

func (w *Worker) currentStatus() domain.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) markUnhealthy() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.healthFailures++
	if w.healthFailures >= unhealthyThreshold && w.status == domain.WorkerReady {
		w.status = domain.WorkerUnhealthy
	}
	return w.healthFailures
}

func (w *Worker) markHealthy() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.healthFailures = 0
}

// unhealthyThreshold is the consecutive failed heartbeats before a worker is
// declared unhealthy and replaced.
const unhealthyThreshold = 3

// kindToErr maps a worker-reported error kind back onto the sentinel chain so
// retry classification works across the process boundary.
func kindToErr(m Message) error {
	switch m.ErrorKind {
	case "Validation":
		return domain.ErrValidation
	case "Timeout":
		return domain.ErrTimeout
	case "Transient":
		return domain.ErrTransient
	case "Permission":
		return domain.ErrPermission
	default:
		return domain.ErrInternal
	}
}
