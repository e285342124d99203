package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

// fakeProc is an in-memory worker process. Frames sent to it are handled by a
// scriptable handler whose replies feed the Recv channel.
type fakeProc struct {
	mu     sync.Mutex
	out    chan Message
	closed bool
	handle func(p *fakeProc, m Message)
}

func newFakeProc(handle func(p *fakeProc, m Message)) *fakeProc {
	return &fakeProc{out: make(chan Message, 16), handle: handle}
}

func (p *fakeProc) PID() int { return 4242 }

func (p *fakeProc) Send(m Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.New("stdin closed")
	}
	if p.handle != nil {
		go p.handle(p, m)
	}
	return nil
}

func (p *fakeProc) Recv() <-chan Message { return p.out }

func (p *fakeProc) reply(m Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.out <- m
}

func (p *fakeProc) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.out)
}

func (p *fakeProc) Terminate() error { p.close(); return nil }
func (p *fakeProc) Kill() error      { p.close(); return nil }
func (p *fakeProc) Wait() error      { return nil }

// echoHandler answers the protocol like a healthy worker.
func echoHandler(p *fakeProc, m Message) {
	switch m.Type {
	case MsgPing:
		p.reply(Message{Type: MsgPong, ID: m.ID})
	case MsgTask:
		p.reply(Message{
			Type:   MsgResult,
			ID:     m.ID,
			Result: &domain.AdapterResult{Status: domain.AdapterSuccess, ReposProcessed: m.Repos},
		})
	case MsgShutdown:
		p.close()
	}
}

type fakeLauncher struct {
	mu      sync.Mutex
	handle  func(p *fakeProc, m Message)
	noReady bool
	failErr error
	procs   []*fakeProc
}

func (l *fakeLauncher) Launch(_ domain.Context, _, _, workerID string) (Proc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failErr != nil {
		return nil, l.failErr
	}
	h := l.handle
	if h == nil {
		h = echoHandler
	}
	p := newFakeProc(h)
	if !l.noReady {
		p.out <- Message{Type: MsgReady, WorkerID: workerID}
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func testPoolConfig(minW, maxW int) domain.PoolConfig {
	return domain.PoolConfig{
		PoolType:                "general",
		MinWorkers:              minW,
		MaxWorkers:              maxW,
		ScaleUpThreshold:        0.8,
		ScaleDownThreshold:      0.2,
		HealthInterval:          time.Minute,
		SpawnTimeout:            2 * time.Second,
		GracefulShutdownTimeout: time.Second,
		ExecTimeout:             2 * time.Second,
		ScaleCooldown:           time.Minute,
		SpawnRateLimit:          100,
	}
}

func TestSpawnWorkerHandshake(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{}
	w, err := spawnWorker(context.Background(), l, "general", "p1", "w1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerReady, w.currentStatus())
	snap := w.Snapshot()
	assert.Equal(t, "w1", snap.WorkerID)
	assert.Equal(t, 4242, snap.PID)
	assert.False(t, snap.LastHeartbeat.IsZero())
	w.Stop(time.Second)
}

func TestSpawnWorkerHandshakeTimeout(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{noReady: true}
	_, err := spawnWorker(context.Background(), l, "general", "p1", "w1", 50*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	require.Len(t, l.procs, 1)
	l.procs[0].mu.Lock()
	defer l.procs[0].mu.Unlock()
	assert.True(t, l.procs[0].closed, "worker that never announced must be killed")
}

func TestWorkerExecuteRoundTrip(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{}
	w, err := spawnWorker(context.Background(), l, "general", "p1", "w1", time.Second)
	require.NoError(t, err)
	defer w.Stop(time.Second)

	res, err := w.Execute(context.Background(), domain.Task{ID: "t1", Type: "noop"}, []string{"/repos/a"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.AdapterSuccess, res.Status)
	assert.Equal(t, []string{"/repos/a"}, res.ReposProcessed)
	assert.Equal(t, domain.WorkerReady, w.currentStatus(), "worker is idle again")
}

func TestWorkerExecuteErrorKindSurvivesProtocol(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{handle: func(p *fakeProc, m Message) {
		if m.Type == MsgTask {
			p.reply(Message{Type: MsgResult, ID: m.ID, Error: "boom", ErrorKind: "Transient"})
		}
	}}
	w, err := spawnWorker(context.Background(), l, "general", "p1", "w1", time.Second)
	require.NoError(t, err)
	defer w.Stop(time.Second)

	_, err = w.Execute(context.Background(), domain.Task{ID: "t1", Type: "noop"}, nil, time.Second)
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestKindToErr(t *testing.T) {
	t.Parallel()
	assert.ErrorIs(t, kindToErr(Message{ErrorKind: "Validation"}), domain.ErrValidation)
	assert.ErrorIs(t, kindToErr(Message{ErrorKind: "Timeout"}), domain.ErrTimeout)
	assert.ErrorIs(t, kindToErr(Message{ErrorKind: "Transient"}), domain.ErrTransient)
	assert.ErrorIs(t, kindToErr(Message{ErrorKind: "Permission"}), domain.ErrPermission)
	assert.ErrorIs(t, kindToErr(Message{ErrorKind: "anything-else"}), domain.ErrInternal)
}

func TestWorkerExecuteWorkerLostMidTask(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{handle: func(p *fakeProc, m Message) {
		if m.Type == MsgTask {
			p.close() // process dies instead of answering
		}
	}}
	w, err := spawnWorker(context.Background(), l, "general", "p1", "w1", time.Second)
	require.NoError(t, err)

	_, err = w.Execute(context.Background(), domain.Task{ID: "t1", Type: "noop"}, nil, time.Second)
	assert.ErrorIs(t, err, domain.ErrWorkerLost)

	// readLoop marks the worker dead once stdout ends.
	require.Eventually(t, func() bool {
		return w.currentStatus() == domain.WorkerDead
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerExecuteTimeout(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{handle: func(p *fakeProc, m Message) {
		if m.Type == MsgPing {
			p.reply(Message{Type: MsgPong, ID: m.ID})
		}
		// tasks are swallowed
	}}
	w, err := spawnWorker(context.Background(), l, "general", "p1", "w1", time.Second)
	require.NoError(t, err)
	defer w.Stop(time.Second)

	_, err = w.Execute(context.Background(), domain.Task{ID: "t1", Type: "noop"}, nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.WorkerUnhealthy, w.currentStatus(),
		"a worker still chewing a timed-out task must not be handed new work")
}

func TestPoolTimedOutWorkerIsReplacedNotReused(t *testing.T) {
	t.Parallel()
	// The first worker swallows tasks; its replacement behaves.
	l := &fakeLauncher{}
	l.handle = func(p *fakeProc, m Message) {
		l.mu.Lock()
		stalled := len(l.procs) > 0 && p == l.procs[0]
		l.mu.Unlock()
		switch m.Type {
		case MsgPing:
			p.reply(Message{Type: MsgPong, ID: m.ID})
		case MsgTask:
			if stalled {
				return
			}
			p.reply(Message{Type: MsgResult, ID: m.ID, Result: &domain.AdapterResult{Status: domain.AdapterSuccess}})
		case MsgShutdown:
			p.close()
		}
	}

	cfg := testPoolConfig(1, 2)
	cfg.ExecTimeout = 50 * time.Millisecond
	p, err := newPool(context.Background(), "p1", cfg, l, nil)
	require.NoError(t, err)
	defer p.Kill()

	_, err = p.Execute(context.Background(), domain.Task{ID: "t1", Type: "noop"}, nil)
	assert.ErrorIs(t, err, domain.ErrTimeout)

	snap := p.Snapshot()
	require.Len(t, snap.Workers, 1)
	assert.Equal(t, domain.WorkerUnhealthy, snap.Workers[0].Status, "stalled worker sidelined, not parked idle")
	stalledID := snap.Workers[0].WorkerID

	p.healthSweep()

	snap = p.Snapshot()
	require.Len(t, snap.Workers, 1)
	assert.NotEqual(t, stalledID, snap.Workers[0].WorkerID, "sweep replaced the stalled worker")
	assert.Equal(t, domain.WorkerReady, snap.Workers[0].Status)

	res, err := p.Execute(context.Background(), domain.Task{ID: "t2", Type: "noop"}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.AdapterSuccess, res.Status)
}

func TestWorkerPing(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{}
	w, err := spawnWorker(context.Background(), l, "general", "p1", "w1", time.Second)
	require.NoError(t, err)

	before := w.Snapshot().LastHeartbeat
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, w.Ping(context.Background(), time.Second))
	assert.True(t, w.Snapshot().LastHeartbeat.After(before))

	w.Stop(time.Second)
	require.Eventually(t, func() bool {
		return w.currentStatus() == domain.WorkerDead
	}, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, w.Ping(context.Background(), time.Second), domain.ErrWorkerLost)
}

func TestPoolExecuteRoutesToIdleWorkers(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{}
	p, err := newPool(context.Background(), "p1", testPoolConfig(2, 4), l, nil)
	require.NoError(t, err)
	defer p.Kill()

	snap := p.Snapshot()
	assert.Equal(t, domain.PoolActive, snap.Status)
	assert.Len(t, snap.Workers, 2)

	res, err := p.Execute(context.Background(), domain.Task{ID: "t1", Type: "noop"}, []string{"/repos/a"})
	require.NoError(t, err)
	assert.Equal(t, domain.AdapterSuccess, res.Status)
}

func TestPoolExecuteQueuesWhenAllBusy(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{handle: func(p *fakeProc, m Message) {
		switch m.Type {
		case MsgTask:
			time.Sleep(50 * time.Millisecond)
			p.reply(Message{Type: MsgResult, ID: m.ID, Result: &domain.AdapterResult{Status: domain.AdapterSuccess}})
		case MsgShutdown:
			p.close()
		}
	}}
	p, err := newPool(context.Background(), "p1", testPoolConfig(1, 1), l, nil)
	require.NoError(t, err)
	defer p.Kill()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Execute(context.Background(), domain.Task{ID: "t1", Type: "noop"}, nil)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "request %d", i)
	}
}

func TestPoolDrainRejectsNewWork(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{}
	p, err := newPool(context.Background(), "p1", testPoolConfig(1, 2), l, nil)
	require.NoError(t, err)

	p.Drain()
	assert.Equal(t, domain.PoolStopped, p.Snapshot().Status)

	_, err = p.Execute(context.Background(), domain.Task{ID: "t1", Type: "noop"}, nil)
	assert.ErrorIs(t, err, domain.ErrPoolUnavailable)
}

func TestManagerCreatePoolValidation(t *testing.T) {
	t.Parallel()
	m := NewManager(&fakeLauncher{}, nil)

	cfg := testPoolConfig(1, 2)
	cfg.PoolType = "bad type"
	_, err := m.CreatePool(context.Background(), cfg)
	assert.ErrorIs(t, err, domain.ErrValidation)

	cfg = testPoolConfig(3, 2)
	_, err = m.CreatePool(context.Background(), cfg)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestManagerCreatePoolFailsWhenNoWorkerComesUp(t *testing.T) {
	t.Parallel()
	m := NewManager(&fakeLauncher{failErr: errors.New("binary missing")}, nil)
	_, err := m.CreatePool(context.Background(), testPoolConfig(1, 2))
	assert.ErrorIs(t, err, domain.ErrPoolUnavailable)
	assert.Empty(t, m.ListPools())
}

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()
	m := NewManager(&fakeLauncher{}, nil)
	defer m.Shutdown()

	snap, err := m.CreatePool(context.Background(), testPoolConfig(1, 2))
	require.NoError(t, err)
	assert.NotEmpty(t, snap.PoolID)
	assert.Equal(t, domain.PoolActive, snap.Status)

	got, err := m.GetPool(snap.PoolID)
	require.NoError(t, err)
	assert.Equal(t, snap.PoolID, got.PoolID)
	assert.Len(t, m.ListPools(), 1)

	_, err = m.GetPool("ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	res, err := m.ExecuteOnPool(context.Background(), snap.PoolID, domain.Task{ID: "t1", Type: "noop"}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.AdapterSuccess, res.Status)

	require.NoError(t, m.DestroyPool(context.Background(), snap.PoolID, true))
	assert.Empty(t, m.ListPools())
	assert.ErrorIs(t, m.DestroyPool(context.Background(), snap.PoolID, true), domain.ErrNotFound)
}

func TestManagerExecuteOnType(t *testing.T) {
	t.Parallel()
	m := NewManager(&fakeLauncher{}, nil)
	defer m.Shutdown()

	_, err := m.ExecuteOnType(context.Background(), "general", domain.Task{ID: "t1", Type: "noop"}, nil)
	assert.ErrorIs(t, err, domain.ErrPoolUnavailable)

	_, err = m.CreatePool(context.Background(), testPoolConfig(1, 2))
	require.NoError(t, err)

	res, err := m.ExecuteOnType(context.Background(), "general", domain.Task{ID: "t1", Type: "noop"}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.AdapterSuccess, res.Status)

	_, err = m.ExecuteOnType(context.Background(), "gpu", domain.Task{ID: "t1", Type: "noop"}, nil)
	assert.ErrorIs(t, err, domain.ErrPoolUnavailable)
}
