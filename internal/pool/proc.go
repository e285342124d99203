// Package pool implements worker pool management: process supervision,
// health checking, autoscaling and task routing over a JSON-lines stdio
// protocol.
package pool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

// Message is one frame of the worker stdio protocol. Frames are
// newline-delimited JSON in both directions.
type Message struct {
	Type     string                `json:"type"`
	ID       string                `json:"id,omitempty"`
	WorkerID string                `json:"worker_id,omitempty"`
	Task     *domain.Task          `json:"task,omitempty"`
	Repos    []string              `json:"repos,omitempty"`
	Result   *domain.AdapterResult `json:"result,omitempty"`
	Error    string                `json:"error,omitempty"`
	// ErrorKind carries the failure classification across the process
	// boundary so retry decisions survive serialization.
	ErrorKind string `json:"error_kind,omitempty"`
}

// Protocol frame types.
const (
	MsgReady    = "ready"
	MsgPing     = "ping"
	MsgPong     = "pong"
	MsgTask     = "task"
	MsgResult   = "result"
	MsgShutdown = "shutdown"
)

// Proc is one running worker process. Recv's channel closes when the
// process's stdout ends, which the supervisor treats as the worker dying.
type Proc interface {
	PID() int
	Send(m Message) error
	Recv() <-chan Message
	Terminate() error
	Kill() error
	Wait() error
}

// Launcher spawns worker processes. Tests substitute an in-memory fake.
type Launcher interface {
	Launch(ctx domain.Context, poolType, poolID, workerID string) (Proc, error)
}

// ExecLauncher launches real worker binaries with os/exec.
type ExecLauncher struct {
	// Binary is the worker executable; it must speak the stdio protocol.
	Binary string
}

// NewExecLauncher constructs a launcher for the given worker binary.
func NewExecLauncher(binary string) *ExecLauncher {
	return &ExecLauncher{Binary: binary}
}

// Launch starts one worker process and wires its stdio.
func (l *ExecLauncher) Launch(ctx domain.Context, poolType, poolID, workerID string) (Proc, error) {
	cmd := exec.Command(l.Binary,
		"--pool-type", poolType,
		"--pool-id", poolID,
		"--worker-id", workerID,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("op=pool.launch: stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("op=pool.launch: stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("op=pool.launch: stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("op=pool.launch: start: %w", err)
	}

	p := &execProc{cmd: cmd, stdin: stdin, recv: make(chan Message, 16)}
	go p.readLoop(stdout)
	go drainStderr(workerID, stderr)
	return p, nil
}

type execProc struct {
	cmd   *exec.Cmd
	mu    sync.Mutex
	stdin io.WriteCloser
	recv  chan Message

	waitOnce sync.Once
	waitErr  error
}

func (p *execProc) PID() int { return p.cmd.Process.Pid }

func (p *execProc) Send(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("op=pool.send: marshal: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.stdin.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("op=pool.send: %w: %w", domain.ErrWorkerLost, err)
	}
	return nil
}

func (p *execProc) Recv() <-chan Message { return p.recv }

func (p *execProc) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProc) Kill() error {
	return p.cmd.Process.Signal(os.Kill)
}

func (p *execProc) Wait() error {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}

func (p *execProc) readLoop(stdout io.Reader) {
	defer close(p.recv)
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			slog.Warn("worker protocol: bad frame", slog.Int("pid", p.PID()), slog.Any("error", err))
			continue
		}
		p.recv <- m
	}
}

func drainStderr(workerID string, stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		slog.Debug("worker stderr", slog.String("worker_id", workerID), slog.String("line", sc.Text()))
	}
}
