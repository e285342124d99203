// Command worker is the pool worker binary. It speaks the JSON-lines
// protocol on stdin/stdout: a ready handshake on start, then ping, task and
// shutdown frames. Logs go to stderr so stdout stays a clean protocol stream.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/mahavishnu/internal/adapter/engine/stub"
	"github.com/fairyhunter13/mahavishnu/internal/domain"
	"github.com/fairyhunter13/mahavishnu/internal/pool"
)

func main() {
	poolType := flag.String("pool-type", "general", "pool type this worker serves")
	poolID := flag.String("pool-id", "", "owning pool id")
	workerID := flag.String("worker-id", "", "assigned worker id")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With(
		slog.String("service", "mahavishnu-worker"),
		slog.String("pool_id", *poolID),
		slog.String("worker_id", *workerID),
	)
	slog.SetDefault(logger)

	engine := stub.New(*poolType)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	out := json.NewEncoder(os.Stdout)
	emit := func(m pool.Message) {
		if err := out.Encode(m); err != nil {
			slog.Error("emit failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	emit(pool.Message{Type: pool.MsgReady, WorkerID: *workerID})
	slog.Info("worker ready")

	frames := make(chan pool.Message)
	go func() {
		defer close(frames)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			if len(sc.Bytes()) == 0 {
				continue
			}
			var m pool.Message
			if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
				slog.Warn("bad frame", slog.Any("error", err))
				continue
			}
			frames <- m
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopping on signal")
			return
		case m, ok := <-frames:
			if !ok {
				// Orchestrator closed stdin; nothing left to serve.
				return
			}
			switch m.Type {
			case pool.MsgPing:
				emit(pool.Message{Type: pool.MsgPong, ID: m.ID, WorkerID: *workerID})
			case pool.MsgShutdown:
				slog.Info("worker shutting down")
				return
			case pool.MsgTask:
				emit(runTask(ctx, engine, m))
			default:
				slog.Warn("unknown frame type", slog.String("type", m.Type))
			}
		}
	}
}

func runTask(ctx context.Context, engine domain.EngineAdapter, m pool.Message) pool.Message {
	reply := pool.Message{Type: pool.MsgResult, ID: m.ID}
	if m.Task == nil {
		reply.Error = "task frame without task"
		reply.ErrorKind = "Validation"
		return reply
	}
	res, err := engine.Execute(ctx, *m.Task, m.Repos)
	if err != nil {
		reply.Error = err.Error()
		reply.ErrorKind = domain.KindOf(err)
		return reply
	}
	reply.Result = &res
	return reply
}
