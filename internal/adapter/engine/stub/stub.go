// Package stub provides the reference engine adapter. It performs no real
// work but honors the full adapter contract, including failure injection
// through task params, which the development environment and the test suites
// rely on.
package stub

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

// Task types the stub understands.
const (
	TaskNoop = "noop"
	TaskEcho = "echo"
)

// Adapter is the stub engine.
type Adapter struct {
	name string
}

// New constructs a stub adapter registered under name.
func New(name string) *Adapter { return &Adapter{name: name} }

// Name returns the adapter name.
func (a *Adapter) Name() string { return a.name }

// Validate accepts noop and echo tasks.
func (a *Adapter) Validate(_ domain.Context, task domain.Task, repos []string) error {
	switch task.Type {
	case TaskNoop, TaskEcho:
	default:
		return fmt.Errorf("op=stub.validate: unsupported task type %q: %w", task.Type, domain.ErrValidation)
	}
	if len(repos) == 0 {
		return fmt.Errorf("op=stub.validate: no repos: %w", domain.ErrValidation)
	}
	return nil
}

// Execute simulates work. Params steer behavior:
//
//	sleep_ms   — per-call latency in milliseconds
//	fail_repos — list of repo paths that fail with a Transient error
//	fail_kind  — override the injected failure kind (Transient, Timeout, Internal)
func (a *Adapter) Execute(ctx domain.Context, task domain.Task, repos []string) (domain.AdapterResult, error) {
	if err := a.Validate(ctx, task, repos); err != nil {
		return domain.AdapterResult{}, err
	}
	start := time.Now()

	if ms, ok := numParam(task.Params, "sleep_ms"); ok && ms > 0 {
		t := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return domain.AdapterResult{}, fmt.Errorf("op=stub.execute: %w", ctx.Err())
		case <-t.C:
		}
	}

	failing := failSet(task.Params)
	res := domain.AdapterResult{Status: domain.AdapterSuccess}
	for _, repo := range repos {
		if failing[repo] {
			kind := a.failErr(task.Params)
			res.ReposFailed = append(res.ReposFailed, domain.RepoFailure{
				Repo: repo, ErrorKind: domain.KindOf(kind), Message: "injected failure",
			})
			continue
		}
		res.ReposProcessed = append(res.ReposProcessed, repo)
	}
	res.ExecutionTime = time.Since(start).Seconds()

	if task.Type == TaskEcho {
		res.EngineSpecific = map[string]any{"echo": task.Params}
	}

	switch {
	case len(res.ReposProcessed) == 0 && len(res.ReposFailed) > 0:
		return domain.AdapterResult{}, fmt.Errorf("op=stub.execute: all repos failed: %w", a.failErr(task.Params))
	case len(res.ReposFailed) > 0:
		res.Status = domain.AdapterPartial
	}
	return res, nil
}

// Health always reports healthy; the stub has no external dependency.
func (a *Adapter) Health(domain.Context) domain.AdapterHealth {
	return domain.AdapterHealth{Status: domain.HealthHealthy}
}

func (a *Adapter) failErr(params map[string]any) error {
	if k, ok := params["fail_kind"].(string); ok {
		switch k {
		case "Timeout":
			return domain.ErrTimeout
		case "Internal":
			return domain.ErrInternal
		}
	}
	return domain.ErrTransient
}

func failSet(params map[string]any) map[string]bool {
	out := map[string]bool{}
	raw, ok := params["fail_repos"].([]any)
	if !ok {
		return out
	}
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out[s] = true
		}
	}
	return out
}

func numParam(params map[string]any, key string) (int64, bool) {
	switch v := params[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}
