// Package usecase implements the orchestrator's application services: the
// workflow execution engine and the DLQ service.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

// WorkflowService is the execution engine: it fans a task out across
// repositories through an engine adapter with bounded concurrency and
// aggregates per-repo outcomes into one workflow result.
type WorkflowService struct {
	repo        domain.WorkflowRepository
	paths       *domain.RepoPathValidator
	bus         domain.EventBus
	maxConc     int
	execLimit   time.Duration
	cancelGrace time.Duration

	mu       sync.Mutex
	adapters map[string]domain.EngineAdapter
	inflight map[string]*inflightRun
}

type inflightRun struct {
	cancel        context.CancelFunc
	userCancelled bool
}

// NewWorkflowService constructs the execution engine. bus may be nil.
// cancelGrace bounds how long a cancelled or timed-out run waits for
// in-flight repos before abandoning them.
func NewWorkflowService(repo domain.WorkflowRepository, paths *domain.RepoPathValidator, bus domain.EventBus, maxConcurrency int, execTimeout, cancelGrace time.Duration) *WorkflowService {
	if maxConcurrency <= 0 {
		maxConcurrency = 8
	}
	if cancelGrace <= 0 {
		cancelGrace = 10 * time.Second
	}
	return &WorkflowService{
		repo:        repo,
		paths:       paths,
		bus:         bus,
		maxConc:     maxConcurrency,
		execLimit:   execTimeout,
		cancelGrace: cancelGrace,
		adapters:    make(map[string]domain.EngineAdapter),
		inflight:    make(map[string]*inflightRun),
	}
}

// RegisterAdapter makes an engine adapter routable by name.
func (s *WorkflowService) RegisterAdapter(a domain.EngineAdapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[a.Name()] = a
}

// Adapter returns the registered adapter for name.
func (s *WorkflowService) Adapter(name string) (domain.EngineAdapter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.adapters[name]
	return a, ok
}

// Execute validates, records and runs one workflow to completion. Per-repo
// failures never abort sibling repos; the aggregate status is success when
// every repo succeeded, failure when none did, partial otherwise.
// maxConcurrency caps this call's parallelism; zero means the configured
// default.
func (s *WorkflowService) Execute(ctx domain.Context, task domain.Task, repos []string, engine string, maxConcurrency int) (domain.Workflow, error) {
	tracer := otel.Tracer("usecase.workflow")
	ctx, span := tracer.Start(ctx, "workflow.Execute")
	defer span.End()

	if maxConcurrency < 0 {
		return domain.Workflow{}, fmt.Errorf("op=workflow.execute: negative max_concurrency: %w", domain.ErrValidation)
	}
	if err := domain.ValidateTask(task); err != nil {
		return domain.Workflow{}, err
	}
	if err := s.paths.ValidateAll(repos); err != nil {
		return domain.Workflow{}, err
	}
	adapter, ok := s.Adapter(engine)
	if !ok {
		return domain.Workflow{}, fmt.Errorf("op=workflow.execute: unknown engine %q: %w", engine, domain.ErrValidation)
	}
	if err := adapter.Validate(ctx, task, repos); err != nil {
		return domain.Workflow{}, err
	}

	w := domain.Workflow{
		ID:        uuid.New().String(),
		Task:      task,
		Repos:     repos,
		Engine:    engine,
		Status:    domain.WorkflowPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, w); err != nil {
		return domain.Workflow{}, err
	}
	s.publish(ctx, domain.EventWorkflowCreated, map[string]string{"workflow_id": w.ID, "engine": engine})

	return s.run(ctx, w, adapter, maxConcurrency)
}

func (s *WorkflowService) run(ctx domain.Context, w domain.Workflow, adapter domain.EngineAdapter, maxConc int) (domain.Workflow, error) {
	conc := s.maxConc
	if maxConc > 0 {
		conc = maxConc
	}
	runCtx, cancel := context.WithTimeout(ctx, s.execLimit)
	defer cancel()
	runCtx = domain.WithWorkflowID(runCtx, w.ID)

	run := &inflightRun{cancel: cancel}
	s.mu.Lock()
	s.inflight[w.ID] = run
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, w.ID)
		s.mu.Unlock()
	}()

	started := time.Now().UTC()
	w.StartedAt = &started
	w.Status = domain.WorkflowRunning
	if err := s.repo.MarkRunning(ctx, w.ID, started); err != nil {
		return domain.Workflow{}, err
	}
	s.publish(ctx, domain.EventWorkflowStarted, map[string]string{"workflow_id": w.ID})

	type repoOutcome struct {
		repo string
		err  error
	}
	results := make(chan repoOutcome, len(w.Repos))
	sem := make(chan struct{}, conc)
	for _, repo := range w.Repos {
		go func(repo string) {
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := runCtx.Err(); err != nil {
				results <- repoOutcome{repo: repo, err: fmt.Errorf("op=workflow.repo: %w", err)}
				return
			}
			_, err := adapter.Execute(runCtx, w.Task, []string{repo})
			results <- repoOutcome{repo: repo, err: err}
		}(repo)
	}

	// Collect until every repo reports. Once the run context ends (cancel or
	// deadline) laggards get the grace period to observe it; after that they
	// are abandoned as lost. The results channel is buffered, so an abandoned
	// goroutine's late send never blocks.
	outcomes := make(map[string]error, len(w.Repos))
	ctxDone := runCtx.Done()
	var graceC <-chan time.Time
collect:
	for len(outcomes) < len(w.Repos) {
		select {
		case o := <-results:
			outcomes[o.repo] = o.err
		case <-ctxDone:
			ctxDone = nil
			timer := time.NewTimer(s.cancelGrace)
			defer timer.Stop()
			graceC = timer.C
		case <-graceC:
			break collect
		}
	}

	completed := time.Now().UTC()
	w.CompletedAt = &completed
	w.ExecutionTime = completed.Sub(started).Seconds()

	for _, repo := range w.Repos {
		err, reported := outcomes[repo]
		switch {
		case reported && err == nil:
			w.SuccessfulRepos = append(w.SuccessfulRepos, repo)
			s.publish(ctx, domain.EventRepoSucceeded, map[string]string{"workflow_id": w.ID, "repo": repo})
		case reported:
			w.FailedRepos = append(w.FailedRepos, domain.RepoFailure{
				Repo:      repo,
				ErrorKind: domain.KindOf(err),
				Message:   err.Error(),
			})
			s.publish(ctx, domain.EventRepoFailed, map[string]string{
				"workflow_id": w.ID, "repo": repo, "error_kind": domain.KindOf(err),
			})
		default:
			w.FailedRepos = append(w.FailedRepos, domain.RepoFailure{
				Repo:      repo,
				ErrorKind: domain.KindOf(domain.ErrTimeout),
				Message:   "abandoned: task did not stop within the cancellation grace period",
			})
			s.publish(ctx, domain.EventRepoFailed, map[string]string{
				"workflow_id": w.ID, "repo": repo, "error_kind": domain.KindOf(domain.ErrTimeout),
			})
		}
	}
	sort.Strings(w.SuccessfulRepos)

	s.mu.Lock()
	cancelled := run.userCancelled
	s.mu.Unlock()

	var terminal domain.EventType
	switch {
	case cancelled:
		w.Status = domain.WorkflowCancelled
		terminal = domain.EventWorkflowCancelled
	case len(w.FailedRepos) == 0:
		w.Status = domain.WorkflowSuccess
		terminal = domain.EventWorkflowSucceeded
	case len(w.SuccessfulRepos) == 0:
		w.Status = domain.WorkflowFailure
		terminal = domain.EventWorkflowFailed
	default:
		w.Status = domain.WorkflowPartial
		terminal = domain.EventWorkflowPartial
	}

	if err := s.repo.Finalize(ctx, w); err != nil {
		return domain.Workflow{}, err
	}
	s.publish(ctx, terminal, map[string]string{
		"workflow_id": w.ID,
		"status":      string(w.Status),
	})
	slog.Info("workflow finished",
		slog.String("workflow_id", w.ID),
		slog.String("status", string(w.Status)),
		slog.Int("succeeded", len(w.SuccessfulRepos)),
		slog.Int("failed", len(w.FailedRepos)))
	return w, nil
}

// Cancel stops a running workflow. Repos not yet started never start;
// in-flight repos get the grace period to observe the cancellation, after
// which they are abandoned as lost. Cancelling a terminal workflow is a
// validation error.
func (s *WorkflowService) Cancel(ctx domain.Context, id string) error {
	s.mu.Lock()
	run, running := s.inflight[id]
	if running {
		run.userCancelled = true
	}
	s.mu.Unlock()
	if running {
		run.cancel()
		slog.Info("workflow cancel requested", slog.String("workflow_id", id))
		return nil
	}

	w, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Status.Terminal() {
		return fmt.Errorf("op=workflow.cancel: workflow %s already %s: %w", id, w.Status, domain.ErrValidation)
	}
	// Pending but not in flight (e.g. orphaned by a crash): finalize directly.
	now := time.Now().UTC()
	w.Status = domain.WorkflowCancelled
	w.CompletedAt = &now
	if err := s.repo.Finalize(ctx, w); err != nil {
		return err
	}
	s.publish(ctx, domain.EventWorkflowCancelled, map[string]string{"workflow_id": id})
	return nil
}

// Get loads one workflow.
func (s *WorkflowService) Get(ctx domain.Context, id string) (domain.Workflow, error) {
	return s.repo.Get(ctx, id)
}

// List returns workflows matching the filter.
func (s *WorkflowService) List(ctx domain.Context, f domain.WorkflowFilter) ([]domain.Workflow, error) {
	return s.repo.List(ctx, f)
}

func (s *WorkflowService) publish(ctx domain.Context, typ domain.EventType, fields map[string]string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, typ, fields)
}
