package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/mahavishnu/internal/config"
	"github.com/fairyhunter13/mahavishnu/internal/domain"
	"github.com/fairyhunter13/mahavishnu/internal/pool"
	"github.com/fairyhunter13/mahavishnu/internal/resilience"
	"github.com/fairyhunter13/mahavishnu/internal/saga"
	"github.com/fairyhunter13/mahavishnu/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Workflows  *usecase.WorkflowService
	DLQ        *usecase.DLQService
	Breakers   *resilience.Registry
	Pools      *pool.Manager
	Sagas      domain.SagaRepository
	Coord      *saga.Coordinator
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

type executeWorkflowRequest struct {
	Task   domain.Task `json:"task"`
	Repos  []string    `json:"repos" validate:"required,min=1"`
	Engine string      `json:"engine" validate:"required,identifier"`
	// MaxConcurrency caps this workflow's parallel repos; omitted or zero
	// falls back to the server default.
	MaxConcurrency int `json:"max_concurrency" validate:"gte=0"`
}

// ExecuteWorkflow runs a task across repositories and returns the finished
// workflow, whatever its terminal status.
func (s *Server) ExecuteWorkflow() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req executeWorkflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("op=http.workflow: bad body: %w", domain.ErrValidation), nil)
			return
		}
		if err := domain.ValidateStruct(req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		wf, err := s.Workflows.Execute(r.Context(), req.Task, req.Repos, req.Engine, req.MaxConcurrency)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, wf)
	}
}

// CancelWorkflow cancels a running workflow.
func (s *Server) CancelWorkflow() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Workflows.Cancel(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"workflow_id": id, "status": "cancelling"})
	}
}

// GetWorkflow returns one workflow.
func (s *Server) GetWorkflow() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wf, err := s.Workflows.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, wf)
	}
}

// ListWorkflows returns workflows filtered by status/engine.
func (s *Server) ListWorkflows() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := domain.WorkflowFilter{
			Status: domain.WorkflowStatus(r.URL.Query().Get("status")),
			Engine: r.URL.Query().Get("engine"),
			Limit:  queryInt(r, "limit", s.Cfg.WorkflowListLimit),
			Offset: queryInt(r, "offset", 0),
		}
		items, err := s.Workflows.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workflows": items, "count": len(items)})
	}
}

// ListDLQ returns dead-letter entries, newest first.
func (s *Server) ListDLQ() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := domain.DLQFilter{
			WorkflowID: r.URL.Query().Get("workflow_id"),
			Engine:     r.URL.Query().Get("engine"),
			ErrorKind:  r.URL.Query().Get("error_kind"),
			Limit:      queryInt(r, "limit", 100),
			Offset:     queryInt(r, "offset", 0),
		}
		items, err := s.DLQ.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		size, err := s.DLQ.Size(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": items, "count": len(items), "total": size})
	}
}

// GetDLQEntry returns one dead-letter entry.
func (s *Server) GetDLQEntry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := s.DLQ.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

// ReplayDLQEntry removes the entry and re-runs its task as a new workflow.
func (s *Server) ReplayDLQEntry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wf, err := s.DLQ.Replay(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, wf)
	}
}

type purgeRequest struct {
	Before time.Time `json:"before"`
}

// PurgeDLQ removes entries older than the given cutoff.
func (s *Server) PurgeDLQ() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req purgeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Before.IsZero() {
			writeError(w, r, fmt.Errorf("op=http.dlq.purge: before required: %w", domain.ErrValidation), nil)
			return
		}
		n, err := s.DLQ.Purge(r.Context(), req.Before)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
	}
}

// ListBreakers returns a snapshot of every circuit breaker.
func (s *Server) ListBreakers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"breakers": s.Breakers.Snapshots()})
	}
}

// ResetBreaker closes one breaker by operator request.
func (s *Server) ResetBreaker() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := chi.URLParam(r, "target")
		if !s.Breakers.Reset(target) {
			writeError(w, r, fmt.Errorf("op=http.breakers: target %q: %w", target, domain.ErrNotFound), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"target": target, "state": string(domain.CircuitClosed)})
	}
}

// CreatePool creates a worker pool.
func (s *Server) CreatePool() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg domain.PoolConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, r, fmt.Errorf("op=http.pools: bad body: %w", domain.ErrValidation), nil)
			return
		}
		s.applyPoolDefaults(&cfg)
		snap, err := s.Pools.CreatePool(r.Context(), cfg)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, snap)
	}
}

// ListPools returns every pool snapshot.
func (s *Server) ListPools() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"pools": s.Pools.ListPools()})
	}
}

// GetPool returns one pool snapshot.
func (s *Server) GetPool() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.Pools.GetPool(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// DestroyPool tears a pool down; ?graceful=false kills outright.
func (s *Server) DestroyPool() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		graceful := r.URL.Query().Get("graceful") != "false"
		if err := s.Pools.DestroyPool(r.Context(), chi.URLParam(r, "id"), graceful); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"destroyed": true, "graceful": graceful})
	}
}

type poolExecuteRequest struct {
	Task  domain.Task `json:"task"`
	Repos []string    `json:"repos" validate:"required,min=1"`
}

// ExecuteOnPool dispatches one task directly to a pool, bypassing the
// workflow engine. Intended for operational smoke tests.
func (s *Server) ExecuteOnPool() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req poolExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("op=http.pools: bad body: %w", domain.ErrValidation), nil)
			return
		}
		if err := domain.ValidateStruct(req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		res, err := s.Pools.ExecuteOnPool(r.Context(), chi.URLParam(r, "id"), req.Task, req.Repos)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type startSagaRequest struct {
	SagaType string          `json:"saga_type" validate:"required,identifier"`
	SagaID   string          `json:"saga_id" validate:"required,identifier"`
	State    domain.SagaState `json:"state"`
}

// StartSaga creates and runs a saga to a terminal state. Re-posting an
// existing saga id resumes it instead of duplicating it.
func (s *Server) StartSaga() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startSagaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("op=http.sagas: bad body: %w", domain.ErrValidation), nil)
			return
		}
		if err := domain.ValidateStruct(req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		out, err := s.Coord.Start(r.Context(), req.SagaType, req.SagaID, req.State)
		if err != nil && out.ID == "" {
			writeError(w, r, err, nil)
			return
		}
		// A saga that ran compensation still returns its row; the failure is
		// encoded in its status.
		writeJSON(w, http.StatusOK, out)
	}
}

// GetSaga returns one saga row.
func (s *Server) GetSaga() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		saga, err := s.Sagas.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, saga)
	}
}

// ListSagas returns sagas filtered by status.
func (s *Server) ListSagas() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := s.Sagas.List(r.Context(),
			domain.SagaStatus(r.URL.Query().Get("status")),
			queryInt(r, "limit", 100),
			queryInt(r, "offset", 0))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sagas": items, "count": len(items)})
	}
}

// Healthz is the liveness probe.
func (s *Server) Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// Readyz checks downstream dependencies.
func (s *Server) Readyz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := map[string]string{}
		ready := true
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks["postgres"] = err.Error()
				ready = false
			} else {
				checks["postgres"] = "ok"
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks["redis"] = err.Error()
				ready = false
			} else {
				checks["redis"] = "ok"
			}
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
	}
}

func (s *Server) applyPoolDefaults(cfg *domain.PoolConfig) {
	def := s.Cfg.PoolDefaults(cfg.PoolType)
	if cfg.MinWorkers == 0 {
		cfg.MinWorkers = def.MinWorkers
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.ScaleUpThreshold == 0 {
		cfg.ScaleUpThreshold = def.ScaleUpThreshold
	}
	if cfg.ScaleDownThreshold == 0 {
		cfg.ScaleDownThreshold = def.ScaleDownThreshold
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.SpawnTimeout == 0 {
		cfg.SpawnTimeout = def.SpawnTimeout
	}
	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = def.ExecTimeout
	}
	if cfg.ScaleCooldown == 0 {
		cfg.ScaleCooldown = def.ScaleCooldown
	}
	if cfg.SpawnRateLimit == 0 {
		cfg.SpawnRateLimit = def.SpawnRateLimit
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
