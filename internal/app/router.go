package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/mahavishnu/internal/adapter/httpserver"
	"github.com/fairyhunter13/mahavishnu/internal/adapter/observability"
	"github.com/fairyhunter13/mahavishnu/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints get rate limiting. Workflow execution is synchronous
	// and can run long, so it skips the generic timeout middleware and relies
	// on the engine's own execution deadline.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/v1/workflows", srv.ExecuteWorkflow())
		wr.Delete("/v1/workflows/{id}", srv.CancelWorkflow())
		wr.Post("/v1/dlq/{id}/replay", srv.ReplayDLQEntry())
		wr.Post("/v1/dlq/purge", srv.PurgeDLQ())
		wr.Post("/v1/breakers/{target}/reset", srv.ResetBreaker())
		wr.Post("/v1/pools", srv.CreatePool())
		wr.Delete("/v1/pools/{id}", srv.DestroyPool())
		wr.Post("/v1/pools/{id}/execute", srv.ExecuteOnPool())
		wr.Post("/v1/sagas", srv.StartSaga())
	})

	// Read-only endpoints
	r.Group(func(rr chi.Router) {
		rr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		rr.Get("/v1/workflows", srv.ListWorkflows())
		rr.Get("/v1/workflows/{id}", srv.GetWorkflow())
		rr.Get("/v1/dlq", srv.ListDLQ())
		rr.Get("/v1/dlq/{id}", srv.GetDLQEntry())
		rr.Get("/v1/breakers", srv.ListBreakers())
		rr.Get("/v1/pools", srv.ListPools())
		rr.Get("/v1/pools/{id}", srv.GetPool())
		rr.Get("/v1/sagas", srv.ListSagas())
		rr.Get("/v1/sagas/{id}", srv.GetSaga())
	})

	// Health and metrics
	r.Get("/healthz", srv.Healthz())
	r.Get("/readyz", srv.Readyz())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
