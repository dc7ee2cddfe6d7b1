package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
	"github.com/JakeFAU/techevents-crawler/internal/jobs"
	"github.com/JakeFAU/techevents-crawler/internal/metrics"
	"github.com/JakeFAU/techevents-crawler/internal/orchestrator"
)

// Searcher streams search results.
type Searcher interface {
	Search(ctx context.Context, req orchestrator.SearchRequest, emit orchestrator.EmitFunc) error
}

// Submitter queues batch crawl jobs.
type Submitter interface {
	Submit(ctx context.Context, spec jobs.Spec) (discovery.ScrapingJob, error)
}

// Deps are the collaborators behind the routes. Limiter may be nil to
// disable rate limiting.
type Deps struct {
	Searcher  Searcher
	Jobs      discovery.JobStore
	Events    discovery.EventStore
	Submitter Submitter
	Limiter   *RateLimiter
}

// Options tunes request handling.
type Options struct {
	// RequestTimeout bounds the non-streaming job routes.
	RequestTimeout time.Duration
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
}

const defaultMaxBodyBytes = 64 << 10

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router   chi.Router
	deps     Deps
	opts     Options
	validate *validator.Validate
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		deps:     deps,
		opts:     opts,
		validate: newValidator(),
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.requireBody, s.limit(ClassSearch)).Post("/search", s.search)
		r.Route("/jobs", func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.With(s.limit(ClassBatch)).Post("/", s.submitJob)
			r.With(s.limit(ClassAPI)).Get("/{job_id}", s.getJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) limit(class Class) func(http.Handler) http.Handler {
	if s.deps.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.deps.Limiter.Middleware(class)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Events.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "event store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
