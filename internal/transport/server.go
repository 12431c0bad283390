// Package transport exposes the coordinator to workers and monitors over HTTP/JSON.
package transport

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hpungsan/landscape/internal/coordinator"
	"github.com/hpungsan/landscape/internal/logging"
	"github.com/hpungsan/landscape/internal/metrics"
)

// Options configures a Server.
type Options struct {
	Metrics *metrics.Metrics

	// Status is mounted at /status. Nil leaves the route unregistered.
	Status http.Handler

	// RetryAfter is suggested to workers when no job is available.
	// Defaults to half the heartbeat interval.
	RetryAfter time.Duration

	Logger *zap.Logger
}

// Server routes HTTP requests to a Coordinator.
type Server struct {
	coord      *coordinator.Coordinator
	metrics    *metrics.Metrics
	status     http.Handler
	retryAfter time.Duration
	logger     *zap.Logger
}

// NewServer creates a Server for coord.
func NewServer(coord *coordinator.Coordinator, opts Options) *Server {
	retry := opts.RetryAfter
	if retry <= 0 {
		retry = coord.HeartbeatInterval() / 2
	}
	return &Server{
		coord:      coord,
		metrics:    opts.Metrics,
		status:     opts.Status,
		retryAfter: retry,
		logger:     logging.OrNop(opts.Logger),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(securityHeaders)

	r.Get("/health", s.health)
	r.Handle("/metrics", s.metrics.Handler())
	if s.status != nil {
		r.Mount("/status", s.status)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/workers", func(r chi.Router) {
			r.Post("/", s.register)
			r.Get("/", s.listWorkers)
			r.Post("/{workerID}/jobs", s.requestJob)
			r.Post("/{workerID}/jobs/{jobID}/result", s.submitResult)
			r.Post("/{workerID}/heartbeat", s.heartbeat)
		})
		r.Get("/jobs", s.listJobs)
		r.Route("/landscape", func(r chi.Router) {
			r.Get("/stats", s.stats)
			r.Get("/minima", s.listMinima)
			r.Get("/transition-states", s.listTransitionStates)
			r.Get("/components", s.components)
			r.Get("/connected", s.connected)
			r.Get("/path", s.path)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, notFoundRoute(r))
	})
	return r
}

// NewHTTPServer wraps handler in an http.Server listening on addr.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Run serves srv until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	logger = logging.OrNop(logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("coordinator listening", zap.String("addr", srv.Addr))
	if strings.Contains(srv.Addr, "0.0.0.0") || strings.HasPrefix(srv.Addr, ":") || strings.Contains(srv.Addr, "::") {
		logger.Warn("server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
