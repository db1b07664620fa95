// Package http serves the clawcore status API: health, Prometheus metrics,
// bus and session state, and cron job management.
package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roelfdiedericks/clawcore/internal/bus"
	"github.com/roelfdiedericks/clawcore/internal/cron"
	. "github.com/roelfdiedericks/clawcore/internal/logging"
	"github.com/roelfdiedericks/clawcore/internal/session"
)

// DefaultListen is used when ServerConfig.Listen is empty.
const DefaultListen = "127.0.0.1:3380"

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 5 * time.Second

// RequestObserver is told about every served request, keyed by route pattern.
type RequestObserver interface {
	HTTPRequest(method, route string, status int, elapsed time.Duration)
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Listen string // Address to listen on (e.g., ":3380", "127.0.0.1:3380")
}

// Deps are the components the API reports on. Cron and Metrics may be nil.
type Deps struct {
	Bus      *bus.Bus
	Sessions *session.Registry
	Cron     *cron.Service
	Metrics  http.Handler
	Observer RequestObserver
}

// Server represents the HTTP server
type Server struct {
	deps    Deps
	server  *http.Server
	started time.Time
}

// NewServer creates a new HTTP server instance
func NewServer(cfg ServerConfig, deps Deps) *Server {
	listen := cfg.Listen
	if listen == "" {
		listen = DefaultListen
	}

	s := &Server{deps: deps, started: time.Now()}
	s.server = &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.server.Addr }

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequest, stripHeaders)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/bus/stats", s.handleBusStats)
		r.Get("/bus/events/{channel}", s.handleBusEvents)

		r.Get("/sessions", s.handleSessions)
		r.Post("/sessions/{id}/cancel", s.handleCancelSession)

		r.Route("/cron", func(r chi.Router) {
			r.Use(s.requireCron)
			r.Get("/status", s.handleCronStatus)
			r.Get("/jobs", s.handleListJobs)
			r.Post("/jobs", s.handleAddJob)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Delete("/jobs/{id}", s.handleRemoveJob)
			r.Get("/jobs/{id}/runs", s.handleJobRuns)
		})
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		L_info("http: server starting", "addr", ln.Addr().String())
		errc <- s.server.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		L_error("http: shutdown error", "error", err)
		return err
	}
	<-errc
	L_info("http: server stopped")
	return nil
}

// logRequest logs each request and reports it to the observer under its
// route pattern, so path parameters do not explode label cardinality.
func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(lw, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		elapsed := time.Since(start)
		L_trace("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", elapsed)
		if s.deps.Observer != nil {
			s.deps.Observer.HTTPRequest(r.Method, route, lw.statusCode, elapsed)
		}
	})
}

// loggingResponseWriter wraps ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (lw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lw.ResponseWriter
}

// stripHeaders removes fingerprinting headers
func stripHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")
		next.ServeHTTP(w, r)
	})
}

// requireCron answers 503 when the cron service is disabled.
func (s *Server) requireCron(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Cron == nil {
			writeError(w, http.StatusServiceUnavailable, "cron is disabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
