// Package httpapi serves the worker HTTP API consumed by the core (spec
// §6): health, import, and the recent/search read endpoints, mounted on
// a github.com/go-chi/chi/v5 router in the style of the
// Strob0t-CodeForge pack repo's internal/adapter/http package.
package httpapi

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"claudemem/internal/config"
	"claudemem/internal/logging"
	"claudemem/internal/outbox"
	"claudemem/internal/router"
	"claudemem/internal/telemetry"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// BuildVersion is overridden at link time (-ldflags) by packaging; it has
// no effect on behavior, only on the health payload's "build" field.
var BuildVersion = "dev"

// Server holds the shared state backing every worker endpoint: the
// import-receiving Outbox, a cache of read-only project Routers, and the
// global index (opened lazily, since it may not exist yet).
type Server struct {
	cfg       *config.Config
	ob        *outbox.Outbox
	metrics   *telemetry.Metrics
	startedAt time.Time
	shutdownCh chan struct{}
	shutdownOnce sync.Once

	mu      sync.Mutex
	routers map[string]*router.Router
}

// New constructs a Server. cfg.Home is the ~/.oc root; the import handler
// appends into cfg.Home/outbox, the same directory the Ingestor polls.
func New(cfg *config.Config, metrics *telemetry.Metrics) (*Server, error) {
	outboxDir := filepath.Join(cfg.Home, "outbox")
	ob, err := outbox.New(outboxDir, cfg.Outbox, "", "")
	if err != nil {
		return nil, err
	}
	ob.SetMetrics(metrics)
	return &Server{
		cfg:        cfg,
		ob:         ob,
		metrics:    metrics,
		startedAt:  time.Now(),
		shutdownCh: make(chan struct{}),
		routers:    make(map[string]*router.Router),
	}, nil
}

// requestShutdown signals Serve's select loop to begin a graceful shutdown.
// Safe to call more than once or concurrently.
func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Close releases every cached per-project router and the global store.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.routers {
		r.Close()
	}
	return s.ob.Close()
}

// routerFor returns the cached read-only Router for a project root,
// opening one on first use.
func (s *Server) routerFor(projectRoot string) (*router.Router, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.routers[projectRoot]; ok {
		return r, nil
	}
	projectDBPath := filepath.Join(projectRoot, ".oc", "memory.db")
	globalDBPath := filepath.Join(s.cfg.Home, "index.db")
	r, err := router.Open(s.cfg.Router, projectDBPath, globalDBPath)
	if err != nil {
		return nil, err
	}
	r.SetMetrics(s.metrics)
	s.routers[projectRoot] = r
	return r, nil
}

// Routes builds the chi.Router mounting the worker's /api/* surface.
func Routes(s *Server) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(requestLogger)

	r.Get("/api/health", s.handleHealth)
	r.Post("/api/import", s.handleImport)
	r.Get("/api/context/recent", s.handleContextRecent)
	r.Get("/api/search", s.handleSearch)
	r.Get("/api/search/observations", s.handleSearchObservations)
	r.Post("/api/shutdown", s.handleShutdown)
	return r
}

// requestLogger logs one line per request at the http category, mirroring
// the teacher's zap-based request logging at a coarser grain (no per-route
// access log file is part of this spec's scope).
func requestLogger(next http.Handler) http.Handler {
	log := logging.Get(logging.CategoryHTTP)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

// Serve starts an *http.Server on addr and blocks until ctx is cancelled,
// then shuts down gracefully (spec §4.6/§4.13 signal discipline).
func Serve(ctx context.Context, addr string, s *Server) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Routes(s),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case <-s.shutdownCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
