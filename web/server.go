// Package web serves the read-only status API and the Prometheus endpoint.
package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fieldlog/catalog"
	"fieldlog/config"
	"fieldlog/cycle"
	"fieldlog/logging"
	"fieldlog/measure"
	"fieldlog/storage"
)

// Backend exposes the cycle state served by the API. *cycle.Orchestrator
// implements it.
type Backend interface {
	Status() cycle.Status
	Stats() cycle.Stats
	LastRecord() (measure.Record, bool)
}

// HistoryStore provides per-register history. *storage.SQLiteSink
// implements it.
type HistoryStore interface {
	History(ctx context.Context, key string, limit int) ([]storage.Sample, error)
}

// Options are the optional collaborators of a Server.
type Options struct {
	Device  string
	Catalog *catalog.Holder
	History HistoryStore
	Metrics http.Handler
}

// Server is the HTTP status server.
type Server struct {
	config  *config.WebConfig
	backend Backend
	opts    Options
	server  *http.Server
	router  chi.Router
	addr    string
	running bool
	mu      sync.RWMutex
}

// NewServer creates a server; call Start to listen.
func NewServer(cfg *config.WebConfig, backend Backend, opts Options) *Server {
	s := &Server{
		config:  cfg,
		backend: backend,
		opts:    opts,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures the chi router with all routes.
func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	h := &handlers{backend: s.backend, opts: s.opts}

	r.Get("/healthz", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(basicAuth(s.config.Username, s.config.PasswordHash))

		if s.opts.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
		}

		r.Route("/api", func(r chi.Router) {
			r.Get("/status", h.handleStatus)
			r.Get("/latest", h.handleLatest)
			r.Get("/registers", h.handleRegisters)
			r.Get("/registers/{key}", h.handleRegister)
			if s.opts.History != nil {
				r.Get("/history/{key}", h.handleHistory)
			}
		})
	})

	s.router = r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.router
}

// corsMiddleware adds CORS headers for API access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logging.DebugError("web", "listen "+addr, err)
		return fmt.Errorf("web: listen %s: %w", addr, err)
	}

	s.addr = ln.Addr().String()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(logging.Writer("web"), "", 0),
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.DebugError("web", "serve", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	logging.DebugLog("web", "listening on %s", s.addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the base URL. After Start it reflects the bound port.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr != "" {
		return "http://" + s.addr
	}
	return "http://" + net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
}
