// Package server assembles the crewhost HTTP surface: the chi router, its
// middleware chain and the process lifecycle around http.Server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/3leaps/crewhost/internal/errors"
	"github.com/3leaps/crewhost/internal/server/handlers"
	"github.com/3leaps/crewhost/internal/server/middleware"
)

// Server wraps the router and the underlying http.Server.
type Server struct {
	host   string
	port   int
	router chi.Router
	logger *zap.Logger

	runs          *handlers.RunsHandler
	settings      *handlers.SettingsHandler
	output        *handlers.OutputHandler
	authenticator middleware.Authenticator
	launchLimiter *rate.Limiter
	cors          *cors.Options

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	mu         sync.Mutex
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the access and error logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRuns mounts the /runs routes.
func WithRuns(h *handlers.RunsHandler) Option {
	return func(s *Server) { s.runs = h }
}

// WithSettings mounts the /settings routes.
func WithSettings(h *handlers.SettingsHandler) Option {
	return func(s *Server) { s.settings = h }
}

// WithOutput mounts the /output routes.
func WithOutput(h *handlers.OutputHandler) Option {
	return func(s *Server) { s.output = h }
}

// WithAuthenticator attaches caller identities to requests.
func WithAuthenticator(a middleware.Authenticator) Option {
	return func(s *Server) { s.authenticator = a }
}

// WithLaunchLimiter throttles POST /runs.
func WithLaunchLimiter(l *rate.Limiter) Option {
	return func(s *Server) { s.launchLimiter = l }
}

// WithCORS answers cross-origin requests and preflights per opts. Without
// allowed origins no CORS headers are emitted.
func WithCORS(opts cors.Options) Option {
	return func(s *Server) {
		if len(opts.AllowedOrigins) == 0 {
			s.cors = nil
			return
		}
		s.cors = &opts
	}
}

// WithTimeouts sets http.Server read, write and idle timeouts. Zero values
// keep the defaults.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
	}
}

// New builds a server listening on host:port. Routes are fixed at
// construction time.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	if s.cors != nil {
		r.Use(cors.Handler(*s.cors))
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(s.logger))
	r.Use(middleware.Recovery)
	r.Use(middleware.Authenticate(s.authenticator, s.logger))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewNotFoundError("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewMethodNotAllowedError("method not allowed"))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.runs != nil {
		r.With(middleware.RateLimit(s.launchLimiter)).Post("/runs", s.runs.Launch)
		r.Get("/runs", s.runs.List)
		r.Get("/runs/{id}", s.runs.Get)
		r.Get("/runs/{id}/logs", s.runs.Logs)
	}
	if s.settings != nil {
		r.Get("/settings", s.settings.Get)
		r.Put("/settings", s.settings.Put)
	}
	if s.output != nil {
		r.Get("/output", s.output.List)
		r.Get("/output/{name}", s.output.Get)
		r.Get("/summary", s.output.Summary)
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

func (s *Server) newHTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
}

// Start listens on the configured address and blocks until the server stops.
// A graceful Shutdown returns nil.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := s.newHTTPServer()
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
