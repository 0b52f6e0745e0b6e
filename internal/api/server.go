package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/tremor/internal/engine"
	"github.com/seantiz/tremor/internal/export"
	"github.com/seantiz/tremor/internal/status"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 5 * time.Minute
)

// Options tunes the HTTP surface.
type Options struct {
	// OwnerHeader names the request header carrying the authenticated user.
	OwnerHeader string
	// DefaultOwner is used when the header is absent.
	DefaultOwner   string
	WorkDir        string
	MaxUploadBytes int64
	CORSOrigins    []string
	Version        string
}

// Deps are the components the handlers call.
type Deps struct {
	Engine  *engine.Engine
	Reader  *status.Reader
	Exports *export.Negotiator
	Logger  *slog.Logger
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router  *chi.Mux
	engine  *engine.Engine
	reader  *status.Reader
	exports *export.Negotiator
	logger  *slog.Logger
	opts    Options
	addr    string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, d Deps, opts Options) *Server {
	if opts.OwnerHeader == "" {
		opts.OwnerHeader = "X-Remote-User"
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	srv := &Server{
		router:  chi.NewRouter(),
		engine:  d.Engine,
		reader:  d.Reader,
		exports: d.Exports,
		logger:  d.Logger,
		opts:    opts,
		addr:    addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", opts.OwnerHeader},
		ExposedHeaders:   []string{"X-Request-Id", "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/engine_version", s.handleEngineVersion)

	s.router.Route("/v1/calc", func(r chi.Router) {
		r.Post("/run", s.handleRun)
		r.Get("/list", s.handleListCalcs)
		r.Get("/result/{id}", s.handleExportResult)
		r.Get("/{id}", s.handleGetCalc)
		r.Get("/{id}/info", s.handleCalcInfo)
		r.Post("/{id}/remove", s.handleRemoveCalc)
		r.Get("/{id}/log", s.handleLogSlice)
		r.Get("/{id}/log/size", s.handleLogSize)
		r.Get("/{id}/log/stream", s.handleStreamLog)
		r.Get("/{id}/traceback", s.handleTraceback)
		r.Get("/{id}/results", s.handleResults)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// owner returns the user the request acts for.
func (s *Server) owner(r *http.Request) string {
	if v := r.Header.Get(s.opts.OwnerHeader); v != "" {
		return v
	}
	return s.opts.DefaultOwner
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
