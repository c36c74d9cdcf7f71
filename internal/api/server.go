package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/ordermail/internal/config"
	"github.com/foxzi/ordermail/internal/dispatch"
	"github.com/foxzi/ordermail/internal/job"
	"github.com/foxzi/ordermail/internal/metrics"
	"github.com/foxzi/ordermail/internal/roster"
	"github.com/foxzi/ordermail/internal/upload"
)

// Deps are the components the API serves
type Deps struct {
	Store     *upload.Store
	Registry  *job.Registry
	Scheduler *dispatch.Scheduler
	Columns   roster.Columns
	Version   string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	config     *config.APIConfig
	store      *upload.Store
	registry   *job.Registry
	scheduler  *dispatch.Scheduler
	columns    roster.Columns
	version    string
	limiter    *rateLimitStore
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		config:    cfg,
		store:     deps.Store,
		registry:  deps.Registry,
		scheduler: deps.Scheduler,
		columns:   deps.Columns,
		version:   deps.Version,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}
	if cfg.RateLimitPerMinute > 0 {
		s.limiter = newRateLimitStore()
	}

	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:           cfg.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.corsMiddleware)
	s.router.Use(metrics.HTTPMiddleware)

	s.router.Get("/", s.handleIndex)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/preview/{filename}", s.handlePreview)
		r.Get("/files", s.handleListFiles)
		r.Delete("/files/{filename}", s.handleDeleteFile)
		r.Get("/job-status/{jobId}", s.handleJobStatus)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobId}/failed", s.handleFailed)

		// Routes that start uploads or deliveries are rate limited per client
		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.rateLimitMiddleware(s.config.RateLimitPerMinute))
			}
			r.Post("/upload", s.handleUpload)
			r.Post("/send-emails-async/{filename}", s.handleSendAsync)
			r.Post("/send-emails/{filename}", s.handleSendSync)
			r.Post("/jobs/{jobId}/resend-failed", s.handleResendFailed)
		})
	})
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}
