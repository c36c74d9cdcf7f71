package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/ordermail/internal/api"
	"github.com/foxzi/ordermail/internal/config"
	"github.com/foxzi/ordermail/internal/dispatch"
	"github.com/foxzi/ordermail/internal/job"
	"github.com/foxzi/ordermail/internal/mailer"
	"github.com/foxzi/ordermail/internal/metrics"
	"github.com/foxzi/ordermail/internal/roster"
	"github.com/foxzi/ordermail/internal/smtp"
	"github.com/foxzi/ordermail/internal/template"
	"github.com/foxzi/ordermail/internal/upload"
)

// App is the main application
type App struct {
	config        *config.Config
	logger        *slog.Logger
	store         *upload.Store
	registry      *job.Registry
	sweeper       *job.Sweeper
	templates     *template.Loader
	scheduler     *dispatch.Scheduler
	apiServer     *api.Server
	collector     *metrics.Collector
	metricsServer *metrics.Server
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	store, err := upload.Open(cfg.Storage.UploadsDir, cfg.Storage.IndexPath, cfg.API.MaxUploadBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	m, templates, err := NewMailer(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := job.NewRegistry(job.Retention{
		MaxAge:   cfg.Jobs.MaxAge,
		MaxCount: cfg.Jobs.MaxCount,
	})

	sweeper, err := job.NewSweeper(registry, cfg.Jobs.SweepSchedule, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create job sweeper: %w", err)
	}

	scheduler := dispatch.New(m, registry, dispatch.Options{
		DeliveryTimeout: cfg.Dispatch.DeliveryTimeout,
		JobTimeout:      cfg.Dispatch.JobTimeout,
	}, logger)

	a := &App{
		config:    cfg,
		logger:    logger,
		store:     store,
		registry:  registry,
		sweeper:   sweeper,
		templates: templates,
		scheduler: scheduler,
	}

	if cfg.Metrics.Enabled {
		mtr := metrics.New()
		metrics.SetGlobal(mtr)

		// Counters are persisted next to the upload index
		a.collector, err = metrics.NewCollector(store.DB(), mtr, registry, store, cfg.Metrics.UpdateInterval, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(mtr, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger)
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
	}

	a.apiServer = api.NewServer(api.Deps{
		Store:     store,
		Registry:  registry,
		Scheduler: scheduler,
		Columns:   Columns(cfg.Sheet),
		Version:   version,
	}, &cfg.API, logger)

	return a, nil
}

// NewMailer builds the relay client, templates and mailer from configuration
func NewMailer(cfg *config.Config, logger *slog.Logger) (*mailer.Mailer, *template.Loader, error) {
	client := smtp.NewClient(cfg.SMTP, cfg.Server.Hostname, logger)

	if cfg.DKIM.Enabled {
		signer, err := smtp.NewSignerFromFile(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		client.SetDKIMSigner(signer)
		logger.Info("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", cfg.DKIM.Selector)
	}

	templates, err := template.NewLoader(cfg.Templates.Dir, template.NewEngine(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load templates: %w", err)
	}

	return mailer.New(client, templates, cfg.Mail, cfg.Templates.OrderFields, logger), templates, nil
}

// Columns returns the grouping columns configured for spreadsheets
func Columns(cfg config.SheetConfig) roster.Columns {
	cols := roster.DefaultColumns()
	if len(cfg.EmailColumns) > 0 {
		cols.Email = cfg.EmailColumns
	}
	if cfg.PhoneColumn != "" {
		cols.Phone = cfg.PhoneColumn
	}
	if cfg.NameColumn != "" {
		cols.Name = cfg.NameColumn
	}
	if cfg.DefaultName != "" {
		cols.DefaultName = cfg.DefaultName
	}
	return cols
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting ordermail",
		"api_addr", a.config.API.ListenAddr,
		"relay", a.config.RelayAddr(),
		"security", a.config.SMTP.Security,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.sweeper.Start()

	if a.collector != nil {
		a.collector.Start(ctx)
	}

	if a.config.Templates.Watch && a.config.Templates.Dir != "" {
		go func() {
			if err := a.templates.Watch(ctx); err != nil {
				a.logger.Error("template watcher stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components. Running jobs get
// dispatch.shutdown_timeout to finish before they are cancelled.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// New sends are refused with 503 while running jobs drain
	drainCtx, cancelDrain := context.WithTimeout(ctx, a.config.Dispatch.ShutdownTimeout)
	if err := a.scheduler.Shutdown(drainCtx); err != nil {
		a.logger.Warn("running jobs cancelled", "error", err)
	}
	cancelDrain()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	a.sweeper.Stop()

	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
