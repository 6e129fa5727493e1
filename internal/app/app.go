// Package app builds and holds the long-lived services of one CLI
// invocation: the API client, catalog reader, progress hub and sinks,
// orchestrator, and the optional metrics and progress endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/geoload/internal/api"
	"github.com/JakeFAU/geoload/internal/catalog"
	"github.com/JakeFAU/geoload/internal/client"
	"github.com/JakeFAU/geoload/internal/clock/system"
	"github.com/JakeFAU/geoload/internal/config"
	"github.com/JakeFAU/geoload/internal/id/uuid"
	"github.com/JakeFAU/geoload/internal/metrics"
	"github.com/JakeFAU/geoload/internal/orchestrator"
	"github.com/JakeFAU/geoload/internal/progress"
	"github.com/JakeFAU/geoload/internal/progress/sinks"
)

// App is the dependency container handed to commands.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	api      *client.Client
	catalog  *catalog.Client
	hub      *progress.Hub
	orch     *orchestrator.Orchestrator
	metrics  *metrics.Server
}

// New wires every service from cfg. extra sinks receive progress events
// alongside the log and Prometheus sinks.
func New(cfg config.Config, logger *zap.Logger, extra ...progress.Sink) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	transport, err := metrics.InstrumentTransport(reg, http.DefaultTransport)
	if err != nil {
		return nil, err
	}
	clock := system.New()
	ids := uuid.NewUUIDGenerator()

	apiClient, err := client.New(client.Config{
		BaseURL:       cfg.API.BaseURL,
		UploadPath:    cfg.API.UploadPath,
		StatusPath:    cfg.API.StatusPath,
		CancelPath:    cfg.API.CancelPath,
		UserAgent:     cfg.API.UserAgent,
		StartTimeout:  cfg.Timeouts.StartTimeout(),
		StatusTimeout: cfg.Timeouts.StatusTimeout(),
		CancelTimeout: cfg.Timeouts.CancelTimeout(),
		HTTPClient:    &http.Client{Transport: transport},
		Clock:         clock,
		IDs:           ids,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build api client: %w", err)
	}

	cat := catalog.New(apiClient, catalog.Config{
		DirectoryPath:      cfg.API.DirectoryPath,
		CoordinatesPath:    cfg.API.CoordinatesPath,
		SearchPath:         cfg.API.SearchPath,
		QualityPath:        cfg.API.QualityPath,
		DirectoryTimeout:   cfg.Timeouts.DirectoryTimeout(),
		CoordinatesTimeout: cfg.Timeouts.StatusTimeout(),
		SearchTimeout:      cfg.Timeouts.SearchTimeout(),
		DirectoryRetries:   cfg.Catalog.DirectoryRetries,
		SearchRPS:          cfg.Catalog.SearchRPS,
		SearchBurst:        cfg.Catalog.SearchBurst,
		Logger:             logger,
	})

	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, err
	}
	allSinks := append([]progress.Sink{sinks.NewLogSink(logger.Named("progress")), promSink}, extra...)
	hub := progress.NewHub(progress.HubConfig{Logger: logger}, allSinks...)

	orch := orchestrator.New(apiClient, orchestrator.Config{
		PollInterval: cfg.PollInterval(),
		Emitter:      hub,
		Clock:        clock,
		IDs:          ids,
		Logger:       logger,
	})

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		api:      apiClient,
		catalog:  cat,
		hub:      hub,
		orch:     orch,
	}

	if cfg.Metrics.Addr != "" {
		srv, err := metrics.NewServer(cfg.Metrics.Addr, reg, logger)
		if err != nil {
			a.Close(context.Background())
			return nil, err
		}
		srv.Handle("/progress", api.NewProgressHandler(orch, logger.Named("api")))
		if err := srv.Start(); err != nil {
			a.Close(context.Background())
			return nil, err
		}
		a.metrics = srv
	}
	logger.Debug("services initialized", zap.String("api", cfg.API.BaseURL), zap.Bool("metrics", a.metrics != nil))
	return a, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Registry returns the Prometheus registry backing the sinks.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Orchestrator returns the upload orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Catalog returns the record reader.
func (a *App) Catalog() *catalog.Client { return a.catalog }

// MetricsAddr is the bound metrics address, empty when disabled.
func (a *App) MetricsAddr() string {
	if a.metrics == nil {
		return ""
	}
	return a.metrics.Addr()
}

// Close cancels any active upload, flushes the progress hub, stops the
// metrics endpoint and syncs the logger.
func (a *App) Close(ctx context.Context) error {
	a.orch.Close()
	var errs []error
	if err := a.hub.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close progress hub: %w", err))
	}
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	// Sync on a terminal stderr reports EINVAL; nothing to act on.
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
