package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/localsave/internal/autosave"
	"github.com/agentworkforce/localsave/internal/config"
	"github.com/agentworkforce/localsave/internal/httpapi"
	"github.com/agentworkforce/localsave/internal/lifecycle"
	"github.com/agentworkforce/localsave/internal/prompt"
	"github.com/agentworkforce/localsave/internal/registry"
	"github.com/agentworkforce/localsave/internal/telemetry"
)

const diagnosticsCapacity = 256

type app struct {
	svc    *autosave.Service
	server *httpapi.Server
	reg    *registry.Registry
	ring   *telemetry.Ring
	async  *telemetry.Async
	logger *logrus.Logger
}

func configureLogger(logger *logrus.Logger, cfg config.Config) {
	logger.SetFormatter(cfg.Formatter())
	level, err := cfg.LogLevel()
	if err != nil {
		logger.WithError(err).Warn("unknown log level, keeping info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func newApp(cfg config.Config, term *prompt.Terminal, logger *logrus.Logger) (*app, error) {
	settings, err := cfg.LifecycleSettings()
	if err != nil {
		return nil, fmt.Errorf("autosave settings: %w", err)
	}
	backend, err := registry.BuildBackendFromDSN(cfg.Registry.DSN)
	if err != nil {
		return nil, fmt.Errorf("registry backend: %w", err)
	}

	var granter registry.Granter = prompt.Decline{}
	if cfg.Location.Interactive && term.Interactive() {
		granter = term
	}
	reg, err := registry.New(registry.Options{
		Backend:   backend,
		StoreName: cfg.Registry.Store,
		Prober:    registry.NewOSProber(granter),
	})
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("registry: %w", err)
	}

	ring := telemetry.NewRing(diagnosticsCapacity, nil)
	async := telemetry.NewAsync(telemetry.LogSink{Logger: logger.WithField("component", "autosave")}, 0)
	svc, err := autosave.New(autosave.Options{
		Registry:   reg,
		Picker:     term,
		LogicalKey: cfg.Registry.Key,
		Settings:   settings,
		Sink:       telemetry.Multi(async, ring),
		Watch:      cfg.Location.Watch,
		Logger:     logger,
	})
	if err != nil {
		async.Close()
		_ = reg.Close()
		return nil, fmt.Errorf("autosave: %w", err)
	}
	svc.Subscribe(func(status lifecycle.Status) {
		logger.WithFields(logrus.Fields{
			"state":      status.State.Kind(),
			"permission": status.Permission,
			"pending":    status.PendingWrites,
		}).Info(status.Message)
	})

	server := httpapi.NewServerWithConfig(svc, httpapi.ServerConfig{
		JWTSecret:       cfg.Server.JWTSecret,
		RateLimitMax:    cfg.Server.RateLimitMax,
		RateLimitWindow: cfg.Server.RateLimitWindow.Std(),
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		Diagnostics:     ring,
		Logger:          logger.WithField("component", "httpapi"),
	})
	return &app{svc: svc, server: server, reg: reg, ring: ring, async: async, logger: logger}, nil
}

// startSession connects to the configured directory, or to the remembered
// one when none is configured.
func (a *app) startSession(ctx context.Context, cfg config.Config) {
	var (
		ok  bool
		err error
	)
	if cfg.Location.Path != "" {
		ok, err = a.svc.ConnectTo(ctx, cfg.Location.Path)
	} else {
		ok, err = a.svc.ConnectToExisting(ctx)
	}
	entry := a.logger.WithField("path", a.svc.Path())
	switch {
	case err != nil:
		entry.WithError(err).Warn("not connected at startup")
	case !ok:
		entry.Warn(a.svc.Status().Message)
	default:
		entry.Info("data directory connected")
	}
}

func (a *app) applyConfig(cfg config.Config) {
	configureLogger(a.logger, cfg)
	settings, err := cfg.LifecycleSettings()
	if err == nil {
		err = a.svc.Reconfigure(settings)
	}
	if err != nil {
		a.logger.WithError(err).Warn("config reload rejected")
	}
}

func (a *app) Close() {
	a.svc.Close()
	a.async.Close()
	if err := a.reg.Close(); err != nil {
		a.logger.WithError(err).Warn("registry close")
	}
	if dropped := a.async.Dropped(); dropped > 0 {
		a.logger.WithField("dropped", dropped).Warn("telemetry reports dropped")
	}
}
