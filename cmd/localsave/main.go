package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/localsave/internal/config"
	"github.com/agentworkforce/localsave/internal/prompt"
)

func main() {
	configPath := flag.String("config", envOrDefault("LOCALSAVE_CONFIG", "localsave.yaml"), "config file")
	flag.Parse()

	logger := logrus.StandardLogger()
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	configureLogger(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, prompt.Stdio(), logger)
	if err != nil {
		logger.Fatalf("failed to initialize: %v", err)
	}
	defer a.Close()

	a.startSession(ctx, cfg)

	go func() {
		err := config.Watch(ctx, *configPath, logger, func(next config.Config, err error) {
			if err != nil {
				logger.WithError(err).Warn("ignoring invalid config change")
				return
			}
			a.applyConfig(next)
		})
		if err != nil {
			logger.WithError(err).Warn("config reload disabled")
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("http shutdown")
		}
	}()

	logger.Infof("localsave listening on %s", cfg.Server.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("server failed: %v", err)
	}
	// Give a pending debounced write its chance before exit.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.svc.SaveNow(flushCtx, nil); err != nil {
		logger.WithError(err).Debug("final flush skipped")
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
