package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/localsave/internal/config"
	"github.com/agentworkforce/localsave/internal/registry"
)

const usage = `usage: localsave-registry [flags] <show|check|purge>

  show    print the remembered location for the logical key
  check   probe the remembered location and record the result
  purge   forget the remembered location

flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("localsave-registry", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprint(stderr, usage)
		flags.PrintDefaults()
	}
	configPath := flags.String("config", envOrDefault("LOCALSAVE_CONFIG", "localsave.yaml"), "config file")
	dsn := flags.String("dsn", "", "registry DSN, overrides the config file")
	store := flags.String("store", "", "registry store name, overrides the config file")
	key := flags.String("key", "", "logical key, overrides the config file")
	interval := flags.Duration("interval", durationEnv("LOCALSAVE_CHECK_INTERVAL", 0), "repeat check at this interval (0 checks once)")
	intervalJitter := flags.Float64("interval-jitter", floatEnv("LOCALSAVE_CHECK_INTERVAL_JITTER", 0.2), "check interval jitter ratio (0.0-1.0)")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	logger := logrus.New()
	logger.SetOutput(stderr)
	logger.SetFormatter(cfg.Formatter())
	if level, err := cfg.LogLevel(); err == nil {
		logger.SetLevel(level)
	}

	backend, err := registry.BuildBackendFromDSN(firstNonEmpty(*dsn, cfg.Registry.DSN))
	if err != nil {
		logger.WithError(err).Error("failed to open registry backend")
		return 1
	}
	reg, err := registry.New(registry.Options{
		Backend:   backend,
		StoreName: firstNonEmpty(*store, cfg.Registry.Store),
	})
	if err != nil {
		logger.WithError(err).Error("failed to initialize registry")
		return 1
	}
	defer reg.Close()
	logicalKey := firstNonEmpty(*key, cfg.Registry.Key)

	switch flags.Arg(0) {
	case "show":
		return show(ctx, reg, logicalKey, stdout, logger)
	case "purge":
		if err := reg.Clear(ctx, logicalKey); err != nil {
			logger.WithError(err).Error("purge failed")
			return 1
		}
		fmt.Fprintf(stdout, "forgot %s/%s\n", reg.StoreName(), logicalKey)
		return 0
	case "check":
		if *interval <= 0 {
			return check(ctx, reg, logicalKey, stdout, logger)
		}
		return checkLoop(ctx, reg, logicalKey, *interval, clampJitterRatio(*intervalJitter), stdout, logger)
	default:
		flags.Usage()
		return 2
	}
}

func show(ctx context.Context, reg *registry.Registry, key string, stdout io.Writer, logger logrus.FieldLogger) int {
	rec, err := reg.Get(ctx, key)
	if err != nil {
		logger.WithError(err).Error("lookup failed")
		return 1
	}
	if rec == nil {
		fmt.Fprintln(stdout, "no saved location")
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		logger.WithError(err).Error("encode record")
		return 1
	}
	return 0
}

// check probes the saved location without prompting and records the result
// when it differs from what was last verified.
func check(ctx context.Context, reg *registry.Registry, key string, stdout io.Writer, logger logrus.FieldLogger) int {
	rec, err := reg.Get(ctx, key)
	if err != nil {
		logger.WithError(err).Error("lookup failed")
		return 1
	}
	if rec == nil {
		fmt.Fprintln(stdout, "no saved location")
		return 1
	}
	perm, err := reg.CheckPermission(rec.Handle)
	if err != nil {
		logger.WithError(err).WithField("path", rec.Handle.Path()).Warn("permission probe failed")
		return 1
	}
	if perm != rec.LastVerifiedPermission {
		if err := reg.RecordPermission(ctx, key, perm); err != nil {
			logger.WithError(err).Warn("failed to record permission")
		}
	}
	fmt.Fprintf(stdout, "%s\t%s\n", rec.Handle.Path(), perm)
	if perm != registry.PermissionGranted {
		return 1
	}
	return 0
}

func checkLoop(ctx context.Context, reg *registry.Registry, key string, interval time.Duration, jitter float64, stdout io.Writer, logger logrus.FieldLogger) int {
	code := check(ctx, reg, key, stdout, logger)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.WithField("reason", ctx.Err()).Info("permission check stopping")
			return code
		case <-timer.C:
			code = check(ctx, reg, key, stdout, logger)
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logrus.Warnf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logrus.Warnf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
