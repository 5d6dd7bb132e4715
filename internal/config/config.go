package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/localsave/internal/faults"
	"github.com/agentworkforce/localsave/internal/lifecycle"
	"github.com/agentworkforce/localsave/internal/registry"
)

const (
	DefaultAddr         = ":8080"
	DefaultDataDir      = ".localsave"
	DefaultMaxBodyBytes = int64(16 << 20)
	DefaultRateWindow   = time.Minute
	defaultRegistryFile = "registry.json"
	schemaResourceName  = "localsave-config.json"
)

// Duration is a time.Duration that reads "5s" style strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type RegistryConfig struct {
	DSN   string `yaml:"dsn"`
	Store string `yaml:"store"`
	Key   string `yaml:"key"`
}

type AutosaveConfig struct {
	FileName                string   `yaml:"fileName"`
	Enabled                 *bool    `yaml:"enabled"`
	SaveInterval            Duration `yaml:"saveInterval"`
	Debounce                Duration `yaml:"debounce"`
	MaxRetries              uint     `yaml:"maxRetries"`
	RetryBaseDelay          Duration `yaml:"retryBaseDelay"`
	RetryMaxExponent        *uint    `yaml:"retryMaxExponent"`
	PermissionCheckInterval Duration `yaml:"permissionCheckInterval"`
	SkipUnchanged           bool     `yaml:"skipUnchanged"`
}

type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	LogLevel        string   `yaml:"logLevel"`
	LogFormat       string   `yaml:"logFormat"`
	JWTSecret       string   `yaml:"jwtSecret"`
	MaxBodyBytes    int64    `yaml:"maxBodyBytes"`
	RateLimitMax    int      `yaml:"rateLimitMax"`
	RateLimitWindow Duration `yaml:"rateLimitWindow"`
}

type LocationConfig struct {
	Path        string `yaml:"path"`
	Watch       bool   `yaml:"watch"`
	Interactive bool   `yaml:"interactive"`
}

type Config struct {
	Registry RegistryConfig `yaml:"registry"`
	Autosave AutosaveConfig `yaml:"autosave"`
	Server   ServerConfig   `yaml:"server"`
	Location LocationConfig `yaml:"location"`
}

func Default() Config {
	enabled := true
	return Config{
		Registry: RegistryConfig{
			DSN:   "file://" + filepath.Join(DefaultDataDir, defaultRegistryFile),
			Store: registry.DefaultStoreName,
			Key:   registry.DefaultLogicalKey,
		},
		Autosave: AutosaveConfig{
			FileName: lifecycle.DefaultFileName,
			Enabled:  &enabled,
		},
		Server: ServerConfig{
			Addr:            DefaultAddr,
			LogLevel:        "info",
			LogFormat:       "text",
			MaxBodyBytes:    DefaultMaxBodyBytes,
			RateLimitWindow: Duration(DefaultRateWindow),
		},
	}
}

// Load reads path over the defaults and then applies LOCALSAVE_* environment
// overrides. A missing file yields the defaults. An empty path skips the
// file entirely.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, faults.New(faults.KindPermanentIO, "load config", path, err)
		default:
			if err := Parse(data, &cfg); err != nil {
				return cfg, faults.New(faults.KindInvalidInput, "load config", path, err)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// Parse validates data against the config schema and decodes it into cfg.
// Fields absent from data keep their current values.
func Parse(data []byte, cfg *Config) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	if doc == nil {
		return nil
	}
	if err := validate(doc); err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// LifecycleSettings converts the autosave section, filling unset values with
// the lifecycle defaults.
func (c Config) LifecycleSettings() (lifecycle.Settings, error) {
	a := c.Autosave
	s := lifecycle.DefaultSettings()
	s.FileName = a.FileName
	if a.Enabled != nil {
		s.Enabled = *a.Enabled
	}
	s.SaveInterval = a.SaveInterval.Std()
	s.DebounceDelay = a.Debounce.Std()
	s.MaxRetries = a.MaxRetries
	s.RetryBaseDelay = a.RetryBaseDelay.Std()
	if a.RetryMaxExponent != nil {
		s.RetryMaxExponent = *a.RetryMaxExponent
	}
	s.PermissionCheckInterval = a.PermissionCheckInterval.Std()
	s.SkipUnchanged = a.SkipUnchanged
	return s.Normalize()
}

func (c Config) LogLevel() (logrus.Level, error) {
	if strings.TrimSpace(c.Server.LogLevel) == "" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(c.Server.LogLevel)
}

// Formatter returns the logrus formatter named by server.logFormat.
func (c Config) Formatter() logrus.Formatter {
	if strings.EqualFold(c.Server.LogFormat, "json") {
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{FullTimestamp: true}
}

func applyEnv(cfg *Config) {
	cfg.Registry.DSN = envOrDefault("LOCALSAVE_REGISTRY_DSN", cfg.Registry.DSN)
	cfg.Registry.Store = envOrDefault("LOCALSAVE_STORE", cfg.Registry.Store)
	cfg.Registry.Key = envOrDefault("LOCALSAVE_LOGICAL_KEY", cfg.Registry.Key)

	cfg.Autosave.FileName = envOrDefault("LOCALSAVE_FILE_NAME", cfg.Autosave.FileName)
	if raw := strings.TrimSpace(os.Getenv("LOCALSAVE_ENABLED")); raw != "" {
		enabled := boolEnv("LOCALSAVE_ENABLED", cfg.Autosave.Enabled == nil || *cfg.Autosave.Enabled)
		cfg.Autosave.Enabled = &enabled
	}
	cfg.Autosave.SaveInterval = Duration(durationEnv("LOCALSAVE_SAVE_INTERVAL", cfg.Autosave.SaveInterval.Std()))
	cfg.Autosave.Debounce = Duration(durationEnv("LOCALSAVE_DEBOUNCE", cfg.Autosave.Debounce.Std()))
	if retries := intEnv("LOCALSAVE_MAX_RETRIES", int(cfg.Autosave.MaxRetries)); retries >= 0 {
		cfg.Autosave.MaxRetries = uint(retries)
	}
	cfg.Autosave.RetryBaseDelay = Duration(durationEnv("LOCALSAVE_RETRY_BASE_DELAY", cfg.Autosave.RetryBaseDelay.Std()))
	cfg.Autosave.PermissionCheckInterval = Duration(durationEnv("LOCALSAVE_PERMISSION_CHECK_INTERVAL", cfg.Autosave.PermissionCheckInterval.Std()))

	cfg.Server.Addr = envOrDefault("LOCALSAVE_ADDR", cfg.Server.Addr)
	cfg.Server.LogLevel = envOrDefault("LOCALSAVE_LOG_LEVEL", cfg.Server.LogLevel)
	cfg.Server.LogFormat = envOrDefault("LOCALSAVE_LOG_FORMAT", cfg.Server.LogFormat)
	cfg.Server.JWTSecret = envOrDefault("LOCALSAVE_JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Server.MaxBodyBytes = int64Env("LOCALSAVE_MAX_BODY_BYTES", cfg.Server.MaxBodyBytes)
	cfg.Server.RateLimitMax = intEnv("LOCALSAVE_RATE_LIMIT_MAX", cfg.Server.RateLimitMax)
	cfg.Server.RateLimitWindow = Duration(durationEnv("LOCALSAVE_RATE_LIMIT_WINDOW", cfg.Server.RateLimitWindow.Std()))

	cfg.Location.Path = envOrDefault("LOCALSAVE_DATA_DIR", cfg.Location.Path)
	cfg.Location.Watch = boolEnv("LOCALSAVE_WATCH", cfg.Location.Watch)
	cfg.Location.Interactive = boolEnv("LOCALSAVE_INTERACTIVE", cfg.Location.Interactive)
}

func envOrDefault(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logrus.WithField("env", name).Warnf("invalid value %q, using %d", raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logrus.WithField("env", name).Warnf("invalid value %q, using %d", raw, fallback)
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
		logrus.WithField("env", name).Warnf("invalid value %q, using %s", raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logrus.WithField("env", name).Warnf("invalid value %q, using %t", raw, fallback)
		return fallback
	}
	return value
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func validate(doc any) error {
	schemaOnce.Do(func() {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaResourceName, parsed); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile(schemaResourceName)
	})
	if schemaErr != nil {
		return schemaErr
	}
	// Round trip through JSON so the validator sees json.Number and plain maps.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
