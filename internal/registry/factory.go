package registry

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/agentworkforce/localsave/internal/faults"
)

type BackendFactory func(dsn string) (Backend, error)

var backendFactories = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

// RegisterBackendFactory makes scheme resolvable by BuildBackendFromDSN.
// Registered factories take precedence over the built-in schemes.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactories.mu.Lock()
	defer backendFactories.mu.Unlock()
	backendFactories.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactories.mu.RLock()
	defer backendFactories.mu.RUnlock()
	factory, ok := backendFactories.factories[scheme]
	return factory, ok
}

// BuildBackendFromDSN picks a Backend by URL scheme. A DSN without a scheme
// is treated as a path to a JSON file.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, faults.New(faults.KindInvalidInput, "build registry backend", "", fmt.Errorf("dsn is required"))
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, faults.New(faults.KindInvalidInput, "build registry backend", dsn, err)
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "sqlite", "sqlite3":
		return NewSQLiteBackend(dsn)
	case "mysql":
		return NewMySQLBackend(dsn)
	default:
		return nil, faults.New(faults.KindInvalidInput, "build registry backend", dsn, fmt.Errorf("unsupported backend scheme: %s", scheme))
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	invalid := faults.New(faults.KindInvalidInput, "build registry backend", raw, fmt.Errorf("dsn has no path"))
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", invalid
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" && host != "localhost" {
		// file://relative/dir/registry.json
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", invalid
	}
	return path, nil
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
