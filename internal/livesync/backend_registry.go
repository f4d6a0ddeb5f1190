package livesync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// ContinuityBackendFactory builds a backend for a DSN whose scheme was
// registered via RegisterContinuityBackendFactory.
type ContinuityBackendFactory func(dsn string) (ContinuityBackend, error)

var continuityFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]ContinuityBackendFactory
}{
	factories: map[string]ContinuityBackendFactory{},
}

// RegisterContinuityBackendFactory installs a factory for a DSN scheme.
// Registered factories take precedence over the built-in schemes.
func RegisterContinuityBackendFactory(scheme string, factory ContinuityBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	continuityFactoryRegistry.mu.Lock()
	defer continuityFactoryRegistry.mu.Unlock()
	continuityFactoryRegistry.factories[scheme] = factory
}

func lookupContinuityBackendFactory(scheme string) (ContinuityBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	continuityFactoryRegistry.mu.RLock()
	defer continuityFactoryRegistry.mu.RUnlock()
	factory, ok := continuityFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildContinuityBackendFromDSN selects a continuity backend by DSN
// scheme: bare paths and file:// map to the JSON file backend,
// sqlite:// to the SQLite backend, memory:// to the in-memory backend.
func BuildContinuityBackendFromDSN(dsn string) (ContinuityBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupContinuityBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileContinuityBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryContinuityBackend(), nil
	case "sqlite":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteContinuityBackend(path)
	case "postgres", "postgresql", "mysql":
		// Continuity state is deliberately local to the device; a remote
		// database would reintroduce the network into badge restoration.
		return nil, fmt.Errorf("%w: continuity backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported continuity backend scheme: %s", scheme)
	}
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
