package board

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type AccessorFactory func(dsn string) (Accessor, error)

var accessorFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]AccessorFactory
}{
	factories: map[string]AccessorFactory{},
}

// RegisterAccessorFactory makes scheme resolvable by BuildAccessorFromDSN,
// taking precedence over the built-in schemes.
func RegisterAccessorFactory(scheme string, factory AccessorFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	accessorFactoryRegistry.mu.Lock()
	defer accessorFactoryRegistry.mu.Unlock()
	accessorFactoryRegistry.factories[scheme] = factory
}

func lookupAccessorFactory(scheme string) (AccessorFactory, bool) {
	scheme = normalizeScheme(scheme)
	accessorFactoryRegistry.mu.RLock()
	defer accessorFactoryRegistry.mu.RUnlock()
	factory, ok := accessorFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildAccessorFromDSN picks a storage adapter by DSN scheme. An empty DSN
// yields an in-memory accessor.
func BuildAccessorFromDSN(dsn string) (Accessor, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryAccessor(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupAccessorFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryAccessor(), nil
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewSnapshotAccessor(NewJSONFileSnapshotBackend(path))
	case "postgres", "postgresql":
		return NewPostgresAccessor(dsn)
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteAccessor(path)
	case "mysql":
		return nil, fmt.Errorf("%w: accessor %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported accessor scheme: %s", scheme)
	}
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
	if parsed.Host != "" && path != "" && !strings.HasPrefix(raw, parsed.Scheme+":///") {
		// sqlite://data/board.db parses "data" as the host.
		path = parsed.Host + path
	}
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
