package pagestash

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildBackendFromDSN constructs a persistence backend from a DSN. An
// empty DSN yields a nil backend, which the store replaces with an
// in-memory one. A bare path or file:// DSN selects the JSON file
// backend; memory://, postgres://, and sqlite:// select the others.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
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
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "sqlite":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteBackend(path)
	case "mysql":
		return nil, fmt.Errorf("%w: backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %s", scheme)
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
