package pagestash

import (
	"testing"
)

func TestRegisterBackendFactory(t *testing.T) {
	scheme := "backendtestcustom"
	RegisterBackendFactory(scheme, func(dsn string) (Backend, error) {
		return NewMemoryBackend(), nil
	})
	backend, err := BuildBackendFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build backend via registered factory failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil backend from registered factory")
	}
}

func TestRegisterBackendFactoryIgnoresBlankScheme(t *testing.T) {
	RegisterBackendFactory("  ", func(dsn string) (Backend, error) {
		return NewMemoryBackend(), nil
	})
	if _, ok := lookupBackendFactory(""); ok {
		t.Fatalf("blank scheme must not register")
	}
}
