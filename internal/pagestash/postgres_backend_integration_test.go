package pagestash

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationRoundTrip(t *testing.T) {
	ctx := context.Background()
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	backend.tableName = postgresIntegrationTableName("pagestash_collection_it")
	backend.channel = backend.tableName + "_changed"
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.tableName)
	})

	snapshot, err := backend.Get(ctx)
	if err != nil {
		t.Fatalf("initial get failed: %v", err)
	}
	if snapshot.Revision != "" || len(snapshot.Items) != 0 {
		t.Fatalf("expected empty initial snapshot, got %+v", snapshot)
	}

	items := []Item{{ID: "a", URL: "https://example.com/a", Title: "A", AddedAt: 7}}
	revision, err := backend.Set(ctx, "", items)
	if err != nil {
		t.Fatalf("set failed: %v", err)
	}

	snapshot, err = backend.Get(ctx)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if snapshot.Revision != revision || len(snapshot.Items) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestPostgresIntegrationCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	backend.tableName = postgresIntegrationTableName("pagestash_collection_it")
	backend.channel = backend.tableName + "_changed"
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.tableName)
	})

	rev1, err := backend.Set(ctx, "", nil)
	if err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := backend.Set(ctx, "stale", nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale update must conflict, got %v", err)
	}
	if _, err := backend.Set(ctx, rev1, nil); err != nil {
		t.Fatalf("matched set failed: %v", err)
	}
}

func TestPostgresIntegrationWatchReceivesNotify(t *testing.T) {
	ctx := context.Background()
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	backend.tableName = postgresIntegrationTableName("pagestash_collection_it")
	backend.channel = backend.tableName + "_changed"
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.tableName)
	})

	changed := make(chan struct{}, 8)
	cancel, err := backend.Watch(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	t.Cleanup(cancel)

	if _, err := backend.Set(ctx, "", nil); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatalf("listener never received the change notification")
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("PAGESTASH_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set PAGESTASH_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
