package pagestash

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteTableName           = "pagestash_collection"
	sqliteStateKey            = "items"
	sqliteDefaultPollInterval = 500 * time.Millisecond
)

// SQLiteBackend stores the collection blob in a single row, the same
// shape as the Postgres backend. SQLite has no cross-process notify
// primitive, so Watch polls the revision column.
type SQLiteBackend struct {
	db           *sql.DB
	stateKey     string
	pollInterval time.Duration

	watchMu      sync.Mutex
	watchCounter int
	watchers     map[int]func()
	pollStop     chan struct{}
	pollOnce     sync.Once
	closeOnce    sync.Once
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			state_key TEXT PRIMARY KEY,
			revision TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`, sqliteTableName)
	if _, err := db.Exec(query); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create collection table: %w", err)
	}
	return &SQLiteBackend{
		db:           db,
		stateKey:     sqliteStateKey,
		pollInterval: sqliteDefaultPollInterval,
		watchers:     map[int]func(){},
		pollStop:     make(chan struct{}),
	}, nil
}

func (b *SQLiteBackend) Get(ctx context.Context) (Snapshot, error) {
	if b == nil || b.db == nil {
		return Snapshot{}, ErrInvalidInput
	}
	query := fmt.Sprintf("SELECT revision, snapshot FROM %s WHERE state_key = ?", sqliteTableName)
	var revision, payload string
	err := b.db.QueryRowContext(ctx, query, b.stateKey).Scan(&revision, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	var items []Item
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Revision: revision, Items: items}, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, expectedRevision string, items []Item) (string, error) {
	if b == nil || b.db == nil {
		return "", ErrInvalidInput
	}
	if items == nil {
		items = []Item{}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	revision := newRevision()
	now := time.Now().UTC().UnixMilli()

	var result sql.Result
	if expectedRevision == "" {
		query := fmt.Sprintf(`
			INSERT INTO %s (state_key, revision, snapshot, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (state_key) DO NOTHING`, sqliteTableName)
		result, err = b.db.ExecContext(ctx, query, b.stateKey, revision, string(payload), now)
	} else {
		query := fmt.Sprintf(`
			UPDATE %s
			SET revision = ?, snapshot = ?, updated_at = ?
			WHERE state_key = ? AND revision = ?`, sqliteTableName)
		result, err = b.db.ExecContext(ctx, query, revision, string(payload), now, b.stateKey, expectedRevision)
	}
	if err != nil {
		return "", err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 0 {
		current, err := b.currentRevision(ctx)
		if err != nil {
			return "", err
		}
		return "", &ConflictError{ExpectedRevision: expectedRevision, CurrentRevision: current}
	}
	return revision, nil
}

func (b *SQLiteBackend) Watch(fn func()) (func(), error) {
	if b == nil || b.db == nil {
		return nil, ErrInvalidInput
	}
	if fn == nil {
		return func() {}, nil
	}
	b.watchMu.Lock()
	b.watchCounter++
	id := b.watchCounter
	b.watchers[id] = fn
	b.watchMu.Unlock()

	b.pollOnce.Do(func() {
		// The baseline revision has to be captured before Watch returns,
		// otherwise a write landing before the first tick compares equal
		// to itself and never fires.
		ctx, cancel := context.WithTimeout(context.Background(), b.pollInterval)
		baseline, err := b.currentRevision(ctx)
		cancel()
		go b.pollRevision(baseline, err == nil)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.watchMu.Lock()
			delete(b.watchers, id)
			b.watchMu.Unlock()
		})
	}, nil
}

func (b *SQLiteBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.pollStop)
		err = b.db.Close()
	})
	return err
}

func (b *SQLiteBackend) pollRevision(lastSeen string, known bool) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.pollStop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.pollInterval)
		revision, err := b.currentRevision(ctx)
		cancel()
		if err != nil {
			continue
		}
		if known && revision != lastSeen {
			b.notifyWatchers()
		}
		lastSeen = revision
		known = true
	}
}

func (b *SQLiteBackend) notifyWatchers() {
	b.watchMu.Lock()
	callbacks := make([]func(), 0, len(b.watchers))
	for _, fn := range b.watchers {
		callbacks = append(callbacks, fn)
	}
	b.watchMu.Unlock()
	for _, fn := range callbacks {
		go fn()
	}
}

func (b *SQLiteBackend) currentRevision(ctx context.Context) (string, error) {
	query := fmt.Sprintf("SELECT revision FROM %s WHERE state_key = ?", sqliteTableName)
	var revision string
	err := b.db.QueryRowContext(ctx, query, b.stateKey).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return revision, nil
}
