package pagestash

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresTableName        = "pagestash_collection"
	postgresStateKey         = "items"
	postgresNotifyChannel    = "pagestash_collection_changed"
	postgresOperationTimeout = 5 * time.Second
	postgresListenerMinWait  = 2 * time.Second
	postgresListenerMaxWait  = time.Minute
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores the collection blob in a single row keyed by
// state_key, with the revision column carrying the compare-and-swap
// token. Change notification rides LISTEN/NOTIFY: every successful Set
// fires pg_notify on the collection channel, so watchers in other
// processes invalidate without polling.
type PostgresBackend struct {
	dsn       string
	tableName string
	stateKey  string
	channel   string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	watchMu      sync.Mutex
	listener     *pq.Listener
	watchCounter int
	watchers     map[int]func()
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresTableName,
		stateKey:  postgresStateKey,
		channel:   postgresNotifyChannel,
		openDB:    sql.Open,
		watchers:  map[int]func(){},
	}, nil
}

func (b *PostgresBackend) Get(ctx context.Context) (Snapshot, error) {
	if b == nil {
		return Snapshot{}, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return Snapshot{}, err
	}
	query := fmt.Sprintf("SELECT revision, snapshot FROM %s WHERE state_key = $1", postgresQuoteIdentifier(b.tableName))
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

func (b *PostgresBackend) Set(ctx context.Context, expectedRevision string, items []Item) (string, error) {
	if b == nil {
		return "", ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return "", err
	}
	if items == nil {
		items = []Item{}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	revision := newRevision()
	table := postgresQuoteIdentifier(b.tableName)

	// The notify rides the same transaction as the write: pg_notify only
	// fires on commit, so a delivered signal always refers to a persisted
	// revision, and a failed notify never strands a committed write.
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var result sql.Result
	if expectedRevision == "" {
		query := fmt.Sprintf(`
			INSERT INTO %s (state_key, revision, snapshot, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (state_key) DO NOTHING`, table)
		result, err = tx.ExecContext(ctx, query, b.stateKey, revision, string(payload))
	} else {
		query := fmt.Sprintf(`
			UPDATE %s
			SET revision = $3, snapshot = $4, updated_at = NOW()
			WHERE state_key = $1 AND revision = $2`, table)
		result, err = tx.ExecContext(ctx, query, b.stateKey, expectedRevision, revision, string(payload))
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
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", b.channel, revision); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return revision, nil
}

func (b *PostgresBackend) Watch(fn func()) (func(), error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	if fn == nil {
		return func() {}, nil
	}
	b.watchMu.Lock()
	defer b.watchMu.Unlock()

	if b.listener == nil {
		listener := pq.NewListener(b.dsn, postgresListenerMinWait, postgresListenerMaxWait, nil)
		if err := listener.Listen(b.channel); err != nil {
			_ = listener.Close()
			return nil, err
		}
		b.listener = listener
		go b.consumeNotifications(listener)
	}
	b.watchCounter++
	id := b.watchCounter
	b.watchers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.watchMu.Lock()
			delete(b.watchers, id)
			b.watchMu.Unlock()
		})
	}, nil
}

func (b *PostgresBackend) Close() error {
	b.watchMu.Lock()
	listener := b.listener
	b.listener = nil
	b.watchers = map[int]func(){}
	b.watchMu.Unlock()

	var firstErr error
	if listener != nil {
		firstErr = listener.Close()
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *PostgresBackend) consumeNotifications(listener *pq.Listener) {
	for notification := range listener.Notify {
		// A nil notification signals a reconnect; by then any number of
		// changes may have been missed, so it invalidates too.
		_ = notification
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
}

func (b *PostgresBackend) currentRevision(ctx context.Context) (string, error) {
	query := fmt.Sprintf("SELECT revision FROM %s WHERE state_key = $1", postgresQuoteIdentifier(b.tableName))
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

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				revision TEXT NOT NULL,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
