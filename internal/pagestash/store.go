package pagestash

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type cacheState int

const (
	cacheCold cacheState = iota
	cachePopulating
	cacheWarm
)

type StoreOptions struct {
	Backend Backend
	Now     func() time.Time
	NewID   func() string
}

// Store is the sole arbiter of the saved-item collection. Reads serve a
// per-instance cache when warm; mutations always read the backend, apply
// the change in memory, and write the full collection back under a
// revision compare-and-swap. The cache is never shared by reference.
type Store struct {
	mu       sync.Mutex
	backend  Backend
	now      func() time.Time
	newID    func() string
	state    cacheState
	cached   []Item
	revision string

	subMu       sync.Mutex
	subscribers map[int]func()
	subCounter  int

	unwatch   func()
	closeOnce sync.Once
}

func NewStore(backend Backend) (*Store, error) {
	return NewStoreWithOptions(StoreOptions{Backend: backend})
}

func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	backend := opts.Backend
	if backend == nil {
		backend = NewMemoryBackend()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	s := &Store{
		backend:     backend,
		now:         now,
		newID:       newID,
		subscribers: map[int]func(){},
	}
	unwatch, err := backend.Watch(s.Invalidate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	s.unwatch = unwatch
	return s, nil
}

func (s *Store) Add(ctx context.Context, rawURL, rawTitle string) (Item, error) {
	itemURL, err := canonicalURL(rawURL)
	if err != nil {
		return Item{}, err
	}
	title := sanitizeTitle(rawTitle)

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, err := s.readBackendLocked(ctx)
	if err != nil {
		return Item{}, err
	}

	items := cloneItems(snapshot.Items)
	addedAt := s.now().UnixMilli()
	var result Item
	updated := false
	for i := range items {
		if items[i].URL == itemURL {
			items[i].Title = title
			items[i].AddedAt = addedAt
			result = items[i]
			updated = true
			break
		}
	}
	if !updated {
		if len(items) >= MaxItems {
			s.populateLocked(snapshot.Revision, snapshot.Items)
			return Item{}, ErrStorageFull
		}
		result = Item{
			ID:         s.newID(),
			URL:        itemURL,
			Title:      title,
			FaviconURL: faviconURL(itemURL),
			AddedAt:    addedAt,
		}
		items = append(items, result)
	}

	if err := s.writeBackendLocked(ctx, snapshot.Revision, items); err != nil {
		return Item{}, err
	}
	return result, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, err := s.readBackendLocked(ctx)
	if err != nil {
		return err
	}

	remaining := make([]Item, 0, len(snapshot.Items))
	found := false
	for _, item := range snapshot.Items {
		if item.ID == id {
			found = true
			continue
		}
		remaining = append(remaining, item)
	}
	if !found {
		s.populateLocked(snapshot.Revision, snapshot.Items)
		return nil
	}
	return s.writeBackendLocked(ctx, snapshot.Revision, remaining)
}

func (s *Store) List(ctx context.Context) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	view := make([]Item, len(items))
	copy(view, items)
	sortByAddedAt(view)
	return view, nil
}

func (s *Store) Search(ctx context.Context, query string) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	// The query is a literal substring, never a pattern. An empty query
	// means the full list, not an empty result.
	lowered := strings.ToLower(query)
	view := make([]Item, 0, len(items))
	for _, item := range items {
		if matchesQuery(item, lowered) {
			view = append(view, item)
		}
	}
	sortByAddedAt(view)
	return view, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.loadLocked(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Invalidate drops the cached collection. It is safe to call redundantly
// and from backend watch callbacks; the next read repopulates from the
// backend.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.state = cacheCold
	s.cached = nil
	s.revision = ""
	s.mu.Unlock()
	s.notifySubscribers()
}

// Subscribe relays the change signal to view layers. The callback carries
// no payload and may fire from arbitrary goroutines. The returned cancel
// func is idempotent.
func (s *Store) Subscribe(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	s.subCounter++
	id := s.subCounter
	s.subscribers[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if s.unwatch != nil {
			s.unwatch()
		}
		s.mu.Lock()
		s.state = cacheCold
		s.cached = nil
		s.revision = ""
		s.mu.Unlock()
		if closer, ok := s.backend.(backendCloser); ok {
			_ = closer.Close()
		}
	})
}

func (s *Store) loadLocked(ctx context.Context) ([]Item, error) {
	if s.state == cacheWarm {
		return s.cached, nil
	}
	snapshot, err := s.readBackendLocked(ctx)
	if err != nil {
		return nil, err
	}
	s.populateLocked(snapshot.Revision, snapshot.Items)
	return s.cached, nil
}

func (s *Store) readBackendLocked(ctx context.Context) (Snapshot, error) {
	s.state = cachePopulating
	snapshot, err := s.backend.Get(ctx)
	if err != nil {
		s.dropLocked()
		return Snapshot{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return snapshot, nil
}

func (s *Store) writeBackendLocked(ctx context.Context, expectedRevision string, items []Item) error {
	revision, err := s.backend.Set(ctx, expectedRevision, items)
	if err != nil {
		s.dropLocked()
		if errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	s.populateLocked(revision, items)
	return nil
}

func (s *Store) populateLocked(revision string, items []Item) {
	s.cached = cloneItems(items)
	s.revision = revision
	s.state = cacheWarm
}

func (s *Store) dropLocked() {
	s.state = cacheCold
	s.cached = nil
	s.revision = ""
}

func (s *Store) notifySubscribers() {
	s.subMu.Lock()
	callbacks := make([]func(), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		callbacks = append(callbacks, fn)
	}
	s.subMu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}
