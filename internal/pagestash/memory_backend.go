package pagestash

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBackend keeps the collection in process memory. It is the default
// backend when no DSN is configured and the reference implementation of
// the compare-and-swap contract. Watch callbacks are dispatched on their
// own goroutines so a Set never blocks on a subscriber.
type MemoryBackend struct {
	mu           sync.Mutex
	revCounter   uint64
	revision     string
	items        []Item
	watchCounter int
	watchers     map[int]func()
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{watchers: map[int]func(){}}
}

func (b *MemoryBackend) Get(ctx context.Context) (Snapshot, error) {
	if b == nil {
		return Snapshot{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{Revision: b.revision, Items: cloneItems(b.items)}, nil
}

func (b *MemoryBackend) Set(ctx context.Context, expectedRevision string, items []Item) (string, error) {
	if b == nil {
		return "", ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	if expectedRevision != b.revision {
		current := b.revision
		b.mu.Unlock()
		return "", &ConflictError{ExpectedRevision: expectedRevision, CurrentRevision: current}
	}
	b.revCounter++
	b.revision = fmt.Sprintf("rev_%d", b.revCounter)
	b.items = cloneItems(items)
	revision := b.revision
	watchers := make([]func(), 0, len(b.watchers))
	for _, fn := range b.watchers {
		watchers = append(watchers, fn)
	}
	b.mu.Unlock()

	for _, fn := range watchers {
		go fn()
	}
	return revision, nil
}

func (b *MemoryBackend) Watch(fn func()) (func(), error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	if fn == nil {
		return func() {}, nil
	}
	b.mu.Lock()
	b.watchCounter++
	id := b.watchCounter
	b.watchers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.watchers, id)
			b.mu.Unlock()
		})
	}, nil
}
