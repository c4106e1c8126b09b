package pagestash

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type collectionDocument struct {
	Revision string `json:"revision"`
	Items    []Item `json:"items"`
}

// FileBackend persists the collection as one JSON document, written
// atomically via a temp file and rename. Cross-process change
// notification comes from an fsnotify watch on the containing directory;
// the backend's own writes fire it too, which readers treat as a
// redundant invalidation.
type FileBackend struct {
	path string
	mu   sync.Mutex

	watchMu      sync.Mutex
	watcher      *fsnotify.Watcher
	watchCounter int
	watchers     map[int]func()
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{
		path:     strings.TrimSpace(path),
		watchers: map[int]func(){},
	}
}

func (b *FileBackend) Get(ctx context.Context) (Snapshot, error) {
	if b == nil || b.path == "" {
		return Snapshot{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, exists, err := b.readDocument()
	if err != nil {
		return Snapshot{}, err
	}
	if !exists {
		return Snapshot{}, nil
	}
	return Snapshot{Revision: doc.Revision, Items: doc.Items}, nil
}

func (b *FileBackend) Set(ctx context.Context, expectedRevision string, items []Item) (string, error) {
	if b == nil || b.path == "" {
		return "", ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	current, exists, err := b.readDocument()
	if err != nil {
		return "", err
	}
	currentRevision := ""
	if exists {
		currentRevision = current.Revision
	}
	if expectedRevision != currentRevision {
		return "", &ConflictError{ExpectedRevision: expectedRevision, CurrentRevision: currentRevision}
	}

	doc := collectionDocument{Revision: newRevision(), Items: items}
	if doc.Items == nil {
		doc.Items = []Item{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(b.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return "", err
	}
	return doc.Revision, nil
}

func (b *FileBackend) Watch(fn func()) (func(), error) {
	if b == nil || b.path == "" {
		return nil, ErrInvalidInput
	}
	if fn == nil {
		return func() {}, nil
	}
	b.watchMu.Lock()
	defer b.watchMu.Unlock()

	if b.watcher == nil {
		if err := b.startWatcherLocked(); err != nil {
			return nil, err
		}
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

func (b *FileBackend) Close() error {
	b.watchMu.Lock()
	watcher := b.watcher
	b.watcher = nil
	b.watchers = map[int]func(){}
	b.watchMu.Unlock()
	if watcher == nil {
		return nil
	}
	return watcher.Close()
}

func (b *FileBackend) readDocument() (collectionDocument, bool, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return collectionDocument{}, false, nil
		}
		return collectionDocument{}, false, err
	}
	if err := validateCollectionDocument(data); err != nil {
		return collectionDocument{}, false, err
	}
	var doc collectionDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return collectionDocument{}, false, err
	}
	return doc, true, nil
}

func (b *FileBackend) startWatcherLocked() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	b.watcher = watcher

	name := filepath.Base(b.path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				b.notifyWatchers()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func (b *FileBackend) notifyWatchers() {
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
