// Package syncstate keeps the per-path record of the last metadata local and
// remote agreed on. It is the serialization point for concurrent sync tasks.
package syncstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"notesync/internal/domain"
)

const stateKey = "syncState"

var ErrCorrupt = errors.New("sync state record is corrupt")

// Change describes one mutation. File is nil when the path was removed;
// Cleared is set when the whole map was wiped.
type Change struct {
	Path    string
	File    *domain.SyncedFile
	Cleared bool
}

type Listener func(Change)

// Store is a read-modify-write view over a single persisted record. All
// writes are serialized, so updates to different paths never overwrite
// each other.
type Store struct {
	kv KV

	writeMu sync.Mutex

	locksMu sync.Mutex
	locks   map[string]*pathLock

	subMu     sync.RWMutex
	nextSubID int
	subs      map[int]Listener
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func New(kv KV) *Store {
	return &Store{
		kv:    kv,
		locks: make(map[string]*pathLock),
		subs:  make(map[int]Listener),
	}
}

// load reads the stored record. found is false when nothing was stored yet.
func (s *Store) load(ctx context.Context) (data domain.SyncStateData, found bool, err error) {
	raw, err := s.kv.Get(ctx, stateKey)
	if err != nil {
		return domain.SyncStateData{}, false, fmt.Errorf("load sync state: %w", err)
	}
	data = domain.SyncStateData{Files: map[string]domain.SyncedFile{}}
	if raw == nil {
		return data, false, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return domain.SyncStateData{}, true, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if data.Files == nil {
		data.Files = map[string]domain.SyncedFile{}
	}
	return data, true, nil
}

func (s *Store) save(ctx context.Context, data domain.SyncStateData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, stateKey, raw); err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}

// Get returns the full state, an empty map when nothing was stored yet.
func (s *Store) Get(ctx context.Context) (domain.SyncStateData, error) {
	data, _, err := s.load(ctx)
	return data, err
}

// GetFile returns the record for path, or nil if the path was never synced.
func (s *Store) GetFile(ctx context.Context, path string) (*domain.SyncedFile, error) {
	data, _, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	f, ok := data.Files[path]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (s *Store) SetFile(ctx context.Context, path string, f domain.SyncedFile) error {
	s.writeMu.Lock()
	data, _, err := s.load(ctx)
	if err == nil {
		data.Files[path] = f
		err = s.save(ctx, data)
	}
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.notify(Change{Path: path, File: &f})
	return nil
}

// RemoveFile deletes the record for path. It is a no-op when nothing was
// stored yet or the path is absent.
func (s *Store) RemoveFile(ctx context.Context, path string) error {
	s.writeMu.Lock()
	data, found, err := s.load(ctx)
	if err != nil || !found {
		s.writeMu.Unlock()
		return err
	}
	if _, ok := data.Files[path]; !ok {
		s.writeMu.Unlock()
		return nil
	}
	delete(data.Files, path)
	err = s.save(ctx, data)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.notify(Change{Path: path})
	return nil
}

// Clear drops the stored state, forcing a full resync. Get then returns an
// empty map.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	err := s.kv.Delete(ctx, stateKey)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("clear sync state: %w", err)
	}
	s.notify(Change{Cleared: true})
	return nil
}

// Lock serializes reconciliation of one path across concurrent tasks. The
// returned func releases it.
func (s *Store) Lock(path string) (unlock func()) {
	s.locksMu.Lock()
	l, ok := s.locks[path]
	if !ok {
		l = &pathLock{}
		s.locks[path] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, path)
		}
		s.locksMu.Unlock()
	}
}

// Subscribe registers fn for every subsequent change. The returned func
// removes it.
func (s *Store) Subscribe(fn Listener) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.subMu.RLock()
	subs := make([]Listener, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn(c)
	}
}
