// Package memstore is an in-memory storage backend.
//
// It is used for previews, tests and the harness. Commits apply tasks one by
// one under a single lock and undo them in reverse order if any task fails,
// so a failed commit leaves no trace. The whole keyspace can be exported as a
// Snapshot and imported again.
package memstore

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/storage"
)

type collection struct {
	docs    map[string]storage.Document
	indexes map[string]filter.Index
}

func newCollection() *collection {
	return &collection{
		docs:    map[string]storage.Document{},
		indexes: map[string]filter.Index{},
	}
}

// Store implements storage.MultiModelStore, storage.DocumentStore and
// storage.EventStore in memory. It is safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
	streams     map[string][]message.Event
	uuids       map[string]string

	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		collections: map[string]*collection{},
		streams:     map[string][]message.Event{},
		uuids:       map[string]string{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ storage.MultiModelStore = (*Store)(nil)
	_ storage.DocumentStore   = (*Store)(nil)
	_ storage.EventStore      = (*Store)(nil)
)

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Events returns s.
func (s *Store) Events() storage.EventStore { return s }

// Documents returns s.
func (s *Store) Documents() storage.DocumentStore { return s }

// BeginSession returns an empty session.
func (s *Store) BeginSession() *storage.Session { return storage.NewSession() }

// CommitSession applies the session's tasks atomically.
func (s *Store) CommitSession(ctx context.Context, sess *storage.Session) error {
	tasks, err := sess.Seal()
	if err != nil {
		return err
	}
	return s.apply(ctx, tasks)
}

// LoadEvents is Load.
func (s *Store) LoadEvents(ctx context.Context, stream string, opts storage.LoadOptions) ([]message.Event, error) {
	return s.Load(ctx, stream, opts)
}

// LoadDoc is GetDoc.
func (s *Store) LoadDoc(ctx context.Context, collection, id string) (storage.Document, error) {
	return s.GetDoc(ctx, collection, id)
}

// apply runs tasks under the write lock and undoes them all on failure.
func (s *Store) apply(ctx context.Context, tasks []storage.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txn{store: s}
	if err := storage.ApplyTasks(ctx, tasks, tx); err != nil {
		tx.rollback()
		s.logger.Debug("memstore commit rolled back", "tasks", len(tasks), "undone", len(tx.undo), "error", err)
		return err
	}
	return nil
}

func (s *Store) write(ctx context.Context, t storage.Task) error {
	return s.apply(ctx, []storage.Task{t})
}

// InsertDoc implements storage.DocumentStore.
func (s *Store) InsertDoc(ctx context.Context, collection, id string, data map[string]any, opts ...storage.WriteOption) error {
	return s.write(ctx, storage.InsertDocument{Collection: collection, ID: id, Data: data, Options: storage.ResolveWriteOptions(opts)})
}

// UpsertDoc implements storage.DocumentStore.
func (s *Store) UpsertDoc(ctx context.Context, collection, id string, data map[string]any, opts ...storage.WriteOption) error {
	return s.write(ctx, storage.UpsertDocument{Collection: collection, ID: id, Data: data, Options: storage.ResolveWriteOptions(opts)})
}

// UpdateDoc implements storage.DocumentStore.
func (s *Store) UpdateDoc(ctx context.Context, collection, id string, patch map[string]any, opts ...storage.WriteOption) error {
	return s.write(ctx, storage.UpdateDocument{Collection: collection, ID: id, Patch: patch, Options: storage.ResolveWriteOptions(opts)})
}

// ReplaceDoc implements storage.DocumentStore.
func (s *Store) ReplaceDoc(ctx context.Context, collection, id string, data map[string]any, opts ...storage.WriteOption) error {
	return s.write(ctx, storage.ReplaceDocument{Collection: collection, ID: id, Data: data, Options: storage.ResolveWriteOptions(opts)})
}

// DeleteDoc implements storage.DocumentStore.
func (s *Store) DeleteDoc(ctx context.Context, collection, id string, opts ...storage.WriteOption) error {
	return s.write(ctx, storage.DeleteDocument{Collection: collection, ID: id, Options: storage.ResolveWriteOptions(opts)})
}

// UpdateMany implements storage.DocumentStore.
func (s *Store) UpdateMany(ctx context.Context, collection string, f filter.Filter, patch map[string]any) (int, error) {
	return s.bulk(ctx, storage.UpdateDocuments{Collection: collection, Filter: f, Patch: patch})
}

// ReplaceMany implements storage.DocumentStore.
func (s *Store) ReplaceMany(ctx context.Context, collection string, f filter.Filter, data map[string]any) (int, error) {
	return s.bulk(ctx, storage.ReplaceDocuments{Collection: collection, Filter: f, Data: data})
}

// DeleteMany implements storage.DocumentStore.
func (s *Store) DeleteMany(ctx context.Context, collection string, f filter.Filter) (int, error) {
	return s.bulk(ctx, storage.DeleteDocuments{Collection: collection, Filter: f})
}

func (s *Store) bulk(ctx context.Context, t storage.Task) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txn{store: s}
	if err := storage.ApplyTasks(ctx, []storage.Task{t}, tx); err != nil {
		tx.rollback()
		return 0, err
	}
	return tx.affected, nil
}

// AddCollection implements storage.DocumentStore.
func (s *Store) AddCollection(_ context.Context, name string) error {
	if err := storage.ValidateCollection(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; !ok {
		s.collections[name] = newCollection()
	}
	return nil
}

// DropCollection implements storage.DocumentStore.
func (s *Store) DropCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	return nil
}

// HasCollection implements storage.DocumentStore.
func (s *Store) HasCollection(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[name]
	return ok, nil
}

// Collections implements storage.DocumentStore.
func (s *Store) Collections(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// AddIndex implements storage.DocumentStore. Adding a unique index over
// documents that already collide is a Duplicate error.
func (s *Store) AddIndex(_ context.Context, name string, idx filter.Index) error {
	if err := storage.ValidateCollection(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		c = newCollection()
		s.collections[name] = c
	}
	if idx.Unique() {
		seen := make([][]any, 0, len(c.docs))
		for _, id := range sortedIDs(c.docs) {
			key, ok := indexKey(idx, c.docs[id])
			if !ok {
				continue
			}
			for _, other := range seen {
				if canon.Equal(key, other) {
					return errs.Duplicate("index %s/%s: existing documents collide", name, idx.Name())
				}
			}
			seen = append(seen, key)
		}
	}
	c.indexes[idx.Name()] = idx
	return nil
}

// DropIndex implements storage.DocumentStore.
func (s *Store) DropIndex(_ context.Context, name, index string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		delete(c.indexes, index)
	}
	return nil
}

// Indexes lists the indexes declared on a collection, sorted by name.
func (s *Store) Indexes(name string) []filter.Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil
	}
	out := make([]filter.Index, 0, len(c.indexes))
	for _, idx := range c.indexes {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func sortedIDs(docs map[string]storage.Document) []string {
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
