package memstore

import (
	"fmt"
	"sort"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/storage"
)

// Snapshot is the whole keyspace of a Store as a JSON-serializable value.
type Snapshot struct {
	Collections map[string]CollectionSnapshot `json:"collections"`
	Streams     map[string][]message.Event    `json:"streams"`
}

// CollectionSnapshot holds one collection's documents (sorted by id) and its
// index declarations (sorted by name).
type CollectionSnapshot struct {
	Documents []storage.Document `json:"documents"`
	Indexes   []filter.IndexSpec `json:"indexes,omitempty"`
}

// Export copies the current state.
func (s *Store) Export() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Collections: make(map[string]CollectionSnapshot, len(s.collections)),
		Streams:     make(map[string][]message.Event, len(s.streams)),
	}
	for name, c := range s.collections {
		cs := CollectionSnapshot{Documents: make([]storage.Document, 0, len(c.docs))}
		for _, id := range sortedIDs(c.docs) {
			cs.Documents = append(cs.Documents, c.docs[id].Clone())
		}
		for _, idx := range c.indexes {
			cs.Indexes = append(cs.Indexes, filter.SpecOf(idx))
		}
		sort.Slice(cs.Indexes, func(i, j int) bool { return cs.Indexes[i].Name < cs.Indexes[j].Name })
		snap.Collections[name] = cs
	}
	for name, events := range s.streams {
		cloned := make([]message.Event, len(events))
		for i, ev := range events {
			cloned[i] = ev.Clone()
		}
		snap.Streams[name] = cloned
	}
	return snap
}

// Import replaces the whole state with snap. The snapshot is validated first;
// on error the store is unchanged.
//
// Values are normalized, so a snapshot decoded with encoding/json (where every
// number is a float64) imports with integers restored.
func (s *Store) Import(snap Snapshot) error {
	collections := make(map[string]*collection, len(snap.Collections))
	for name, cs := range snap.Collections {
		if err := storage.ValidateCollection(name); err != nil {
			return err
		}
		c := newCollection()
		for _, spec := range cs.Indexes {
			idx, err := spec.Build()
			if err != nil {
				return fmt.Errorf("import collection %s: %w", name, err)
			}
			c.indexes[idx.Name()] = idx
		}
		for _, d := range cs.Documents {
			if d.ID == "" {
				return errs.Validation("import collection %s: document without id", name)
			}
			if _, dup := c.docs[d.ID]; dup {
				return errs.Duplicate("import collection %s: document %s appears twice", name, d.ID)
			}
			data, err := canon.NormalizeMap(d.Data)
			if err != nil {
				return errs.Wrap(errs.CodeValidation, err, "import %s", storage.DocSubject(name, d.ID))
			}
			meta, err := canon.NormalizeMap(d.Metadata)
			if err != nil {
				return errs.Wrap(errs.CodeValidation, err, "import %s", storage.DocSubject(name, d.ID))
			}
			doc := storage.Document{ID: d.ID, Data: data, Metadata: meta, Version: max(d.Version, 1)}
			if err := checkUnique(name, c, doc); err != nil {
				return fmt.Errorf("import: %w", err)
			}
			c.docs[d.ID] = doc
		}
		collections[name] = c
	}

	streams := make(map[string][]message.Event, len(snap.Streams))
	uuids := map[string]string{}
	for name, events := range snap.Streams {
		if err := storage.ValidateAppend(name, events, storage.AppendOptions{}); err != nil {
			return fmt.Errorf("import: %w", err)
		}
		stored := make([]message.Event, len(events))
		for i, ev := range events {
			if other, dup := uuids[ev.UUID]; dup {
				return errs.Duplicate("import: event %s appears in %s and %s", ev.UUID, other, name)
			}
			n, err := normalizeEvent(ev)
			if err != nil {
				return fmt.Errorf("import: %w", err)
			}
			n.Position = int64(i + 1)
			stored[i] = n
			uuids[ev.UUID] = name
		}
		streams[name] = stored
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = collections
	s.streams = streams
	s.uuids = uuids
	s.logger.Info("memstore imported snapshot", "collections", len(collections), "streams", len(streams))
	return nil
}
