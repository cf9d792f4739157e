package memstore

import (
	"context"
	"sort"

	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/storage"
)

// FindDocs implements storage.DocumentStore.
func (s *Store) FindDocs(_ context.Context, name string, f filter.Filter, opts storage.FindOptions) ([]storage.Document, error) {
	if err := filter.Validate(f); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		return []storage.Document{}, nil
	}
	docs := make([]storage.Document, 0, len(c.docs))
	for id, d := range c.docs {
		ok, err := filter.Match(f, id, d.Data)
		if err != nil {
			return nil, err
		}
		if ok {
			docs = append(docs, d)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		return filter.CompareDocs(opts.OrderBy, docs[i].ID, docs[i].Data, docs[j].ID, docs[j].Data) < 0
	})

	docs = storage.Page(docs, opts.Skip, opts.Limit)
	out := make([]storage.Document, len(docs))
	for i, d := range docs {
		out[i] = storage.ProjectDoc(d.Clone(), opts.Fields)
	}
	return out, nil
}

// CountDocs implements storage.DocumentStore.
func (s *Store) CountDocs(_ context.Context, name string, f filter.Filter) (int, error) {
	if err := filter.Validate(f); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		return 0, nil
	}
	n := 0
	for id, d := range c.docs {
		ok, err := filter.Match(f, id, d.Data)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// GetDoc implements storage.DocumentStore.
func (s *Store) GetDoc(_ context.Context, name, id string) (storage.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.collections[name]; ok {
		if d, ok := c.docs[id]; ok {
			return d.Clone(), nil
		}
	}
	return storage.Document{}, errs.NotFound("%s does not exist", storage.DocSubject(name, id))
}

// GetPartialDoc implements storage.DocumentStore.
func (s *Store) GetPartialDoc(ctx context.Context, name, id string, fields []string) (storage.Document, error) {
	d, err := s.GetDoc(ctx, name, id)
	if err != nil {
		return storage.Document{}, err
	}
	return storage.ProjectDoc(d, fields), nil
}

// AppendTo implements storage.EventStore.
func (s *Store) AppendTo(ctx context.Context, stream string, events []message.Event, opts ...storage.AppendOption) error {
	return s.write(ctx, storage.AppendEvents{Stream: stream, Events: events, Options: storage.ResolveAppendOptions(opts)})
}

// Load implements storage.EventStore.
func (s *Store) Load(_ context.Context, stream string, opts storage.LoadOptions) ([]message.Event, error) {
	if err := opts.Matcher.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.streams[stream]
	after := opts.FromPosition
	if opts.FromEventID != "" {
		found := false
		for _, ev := range events {
			if ev.UUID == opts.FromEventID {
				after = max(after, ev.Position)
				found = true
				break
			}
		}
		if !found {
			return nil, errs.NotFound("event %s not found in stream %s", opts.FromEventID, stream)
		}
	}

	out := []message.Event{}
	for _, ev := range events {
		if ev.Position <= after {
			continue
		}
		ok, err := opts.Matcher.Matches(ev.Meta)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, ev.Clone())
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// LoadEventStream implements storage.EventStore.
func (s *Store) LoadEventStream(ctx context.Context, stream string, m storage.MetadataMatcher) ([]message.Event, error) {
	return s.Load(ctx, stream, storage.LoadOptions{Matcher: m})
}

// Version implements storage.EventStore.
func (s *Store) Version(_ context.Context, stream string, m storage.MetadataMatcher) (int64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countMatching(s.streams[stream], m)
}

// Streams implements storage.EventStore.
func (s *Store) Streams(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.streams))
	for name := range s.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
