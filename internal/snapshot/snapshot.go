// Package snapshot backs up and restores the whole keyspace of a store.
//
// A snapshot is the JSON form of memstore.Snapshot wrapped in a small
// envelope and compressed with snappy. The memory store exports and imports
// natively, indexes included. Other backends are captured through the
// storage interfaces and restored with a single session, which keeps the
// documents and events but not index declarations or document versions.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/golang/snappy"

	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/memstore"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/storage"
)

// Format identifies snapshot payloads.
const (
	Format  = "rulebox-snapshot"
	Version = 1
)

type envelope struct {
	Format    string            `json:"format"`
	Version   int               `json:"version"`
	CreatedAt time.Time         `json:"createdAt"`
	Snapshot  memstore.Snapshot `json:"snapshot"`
}

// Info summarizes a snapshot.
type Info struct {
	CreatedAt   time.Time `json:"createdAt"`
	Collections int       `json:"collections"`
	Documents   int       `json:"documents"`
	Streams     int       `json:"streams"`
	Events      int       `json:"events"`
	Bytes       int       `json:"bytes"`
}

func infoOf(snap memstore.Snapshot, created time.Time, size int) Info {
	info := Info{CreatedAt: created, Collections: len(snap.Collections), Streams: len(snap.Streams), Bytes: size}
	for _, c := range snap.Collections {
		info.Documents += len(c.Documents)
	}
	for _, events := range snap.Streams {
		info.Events += len(events)
	}
	return info
}

// Encode serializes and compresses snap.
func Encode(snap memstore.Snapshot, created time.Time) ([]byte, error) {
	raw, err := json.Marshal(envelope{Format: Format, Version: Version, CreatedAt: created.UTC(), Snapshot: snap})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// Decode reverses Encode.
func Decode(data []byte) (memstore.Snapshot, time.Time, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return memstore.Snapshot{}, time.Time{}, errs.Wrap(errs.CodeValidation, err, "decode snapshot")
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return memstore.Snapshot{}, time.Time{}, errs.Wrap(errs.CodeValidation, err, "decode snapshot")
	}
	if env.Format != Format {
		return memstore.Snapshot{}, time.Time{}, errs.Validation("decode snapshot: unknown format %q", env.Format)
	}
	if env.Version != Version {
		return memstore.Snapshot{}, time.Time{}, errs.Validation("decode snapshot: unsupported version %d", env.Version)
	}
	if env.Snapshot.Collections == nil {
		env.Snapshot.Collections = map[string]memstore.CollectionSnapshot{}
	}
	if env.Snapshot.Streams == nil {
		env.Snapshot.Streams = map[string][]message.Event{}
	}
	return env.Snapshot, env.CreatedAt, nil
}

type exporter interface {
	Export() memstore.Snapshot
}

type importer interface {
	Import(memstore.Snapshot) error
}

// Capture reads the keyspace of store.
func Capture(ctx context.Context, store storage.MultiModelStore) (memstore.Snapshot, error) {
	if ex, ok := store.(exporter); ok {
		return ex.Export(), nil
	}

	snap := memstore.Snapshot{
		Collections: map[string]memstore.CollectionSnapshot{},
		Streams:     map[string][]message.Event{},
	}
	names, err := store.Documents().Collections(ctx)
	if err != nil {
		return snap, fmt.Errorf("capture: %w", err)
	}
	for _, name := range names {
		docs, err := store.Documents().FindDocs(ctx, name, filter.All(), storage.FindOptions{})
		if err != nil {
			return snap, fmt.Errorf("capture %s: %w", name, err)
		}
		sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
		snap.Collections[name] = memstore.CollectionSnapshot{Documents: docs}
	}

	streams, err := store.Events().Streams(ctx)
	if err != nil {
		return snap, fmt.Errorf("capture: %w", err)
	}
	for _, name := range streams {
		events, err := store.Events().LoadEventStream(ctx, name, storage.MetadataMatcher{})
		if err != nil {
			return snap, fmt.Errorf("capture %s: %w", name, err)
		}
		snap.Streams[name] = events
	}
	return snap, nil
}

// Apply restores snap into store. The memory store is replaced wholesale;
// any other store must be empty.
func Apply(ctx context.Context, store storage.MultiModelStore, snap memstore.Snapshot) error {
	if im, ok := store.(importer); ok {
		return im.Import(snap)
	}

	if err := ensureEmpty(ctx, store); err != nil {
		return err
	}
	for _, name := range sortedKeys(snap.Collections) {
		for _, spec := range snap.Collections[name].Indexes {
			idx, err := spec.Build()
			if err != nil {
				return fmt.Errorf("restore %s: %w", name, err)
			}
			if err := store.Documents().AddIndex(ctx, name, idx); err != nil {
				return fmt.Errorf("restore %s: %w", name, err)
			}
		}
	}

	sess := store.BeginSession()
	for _, name := range sortedKeys(snap.Collections) {
		for _, d := range snap.Collections[name].Documents {
			if err := sess.UpsertDocument(name, d.ID, d.Data, storage.WithMetadata(d.Metadata)); err != nil {
				sess.Discard()
				return fmt.Errorf("restore %s: %w", name, err)
			}
		}
	}
	for _, name := range sortedKeys(snap.Streams) {
		events := make([]message.Event, len(snap.Streams[name]))
		for i, ev := range snap.Streams[name] {
			ev.Position = 0
			events[i] = ev
		}
		if len(events) == 0 {
			continue
		}
		if err := sess.AppendEvents(name, events); err != nil {
			sess.Discard()
			return fmt.Errorf("restore %s: %w", name, err)
		}
	}
	if err := store.CommitSession(ctx, sess); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	return nil
}

func ensureEmpty(ctx context.Context, store storage.MultiModelStore) error {
	streams, err := store.Events().Streams(ctx)
	if err != nil {
		return err
	}
	if len(streams) > 0 {
		return errs.Validation("restore needs an empty store, found %d streams", len(streams))
	}
	collections, err := store.Documents().Collections(ctx)
	if err != nil {
		return err
	}
	// Declared collections without documents do not count.
	for _, c := range collections {
		n, err := store.Documents().CountDocs(ctx, c, filter.All())
		if err != nil {
			return err
		}
		if n > 0 {
			return errs.Validation("restore needs an empty store, collection %s has %d documents", c, n)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Backup captures store and writes it to sink under name.
func Backup(ctx context.Context, store storage.MultiModelStore, sink Sink, name string, now time.Time) (Info, error) {
	snap, err := Capture(ctx, store)
	if err != nil {
		return Info{}, err
	}
	data, err := Encode(snap, now)
	if err != nil {
		return Info{}, err
	}
	if err := sink.Put(ctx, name, data); err != nil {
		return Info{}, fmt.Errorf("backup %s: %w", name, err)
	}
	return infoOf(snap, now.UTC(), len(data)), nil
}

// Restore reads name from sink and applies it to store.
func Restore(ctx context.Context, store storage.MultiModelStore, sink Sink, name string) (Info, error) {
	data, err := sink.Get(ctx, name)
	if err != nil {
		return Info{}, fmt.Errorf("restore %s: %w", name, err)
	}
	snap, created, err := Decode(data)
	if err != nil {
		return Info{}, err
	}
	if err := Apply(ctx, store, snap); err != nil {
		return Info{}, err
	}
	return infoOf(snap, created, len(data)), nil
}
