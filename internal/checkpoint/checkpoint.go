// Package checkpoint stores stream listener positions.
//
// A checkpoint is the position of the last event a listener finished with on
// one stream. Listeners resume after it, so delivery is at-least-once: an
// event handled but not yet checkpointed is delivered again after a restart.
package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/storage"
)

// Store loads and saves listener positions. Load returns 0 for a listener
// that never saved.
type Store interface {
	Load(ctx context.Context, listener, stream string) (int64, error)
	Save(ctx context.Context, listener, stream string, position int64) error
}

func key(listener, stream string) string {
	return listener + "@" + stream
}

func validate(listener, stream string, position int64) error {
	if listener == "" || stream == "" {
		return errs.Validation("checkpoint needs a listener and a stream")
	}
	if position < 0 {
		return errs.Validation("checkpoint %s: negative position %d", key(listener, stream), position)
	}
	return nil
}

// Memory keeps positions in process memory.
type Memory struct {
	mu        sync.Mutex
	positions map[string]int64
}

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	return &Memory{positions: make(map[string]int64)}
}

// Load returns the saved position.
func (m *Memory) Load(_ context.Context, listener, stream string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[key(listener, stream)], nil
}

// Save stores position.
func (m *Memory) Save(_ context.Context, listener, stream string, position int64) error {
	if err := validate(listener, stream, position); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[key(listener, stream)] = position
	return nil
}

// DefaultCollection holds document-backed checkpoints.
const DefaultCollection = "listener_checkpoints"

// Documents keeps positions as documents, one per (listener, stream), in the
// same store as the read models.
type Documents struct {
	store      storage.DocumentStore
	collection string
}

// NewDocuments creates a document-backed store. An empty collection means
// DefaultCollection.
func NewDocuments(store storage.DocumentStore, collection string) *Documents {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Documents{store: store, collection: collection}
}

// Load returns the saved position.
func (d *Documents) Load(ctx context.Context, listener, stream string) (int64, error) {
	doc, err := d.store.GetDoc(ctx, d.collection, key(listener, stream))
	if errs.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint %s: %w", key(listener, stream), err)
	}
	pos, ok := canon.AsInt(doc.Data["position"])
	if !ok {
		return 0, errs.Validation("checkpoint %s: position is %T", key(listener, stream), doc.Data["position"])
	}
	return pos, nil
}

// Save upserts the checkpoint document.
func (d *Documents) Save(ctx context.Context, listener, stream string, position int64) error {
	if err := validate(listener, stream, position); err != nil {
		return err
	}
	err := d.store.UpsertDoc(ctx, d.collection, key(listener, stream), map[string]any{
		"listener": listener,
		"stream":   stream,
		"position": position,
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", key(listener, stream), err)
	}
	return nil
}
