package services

import (
	"context"
	"fmt"

	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/storage"
)

// Collection is an Information source over one document collection.
//
// With a Session, writes are staged and become visible when the Session
// commits. Without one they go straight to the store.
type Collection struct {
	name       string
	collection string
	store      storage.DocumentStore
	session    *storage.Session
}

// NewCollection exposes collection of store under name.
func NewCollection(name, collection string, store storage.DocumentStore, session *storage.Session) *Collection {
	return &Collection{name: name, collection: collection, store: store, session: session}
}

// Name returns the information name.
func (c *Collection) Name() string {
	return c.name
}

// Collection returns the backing collection name.
func (c *Collection) Collection() string {
	return c.collection
}

// Find returns the data of every matching document.
func (c *Collection) Find(ctx context.Context, f filter.Filter, opts storage.FindOptions) ([]map[string]any, error) {
	docs, err := c.store.FindDocs(ctx, c.collection, f, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", c.name, err)
	}
	out := make([]map[string]any, len(docs))
	for i, d := range docs {
		out[i] = d.Data
	}
	return out, nil
}

// Get returns the data of one document, optionally projected to fields.
func (c *Collection) Get(ctx context.Context, id string, fields []string) (map[string]any, error) {
	var (
		d   storage.Document
		err error
	)
	if len(fields) > 0 {
		d, err = c.store.GetPartialDoc(ctx, c.collection, id, fields)
	} else {
		d, err = c.store.GetDoc(ctx, c.collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %q: %w", c.name, id, err)
	}
	return d.Data, nil
}

// Count returns the number of matching documents.
func (c *Collection) Count(ctx context.Context, f filter.Filter) (int, error) {
	n, err := c.store.CountDocs(ctx, c.collection, f)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", c.name, err)
	}
	return n, nil
}

// Insert creates a document.
func (c *Collection) Insert(ctx context.Context, id string, data map[string]any) error {
	if c.session != nil {
		return c.session.InsertDocument(c.collection, id, data)
	}
	return c.store.InsertDoc(ctx, c.collection, id, data)
}

// Upsert creates or replaces a document.
func (c *Collection) Upsert(ctx context.Context, id string, data map[string]any) error {
	if c.session != nil {
		return c.session.UpsertDocument(c.collection, id, data)
	}
	return c.store.UpsertDoc(ctx, c.collection, id, data)
}

// UpdateByID merge-patches one document.
func (c *Collection) UpdateByID(ctx context.Context, id string, patch map[string]any) error {
	if c.session != nil {
		return c.session.UpdateDocument(c.collection, id, patch)
	}
	return c.store.UpdateDoc(ctx, c.collection, id, patch)
}

// Update merge-patches every matching document.
func (c *Collection) Update(ctx context.Context, f filter.Filter, patch map[string]any) error {
	if c.session != nil {
		return c.session.UpdateDocuments(c.collection, f, patch)
	}
	_, err := c.store.UpdateMany(ctx, c.collection, f, patch)
	return err
}

// DeleteByID removes one document.
func (c *Collection) DeleteByID(ctx context.Context, id string) error {
	if c.session != nil {
		return c.session.DeleteDocument(c.collection, id)
	}
	return c.store.DeleteDoc(ctx, c.collection, id)
}

// Delete removes every matching document.
func (c *Collection) Delete(ctx context.Context, f filter.Filter) error {
	if c.session != nil {
		return c.session.DeleteDocuments(c.collection, f)
	}
	_, err := c.store.DeleteMany(ctx, c.collection, f)
	return err
}
