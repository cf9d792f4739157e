package services

import (
	"context"
	"fmt"

	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/storage"
)

// DefaultUsersCollection holds user records for DocumentAuth.
const DefaultUsersCollection = "users"

// DocumentAuth resolves users from a document collection keyed by user id.
type DocumentAuth struct {
	reader     storage.DocumentReader
	collection string
}

// NewDocumentAuth reads users from collection. An empty collection name uses
// DefaultUsersCollection.
func NewDocumentAuth(reader storage.DocumentReader, collection string) *DocumentAuth {
	if collection == "" {
		collection = DefaultUsersCollection
	}
	return &DocumentAuth{reader: reader, collection: collection}
}

// GetUser returns the user record stored under id.
func (a *DocumentAuth) GetUser(ctx context.Context, id string) (map[string]any, error) {
	d, err := a.reader.GetDoc(ctx, a.collection, id)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", id, err)
	}
	return withUserID(d), nil
}

// FindUsers returns every user matching f, ordered by id.
func (a *DocumentAuth) FindUsers(ctx context.Context, f filter.Filter) ([]map[string]any, error) {
	docs, err := a.reader.FindDocs(ctx, a.collection, f, storage.FindOptions{})
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	out := make([]map[string]any, len(docs))
	for i, d := range docs {
		out[i] = withUserID(d)
	}
	return out, nil
}

// withUserID returns the user data with "id" set to the document id.
func withUserID(d storage.Document) map[string]any {
	data := d.Data
	if data == nil {
		data = map[string]any{}
	}
	if _, ok := data["id"]; !ok {
		data["id"] = d.ID
	}
	return data
}
