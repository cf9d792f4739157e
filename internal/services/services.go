// Package services holds the capabilities rule programs reach outside the
// interpreter: named information sources, the user directory, external
// service functions and the command queue.
//
// A Registry is built once per application. Every dispatch takes a Deps view
// of it that binds the dispatch's Session and command sink, so information
// writes made by a policy land in that policy's Session.
package services

import (
	"context"

	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/storage"
)

// Information is a named, document-backed source of records.
//
// Records are the data of the underlying documents. Reads see committed state
// only; writes are staged into the bound Session when there is one.
type Information interface {
	Name() string

	Find(ctx context.Context, f filter.Filter, opts storage.FindOptions) ([]map[string]any, error)
	// Get returns a NotFound error when id does not exist.
	Get(ctx context.Context, id string, fields []string) (map[string]any, error)
	Count(ctx context.Context, f filter.Filter) (int, error)

	Insert(ctx context.Context, id string, data map[string]any) error
	Upsert(ctx context.Context, id string, data map[string]any) error
	UpdateByID(ctx context.Context, id string, patch map[string]any) error
	Update(ctx context.Context, f filter.Filter, patch map[string]any) error
	DeleteByID(ctx context.Context, id string) error
	Delete(ctx context.Context, f filter.Filter) error
}

// Auth resolves user identities.
type Auth interface {
	// GetUser returns a NotFound error for an unknown id.
	GetUser(ctx context.Context, id string) (map[string]any, error)
	FindUsers(ctx context.Context, f filter.Filter) ([]map[string]any, error)
}

// External is an externally registered service function.
type External interface {
	Call(ctx context.Context, options map[string]any) (any, error)
}

// ExternalFunc adapts a function to External.
type ExternalFunc func(ctx context.Context, options map[string]any) (any, error)

// Call calls f.
func (f ExternalFunc) Call(ctx context.Context, options map[string]any) (any, error) {
	return f(ctx, options)
}

// CommandSink accepts commands triggered by rule programs. Enqueue does not
// wait for the command to run.
type CommandSink interface {
	Enqueue(ctx context.Context, name string, payload, meta map[string]any) error
}

// CommandSinkFunc adapts a function to CommandSink.
type CommandSinkFunc func(ctx context.Context, name string, payload, meta map[string]any) error

// Enqueue calls f.
func (f CommandSinkFunc) Enqueue(ctx context.Context, name string, payload, meta map[string]any) error {
	return f(ctx, name, payload, meta)
}
