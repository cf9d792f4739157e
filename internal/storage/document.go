package storage

import (
	"context"
	"fmt"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
)

// Document is a versioned JSON object inside a collection.
type Document struct {
	ID       string         `json:"id"`
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata"`
	Version  int64          `json:"version"`
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	d.Data = canon.CloneMap(d.Data)
	d.Metadata = canon.CloneMap(d.Metadata)
	return d
}

// FindOptions controls paging, ordering and projection of FindDocs.
//
// Zero Limit means unlimited. Results are always ordered by OrderBy followed by
// id ascending. Fields, when set, projects Data to those dotted paths.
type FindOptions struct {
	Skip    int
	Limit   int
	OrderBy []filter.SortField
	Fields  []string
}

// DocumentReader is the read half of DocumentStore.
type DocumentReader interface {
	FindDocs(ctx context.Context, collection string, f filter.Filter, opts FindOptions) ([]Document, error)
	CountDocs(ctx context.Context, collection string, f filter.Filter) (int, error)

	// GetDoc returns a NotFound error when the document does not exist.
	GetDoc(ctx context.Context, collection, id string) (Document, error)
	GetPartialDoc(ctx context.Context, collection, id string, fields []string) (Document, error)

	HasCollection(ctx context.Context, collection string) (bool, error)
	Collections(ctx context.Context) ([]string, error)
}

// DocumentStore is a set of named document collections.
//
// Writing to a collection that does not exist creates it. Reads of a missing
// collection return empty results (and NotFound for GetDoc).
type DocumentStore interface {
	DocumentReader

	// InsertDoc fails with a Duplicate error if the id exists.
	InsertDoc(ctx context.Context, collection, id string, data map[string]any, opts ...WriteOption) error
	UpsertDoc(ctx context.Context, collection, id string, data map[string]any, opts ...WriteOption) error
	// UpdateDoc merge-patches the document (RFC 7386).
	UpdateDoc(ctx context.Context, collection, id string, patch map[string]any, opts ...WriteOption) error
	ReplaceDoc(ctx context.Context, collection, id string, data map[string]any, opts ...WriteOption) error
	DeleteDoc(ctx context.Context, collection, id string, opts ...WriteOption) error

	UpdateMany(ctx context.Context, collection string, f filter.Filter, patch map[string]any) (int, error)
	ReplaceMany(ctx context.Context, collection string, f filter.Filter, data map[string]any) (int, error)
	DeleteMany(ctx context.Context, collection string, f filter.Filter) (int, error)

	AddCollection(ctx context.Context, collection string) error
	DropCollection(ctx context.Context, collection string) error

	// AddIndex declares an index. Unique indexes reject writes that would
	// create a second document with the same indexed values.
	AddIndex(ctx context.Context, collection string, idx filter.Index) error
	DropIndex(ctx context.Context, collection, name string) error
}

// WriteOptions is the resolved form of a WriteOption list.
type WriteOptions struct {
	// ExpectedVersion, when set, must equal the current document version
	// (0 for an absent document).
	ExpectedVersion *int64

	// Metadata, when set, replaces the document metadata. Otherwise the
	// existing metadata is kept.
	Metadata map[string]any
}

// WriteOption configures a single-document write.
type WriteOption func(*WriteOptions)

// WithExpectedVersion makes the write fail with a Conflict error unless the
// document is currently at version v.
func WithExpectedVersion(v int64) WriteOption {
	return func(o *WriteOptions) { o.ExpectedVersion = &v }
}

// WithMetadata sets the document metadata.
func WithMetadata(meta map[string]any) WriteOption {
	return func(o *WriteOptions) { o.Metadata = canon.CloneMap(meta) }
}

// ResolveWriteOptions applies opts in order.
func ResolveWriteOptions(opts []WriteOption) WriteOptions {
	var o WriteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Options converts o back into an option list.
func (o WriteOptions) Options() []WriteOption {
	var opts []WriteOption
	if o.ExpectedVersion != nil {
		opts = append(opts, WithExpectedVersion(*o.ExpectedVersion))
	}
	if o.Metadata != nil {
		opts = append(opts, WithMetadata(o.Metadata))
	}
	return opts
}

// CheckVersion returns a Conflict error when an expected version is set and
// differs from current.
func (o WriteOptions) CheckVersion(subject string, current int64) error {
	if o.ExpectedVersion == nil || *o.ExpectedVersion == current {
		return nil
	}
	return errs.Conflict(subject, *o.ExpectedVersion, current)
}

// Mutation is a single-document write kind.
type Mutation int

const (
	MutationInsert Mutation = iota + 1
	MutationUpsert
	MutationUpdate
	MutationReplace
)

func (m Mutation) String() string {
	switch m {
	case MutationInsert:
		return "insert"
	case MutationUpsert:
		return "upsert"
	case MutationUpdate:
		return "update"
	case MutationReplace:
		return "replace"
	}
	return fmt.Sprintf("Mutation(%d)", int(m))
}

// DocSubject names a document in error messages.
func DocSubject(collection, id string) string {
	return fmt.Sprintf("document %s/%s", collection, id)
}

// Mutate computes the document produced by applying m to current, which is
// nil when the document does not exist. data is the new content, or the merge
// patch for MutationUpdate.
//
// Backends call Mutate inside their write scope and persist the result
// verbatim. That keeps version, metadata and error semantics identical
// across backends.
func Mutate(m Mutation, collection, id string, current *Document, data map[string]any, o WriteOptions) (Document, error) {
	if id == "" {
		return Document{}, errs.Validation("%s: document id is required", m)
	}
	subject := DocSubject(collection, id)

	normalized, err := canon.NormalizeMap(data)
	if err != nil {
		return Document{}, errs.Wrap(errs.CodeValidation, err, "%s %s", m, subject)
	}

	switch m {
	case MutationInsert:
		if current != nil {
			return Document{}, errs.Duplicate("%s already exists", subject)
		}
	case MutationUpdate, MutationReplace:
		if current == nil {
			return Document{}, errs.NotFound("%s does not exist", subject)
		}
	case MutationUpsert:
	default:
		return Document{}, fmt.Errorf("unknown mutation %s", m)
	}

	var version int64
	var meta map[string]any
	if current != nil {
		version = current.Version
		meta = current.Metadata
	}
	if err := o.CheckVersion(subject, version); err != nil {
		return Document{}, err
	}
	if o.Metadata != nil {
		meta = o.Metadata
	}

	next := Document{
		ID:       id,
		Data:     normalized,
		Metadata: canon.CloneMap(meta),
		Version:  version + 1,
	}
	if m == MutationUpdate {
		next.Data = canon.MergePatch(current.Data, normalized)
	}
	return next, nil
}

// CheckDelete validates deleting current (nil when absent).
func CheckDelete(collection, id string, current *Document, o WriteOptions) error {
	subject := DocSubject(collection, id)
	if current == nil {
		return errs.NotFound("%s does not exist", subject)
	}
	return o.CheckVersion(subject, current.Version)
}

// ValidateCollection checks a collection name.
func ValidateCollection(name string) error {
	if !filter.ValidName(name) {
		return errs.Validation("invalid collection name %q", name)
	}
	return nil
}

// ProjectDoc returns d with Data projected to fields. An empty field list
// returns d unchanged.
func ProjectDoc(d Document, fields []string) Document {
	if len(fields) == 0 {
		return d
	}
	d.Data = canon.Project(d.Data, fields)
	return d
}

// Page applies skip and limit to an ordered slice.
func Page[T any](items []T, skip, limit int) []T {
	if skip > 0 {
		if skip >= len(items) {
			return items[:0]
		}
		items = items[skip:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
