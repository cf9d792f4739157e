package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/message"
)

// ErrSessionClosed is returned when staging on, or committing, a session that
// was already committed or discarded.
var ErrSessionClosed = errors.New("storage: session is closed")

// Task is one staged mutation.
//
// This is a sealed interface: only types in this package implement it.
type Task interface {
	// Kind names the task for logs and errors.
	Kind() string
	ProcessWith(p TaskProcessor) error
	taskNode()
}

// TaskProcessor executes tasks against a backend.
type TaskProcessor interface {
	ProcessAppendEvents(t AppendEvents) error
	ProcessInsertDocument(t InsertDocument) error
	ProcessUpsertDocument(t UpsertDocument) error
	ProcessUpdateDocument(t UpdateDocument) error
	ProcessUpdateDocuments(t UpdateDocuments) error
	ProcessReplaceDocument(t ReplaceDocument) error
	ProcessReplaceDocuments(t ReplaceDocuments) error
	ProcessDeleteDocument(t DeleteDocument) error
	ProcessDeleteDocuments(t DeleteDocuments) error
}

// AppendEvents appends Events to Stream.
type AppendEvents struct {
	Stream  string
	Events  []message.Event
	Options AppendOptions
}

// InsertDocument creates a document. It fails with a Duplicate error when
// ID already exists in Collection.
type InsertDocument struct {
	Collection string
	ID         string
	Data       map[string]any
	Options    WriteOptions
}

// UpsertDocument creates the document or replaces its data when it exists.
type UpsertDocument struct {
	Collection string
	ID         string
	Data       map[string]any
	Options    WriteOptions
}

// UpdateDocument merges Patch into an existing document.
type UpdateDocument struct {
	Collection string
	ID         string
	Patch      map[string]any
	Options    WriteOptions
}

// UpdateDocuments merges Patch into every document matching Filter.
type UpdateDocuments struct {
	Collection string
	Filter     filter.Filter
	Patch      map[string]any
}

// ReplaceDocument overwrites the data of an existing document.
type ReplaceDocument struct {
	Collection string
	ID         string
	Data       map[string]any
	Options    WriteOptions
}

// ReplaceDocuments overwrites the data of every document matching Filter.
type ReplaceDocuments struct {
	Collection string
	Filter     filter.Filter
	Data       map[string]any
}

// DeleteDocument removes one document.
type DeleteDocument struct {
	Collection string
	ID         string
	Options    WriteOptions
}

// DeleteDocuments removes every document matching Filter.
type DeleteDocuments struct {
	Collection string
	Filter     filter.Filter
}

func (t AppendEvents) ProcessWith(p TaskProcessor) error     { return p.ProcessAppendEvents(t) }
func (t InsertDocument) ProcessWith(p TaskProcessor) error   { return p.ProcessInsertDocument(t) }
func (t UpsertDocument) ProcessWith(p TaskProcessor) error   { return p.ProcessUpsertDocument(t) }
func (t UpdateDocument) ProcessWith(p TaskProcessor) error   { return p.ProcessUpdateDocument(t) }
func (t UpdateDocuments) ProcessWith(p TaskProcessor) error  { return p.ProcessUpdateDocuments(t) }
func (t ReplaceDocument) ProcessWith(p TaskProcessor) error  { return p.ProcessReplaceDocument(t) }
func (t ReplaceDocuments) ProcessWith(p TaskProcessor) error { return p.ProcessReplaceDocuments(t) }
func (t DeleteDocument) ProcessWith(p TaskProcessor) error   { return p.ProcessDeleteDocument(t) }
func (t DeleteDocuments) ProcessWith(p TaskProcessor) error  { return p.ProcessDeleteDocuments(t) }

func (AppendEvents) Kind() string     { return "appendEvents" }
func (InsertDocument) Kind() string   { return "insertDocument" }
func (UpsertDocument) Kind() string   { return "upsertDocument" }
func (UpdateDocument) Kind() string   { return "updateDocument" }
func (UpdateDocuments) Kind() string  { return "updateDocuments" }
func (ReplaceDocument) Kind() string  { return "replaceDocument" }
func (ReplaceDocuments) Kind() string { return "replaceDocuments" }
func (DeleteDocument) Kind() string   { return "deleteDocument" }
func (DeleteDocuments) Kind() string  { return "deleteDocuments" }

func (AppendEvents) taskNode()     {}
func (InsertDocument) taskNode()   {}
func (UpsertDocument) taskNode()   {}
func (UpdateDocument) taskNode()   {}
func (UpdateDocuments) taskNode()  {}
func (ReplaceDocument) taskNode()  {}
func (ReplaceDocuments) taskNode() {}
func (DeleteDocument) taskNode()   {}
func (DeleteDocuments) taskNode()  {}

// Session stages mutations for one atomic commit.
//
// Staging methods only queue tasks; no I/O happens until the owning
// MultiModelStore commits. A Session is owned by the caller that began it
// and is not safe for concurrent use.
type Session struct {
	tasks  []Task
	closed bool
}

// NewSession returns an empty session. Backends hand these out from
// BeginSession.
func NewSession() *Session {
	return &Session{}
}

func (s *Session) stage(t Task) error {
	if s.closed {
		return ErrSessionClosed
	}
	s.tasks = append(s.tasks, t)
	return nil
}

// AppendEvents stages an append to stream.
func (s *Session) AppendEvents(stream string, events []message.Event, opts ...AppendOption) error {
	o := ResolveAppendOptions(opts)
	if err := ValidateAppend(stream, events, o); err != nil {
		return err
	}
	cloned := make([]message.Event, len(events))
	for i, ev := range events {
		cloned[i] = ev.Clone()
	}
	return s.stage(AppendEvents{Stream: stream, Events: cloned, Options: o})
}

// InsertDocument stages an insert.
func (s *Session) InsertDocument(collection, id string, data map[string]any, opts ...WriteOption) error {
	d, err := stagedData(collection, id, data)
	if err != nil {
		return err
	}
	return s.stage(InsertDocument{Collection: collection, ID: id, Data: d, Options: ResolveWriteOptions(opts)})
}

// UpsertDocument stages an insert-or-replace.
func (s *Session) UpsertDocument(collection, id string, data map[string]any, opts ...WriteOption) error {
	d, err := stagedData(collection, id, data)
	if err != nil {
		return err
	}
	return s.stage(UpsertDocument{Collection: collection, ID: id, Data: d, Options: ResolveWriteOptions(opts)})
}

// UpdateDocument stages a merge patch of one document.
func (s *Session) UpdateDocument(collection, id string, patch map[string]any, opts ...WriteOption) error {
	p, err := stagedData(collection, id, patch)
	if err != nil {
		return err
	}
	return s.stage(UpdateDocument{Collection: collection, ID: id, Patch: p, Options: ResolveWriteOptions(opts)})
}

// UpdateDocuments stages a merge patch of every document matching f.
func (s *Session) UpdateDocuments(collection string, f filter.Filter, patch map[string]any) error {
	p, err := stagedBulk(collection, f, patch)
	if err != nil {
		return err
	}
	return s.stage(UpdateDocuments{Collection: collection, Filter: f, Patch: p})
}

// ReplaceDocument stages a replace of one existing document.
func (s *Session) ReplaceDocument(collection, id string, data map[string]any, opts ...WriteOption) error {
	d, err := stagedData(collection, id, data)
	if err != nil {
		return err
	}
	return s.stage(ReplaceDocument{Collection: collection, ID: id, Data: d, Options: ResolveWriteOptions(opts)})
}

// ReplaceDocuments stages a replace of every document matching f.
func (s *Session) ReplaceDocuments(collection string, f filter.Filter, data map[string]any) error {
	d, err := stagedBulk(collection, f, data)
	if err != nil {
		return err
	}
	return s.stage(ReplaceDocuments{Collection: collection, Filter: f, Data: d})
}

// DeleteDocument stages a delete of one document.
func (s *Session) DeleteDocument(collection, id string, opts ...WriteOption) error {
	if _, err := stagedData(collection, id, nil); err != nil {
		return err
	}
	return s.stage(DeleteDocument{Collection: collection, ID: id, Options: ResolveWriteOptions(opts)})
}

// DeleteDocuments stages a delete of every document matching f.
func (s *Session) DeleteDocuments(collection string, f filter.Filter) error {
	if _, err := stagedBulk(collection, f, nil); err != nil {
		return err
	}
	return s.stage(DeleteDocuments{Collection: collection, Filter: f})
}

// Tasks returns a copy of the staged tasks in staging order.
func (s *Session) Tasks() []Task {
	return append([]Task(nil), s.tasks...)
}

// Len is the number of staged tasks.
func (s *Session) Len() int {
	return len(s.tasks)
}

// Closed reports whether the session was committed or discarded.
func (s *Session) Closed() bool {
	return s.closed
}

// Discard drops every staged task and closes the session. Discarding a closed
// session is a no-op.
func (s *Session) Discard() {
	s.tasks = nil
	s.closed = true
}

// Seal closes the session and returns its tasks. Backends call it at the
// start of CommitSession, so a session commits at most once whatever the
// outcome.
func (s *Session) Seal() ([]Task, error) {
	if s == nil {
		return nil, errors.New("storage: nil session")
	}
	if s.closed {
		return nil, ErrSessionClosed
	}
	tasks := s.tasks
	s.tasks = nil
	s.closed = true
	return tasks, nil
}

func stagedData(collection, id string, data map[string]any) (map[string]any, error) {
	if err := ValidateCollection(collection); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, errs.Validation("collection %s: document id is required", collection)
	}
	return canon.NormalizeMap(data)
}

func stagedBulk(collection string, f filter.Filter, data map[string]any) (map[string]any, error) {
	if err := ValidateCollection(collection); err != nil {
		return nil, err
	}
	if err := filter.Validate(f); err != nil {
		return nil, err
	}
	return canon.NormalizeMap(data)
}

// ApplyTasks runs tasks through p in order and stops at the first failure.
// The error names the failing task.
func ApplyTasks(ctx context.Context, tasks []Task, p TaskProcessor) error {
	for i, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.ProcessWith(p); err != nil {
			return fmt.Errorf("task %d (%s): %w", i, t.Kind(), err)
		}
	}
	return nil
}

// MultiModelStore coordinates an event store and a document store so that a
// Session commits atomically across both.
type MultiModelStore interface {
	BeginSession() *Session

	// CommitSession runs every staged task as one unit. On error none of the
	// tasks are observable. The session is closed either way.
	CommitSession(ctx context.Context, s *Session) error

	LoadEvents(ctx context.Context, stream string, opts LoadOptions) ([]message.Event, error)
	LoadDoc(ctx context.Context, collection, id string) (Document, error)

	Events() EventStore
	Documents() DocumentStore

	Close() error
}
