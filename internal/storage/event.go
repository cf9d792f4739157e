package storage

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/message"
)

// MatchOp is a metadata matcher operator.
type MatchOp string

const (
	MatchEq    MatchOp = "eq"
	MatchIn    MatchOp = "in"
	MatchGt    MatchOp = "gt"
	MatchGte   MatchOp = "gte"
	MatchLt    MatchOp = "lt"
	MatchLte   MatchOp = "lte"
	MatchRegex MatchOp = "regex"
)

// Condition is one metadata field test.
type Condition struct {
	Op    MatchOp `json:"op" yaml:"op"`
	Value any     `json:"value" yaml:"value"`
}

// MetadataMatcher selects events by their metadata. All conditions must hold.
// A nil or empty matcher selects every event.
type MetadataMatcher map[string]Condition

// AggregateMatcher selects the events of one aggregate.
func AggregateMatcher(aggregateType, aggregateID string) MetadataMatcher {
	return MetadataMatcher{
		message.MetaAggregateType: {Op: MatchEq, Value: aggregateType},
		message.MetaAggregateID:   {Op: MatchEq, Value: aggregateID},
	}
}

// Fields returns the matched metadata fields in sorted order.
func (m MetadataMatcher) Fields() []string {
	fields := make([]string, 0, len(m))
	for f := range m {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Validate checks operators and operand shapes.
func (m MetadataMatcher) Validate() error {
	for _, field := range m.Fields() {
		c := m[field]
		if field == "" {
			return errs.Validation("metadata matcher: empty field")
		}
		switch c.Op {
		case MatchEq, MatchGt, MatchGte, MatchLt, MatchLte:
		case MatchIn:
			if _, ok := c.Value.([]any); !ok {
				return errs.Validation("metadata matcher %s: in needs a list, got %T", field, c.Value)
			}
		case MatchRegex:
			s, ok := c.Value.(string)
			if !ok {
				return errs.Validation("metadata matcher %s: regex needs a string, got %T", field, c.Value)
			}
			if _, err := regexp.Compile(s); err != nil {
				return errs.Wrap(errs.CodeValidation, err, "metadata matcher %s", field)
			}
		default:
			return errs.Validation("metadata matcher %s: unknown operator %q", field, c.Op)
		}
	}
	return nil
}

// Matches evaluates m against event metadata. It is the reference semantics
// that the SQL and bson translations follow.
func (m MetadataMatcher) Matches(meta map[string]any) (bool, error) {
	for _, field := range m.Fields() {
		c := m[field]
		v, ok := canon.GetPath(meta, field)
		if !ok {
			return false, nil
		}
		matched, err := c.matches(v)
		if err != nil {
			return false, fmt.Errorf("metadata matcher %s: %w", field, err)
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func (c Condition) matches(v any) (bool, error) {
	switch c.Op {
	case MatchEq:
		return canon.Equal(v, c.Value), nil
	case MatchIn:
		list, ok := c.Value.([]any)
		if !ok {
			return false, errs.Validation("in needs a list")
		}
		for _, candidate := range list {
			if canon.Equal(v, candidate) {
				return true, nil
			}
		}
		return false, nil
	case MatchGt, MatchGte, MatchLt, MatchLte:
		n, ok := canon.Compare(v, c.Value)
		if !ok {
			return false, nil
		}
		switch c.Op {
		case MatchGt:
			return n > 0, nil
		case MatchGte:
			return n >= 0, nil
		case MatchLt:
			return n < 0, nil
		default:
			return n <= 0, nil
		}
	case MatchRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return false, errs.Validation("regex needs a string")
		}
		s, ok := v.(string)
		if !ok {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, errs.Wrap(errs.CodeValidation, err, "regex")
		}
		return re.MatchString(s), nil
	}
	return false, errs.Validation("unknown operator %q", c.Op)
}

// LoadOptions selects a slice of a stream.
//
// FromEventID and FromPosition are exclusive: only events after that event or
// position are returned. An unknown FromEventID is a NotFound error. Zero
// Limit means unlimited.
type LoadOptions struct {
	Matcher      MetadataMatcher
	FromEventID  string
	FromPosition int64
	Limit        int
}

// AppendOptions is the resolved form of an AppendOption list.
type AppendOptions struct {
	// ExpectedVersion, when set, must equal the number of stream events
	// selected by Matcher at append time.
	ExpectedVersion *int64
	Matcher         MetadataMatcher
}

// AppendOption configures AppendTo.
type AppendOption func(*AppendOptions)

// ExpectVersion rejects the append with a Conflict error unless exactly v
// events of the stream match matcher (the whole stream for a nil matcher).
func ExpectVersion(v int64, matcher MetadataMatcher) AppendOption {
	return func(o *AppendOptions) {
		o.ExpectedVersion = &v
		o.Matcher = matcher
	}
}

// ResolveAppendOptions applies opts in order.
func ResolveAppendOptions(opts []AppendOption) AppendOptions {
	var o AppendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Options converts o back into an option list.
func (o AppendOptions) Options() []AppendOption {
	if o.ExpectedVersion == nil {
		return nil
	}
	return []AppendOption{ExpectVersion(*o.ExpectedVersion, o.Matcher)}
}

// CheckVersion returns a Conflict error when an expected version is set and
// differs from current.
func (o AppendOptions) CheckVersion(stream string, current int64) error {
	if o.ExpectedVersion == nil || *o.ExpectedVersion == current {
		return nil
	}
	return errs.Conflict("stream "+stream, *o.ExpectedVersion, current)
}

// EventStore is a set of append-only streams.
//
// Positions start at 1 and increase by one per appended event within a
// stream. Appending to a stream that does not exist creates it.
type EventStore interface {
	// AppendTo appends events atomically. Event UUIDs are unique across all
	// streams; reusing one is a Duplicate error.
	AppendTo(ctx context.Context, stream string, events []message.Event, opts ...AppendOption) error

	// Load returns events in position order with Position set.
	Load(ctx context.Context, stream string, opts LoadOptions) ([]message.Event, error)

	// LoadEventStream returns every event of the stream selected by matcher.
	LoadEventStream(ctx context.Context, stream string, matcher MetadataMatcher) ([]message.Event, error)

	// Version counts the events selected by matcher.
	Version(ctx context.Context, stream string, matcher MetadataMatcher) (int64, error)

	// Streams lists stream names in sorted order.
	Streams(ctx context.Context) ([]string, error)
}

// ValidateStream checks a stream name.
func ValidateStream(name string) error {
	if name == "" {
		return errs.Validation("stream name is required")
	}
	return nil
}

// ValidateAppend checks events before an append.
func ValidateAppend(stream string, events []message.Event, o AppendOptions) error {
	if err := ValidateStream(stream); err != nil {
		return err
	}
	if err := o.Matcher.Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(events))
	for i, ev := range events {
		if ev.UUID == "" {
			return errs.Validation("append to %s: event %d has no uuid", stream, i)
		}
		if ev.Name == "" {
			return errs.Validation("append to %s: event %s has no name", stream, ev.UUID)
		}
		if _, dup := seen[ev.UUID]; dup {
			return errs.Duplicate("append to %s: event %s appears twice", stream, ev.UUID)
		}
		seen[ev.UUID] = struct{}{}
	}
	return nil
}

// DefaultPageSize is the Load page size used by Republish.
const DefaultPageSize = 256

// Republish re-emits the events of stream selected by matcher to sink, in
// position order, paging through Load. It returns how many events were
// delivered. The first sink error stops the replay.
func Republish(ctx context.Context, es EventStore, stream string, matcher MetadataMatcher, pageSize int, sink func(context.Context, message.Event) error) (int, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	delivered := 0
	var after int64
	for {
		page, err := es.Load(ctx, stream, LoadOptions{Matcher: matcher, FromPosition: after, Limit: pageSize})
		if err != nil {
			return delivered, fmt.Errorf("republish %s: %w", stream, err)
		}
		for _, ev := range page {
			if err := sink(ctx, ev); err != nil {
				return delivered, fmt.Errorf("republish %s: event %s at %d: %w", stream, ev.UUID, ev.Position, err)
			}
			delivered++
			after = ev.Position
		}
		if len(page) < pageSize {
			return delivered, nil
		}
	}
}
