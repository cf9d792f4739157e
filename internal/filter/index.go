package filter

import (
	"fmt"

	"github.com/roach88/rulebox/internal/errs"
)

// SortOrder is ascending or descending.
type SortOrder int

const (
	Asc  SortOrder = 1
	Desc SortOrder = -1
)

// String returns "asc" or "desc".
func (o SortOrder) String() string {
	if o == Desc {
		return "desc"
	}
	return "asc"
}

// ParseSortOrder accepts "asc", "desc", "" (asc), 1 and -1.
func ParseSortOrder(v any) (SortOrder, error) {
	switch o := v.(type) {
	case nil:
		return Asc, nil
	case string:
		switch o {
		case "", "asc", "ASC":
			return Asc, nil
		case "desc", "DESC":
			return Desc, nil
		}
	case int64:
		switch o {
		case 1:
			return Asc, nil
		case -1:
			return Desc, nil
		}
	case int:
		return ParseSortOrder(int64(o))
	}
	return Asc, errs.Validation("invalid sort order %v", v)
}

// SortField orders results by one field.
type SortField struct {
	Field string
	Order SortOrder
}

// Index describes a declared index on a collection.
//
// This is a sealed interface: only types in this package implement it.
type Index interface {
	Name() string
	Unique() bool
	Order() SortOrder
	// Fields lists the indexed data paths (metadata paths for MetaFieldIndex).
	Fields() []string
	ProcessWith(p IndexProcessor) error
	indexNode()
}

// IndexProcessor creates a declared index in a backend.
type IndexProcessor interface {
	ProcessFieldIndex(idx *FieldIndex) error
	ProcessMultiFieldIndex(idx *MultiFieldIndex) error
	ProcessMetaFieldIndex(idx *MetaFieldIndex) error
}

// IndexOption configures an index at construction.
type IndexOption func(*indexBase)

// Unique marks the index as enforcing uniqueness.
func Unique() IndexOption {
	return func(b *indexBase) { b.unique = true }
}

// Ordered sets the index sort order.
func Ordered(o SortOrder) IndexOption {
	return func(b *indexBase) { b.order = o }
}

type indexBase struct {
	name   string
	unique bool
	order  SortOrder
}

func (b indexBase) Name() string     { return b.name }
func (b indexBase) Unique() bool     { return b.unique }
func (b indexBase) Order() SortOrder { return b.order }

func newBase(name string, opts []IndexOption) (indexBase, error) {
	if name == "" {
		return indexBase{}, errs.Validation("index name is required")
	}
	if !ValidName(name) {
		return indexBase{}, errs.Validation("invalid index name %q", name)
	}
	b := indexBase{name: name, order: Asc}
	for _, opt := range opts {
		opt(&b)
	}
	if b.order != Asc && b.order != Desc {
		return indexBase{}, errs.Validation("index %q: invalid sort order %d", name, b.order)
	}
	return b, nil
}

// FieldIndex indexes one data field.
type FieldIndex struct {
	indexBase
	field string
}

// NewFieldIndex validates and builds a single-field index.
func NewFieldIndex(name, field string, opts ...IndexOption) (*FieldIndex, error) {
	b, err := newBase(name, opts)
	if err != nil {
		return nil, err
	}
	if err := validateField(field); err != nil {
		return nil, fmt.Errorf("index %q: %w", name, err)
	}
	return &FieldIndex{indexBase: b, field: field}, nil
}

// Field returns the indexed path.
func (i *FieldIndex) Field() string                        { return i.field }
func (i *FieldIndex) Fields() []string                     { return []string{i.field} }
func (i *FieldIndex) ProcessWith(p IndexProcessor) error { return p.ProcessFieldIndex(i) }
func (*FieldIndex) indexNode()                             {}

// MultiFieldIndex indexes two or more data fields as one compound key.
type MultiFieldIndex struct {
	indexBase
	fields []string
}

// NewMultiFieldIndex validates and builds a compound index. At least two
// distinct fields are required.
func NewMultiFieldIndex(name string, fields []string, opts ...IndexOption) (*MultiFieldIndex, error) {
	b, err := newBase(name, opts)
	if err != nil {
		return nil, err
	}
	if len(fields) < 2 {
		return nil, errs.Validation("index %q: multi-field index needs at least 2 fields, got %d", name, len(fields))
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if err := validateField(f); err != nil {
			return nil, fmt.Errorf("index %q: %w", name, err)
		}
		if seen[f] {
			return nil, errs.Validation("index %q: field %q listed twice", name, f)
		}
		seen[f] = true
	}
	return &MultiFieldIndex{indexBase: b, fields: append([]string(nil), fields...)}, nil
}

func (i *MultiFieldIndex) Fields() []string                     { return append([]string(nil), i.fields...) }
func (i *MultiFieldIndex) ProcessWith(p IndexProcessor) error { return p.ProcessMultiFieldIndex(i) }
func (*MultiFieldIndex) indexNode()                             {}

// MetaFieldIndex indexes a document metadata field instead of data.
type MetaFieldIndex struct {
	indexBase
	field string
}

// NewMetaFieldIndex validates and builds a metadata-field index.
func NewMetaFieldIndex(name, field string, opts ...IndexOption) (*MetaFieldIndex, error) {
	b, err := newBase(name, opts)
	if err != nil {
		return nil, err
	}
	if err := validateField(field); err != nil {
		return nil, fmt.Errorf("index %q: %w", name, err)
	}
	return &MetaFieldIndex{indexBase: b, field: field}, nil
}

// Field returns the indexed metadata path.
func (i *MetaFieldIndex) Field() string                        { return i.field }
func (i *MetaFieldIndex) Fields() []string                     { return []string{i.field} }
func (i *MetaFieldIndex) ProcessWith(p IndexProcessor) error { return p.ProcessMetaFieldIndex(i) }
func (*MetaFieldIndex) indexNode()                             {}

// IndexSpec is the serializable description of an index, used by backends
// that persist declarations and by snapshots.
type IndexSpec struct {
	Kind   string   `json:"kind"`
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
	Unique bool     `json:"unique,omitempty"`
	Order  int      `json:"order"`
}

// Index kinds in IndexSpec.
const (
	KindField      = "field"
	KindMultiField = "multiField"
	KindMetaField  = "metaField"
)

// SpecOf describes idx.
func SpecOf(idx Index) IndexSpec {
	spec := IndexSpec{
		Name:   idx.Name(),
		Fields: idx.Fields(),
		Unique: idx.Unique(),
		Order:  int(idx.Order()),
	}
	switch idx.(type) {
	case *FieldIndex:
		spec.Kind = KindField
	case *MultiFieldIndex:
		spec.Kind = KindMultiField
	case *MetaFieldIndex:
		spec.Kind = KindMetaField
	}
	return spec
}

// Build reconstructs the index described by s.
func (s IndexSpec) Build() (Index, error) {
	opts := []IndexOption{Ordered(SortOrder(s.Order))}
	if s.Order == 0 {
		opts = []IndexOption{Ordered(Asc)}
	}
	if s.Unique {
		opts = append(opts, Unique())
	}
	switch s.Kind {
	case KindField:
		if len(s.Fields) != 1 {
			return nil, errs.Validation("index %q: field index needs exactly 1 field", s.Name)
		}
		return NewFieldIndex(s.Name, s.Fields[0], opts...)
	case KindMultiField:
		return NewMultiFieldIndex(s.Name, s.Fields, opts...)
	case KindMetaField:
		if len(s.Fields) != 1 {
			return nil, errs.Validation("index %q: meta-field index needs exactly 1 field", s.Name)
		}
		return NewMetaFieldIndex(s.Name, s.Fields[0], opts...)
	}
	return nil, errs.Validation("index %q: unknown kind %q", s.Name, s.Kind)
}
