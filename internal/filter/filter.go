package filter

// Filter is a predicate over a document.
//
// This is a sealed interface: only types in this package implement it.
type Filter interface {
	// ProcessWith hands the filter to the processor method for its variant.
	ProcessWith(p Processor) error
	filterNode()
}

// Processor translates filters into a backend's native query form.
type Processor interface {
	ProcessEquals(f Equals) error
	ProcessIn(f In) error
	ProcessExists(f Exists) error
	ProcessCompare(f Compare) error
	ProcessContains(f Contains) error
	ProcessLike(f Like) error
	ProcessAny(f Any) error
	ProcessAnd(f And) error
	ProcessOr(f Or) error
	ProcessNot(f Not) error
	ProcessDocID(f DocID) error
	ProcessDocIDs(f DocIDs) error
}

// Equals matches documents whose field equals Value. A nil Value matches
// documents where the field is null or missing.
type Equals struct {
	Field string
	Value any
}

// In matches documents whose field equals one of Values. Empty Values
// matches nothing.
type In struct {
	Field  string
	Values []any
}

// Exists matches documents where the field is present (null counts as present).
type Exists struct {
	Field string
}

// CompareOp is a range operator.
type CompareOp string

const (
	OpGt  CompareOp = "gt"
	OpGte CompareOp = "gte"
	OpLt  CompareOp = "lt"
	OpLte CompareOp = "lte"
)

// Compare matches documents whose field orders against Value. Values of
// different JSON types never match.
type Compare struct {
	Field string
	Op    CompareOp
	Value any
}

// Contains matches documents whose array field holds an element equal to Value.
type Contains struct {
	Field string
	Value any
}

// Like matches string fields against a SQL LIKE pattern: % is any run of
// characters, _ is a single character, ASCII letters match case-insensitively.
type Like struct {
	Field   string
	Pattern string
}

// Any matches every document.
type Any struct{}

// And matches when every child matches.
type And struct {
	Filters []Filter
}

// Or matches when at least one child matches.
type Or struct {
	Filters []Filter
}

// Not inverts its child.
type Not struct {
	Filter Filter
}

// DocID matches the document with the given id.
type DocID struct {
	ID string
}

// DocIDs matches documents whose id is in IDs.
type DocIDs struct {
	IDs []string
}

func (f Equals) ProcessWith(p Processor) error   { return p.ProcessEquals(f) }
func (f In) ProcessWith(p Processor) error       { return p.ProcessIn(f) }
func (f Exists) ProcessWith(p Processor) error   { return p.ProcessExists(f) }
func (f Compare) ProcessWith(p Processor) error  { return p.ProcessCompare(f) }
func (f Contains) ProcessWith(p Processor) error { return p.ProcessContains(f) }
func (f Like) ProcessWith(p Processor) error     { return p.ProcessLike(f) }
func (f Any) ProcessWith(p Processor) error      { return p.ProcessAny(f) }
func (f And) ProcessWith(p Processor) error      { return p.ProcessAnd(f) }
func (f Or) ProcessWith(p Processor) error       { return p.ProcessOr(f) }
func (f Not) ProcessWith(p Processor) error      { return p.ProcessNot(f) }
func (f DocID) ProcessWith(p Processor) error    { return p.ProcessDocID(f) }
func (f DocIDs) ProcessWith(p Processor) error   { return p.ProcessDocIDs(f) }

func (Equals) filterNode()   {}
func (In) filterNode()       {}
func (Exists) filterNode()   {}
func (Compare) filterNode()  {}
func (Contains) filterNode() {}
func (Like) filterNode()     {}
func (Any) filterNode()      {}
func (And) filterNode()      {}
func (Or) filterNode()       {}
func (Not) filterNode()      {}
func (DocID) filterNode()    {}
func (DocIDs) filterNode()   {}

// Eq builds an Equals filter.
func Eq(field string, value any) Filter { return Equals{Field: field, Value: value} }

// OneOf builds an In filter.
func OneOf(field string, values ...any) Filter { return In{Field: field, Values: values} }

// Has builds an Exists filter.
func Has(field string) Filter { return Exists{Field: field} }

// Gt builds a Compare filter with OpGt.
func Gt(field string, value any) Filter { return Compare{Field: field, Op: OpGt, Value: value} }

// Gte builds a Compare filter with OpGte.
func Gte(field string, value any) Filter { return Compare{Field: field, Op: OpGte, Value: value} }

// Lt builds a Compare filter with OpLt.
func Lt(field string, value any) Filter { return Compare{Field: field, Op: OpLt, Value: value} }

// Lte builds a Compare filter with OpLte.
func Lte(field string, value any) Filter { return Compare{Field: field, Op: OpLte, Value: value} }

// AllOf builds an And filter.
func AllOf(filters ...Filter) Filter { return And{Filters: filters} }

// AnyOf builds an Or filter.
func AnyOf(filters ...Filter) Filter { return Or{Filters: filters} }

// Negate builds a Not filter.
func Negate(f Filter) Filter { return Not{Filter: f} }

// ByID builds a DocID filter.
func ByID(id string) Filter { return DocID{ID: id} }

// ByIDs builds a DocIDs filter.
func ByIDs(ids ...string) Filter { return DocIDs{IDs: ids} }

// All matches every document.
func All() Filter { return Any{} }

// OrAll returns f, or Any when f is nil.
func OrAll(f Filter) Filter {
	if f == nil {
		return Any{}
	}
	return f
}
