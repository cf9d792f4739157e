// Package filter defines the storage-independent query vocabulary used by the
// rule interpreter and the storage backends.
//
// A Filter is a sealed tree of predicates over document data. Backends do not
// type-switch on filters; each implements Processor and calls
// f.ProcessWith(processor). Because Processor has one method per variant,
// adding a variant is a compile error in every backend until it is handled.
//
// Filter types:
//   - Equals, In, Exists, Compare, Contains, Like: field predicates
//   - And, Or, Not: composition (empty And is true, empty Or is false)
//   - Any: matches every document
//   - DocID, DocIDs: match on document identity
//
// Field names are dotted paths into document data ("owner.name"). Numeric
// segments index arrays ("tags.0").
//
// Index descriptors (FieldIndex, MultiFieldIndex, MetaFieldIndex) are declared
// explicitly and validated at construction.
package filter
