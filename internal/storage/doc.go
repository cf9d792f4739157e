// Package storage defines the persistence contracts shared by every rulebox
// backend.
//
// There are three stores:
//
//   - DocumentStore: keyed, versioned documents grouped in collections and
//     queried with package filter.
//   - EventStore: append-only, per-stream event logs read through metadata
//     matchers.
//   - MultiModelStore: both of the above behind one Session, so an operation
//     that appends events and writes documents commits as one unit.
//
// Backends live in sibling packages: store (SQLite), memstore (in memory) and
// mongostore (MongoDB). The helpers in this package (Mutate, CheckDelete,
// ApplyTasks, Republish) carry the semantics every backend must share, so the
// backends only differ in how they read and write bytes.
package storage
