// Package store is the SQLite storage backend for rulebox.
//
// Events and documents share one database file, so a Session commits in a
// single sql.Tx and a failed task leaves nothing behind.
//
// # Tables
//
//   - events: (stream, position) primary key, uuid unique, payload and meta
//     as canonical JSON text
//   - collections: declared collection names
//   - documents: (collection, id) primary key, data and metadata as canonical
//     JSON text, version
//   - indexes: declared document indexes, each backed by a partial
//     expression index on documents
//
// Filters and metadata matchers are compiled by package querysql. The
// metadata regex operator uses a Go regexp function registered on every
// connection of the "sqlite3_rulebox" driver.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Deleting a collection removes its documents and indexes
//   - one open connection: writers are serialized, so a version check and the
//     write it guards never interleave with another commit
package store
