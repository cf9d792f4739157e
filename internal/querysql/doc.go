// Package querysql compiles filters and metadata matchers to parameterized
// SQLite SQL over JSON columns.
//
// Documents live in one table with a JSON data column; every field access is
// json_extract(data, ?) with the path bound as a parameter. Values are never
// interpolated. Leaf predicates are wrapped in COALESCE(..., 0) so NOT behaves
// like the in-memory matcher on missing fields (SQL NULL never leaks out).
//
// Every compiled SELECT ends with id COLLATE BINARY ASC (documents) or
// position ASC (events), so result order is deterministic.
package querysql
