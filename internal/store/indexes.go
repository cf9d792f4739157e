package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/querysql"
	"github.com/roach88/rulebox/internal/storage"
)

// sqlIndexName names the expression index backing a declared index.
// Collection and index names are restricted by filter.ValidName, so they need
// no escaping inside identifiers or literals.
func sqlIndexName(collection, name string) string {
	return fmt.Sprintf(`"docidx:%s:%s"`, collection, name)
}

// ddl renders CREATE INDEX statements through filter.IndexProcessor.
type ddl struct {
	collection string
	stmt       string
}

func (d *ddl) build(idx filter.Index, column string) {
	dir := "ASC"
	if idx.Order() == filter.Desc {
		dir = "DESC"
	}
	var cols, guards []string
	for _, f := range idx.Fields() {
		path := querysql.JSONPath(f)
		cols = append(cols, fmt.Sprintf("json_extract(%s, '%s') %s", column, path, dir))
		guards = append(guards, fmt.Sprintf("json_type(%s, '%s') NOT IN ('null')", column, path))
	}
	unique := ""
	if idx.Unique() {
		unique = "UNIQUE "
	}
	d.stmt = fmt.Sprintf("CREATE %sINDEX %s ON documents (collection, %s) WHERE collection = '%s' AND %s",
		unique, sqlIndexName(d.collection, idx.Name()), strings.Join(cols, ", "), d.collection, strings.Join(guards, " AND "))
}

func (d *ddl) ProcessFieldIndex(idx *filter.FieldIndex) error {
	d.build(idx, "data")
	return nil
}

func (d *ddl) ProcessMultiFieldIndex(idx *filter.MultiFieldIndex) error {
	d.build(idx, "data")
	return nil
}

func (d *ddl) ProcessMetaFieldIndex(idx *filter.MetaFieldIndex) error {
	d.build(idx, "metadata")
	return nil
}

// CreateIndexSQL returns the statement that creates idx on collection.
func CreateIndexSQL(collection string, idx filter.Index) (string, error) {
	if err := storage.ValidateCollection(collection); err != nil {
		return "", err
	}
	d := &ddl{collection: collection}
	if err := idx.ProcessWith(d); err != nil {
		return "", err
	}
	return d.stmt, nil
}

func dropSQLIndex(ctx context.Context, q querier, collection, name string) error {
	if _, err := q.ExecContext(ctx, "DROP INDEX IF EXISTS "+sqlIndexName(collection, name)); err != nil {
		return fmt.Errorf("drop index %s on %s: %w", name, collection, err)
	}
	return nil
}

func indexNames(ctx context.Context, q querier, collection string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM indexes WHERE collection = ? ORDER BY name ASC`, collection)
	if err != nil {
		return nil, fmt.Errorf("list indexes of %s: %w", collection, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list indexes of %s: %w", collection, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// AddIndex implements storage.DocumentStore. Declaring an index that already
// exists replaces it. Existing documents that collide on a unique index make
// the call fail with a Duplicate error.
func (s *Store) AddIndex(ctx context.Context, collection string, idx filter.Index) error {
	stmt, err := CreateIndexSQL(collection, idx)
	if err != nil {
		return err
	}
	definition, err := json.Marshal(filter.SpecOf(idx))
	if err != nil {
		return fmt.Errorf("marshal index %s: %w", idx.Name(), err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add index %s: begin tx: %w", idx.Name(), err)
	}
	defer tx.Rollback() // No-op if committed

	if err := ensureCollection(ctx, tx, collection); err != nil {
		return err
	}
	if err := dropSQLIndex(ctx, tx, collection, idx.Name()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return mapWriteError(err, "add index %s on %s", idx.Name(), collection)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO indexes (collection, name, definition) VALUES (?, ?, ?)
		ON CONFLICT(collection, name) DO UPDATE SET definition = excluded.definition
	`, collection, idx.Name(), string(definition))
	if err != nil {
		return fmt.Errorf("add index %s on %s: %w", idx.Name(), collection, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("add index %s: commit: %w", idx.Name(), err)
	}
	s.logger.Debug("index added", "collection", collection, "index", idx.Name(), "unique", idx.Unique())
	return nil
}

// DropIndex implements storage.DocumentStore. Dropping an unknown index is a
// no-op.
func (s *Store) DropIndex(ctx context.Context, collection, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("drop index %s: begin tx: %w", name, err)
	}
	defer tx.Rollback() // No-op if committed

	if err := dropSQLIndex(ctx, tx, collection, name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM indexes WHERE collection = ? AND name = ?`, collection, name); err != nil {
		return fmt.Errorf("drop index %s on %s: %w", name, collection, err)
	}
	return tx.Commit()
}

// Indexes lists the indexes declared on collection, in name order.
func (s *Store) Indexes(ctx context.Context, collection string) ([]filter.Index, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM indexes WHERE collection = ? ORDER BY name ASC`, collection)
	if err != nil {
		return nil, fmt.Errorf("list indexes of %s: %w", collection, err)
	}
	defer rows.Close()

	var out []filter.Index
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("list indexes of %s: %w", collection, err)
		}
		var spec filter.IndexSpec
		if err := json.Unmarshal([]byte(definition), &spec); err != nil {
			return nil, fmt.Errorf("decode index of %s: %w", collection, err)
		}
		idx, err := spec.Build()
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}
