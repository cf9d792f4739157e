package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/querysql"
	"github.com/roach88/rulebox/internal/storage"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func ensureCollection(ctx context.Context, q querier, name string) error {
	if err := storage.ValidateCollection(name); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO collections (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return fmt.Errorf("ensure collection %s: %w", name, err)
	}
	return nil
}

func scanDoc(scan func(dest ...any) error) (storage.Document, error) {
	var (
		d              storage.Document
		data, metadata string
	)
	if err := scan(&d.ID, &data, &metadata, &d.Version); err != nil {
		return storage.Document{}, err
	}
	var err error
	if d.Data, err = unmarshalJSON("data", data); err != nil {
		return storage.Document{}, err
	}
	if d.Metadata, err = unmarshalJSON("metadata", metadata); err != nil {
		return storage.Document{}, err
	}
	return d, nil
}

// getDoc returns nil when the document does not exist.
func getDoc(ctx context.Context, q querier, collection, id string) (*storage.Document, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, data, metadata, version FROM documents
		WHERE collection = ? AND id = ?
	`, collection, id)
	d, err := scanDoc(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", storage.DocSubject(collection, id), err)
	}
	return &d, nil
}

func findDocs(ctx context.Context, q querier, collection string, f filter.Filter, opts storage.FindOptions) ([]storage.Document, error) {
	query, args, err := querysql.CompileFind(querysql.FindQuery{
		Collection: collection,
		Filter:     f,
		OrderBy:    opts.OrderBy,
		Skip:       opts.Skip,
		Limit:      opts.Limit,
	})
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	defer rows.Close()

	docs := []storage.Document{}
	for rows.Next() {
		d, err := scanDoc(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", collection, err)
		}
		docs = append(docs, storage.ProjectDoc(d, opts.Fields))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	return docs, nil
}

func writeDoc(ctx context.Context, q querier, collection string, d storage.Document) error {
	data, err := marshalJSON("data", d.Data)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON("metadata", d.Metadata)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, metadata, version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			data = excluded.data,
			metadata = excluded.metadata,
			version = excluded.version
	`, collection, d.ID, data, metadata, d.Version)
	if err != nil {
		return mapWriteError(err, "write %s", storage.DocSubject(collection, d.ID))
	}
	return nil
}

func deleteDoc(ctx context.Context, q querier, collection, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("delete %s: %w", storage.DocSubject(collection, id), err)
	}
	return nil
}

// FindDocs implements storage.DocumentStore.
func (s *Store) FindDocs(ctx context.Context, collection string, f filter.Filter, opts storage.FindOptions) ([]storage.Document, error) {
	return findDocs(ctx, s.db, collection, f, opts)
}

// CountDocs implements storage.DocumentStore.
func (s *Store) CountDocs(ctx context.Context, collection string, f filter.Filter) (int, error) {
	query, args, err := querysql.CompileCount(collection, f)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// GetDoc implements storage.DocumentStore.
func (s *Store) GetDoc(ctx context.Context, collection, id string) (storage.Document, error) {
	d, err := getDoc(ctx, s.db, collection, id)
	if err != nil {
		return storage.Document{}, err
	}
	if d == nil {
		return storage.Document{}, errs.NotFound("%s does not exist", storage.DocSubject(collection, id))
	}
	return *d, nil
}

// GetPartialDoc implements storage.DocumentStore.
func (s *Store) GetPartialDoc(ctx context.Context, collection, id string, fields []string) (storage.Document, error) {
	d, err := s.GetDoc(ctx, collection, id)
	if err != nil {
		return storage.Document{}, err
	}
	return storage.ProjectDoc(d, fields), nil
}

// InsertDoc implements storage.DocumentStore.
func (s *Store) InsertDoc(ctx context.Context, collection, id string, data map[string]any, opts ...storage.WriteOption) error {
	_, err := s.run(ctx, storage.InsertDocument{Collection: collection, ID: id, Data: data, Options: storage.ResolveWriteOptions(opts)})
	return err
}

// UpsertDoc implements storage.DocumentStore.
func (s *Store) UpsertDoc(ctx context.Context, collection, id string, data map[string]any, opts ...storage.WriteOption) error {
	_, err := s.run(ctx, storage.UpsertDocument{Collection: collection, ID: id, Data: data, Options: storage.ResolveWriteOptions(opts)})
	return err
}

// UpdateDoc implements storage.DocumentStore.
func (s *Store) UpdateDoc(ctx context.Context, collection, id string, patch map[string]any, opts ...storage.WriteOption) error {
	_, err := s.run(ctx, storage.UpdateDocument{Collection: collection, ID: id, Patch: patch, Options: storage.ResolveWriteOptions(opts)})
	return err
}

// ReplaceDoc implements storage.DocumentStore.
func (s *Store) ReplaceDoc(ctx context.Context, collection, id string, data map[string]any, opts ...storage.WriteOption) error {
	_, err := s.run(ctx, storage.ReplaceDocument{Collection: collection, ID: id, Data: data, Options: storage.ResolveWriteOptions(opts)})
	return err
}

// DeleteDoc implements storage.DocumentStore.
func (s *Store) DeleteDoc(ctx context.Context, collection, id string, opts ...storage.WriteOption) error {
	_, err := s.run(ctx, storage.DeleteDocument{Collection: collection, ID: id, Options: storage.ResolveWriteOptions(opts)})
	return err
}

// UpdateMany implements storage.DocumentStore.
func (s *Store) UpdateMany(ctx context.Context, collection string, f filter.Filter, patch map[string]any) (int, error) {
	return s.run(ctx, storage.UpdateDocuments{Collection: collection, Filter: f, Patch: patch})
}

// ReplaceMany implements storage.DocumentStore.
func (s *Store) ReplaceMany(ctx context.Context, collection string, f filter.Filter, data map[string]any) (int, error) {
	return s.run(ctx, storage.ReplaceDocuments{Collection: collection, Filter: f, Data: data})
}

// DeleteMany implements storage.DocumentStore.
func (s *Store) DeleteMany(ctx context.Context, collection string, f filter.Filter) (int, error) {
	return s.run(ctx, storage.DeleteDocuments{Collection: collection, Filter: f})
}

// AddCollection implements storage.DocumentStore.
func (s *Store) AddCollection(ctx context.Context, name string) error {
	return ensureCollection(ctx, s.db, name)
}

// DropCollection implements storage.DocumentStore. Documents and index
// declarations go with it.
func (s *Store) DropCollection(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("drop collection %s: begin tx: %w", name, err)
	}
	defer tx.Rollback() // No-op if committed

	names, err := indexNames(ctx, tx, name)
	if err != nil {
		return err
	}
	for _, idx := range names {
		if err := dropSQLIndex(ctx, tx, name, idx); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("drop collection %s: commit: %w", name, err)
	}
	return nil
}

// HasCollection implements storage.DocumentStore.
func (s *Store) HasCollection(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE name = ?`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("has collection %s: %w", name, err)
	}
	return n > 0, nil
}

// Collections implements storage.DocumentStore.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list collections: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
