package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/storage"
)

type docRecord struct {
	ID       string `bson:"_id"`
	Data     bson.D `bson:"data"`
	Metadata bson.D `bson:"metadata"`
	Version  int64  `bson:"version"`
}

func newDocRecord(d storage.Document) (docRecord, error) {
	data, err := canon.NormalizeMap(d.Data)
	if err != nil {
		return docRecord{}, errs.Wrap(errs.CodeValidation, err, "document %s data", d.ID)
	}
	meta, err := canon.NormalizeMap(d.Metadata)
	if err != nil {
		return docRecord{}, errs.Wrap(errs.CodeValidation, err, "document %s metadata", d.ID)
	}
	return docRecord{ID: d.ID, Data: toBSONDoc(data), Metadata: toBSONDoc(meta), Version: d.Version}, nil
}

func (r docRecord) document() (storage.Document, error) {
	data, err := fromBSONDoc(r.Data)
	if err != nil {
		return storage.Document{}, fmt.Errorf("document %s data: %w", r.ID, err)
	}
	meta, err := fromBSONDoc(r.Metadata)
	if err != nil {
		return storage.Document{}, fmt.Errorf("document %s metadata: %w", r.ID, err)
	}
	return storage.Document{ID: r.ID, Data: data, Metadata: meta, Version: r.Version}, nil
}

// getDoc returns nil when the document does not exist.
func (s *Store) getDoc(ctx context.Context, collection, id string) (*storage.Document, error) {
	var rec docRecord
	err := s.docs(collection).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", storage.DocSubject(collection, id), err)
	}
	d, err := rec.document()
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) findDocs(ctx context.Context, collection string, f filter.Filter, opts storage.FindOptions) ([]storage.Document, error) {
	if err := storage.ValidateCollection(collection); err != nil {
		return nil, err
	}
	q, err := QueryFilter(f)
	if err != nil {
		return nil, err
	}
	for _, sf := range opts.OrderBy {
		if !filter.ValidField(sf.Field) {
			return nil, errs.Validation("invalid sort field %q", sf.Field)
		}
	}
	findOpts := options.Find().SetSort(sortSpec(opts.OrderBy))
	if opts.Skip > 0 {
		findOpts.SetSkip(int64(opts.Skip))
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cursor, err := s.docs(collection).Find(ctx, q, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var recs []docRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	docs := make([]storage.Document, 0, len(recs))
	for _, rec := range recs {
		d, err := rec.document()
		if err != nil {
			return nil, err
		}
		docs = append(docs, storage.ProjectDoc(d, opts.Fields))
	}
	return docs, nil
}

func (s *Store) writeDoc(ctx context.Context, collection string, d storage.Document) error {
	rec, err := newDocRecord(d)
	if err != nil {
		return err
	}
	_, err = s.docs(collection).ReplaceOne(ctx, bson.D{{Key: "_id", Value: d.ID}}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.Wrap(errs.CodeDuplicate, err, "write %s", storage.DocSubject(collection, d.ID))
		}
		return fmt.Errorf("write %s: %w", storage.DocSubject(collection, d.ID), err)
	}
	return nil
}

func (s *Store) deleteDoc(ctx context.Context, collection, id string) error {
	if _, err := s.docs(collection).DeleteOne(ctx, bson.D{{Key: "_id", Value: id}}); err != nil {
		return fmt.Errorf("delete %s: %w", storage.DocSubject(collection, id), err)
	}
	return nil
}

// registerCollection records name in the collection registry.
func (s *Store) registerCollection(ctx context.Context, name string) error {
	_, err := s.db.Collection(CollectionCollections).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: name}},
		bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "_id", Value: name}}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("register collection %s: %w", name, err)
	}
	return nil
}

// FindDocs implements storage.DocumentStore.
func (s *Store) FindDocs(ctx context.Context, collection string, f filter.Filter, opts storage.FindOptions) ([]storage.Document, error) {
	return s.findDocs(ctx, collection, f, opts)
}

// CountDocs implements storage.DocumentStore.
func (s *Store) CountDocs(ctx context.Context, collection string, f filter.Filter) (int, error) {
	if err := storage.ValidateCollection(collection); err != nil {
		return 0, err
	}
	q, err := QueryFilter(f)
	if err != nil {
		return 0, err
	}
	n, err := s.docs(collection).CountDocuments(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return int(n), nil
}

// GetDoc implements storage.DocumentStore.
func (s *Store) GetDoc(ctx context.Context, collection, id string) (storage.Document, error) {
	if err := storage.ValidateCollection(collection); err != nil {
		return storage.Document{}, err
	}
	d, err := s.getDoc(ctx, collection, id)
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
	if err := storage.ValidateCollection(name); err != nil {
		return err
	}
	if err := s.createCollection(ctx, docsCollection(name)); err != nil {
		return err
	}
	return s.registerCollection(ctx, name)
}

// DropCollection implements storage.DocumentStore. Its documents and index
// declarations go with it.
func (s *Store) DropCollection(ctx context.Context, name string) error {
	if err := s.docs(name).Drop(ctx); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	if _, err := s.db.Collection(CollectionIndexes).DeleteMany(ctx, bson.D{{Key: "collection", Value: name}}); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	if _, err := s.db.Collection(CollectionCollections).DeleteOne(ctx, bson.D{{Key: "_id", Value: name}}); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	return nil
}

// HasCollection implements storage.DocumentStore.
func (s *Store) HasCollection(ctx context.Context, name string) (bool, error) {
	n, err := s.db.Collection(CollectionCollections).CountDocuments(ctx, bson.D{{Key: "_id", Value: name}})
	if err != nil {
		return false, fmt.Errorf("has collection %s: %w", name, err)
	}
	return n > 0, nil
}

// Collections implements storage.DocumentStore.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	cursor, err := s.db.Collection(CollectionCollections).Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer cursor.Close(ctx)

	var recs []struct {
		Name string `bson:"_id"`
	}
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	names := make([]string, 0, len(recs))
	for _, r := range recs {
		names = append(names, r.Name)
	}
	return names, nil
}
