package mongostore

import (
	"context"
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/storage"
)

// indexedTypes are the BSON types a partial index covers: everything a
// canonical value can be except null.
var indexedTypes = bson.A{"double", "string", "object", "array", "bool", "int", "long", "decimal"}

// modelBuilder renders an IndexModel through filter.IndexProcessor.
type modelBuilder struct {
	model mongo.IndexModel
}

func (b *modelBuilder) build(idx filter.Index, root string) {
	keys := bson.D{}
	partial := bson.D{}
	for _, f := range idx.Fields() {
		keys = append(keys, bson.E{Key: root + "." + f, Value: int(idx.Order())})
		partial = append(partial, bson.E{Key: root + "." + f, Value: bson.D{{Key: "$type", Value: indexedTypes}}})
	}
	opts := options.Index().SetName(idx.Name()).SetPartialFilterExpression(partial)
	if idx.Unique() {
		opts.SetUnique(true)
	}
	b.model = mongo.IndexModel{Keys: keys, Options: opts}
}

func (b *modelBuilder) ProcessFieldIndex(idx *filter.FieldIndex) error {
	b.build(idx, "data")
	return nil
}

func (b *modelBuilder) ProcessMultiFieldIndex(idx *filter.MultiFieldIndex) error {
	b.build(idx, "data")
	return nil
}

func (b *modelBuilder) ProcessMetaFieldIndex(idx *filter.MetaFieldIndex) error {
	b.build(idx, "metadata")
	return nil
}

// IndexModel returns the MongoDB index backing idx.
func IndexModel(idx filter.Index) (mongo.IndexModel, error) {
	b := &modelBuilder{}
	if err := idx.ProcessWith(b); err != nil {
		return mongo.IndexModel{}, err
	}
	return b.model, nil
}

func indexID(collection, name string) string {
	return collection + "/" + name
}

// AddIndex implements storage.DocumentStore. Declaring an index that already
// exists replaces it. Documents that already collide on a unique index make
// the call fail with a Duplicate error.
func (s *Store) AddIndex(ctx context.Context, collection string, idx filter.Index) error {
	if err := storage.ValidateCollection(collection); err != nil {
		return err
	}
	model, err := IndexModel(idx)
	if err != nil {
		return err
	}
	definition, err := json.Marshal(filter.SpecOf(idx))
	if err != nil {
		return fmt.Errorf("marshal index %s: %w", idx.Name(), err)
	}

	if err := s.AddCollection(ctx, collection); err != nil {
		return err
	}
	if err := s.dropMongoIndex(ctx, collection, idx.Name()); err != nil {
		return err
	}
	if _, err := s.docs(collection).Indexes().CreateOne(ctx, model); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.Wrap(errs.CodeDuplicate, err, "add index %s on %s", idx.Name(), collection)
		}
		return fmt.Errorf("add index %s on %s: %w", idx.Name(), collection, err)
	}
	_, err = s.db.Collection(CollectionIndexes).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: indexID(collection, idx.Name())}},
		bson.D{
			{Key: "_id", Value: indexID(collection, idx.Name())},
			{Key: "collection", Value: collection},
			{Key: "name", Value: idx.Name()},
			{Key: "definition", Value: string(definition)},
		},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("record index %s on %s: %w", idx.Name(), collection, err)
	}
	s.logger.Debug("index added", "collection", collection, "index", idx.Name(), "unique", idx.Unique())
	return nil
}

func (s *Store) dropMongoIndex(ctx context.Context, collection, name string) error {
	if err := s.docs(collection).Indexes().DropOne(ctx, name); err != nil && !hasCode(err, codeIndexNotFound, codeNamespaceNotFound) {
		return fmt.Errorf("drop index %s on %s: %w", name, collection, err)
	}
	return nil
}

// DropIndex implements storage.DocumentStore. Dropping an unknown index is a
// no-op.
func (s *Store) DropIndex(ctx context.Context, collection, name string) error {
	if err := s.dropMongoIndex(ctx, collection, name); err != nil {
		return err
	}
	if _, err := s.db.Collection(CollectionIndexes).DeleteOne(ctx, bson.D{{Key: "_id", Value: indexID(collection, name)}}); err != nil {
		return fmt.Errorf("drop index %s on %s: %w", name, collection, err)
	}
	return nil
}

// Indexes lists the indexes declared on collection, in name order.
func (s *Store) Indexes(ctx context.Context, collection string) ([]filter.Index, error) {
	cursor, err := s.db.Collection(CollectionIndexes).Find(ctx,
		bson.D{{Key: "collection", Value: collection}},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list indexes of %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var recs []struct {
		Definition string `bson:"definition"`
	}
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("list indexes of %s: %w", collection, err)
	}
	out := make([]filter.Index, 0, len(recs))
	for _, r := range recs {
		var spec filter.IndexSpec
		if err := json.Unmarshal([]byte(r.Definition), &spec); err != nil {
			return nil, fmt.Errorf("decode index of %s: %w", collection, err)
		}
		idx, err := spec.Build()
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}
