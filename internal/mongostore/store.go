package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/storage"
)

// Collection names.
const (
	CollectionEvents      = "events"
	CollectionCounters    = "counters"
	CollectionCollections = "collections"
	CollectionIndexes     = "indexes"
	docsPrefix            = "docs_"
)

// Server error codes.
const (
	codeNamespaceNotFound = 26
	codeIndexNotFound     = 27
	codeNamespaceExists   = 48
)

// Store is a storage.MultiModelStore backed by one MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	owned  bool
	logger *slog.Logger
}

var (
	_ storage.MultiModelStore = (*Store)(nil)
	_ storage.DocumentStore   = (*Store)(nil)
	_ storage.EventStore      = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New uses database on an existing client and creates the event indexes.
// Close leaves the client connected.
func New(ctx context.Context, client *mongo.Client, database string, opts ...Option) (*Store, error) {
	s := &Store{
		client: client,
		db:     client.Database(database),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.ensureEventIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Open connects to uri and uses database. Close disconnects.
func Open(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	s, err := New(ctx, client, database, opts...)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	s.owned = true
	s.logger.Debug("mongo store opened", "database", database)
	return s, nil
}

// Close disconnects the client when Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Disconnect(context.Background())
}

// Database returns the underlying database.
func (s *Store) Database() *mongo.Database { return s.db }

// Events returns s.
func (s *Store) Events() storage.EventStore { return s }

// Documents returns s.
func (s *Store) Documents() storage.DocumentStore { return s }

// LoadEvents is Load.
func (s *Store) LoadEvents(ctx context.Context, stream string, opts storage.LoadOptions) ([]message.Event, error) {
	return s.Load(ctx, stream, opts)
}

// LoadDoc is GetDoc.
func (s *Store) LoadDoc(ctx context.Context, collection, id string) (storage.Document, error) {
	return s.GetDoc(ctx, collection, id)
}

func (s *Store) ensureEventIndexes(ctx context.Context) error {
	for _, name := range []string{CollectionEvents, CollectionCounters, CollectionCollections, CollectionIndexes} {
		if err := s.createCollection(ctx, name); err != nil {
			return err
		}
	}
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "stream", Value: 1}, {Key: "position", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_events_stream_position_unique"),
		},
		{
			Keys: bson.D{
				{Key: "stream", Value: 1},
				{Key: "meta.aggregateType", Value: 1},
				{Key: "meta.aggregateId", Value: 1},
			},
			Options: options.Index().SetName("idx_events_aggregate"),
		},
	}
	if _, err := s.db.Collection(CollectionEvents).Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create event indexes: %w", err)
	}
	return nil
}

// createCollection creates name unless it exists. Collections are created
// outside transactions so concurrent commits never race on the catalog.
func (s *Store) createCollection(ctx context.Context, name string) error {
	if err := s.db.CreateCollection(ctx, name); err != nil && !hasCode(err, codeNamespaceExists) {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

func docsCollection(name string) string {
	return docsPrefix + name
}

func (s *Store) docs(name string) *mongo.Collection {
	return s.db.Collection(docsCollection(name))
}

func hasCode(err error, codes ...int) bool {
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}
	for _, c := range codes {
		if se.HasErrorCode(c) {
			return true
		}
	}
	return false
}
