package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/roach88/rulebox/internal/canon"
	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/storage"
)

type eventRecord struct {
	UUID      string    `bson:"_id"`
	Stream    string    `bson:"stream"`
	Position  int64     `bson:"position"`
	Name      string    `bson:"name"`
	Payload   bson.D    `bson:"payload"`
	Meta      bson.D    `bson:"meta"`
	CreatedAt time.Time `bson:"created_at"`
}

func (r eventRecord) event() (message.Event, error) {
	payload, err := fromBSONDoc(r.Payload)
	if err != nil {
		return message.Event{}, fmt.Errorf("event %s payload: %w", r.UUID, err)
	}
	meta, err := fromBSONDoc(r.Meta)
	if err != nil {
		return message.Event{}, fmt.Errorf("event %s meta: %w", r.UUID, err)
	}
	return message.Event{
		UUID:      r.UUID,
		Name:      r.Name,
		Payload:   payload,
		Meta:      meta,
		CreatedAt: r.CreatedAt.UTC(),
		Position:  r.Position,
	}, nil
}

func streamQuery(stream string, m storage.MetadataMatcher) (bson.D, error) {
	expr, err := CompileMatcher(m)
	if err != nil {
		return nil, err
	}
	return bson.D{{Key: "stream", Value: stream}, {Key: "$expr", Value: expr}}, nil
}

func (s *Store) version(ctx context.Context, stream string, m storage.MetadataMatcher) (int64, error) {
	q, err := streamQuery(stream, m)
	if err != nil {
		return 0, err
	}
	n, err := s.db.Collection(CollectionEvents).CountDocuments(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("version of %s: %w", stream, err)
	}
	return n, nil
}

// reservePositions advances the stream counter by n and returns the last
// position before the reservation. Concurrent transactions conflict on the
// counter document.
func (s *Store) reservePositions(ctx context.Context, stream string, n int) (int64, error) {
	var counter struct {
		Last int64 `bson:"last"`
	}
	err := s.db.Collection(CollectionCounters).FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: stream}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "last", Value: int64(n)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("reserve positions in %s: %w", stream, err)
	}
	return counter.Last - int64(n), nil
}

func (s *Store) appendEvents(ctx context.Context, t storage.AppendEvents) error {
	if err := storage.ValidateAppend(t.Stream, t.Events, t.Options); err != nil {
		return err
	}
	if t.Options.ExpectedVersion != nil {
		current, err := s.version(ctx, t.Stream, t.Options.Matcher)
		if err != nil {
			return err
		}
		if err := t.Options.CheckVersion(t.Stream, current); err != nil {
			return err
		}
	}
	if len(t.Events) == 0 {
		return nil
	}

	last, err := s.reservePositions(ctx, t.Stream, len(t.Events))
	if err != nil {
		return err
	}
	docs := make([]any, 0, len(t.Events))
	for i, ev := range t.Events {
		payload, err := canon.NormalizeMap(ev.Payload)
		if err != nil {
			return errs.Wrap(errs.CodeValidation, err, "event %s payload", ev.UUID)
		}
		meta, err := canon.NormalizeMap(ev.Meta)
		if err != nil {
			return errs.Wrap(errs.CodeValidation, err, "event %s meta", ev.UUID)
		}
		docs = append(docs, eventRecord{
			UUID:      ev.UUID,
			Stream:    t.Stream,
			Position:  last + int64(i) + 1,
			Name:      ev.Name,
			Payload:   toBSONDoc(payload),
			Meta:      toBSONDoc(meta),
			CreatedAt: ev.CreatedAt.UTC(),
		})
	}
	if _, err := s.db.Collection(CollectionEvents).InsertMany(ctx, docs); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.Wrap(errs.CodeDuplicate, err, "append to %s", t.Stream)
		}
		return fmt.Errorf("append to %s: %w", t.Stream, err)
	}
	return nil
}

// AppendTo implements storage.EventStore.
func (s *Store) AppendTo(ctx context.Context, stream string, events []message.Event, opts ...storage.AppendOption) error {
	_, err := s.run(ctx, storage.AppendEvents{Stream: stream, Events: events, Options: storage.ResolveAppendOptions(opts)})
	return err
}

// Load implements storage.EventStore.
func (s *Store) Load(ctx context.Context, stream string, opts storage.LoadOptions) ([]message.Event, error) {
	if err := storage.ValidateStream(stream); err != nil {
		return nil, err
	}
	events := s.db.Collection(CollectionEvents)

	after := opts.FromPosition
	if opts.FromEventID != "" {
		var rec eventRecord
		err := events.FindOne(ctx, bson.D{{Key: "_id", Value: opts.FromEventID}, {Key: "stream", Value: stream}}).Decode(&rec)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errs.NotFound("event %s not found in stream %s", opts.FromEventID, stream)
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", stream, err)
		}
		after = rec.Position
	}

	q, err := streamQuery(stream, opts.Matcher)
	if err != nil {
		return nil, err
	}
	q = append(q, bson.E{Key: "position", Value: bson.D{{Key: "$gt", Value: after}}})
	findOpts := options.Find().SetSort(bson.D{{Key: "position", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cursor, err := events.Find(ctx, q, findOpts)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", stream, err)
	}
	defer cursor.Close(ctx)

	var recs []eventRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("load %s: %w", stream, err)
	}
	out := make([]message.Event, 0, len(recs))
	for _, rec := range recs {
		ev, err := rec.event()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// LoadEventStream implements storage.EventStore.
func (s *Store) LoadEventStream(ctx context.Context, stream string, matcher storage.MetadataMatcher) ([]message.Event, error) {
	return s.Load(ctx, stream, storage.LoadOptions{Matcher: matcher})
}

// Version implements storage.EventStore.
func (s *Store) Version(ctx context.Context, stream string, matcher storage.MetadataMatcher) (int64, error) {
	if err := storage.ValidateStream(stream); err != nil {
		return 0, err
	}
	return s.version(ctx, stream, matcher)
}

// Streams implements storage.EventStore.
func (s *Store) Streams(ctx context.Context) ([]string, error) {
	var streams []string
	if err := s.db.Collection(CollectionEvents).Distinct(ctx, "stream", bson.D{}).Decode(&streams); err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	sort.Strings(streams)
	if streams == nil {
		streams = []string{}
	}
	return streams, nil
}
