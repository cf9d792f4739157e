// Package storagetest is a conformance suite for storage backends.
//
// Every backend package runs Run against its own MultiModelStore so that
// filter, version and session semantics stay identical across backends.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/storage"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.MultiModelStore

// CreatedAt is a timestamp every backend stores without loss.
var CreatedAt = time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC)

// Run executes the whole suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("Documents", func(t *testing.T) { RunDocuments(t, newStore) })
	t.Run("Events", func(t *testing.T) { RunEvents(t, newStore) })
	t.Run("Sessions", func(t *testing.T) { RunSessions(t, newStore) })
}

func open(t *testing.T, newStore Factory) storage.MultiModelStore {
	t.Helper()
	s := newStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Event builds a test event for aggregate id of type Car.
func Event(uuid, name, aggregateID string, payload map[string]any) message.Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return message.Event{
		UUID:    uuid,
		Name:    name,
		Payload: payload,
		Meta: map[string]any{
			message.MetaAggregateType: "Car",
			message.MetaAggregateID:   aggregateID,
		},
		CreatedAt: CreatedAt,
	}
}

// IDs lists document ids in result order.
func IDs(docs []storage.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

// UUIDs lists event uuids in result order.
func UUIDs(events []message.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.UUID
	}
	return out
}

func seedCars(t *testing.T, ds storage.DocumentStore) {
	t.Helper()
	ctx := context.Background()
	cars := map[string]map[string]any{
		"v1": {"brand": "BMW", "year": 2020, "tags": []any{"a", "b"}, "specs": map[string]any{"hp": 150}},
		"v2": {"brand": "Audi", "year": 2018, "tags": []any{"b"}},
		"v3": {"brand": "bmw", "year": 2022},
		"v4": {"brand": "VW", "year": nil},
	}
	for _, id := range []string{"v3", "v1", "v4", "v2"} {
		require.NoError(t, ds.InsertDoc(ctx, "cars", id, cars[id]))
	}
}

// RunDocuments covers DocumentStore.
func RunDocuments(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("InsertAndGet", func(t *testing.T) {
		ds := open(t, newStore).Documents()

		require.NoError(t, ds.InsertDoc(ctx, "cars", "v1", map[string]any{"brand": "BMW"}, storage.WithMetadata(map[string]any{"by": "u1"})))
		doc, err := ds.GetDoc(ctx, "cars", "v1")
		require.NoError(t, err)
		assert.Equal(t, "v1", doc.ID)
		assert.Equal(t, int64(1), doc.Version)
		assert.Equal(t, map[string]any{"brand": "BMW"}, doc.Data)
		assert.Equal(t, map[string]any{"by": "u1"}, doc.Metadata)

		err = ds.InsertDoc(ctx, "cars", "v1", map[string]any{"brand": "VW"})
		assert.True(t, errs.IsDuplicate(err), "got %v", err)

		_, err = ds.GetDoc(ctx, "cars", "nope")
		assert.True(t, errs.IsNotFound(err), "got %v", err)

		has, err := ds.HasCollection(ctx, "cars")
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("MissingCollectionReadsEmpty", func(t *testing.T) {
		ds := open(t, newStore).Documents()

		docs, err := ds.FindDocs(ctx, "ghosts", nil, storage.FindOptions{})
		require.NoError(t, err)
		assert.Empty(t, docs)

		n, err := ds.CountDocs(ctx, "ghosts", filter.All())
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = ds.GetDoc(ctx, "ghosts", "x")
		assert.True(t, errs.IsNotFound(err))

		has, err := ds.HasCollection(ctx, "ghosts")
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("Mutations", func(t *testing.T) {
		ds := open(t, newStore).Documents()
		require.NoError(t, ds.InsertDoc(ctx, "cars", "v1", map[string]any{"brand": "BMW", "specs": map[string]any{"hp": 150, "cc": 1998}}))

		require.NoError(t, ds.UpdateDoc(ctx, "cars", "v1", map[string]any{"specs": map[string]any{"cc": nil}, "model": "1er"}, storage.WithExpectedVersion(1)))
		doc, err := ds.GetDoc(ctx, "cars", "v1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), doc.Version)
		assert.Equal(t, map[string]any{"brand": "BMW", "model": "1er", "specs": map[string]any{"hp": int64(150)}}, doc.Data)

		require.NoError(t, ds.ReplaceDoc(ctx, "cars", "v1", map[string]any{"brand": "VW"}))
		require.NoError(t, ds.UpsertDoc(ctx, "cars", "v1", map[string]any{"brand": "Audi"}))
		require.NoError(t, ds.UpsertDoc(ctx, "cars", "v2", map[string]any{"brand": "Opel"}, storage.WithExpectedVersion(0)))

		doc, err = ds.GetDoc(ctx, "cars", "v1")
		require.NoError(t, err)
		assert.Equal(t, int64(4), doc.Version)
		assert.Equal(t, map[string]any{"brand": "Audi"}, doc.Data)

		assert.True(t, errs.IsNotFound(ds.UpdateDoc(ctx, "cars", "v9", map[string]any{"x": 1})))
		assert.True(t, errs.IsNotFound(ds.ReplaceDoc(ctx, "cars", "v9", map[string]any{"x": 1})))
		assert.True(t, errs.IsNotFound(ds.DeleteDoc(ctx, "cars", "v9")))

		require.NoError(t, ds.DeleteDoc(ctx, "cars", "v2", storage.WithExpectedVersion(1)))
		_, err = ds.GetDoc(ctx, "cars", "v2")
		assert.True(t, errs.IsNotFound(err))
	})

	t.Run("VersionConflictWritesNothing", func(t *testing.T) {
		ds := open(t, newStore).Documents()
		require.NoError(t, ds.InsertDoc(ctx, "cars", "v1", map[string]any{"brand": "BMW"}))

		for name, write := range map[string]func() error{
			"update":  func() error { return ds.UpdateDoc(ctx, "cars", "v1", map[string]any{"x": 1}, storage.WithExpectedVersion(3)) },
			"replace": func() error { return ds.ReplaceDoc(ctx, "cars", "v1", map[string]any{"x": 1}, storage.WithExpectedVersion(0)) },
			"upsert":  func() error { return ds.UpsertDoc(ctx, "cars", "v1", map[string]any{"x": 1}, storage.WithExpectedVersion(2)) },
			"delete":  func() error { return ds.DeleteDoc(ctx, "cars", "v1", storage.WithExpectedVersion(7)) },
		} {
			err := write()
			assert.True(t, errs.IsConflict(err), "%s: got %v", name, err)
		}

		doc, err := ds.GetDoc(ctx, "cars", "v1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), doc.Version)
		assert.Equal(t, map[string]any{"brand": "BMW"}, doc.Data)
	})

	t.Run("Filters", func(t *testing.T) {
		ds := open(t, newStore).Documents()
		seedCars(t, ds)

		cases := []struct {
			name   string
			filter filter.Filter
			want   []string
		}{
			{"nil", nil, []string{"v1", "v2", "v3", "v4"}},
			{"any", filter.All(), []string{"v1", "v2", "v3", "v4"}},
			{"equals", filter.Eq("brand", "BMW"), []string{"v1"}},
			{"equals number", filter.Eq("year", 2018), []string{"v2"}},
			{"equals nested", filter.Eq("specs.hp", 150), []string{"v1"}},
			{"equals null", filter.Eq("year", nil), []string{"v4"}},
			{"in", filter.OneOf("brand", "Audi", "VW"), []string{"v2", "v4"}},
			{"in empty", filter.OneOf("brand"), []string{}},
			{"exists", filter.Has("specs.hp"), []string{"v1"}},
			{"gt", filter.Gt("year", 2019), []string{"v1", "v3"}},
			{"gte", filter.Gte("year", 2020), []string{"v1", "v3"}},
			{"lt", filter.Lt("year", 2020), []string{"v2"}},
			{"lte", filter.Lte("year", 2020), []string{"v1", "v2"}},
			{"contains", filter.Contains{Field: "tags", Value: "b"}, []string{"v1", "v2"}},
			{"like", filter.Like{Field: "brand", Pattern: "bm%"}, []string{"v1", "v3"}},
			{"like single char", filter.Like{Field: "brand", Pattern: "_W"}, []string{"v4"}},
			{"not", filter.Negate(filter.Eq("brand", "BMW")), []string{"v2", "v3", "v4"}},
			{"and", filter.AllOf(filter.Gt("year", 2019), filter.Like{Field: "brand", Pattern: "BMW"}), []string{"v1", "v3"}},
			{"and empty", filter.AllOf(), []string{"v1", "v2", "v3", "v4"}},
			{"or", filter.AnyOf(filter.Eq("brand", "Audi"), filter.ByID("v3")), []string{"v2", "v3"}},
			{"or empty", filter.AnyOf(), []string{}},
			{"doc id", filter.ByID("v2"), []string{"v2"}},
			{"doc ids", filter.ByIDs("v4", "v1", "v9"), []string{"v1", "v4"}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				docs, err := ds.FindDocs(ctx, "cars", tc.filter, storage.FindOptions{})
				require.NoError(t, err)
				assert.Equal(t, tc.want, IDs(docs))

				n, err := ds.CountDocs(ctx, "cars", tc.filter)
				require.NoError(t, err)
				assert.Equal(t, len(tc.want), n)
			})
		}
	})

	t.Run("OrderPageProject", func(t *testing.T) {
		ds := open(t, newStore).Documents()
		seedCars(t, ds)

		byYear := []filter.SortField{{Field: "year", Order: filter.Desc}}
		docs, err := ds.FindDocs(ctx, "cars", nil, storage.FindOptions{OrderBy: byYear})
		require.NoError(t, err)
		assert.Equal(t, []string{"v3", "v1", "v2", "v4"}, IDs(docs))

		docs, err = ds.FindDocs(ctx, "cars", nil, storage.FindOptions{OrderBy: byYear, Skip: 1, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"v1", "v2"}, IDs(docs))

		docs, err = ds.FindDocs(ctx, "cars", nil, storage.FindOptions{Skip: 3})
		require.NoError(t, err)
		assert.Equal(t, []string{"v4"}, IDs(docs))

		docs, err = ds.FindDocs(ctx, "cars", filter.ByIDs("v1", "v2"), storage.FindOptions{Fields: []string{"specs.hp"}})
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, map[string]any{"specs": map[string]any{"hp": int64(150)}}, docs[0].Data)
		assert.Equal(t, map[string]any{}, docs[1].Data)

		doc, err := ds.GetPartialDoc(ctx, "cars", "v1", []string{"brand", "tags"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"brand": "BMW", "tags": []any{"a", "b"}}, doc.Data)
		assert.Equal(t, int64(1), doc.Version)
	})

	t.Run("BulkWrites", func(t *testing.T) {
		ds := open(t, newStore).Documents()
		seedCars(t, ds)

		n, err := ds.UpdateMany(ctx, "cars", filter.Like{Field: "brand", Pattern: "bmw"}, map[string]any{"checked": true})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		doc, err := ds.GetDoc(ctx, "cars", "v3")
		require.NoError(t, err)
		assert.Equal(t, true, doc.Data["checked"])
		assert.Equal(t, int64(2), doc.Version)

		n, err = ds.ReplaceMany(ctx, "cars", filter.Eq("checked", true), map[string]any{"brand": "gone"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = ds.DeleteMany(ctx, "cars", filter.Eq("brand", "gone"))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		docs, err := ds.FindDocs(ctx, "cars", nil, storage.FindOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"v2", "v4"}, IDs(docs))

		n, err = ds.DeleteMany(ctx, "ghosts", nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Collections", func(t *testing.T) {
		ds := open(t, newStore).Documents()

		require.NoError(t, ds.AddCollection(ctx, "fleet"))
		require.NoError(t, ds.AddCollection(ctx, "fleet"))
		require.NoError(t, ds.InsertDoc(ctx, "cars", "v1", nil))

		names, err := ds.Collections(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"cars", "fleet"}, names)

		require.NoError(t, ds.DropCollection(ctx, "cars"))
		has, err := ds.HasCollection(ctx, "cars")
		require.NoError(t, err)
		assert.False(t, has)
		docs, err := ds.FindDocs(ctx, "cars", nil, storage.FindOptions{})
		require.NoError(t, err)
		assert.Empty(t, docs)

		assert.True(t, errs.IsValidation(ds.AddCollection(ctx, "bad name")))
	})

	t.Run("UniqueIndex", func(t *testing.T) {
		ds := open(t, newStore).Documents()

		idx, err := filter.NewFieldIndex("by_plate", "plate", filter.Unique())
		require.NoError(t, err)
		require.NoError(t, ds.AddIndex(ctx, "cars", idx))

		require.NoError(t, ds.InsertDoc(ctx, "cars", "v1", map[string]any{"plate": "B-1"}))
		require.NoError(t, ds.InsertDoc(ctx, "cars", "v2", map[string]any{"brand": "no plate"}))
		require.NoError(t, ds.InsertDoc(ctx, "cars", "v3", map[string]any{"brand": "no plate either"}))

		err = ds.InsertDoc(ctx, "cars", "v4", map[string]any{"plate": "B-1"})
		assert.True(t, errs.IsDuplicate(err), "got %v", err)
		err = ds.UpdateDoc(ctx, "cars", "v2", map[string]any{"plate": "B-1"})
		assert.True(t, errs.IsDuplicate(err), "got %v", err)

		require.NoError(t, ds.UpdateDoc(ctx, "cars", "v1", map[string]any{"brand": "same plate, same doc"}))

		multi, err := filter.NewMultiFieldIndex("by_brand_model", []string{"brand", "model"}, filter.Unique())
		require.NoError(t, err)
		require.NoError(t, ds.AddIndex(ctx, "fleet", multi))
		require.NoError(t, ds.InsertDoc(ctx, "fleet", "f1", map[string]any{"brand": "BMW", "model": "1er"}))
		require.NoError(t, ds.InsertDoc(ctx, "fleet", "f2", map[string]any{"brand": "BMW", "model": "3er"}))
		err = ds.InsertDoc(ctx, "fleet", "f3", map[string]any{"brand": "BMW", "model": "1er"})
		assert.True(t, errs.IsDuplicate(err), "got %v", err)

		require.NoError(t, ds.DropIndex(ctx, "cars", "by_plate"))
		require.NoError(t, ds.InsertDoc(ctx, "cars", "v4", map[string]any{"plate": "B-1"}))
	})
}

// RunEvents covers EventStore.
func RunEvents(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("AppendAndLoad", func(t *testing.T) {
		es := open(t, newStore).Events()

		first := []message.Event{
			Event("e1", "CarAdded", "v1", map[string]any{"vehicleId": "v1", "productionYear": 2020}),
			Event("e2", "CarAddedToFleet", "v1", nil),
		}
		require.NoError(t, es.AppendTo(ctx, "Car", first, storage.ExpectVersion(0, storage.AggregateMatcher("Car", "v1"))))
		require.NoError(t, es.AppendTo(ctx, "Car", []message.Event{Event("e3", "CarAdded", "v2", nil)},
			storage.ExpectVersion(0, storage.AggregateMatcher("Car", "v2"))))

		events, err := es.Load(ctx, "Car", storage.LoadOptions{})
		require.NoError(t, err)
		require.Equal(t, []string{"e1", "e2", "e3"}, UUIDs(events))
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Position)
		}
		assert.Equal(t, "CarAdded", events[0].Name)
		assert.Equal(t, map[string]any{"vehicleId": "v1", "productionYear": int64(2020)}, events[0].Payload)
		assert.Equal(t, "v1", events[0].MetaString(message.MetaAggregateID))
		assert.True(t, CreatedAt.Equal(events[0].CreatedAt), "createdAt %s", events[0].CreatedAt)

		stream, err := es.LoadEventStream(ctx, "Car", storage.AggregateMatcher("Car", "v1"))
		require.NoError(t, err)
		assert.Equal(t, []string{"e1", "e2"}, UUIDs(stream))

		v, err := es.Version(ctx, "Car", storage.AggregateMatcher("Car", "v1"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), v)
		v, err = es.Version(ctx, "Car", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(3), v)
	})

	t.Run("LoadOptions", func(t *testing.T) {
		es := open(t, newStore).Events()
		var events []message.Event
		for i := 1; i <= 5; i++ {
			ev := Event(fmt.Sprintf("e%d", i), "Tick", "v1", map[string]any{"n": i})
			ev.Meta[message.MetaAggregateVersion] = int64(i)
			events = append(events, ev)
		}
		require.NoError(t, es.AppendTo(ctx, "Clock", events))

		cases := []struct {
			name string
			opts storage.LoadOptions
			want []string
		}{
			{"from position", storage.LoadOptions{FromPosition: 3}, []string{"e4", "e5"}},
			{"from event", storage.LoadOptions{FromEventID: "e2"}, []string{"e3", "e4", "e5"}},
			{"limit", storage.LoadOptions{Limit: 2}, []string{"e1", "e2"}},
			{"matcher gte", storage.LoadOptions{Matcher: storage.MetadataMatcher{
				message.MetaAggregateVersion: {Op: storage.MatchGte, Value: int64(4)},
			}}, []string{"e4", "e5"}},
			{"matcher in", storage.LoadOptions{Matcher: storage.MetadataMatcher{
				message.MetaAggregateVersion: {Op: storage.MatchIn, Value: []any{int64(1), int64(5)}},
			}}, []string{"e1", "e5"}},
			{"matcher regex", storage.LoadOptions{Matcher: storage.MetadataMatcher{
				message.MetaAggregateID: {Op: storage.MatchRegex, Value: "^v[0-9]$"},
			}, Limit: 1, FromPosition: 4}, []string{"e5"}},
			{"matcher lt miss", storage.LoadOptions{Matcher: storage.MetadataMatcher{
				message.MetaAggregateVersion: {Op: storage.MatchLt, Value: int64(1)},
			}}, []string{}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				got, err := es.Load(ctx, "Clock", tc.opts)
				require.NoError(t, err)
				assert.Equal(t, tc.want, UUIDs(got))
			})
		}

		_, err := es.Load(ctx, "Clock", storage.LoadOptions{FromEventID: "missing"})
		assert.True(t, errs.IsNotFound(err), "got %v", err)

		got, err := es.Load(ctx, "Nothing", storage.LoadOptions{})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ExpectedVersionConflict", func(t *testing.T) {
		es := open(t, newStore).Events()
		matcher := storage.AggregateMatcher("Car", "v1")
		require.NoError(t, es.AppendTo(ctx, "Car", []message.Event{Event("e1", "CarAdded", "v1", nil)}, storage.ExpectVersion(0, matcher)))

		err := es.AppendTo(ctx, "Car", []message.Event{Event("e2", "CarAdded", "v1", nil)}, storage.ExpectVersion(0, matcher))
		require.True(t, errs.IsConflict(err), "got %v", err)
		assert.Equal(t, int64(1), errs.DetailsOf(err)["actual"])

		err = es.AppendTo(ctx, "Car", []message.Event{Event("e3", "CarAdded", "v2", nil)}, storage.ExpectVersion(5, nil))
		assert.True(t, errs.IsConflict(err), "got %v", err)

		v, err := es.Version(ctx, "Car", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)
	})

	t.Run("DuplicateUUID", func(t *testing.T) {
		es := open(t, newStore).Events()
		require.NoError(t, es.AppendTo(ctx, "Car", []message.Event{Event("e1", "CarAdded", "v1", nil)}))

		err := es.AppendTo(ctx, "Public", []message.Event{Event("e2", "X", "v1", nil), Event("e1", "CarAdded", "v1", nil)})
		assert.True(t, errs.IsDuplicate(err), "got %v", err)

		v, err := es.Version(ctx, "Public", nil)
		require.NoError(t, err)
		assert.Zero(t, v, "a rejected append writes nothing")
	})

	t.Run("Streams", func(t *testing.T) {
		es := open(t, newStore).Events()
		require.NoError(t, es.AppendTo(ctx, "public", []message.Event{Event("p1", "X", "v1", nil)}))
		require.NoError(t, es.AppendTo(ctx, "Car", []message.Event{Event("c1", "X", "v1", nil)}))
		require.NoError(t, es.AppendTo(ctx, "Car", nil))

		streams, err := es.Streams(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Car", "public"}, streams)
	})

	t.Run("Republish", func(t *testing.T) {
		es := open(t, newStore).Events()
		for i := 1; i <= 5; i++ {
			agg := "v1"
			if i%2 == 0 {
				agg = "v2"
			}
			require.NoError(t, es.AppendTo(ctx, "Car", []message.Event{Event(fmt.Sprintf("e%d", i), "X", agg, nil)}))
		}

		var seen []string
		n, err := storage.Republish(ctx, es, "Car", storage.AggregateMatcher("Car", "v1"), 2, func(_ context.Context, ev message.Event) error {
			seen = append(seen, ev.UUID)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, []string{"e1", "e3", "e5"}, seen)
	})
}

// RunSessions covers MultiModelStore commits.
func RunSessions(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("CommitAppliesEverything", func(t *testing.T) {
		mm := open(t, newStore)
		require.NoError(t, mm.Documents().InsertDoc(ctx, "fleet", "old", map[string]any{"active": true}))

		s := mm.BeginSession()
		require.NoError(t, s.AppendEvents("Car", []message.Event{Event("e1", "CarAdded", "v1", nil)}, storage.ExpectVersion(0, storage.AggregateMatcher("Car", "v1"))))
		require.NoError(t, s.InsertDocument("cars", "v1", map[string]any{"brand": "BMW"}))
		require.NoError(t, s.UpdateDocument("cars", "v1", map[string]any{"model": "1er"}, storage.WithExpectedVersion(1)))
		require.NoError(t, s.UpsertDocument("cars", "v2", map[string]any{"brand": "VW"}))
		require.NoError(t, s.ReplaceDocument("cars", "v2", map[string]any{"brand": "Audi"}))
		require.NoError(t, s.UpdateDocuments("fleet", filter.Eq("active", true), map[string]any{"active": false}))
		require.NoError(t, s.ReplaceDocuments("fleet", filter.ByID("old"), map[string]any{"retired": true}))
		require.NoError(t, s.UpsertDocument("tmp", "t1", nil))
		require.NoError(t, s.DeleteDocument("tmp", "t1"))
		require.NoError(t, s.DeleteDocuments("cars", filter.Eq("brand", "Audi")))
		require.NoError(t, mm.CommitSession(ctx, s))
		assert.True(t, s.Closed())

		doc, err := mm.LoadDoc(ctx, "cars", "v1")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"brand": "BMW", "model": "1er"}, doc.Data)
		assert.Equal(t, int64(2), doc.Version)

		_, err = mm.LoadDoc(ctx, "cars", "v2")
		assert.True(t, errs.IsNotFound(err))

		old, err := mm.LoadDoc(ctx, "fleet", "old")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"retired": true}, old.Data)
		assert.Equal(t, int64(3), old.Version)

		events, err := mm.LoadEvents(ctx, "Car", storage.LoadOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"e1"}, UUIDs(events))
	})

	t.Run("FailedTaskRollsBackEverything", func(t *testing.T) {
		mm := open(t, newStore)
		require.NoError(t, mm.Documents().InsertDoc(ctx, "cars", "keep", map[string]any{"n": 1}))
		require.NoError(t, mm.Events().AppendTo(ctx, "Car", []message.Event{Event("e0", "CarAdded", "keep", nil)}))

		failures := map[string]func(s *storage.Session) error{
			"missing document": func(s *storage.Session) error {
				return s.UpdateDocument("cars", "missing", map[string]any{"x": 1})
			},
			"document conflict": func(s *storage.Session) error {
				return s.UpdateDocument("cars", "keep2", map[string]any{"x": 1}, storage.WithExpectedVersion(9))
			},
			"stream conflict": func(s *storage.Session) error {
				return s.AppendEvents("Car", []message.Event{Event("e9", "X", "keep", nil)}, storage.ExpectVersion(0, storage.AggregateMatcher("Car", "keep")))
			},
			"duplicate insert": func(s *storage.Session) error {
				return s.InsertDocument("cars", "keep2", nil)
			},
		}
		for name, stageFailure := range failures {
			t.Run(name, func(t *testing.T) {
				s := mm.BeginSession()
				require.NoError(t, s.InsertDocument("cars", "new", map[string]any{"n": 2}))
				require.NoError(t, s.UpdateDocument("cars", "keep", map[string]any{"n": 3}))
				require.NoError(t, s.DeleteDocuments("cars", filter.Eq("n", 3)))
				require.NoError(t, s.InsertDocument("cars", "keep2", map[string]any{"n": 4}))
				require.NoError(t, s.AppendEvents("Car", []message.Event{Event("e1-"+name, "CarAdded", "new", nil)}))
				require.NoError(t, stageFailure(s))

				err := mm.CommitSession(ctx, s)
				require.Error(t, err)
				assert.True(t, s.Closed())

				docs, err := mm.Documents().FindDocs(ctx, "cars", nil, storage.FindOptions{})
				require.NoError(t, err)
				require.Equal(t, []string{"keep"}, IDs(docs))
				assert.Equal(t, map[string]any{"n": int64(1)}, docs[0].Data)
				assert.Equal(t, int64(1), docs[0].Version)

				v, err := mm.Events().Version(ctx, "Car", nil)
				require.NoError(t, err)
				assert.Equal(t, int64(1), v)
			})
		}
	})

	t.Run("ClosedSession", func(t *testing.T) {
		mm := open(t, newStore)

		s := mm.BeginSession()
		require.NoError(t, mm.CommitSession(ctx, s), "an empty session commits")
		assert.ErrorIs(t, mm.CommitSession(ctx, s), storage.ErrSessionClosed)

		d := mm.BeginSession()
		require.NoError(t, d.InsertDocument("cars", "v1", nil))
		d.Discard()
		assert.ErrorIs(t, mm.CommitSession(ctx, d), storage.ErrSessionClosed)
		_, err := mm.LoadDoc(ctx, "cars", "v1")
		assert.True(t, errs.IsNotFound(err))
	})

	t.Run("ConcurrentAppendOneWins", func(t *testing.T) {
		mm := open(t, newStore)
		matcher := storage.AggregateMatcher("Car", "race")

		const racers = 4
		results := make([]error, racers)
		var wg sync.WaitGroup
		for i := range racers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s := mm.BeginSession()
				if err := s.AppendEvents("Car", []message.Event{Event(fmt.Sprintf("r%d", i), "CarAdded", "race", nil)}, storage.ExpectVersion(0, matcher)); err != nil {
					results[i] = err
					return
				}
				if err := s.UpsertDocument("cars", "race", map[string]any{"winner": i}); err != nil {
					results[i] = err
					return
				}
				results[i] = mm.CommitSession(ctx, s)
			}()
		}
		wg.Wait()

		wins := 0
		for _, err := range results {
			if err == nil {
				wins++
				continue
			}
			assert.True(t, errs.IsConflict(err), "loser error: %v", err)
		}
		assert.Equal(t, 1, wins)

		v, err := mm.Events().Version(ctx, "Car", matcher)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)

		doc, err := mm.LoadDoc(ctx, "cars", "race")
		require.NoError(t, err)
		assert.Equal(t, int64(1), doc.Version)
	})
}
