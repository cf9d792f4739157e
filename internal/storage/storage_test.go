package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/message"
)

func TestMutate_Versions(t *testing.T) {
	doc, err := Mutate(MutationInsert, "cars", "v1", nil, map[string]any{"brand": "BMW", "year": 2020}, WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, int64(2020), doc.Data["year"])
	assert.Equal(t, map[string]any{}, doc.Metadata)

	updated, err := Mutate(MutationUpdate, "cars", "v1", &doc, map[string]any{"year": nil, "model": "1er"}, WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, map[string]any{"brand": "BMW", "model": "1er"}, updated.Data)
	assert.Equal(t, int64(2020), doc.Data["year"], "current is not modified")

	replaced, err := Mutate(MutationReplace, "cars", "v1", &updated, map[string]any{"brand": "VW"}, ResolveWriteOptions([]WriteOption{WithMetadata(map[string]any{"by": "u1"})}))
	require.NoError(t, err)
	assert.Equal(t, int64(3), replaced.Version)
	assert.Equal(t, map[string]any{"brand": "VW"}, replaced.Data)
	assert.Equal(t, map[string]any{"by": "u1"}, replaced.Metadata)

	upserted, err := Mutate(MutationUpsert, "cars", "v1", &replaced, map[string]any{"brand": "Audi"}, WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), upserted.Version)
	assert.Equal(t, map[string]any{"by": "u1"}, upserted.Metadata, "metadata is kept when not given")
}

func TestMutate_Errors(t *testing.T) {
	existing := &Document{ID: "v1", Data: map[string]any{}, Version: 2}

	_, err := Mutate(MutationInsert, "cars", "v1", existing, nil, WriteOptions{})
	assert.True(t, errs.IsDuplicate(err))

	_, err = Mutate(MutationUpdate, "cars", "v2", nil, nil, WriteOptions{})
	assert.True(t, errs.IsNotFound(err))

	_, err = Mutate(MutationReplace, "cars", "v2", nil, nil, WriteOptions{})
	assert.True(t, errs.IsNotFound(err))

	_, err = Mutate(MutationUpdate, "cars", "v1", existing, nil, ResolveWriteOptions([]WriteOption{WithExpectedVersion(1)}))
	require.True(t, errs.IsConflict(err))
	assert.Equal(t, int64(1), errs.DetailsOf(err)["expected"])
	assert.Equal(t, int64(2), errs.DetailsOf(err)["actual"])

	_, err = Mutate(MutationUpsert, "cars", "new", nil, nil, ResolveWriteOptions([]WriteOption{WithExpectedVersion(0)}))
	assert.NoError(t, err, "absent documents are at version 0")

	_, err = Mutate(MutationInsert, "cars", "", nil, nil, WriteOptions{})
	assert.True(t, errs.IsValidation(err))

	assert.True(t, errs.IsNotFound(CheckDelete("cars", "x", nil, WriteOptions{})))
	assert.True(t, errs.IsConflict(CheckDelete("cars", "v1", existing, ResolveWriteOptions([]WriteOption{WithExpectedVersion(5)}))))
	assert.NoError(t, CheckDelete("cars", "v1", existing, ResolveWriteOptions([]WriteOption{WithExpectedVersion(2)})))
}

func TestMetadataMatcher(t *testing.T) {
	meta := map[string]any{
		"aggregateId":      "v1",
		"aggregateType":    "Car",
		"aggregateVersion": int64(3),
		"tags":             map[string]any{"region": "eu-west"},
	}

	cases := []struct {
		name    string
		matcher MetadataMatcher
		want    bool
	}{
		{"nil", nil, true},
		{"aggregate", AggregateMatcher("Car", "v1"), true},
		{"other aggregate", AggregateMatcher("Car", "v2"), false},
		{"in", MetadataMatcher{"aggregateId": {Op: MatchIn, Value: []any{"v0", "v1"}}}, true},
		{"gte", MetadataMatcher{"aggregateVersion": {Op: MatchGte, Value: int64(3)}}, true},
		{"gt", MetadataMatcher{"aggregateVersion": {Op: MatchGt, Value: 3.0}}, false},
		{"lt", MetadataMatcher{"aggregateVersion": {Op: MatchLt, Value: int64(4)}}, true},
		{"lte type mismatch", MetadataMatcher{"aggregateVersion": {Op: MatchLte, Value: "9"}}, false},
		{"regex", MetadataMatcher{"tags.region": {Op: MatchRegex, Value: "^eu-"}}, true},
		{"regex non-string", MetadataMatcher{"aggregateVersion": {Op: MatchRegex, Value: "3"}}, false},
		{"missing field", MetadataMatcher{"userId": {Op: MatchEq, Value: "u"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.matcher.Validate())
			got, err := tc.matcher.Matches(meta)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMetadataMatcher_Validate(t *testing.T) {
	assert.True(t, errs.IsValidation(MetadataMatcher{"a": {Op: "near", Value: 1}}.Validate()))
	assert.True(t, errs.IsValidation(MetadataMatcher{"a": {Op: MatchIn, Value: "x"}}.Validate()))
	assert.True(t, errs.IsValidation(MetadataMatcher{"a": {Op: MatchRegex, Value: "("}}.Validate()))
	assert.True(t, errs.IsValidation(MetadataMatcher{"": {Op: MatchEq, Value: 1}}.Validate()))
}

func TestSession_Staging(t *testing.T) {
	s := NewSession()
	data := map[string]any{"n": 1}

	require.NoError(t, s.InsertDocument("cars", "v1", data))
	require.NoError(t, s.UpdateDocuments("cars", filter.Eq("n", 1), map[string]any{"n": 2}))
	require.NoError(t, s.AppendEvents("Car", []message.Event{{UUID: "e1", Name: "CarAdded"}}, ExpectVersion(0, AggregateMatcher("Car", "v1"))))
	data["n"] = 99

	tasks := s.Tasks()
	require.Len(t, tasks, 3)
	assert.Equal(t, "insertDocument", tasks[0].Kind())
	assert.Equal(t, int64(1), tasks[0].(InsertDocument).Data["n"], "staging copies data")
	appendTask := tasks[2].(AppendEvents)
	require.NotNil(t, appendTask.Options.ExpectedVersion)
	assert.Equal(t, int64(0), *appendTask.Options.ExpectedVersion)

	assert.True(t, errs.IsValidation(s.InsertDocument("bad name", "x", nil)))
	assert.True(t, errs.IsValidation(s.ReplaceDocument("cars", "", nil)))
	assert.True(t, errs.IsValidation(s.DeleteDocuments("cars", filter.Eq("", 1))))
	assert.True(t, errs.IsDuplicate(s.AppendEvents("Car", []message.Event{{UUID: "e", Name: "X"}, {UUID: "e", Name: "X"}})))
	assert.Equal(t, 3, s.Len(), "rejected staging does not queue")

	sealed, err := s.Seal()
	require.NoError(t, err)
	assert.Len(t, sealed, 3)
	assert.True(t, s.Closed())

	_, err = s.Seal()
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.DeleteDocument("cars", "v1"), ErrSessionClosed)
}

func TestSession_Discard(t *testing.T) {
	s := NewSession()
	require.NoError(t, s.UpsertDocument("cars", "v1", nil))
	s.Discard()
	assert.Zero(t, s.Len())
	assert.ErrorIs(t, s.UpsertDocument("cars", "v1", nil), ErrSessionClosed)
	s.Discard()
}

type recordingProcessor struct {
	TaskProcessor
	seen   []string
	failAt int
}

func (p *recordingProcessor) record(kind string) error {
	p.seen = append(p.seen, kind)
	if len(p.seen) == p.failAt {
		return errors.New("boom")
	}
	return nil
}

func (p *recordingProcessor) ProcessInsertDocument(InsertDocument) error { return p.record("insert") }
func (p *recordingProcessor) ProcessDeleteDocument(DeleteDocument) error { return p.record("delete") }

func TestApplyTasks(t *testing.T) {
	tasks := []Task{
		InsertDocument{Collection: "c", ID: "1"},
		DeleteDocument{Collection: "c", ID: "1"},
		InsertDocument{Collection: "c", ID: "2"},
	}

	p := &recordingProcessor{}
	require.NoError(t, ApplyTasks(context.Background(), tasks, p))
	assert.Equal(t, []string{"insert", "delete", "insert"}, p.seen)

	p = &recordingProcessor{failAt: 2}
	err := ApplyTasks(context.Background(), tasks, p)
	assert.EqualError(t, err, "task 1 (deleteDocument): boom")
	assert.Len(t, p.seen, 2)
}

type sliceEventStore struct {
	EventStore
	events []message.Event
}

func (s *sliceEventStore) Load(_ context.Context, _ string, opts LoadOptions) ([]message.Event, error) {
	var out []message.Event
	for _, ev := range s.events {
		if ev.Position <= opts.FromPosition {
			continue
		}
		ok, err := opts.Matcher.Matches(ev.Meta)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ev)
		}
	}
	return Page(out, 0, opts.Limit), nil
}

func TestRepublish_Pages(t *testing.T) {
	es := &sliceEventStore{}
	for i := 1; i <= 7; i++ {
		agg := "a"
		if i%2 == 0 {
			agg = "b"
		}
		es.events = append(es.events, message.Event{
			UUID:     string(rune('0' + i)),
			Name:     "E",
			Position: int64(i),
			Meta:     map[string]any{"aggregateId": agg},
		})
	}

	var got []int64
	n, err := Republish(context.Background(), es, "s", MetadataMatcher{"aggregateId": {Op: MatchEq, Value: "a"}}, 2,
		func(_ context.Context, ev message.Event) error {
			got = append(got, ev.Position)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []int64{1, 3, 5, 7}, got)

	n, err = Republish(context.Background(), es, "s", nil, 3, func(_ context.Context, ev message.Event) error {
		if ev.Position == 5 {
			return errors.New("sink down")
		}
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, 4, n)
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4}
	assert.Equal(t, []int{2, 3}, Page(items, 1, 2))
	assert.Equal(t, []int{4}, Page(items, 3, 0))
	assert.Empty(t, Page(items, 9, 0))
	assert.Equal(t, items, Page(items, 0, 0))
}
