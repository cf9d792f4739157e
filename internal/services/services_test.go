package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/memstore"
	"github.com/roach88/rulebox/internal/storage"
)

func newRegistry(t *testing.T) (*Registry, *memstore.Store) {
	t.Helper()
	ms := memstore.New()
	reg := NewRegistry(ms)
	require.NoError(t, reg.RegisterInformation("Fleet", "fleet"))
	return reg, ms
}

func TestRegistry_UnknownNames(t *testing.T) {
	reg, _ := newRegistry(t)
	deps := reg.Deps()

	_, err := deps.Information("Nope")
	assert.True(t, errs.IsServiceResolution(err))
	assert.Equal(t, KindInformation, errs.DetailsOf(err)["kind"])

	_, err = deps.Service("mailer")
	assert.True(t, errs.IsServiceResolution(err))

	_, err = deps.Auth()
	assert.True(t, errs.IsServiceResolution(err))

	_, err = deps.Commands()
	assert.True(t, errs.IsServiceResolution(err))
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	reg, _ := newRegistry(t)
	assert.True(t, errs.IsDuplicate(reg.RegisterInformation("Fleet", "other")))

	svc := ExternalFunc(func(context.Context, map[string]any) (any, error) { return nil, nil })
	require.NoError(t, reg.RegisterExternal("geo", svc))
	assert.True(t, errs.IsDuplicate(reg.RegisterExternal("geo", svc)))

	assert.True(t, errs.IsValidation(reg.RegisterInformation("", "x")))
	assert.True(t, errs.IsValidation(reg.RegisterInformation("Bad", "")))
	assert.Equal(t, []string{"Fleet"}, reg.InformationNames())
}

func TestCollection_DirectWrites(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	info, err := reg.Deps().Information("Fleet")
	require.NoError(t, err)

	require.NoError(t, info.Insert(ctx, "v1", map[string]any{"brand": "BMW", "year": 2020}))
	require.NoError(t, info.Upsert(ctx, "v2", map[string]any{"brand": "VW", "year": 2018}))
	require.NoError(t, info.UpdateByID(ctx, "v1", map[string]any{"model": "1er"}))

	got, err := info.Get(ctx, "v1", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"brand": "BMW", "year": int64(2020), "model": "1er"}, got)

	partial, err := info.Get(ctx, "v1", []string{"brand"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"brand": "BMW"}, partial)

	recent, err := info.Find(ctx, filter.Gte("year", 2019), storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "BMW", recent[0]["brand"])

	n, err := info.Count(ctx, filter.All())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, info.Update(ctx, filter.All(), map[string]any{"active": true}))
	require.NoError(t, info.Delete(ctx, filter.Eq("brand", "VW")))
	require.NoError(t, info.DeleteByID(ctx, "v1"))

	n, err = info.Count(ctx, filter.All())
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = info.Get(ctx, "v1", nil)
	assert.True(t, errs.IsNotFound(err))
}

func TestCollection_SessionWritesAreStaged(t *testing.T) {
	ctx := context.Background()
	reg, ms := newRegistry(t)
	sess := ms.BeginSession()
	deps := reg.Deps(WithSession(sess))
	assert.Same(t, sess, deps.Session())

	info, err := deps.Information("Fleet")
	require.NoError(t, err)
	require.NoError(t, info.Insert(ctx, "v1", map[string]any{"brand": "BMW"}))
	require.NoError(t, info.Update(ctx, filter.All(), map[string]any{"seen": true}))

	n, err := info.Count(ctx, filter.All())
	require.NoError(t, err)
	assert.Zero(t, n, "staged writes are invisible before commit")
	assert.Equal(t, 2, sess.Len())

	require.NoError(t, ms.CommitSession(ctx, sess))
	got, err := info.Get(ctx, "v1", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"brand": "BMW", "seen": true}, got)
}

func TestDocumentAuth(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	require.NoError(t, ms.InsertDoc(ctx, DefaultUsersCollection, "u1", map[string]any{"name": "Ada", "role": "admin"}))
	require.NoError(t, ms.InsertDoc(ctx, DefaultUsersCollection, "u2", map[string]any{"name": "Bob", "role": "driver"}))

	auth := NewDocumentAuth(ms, "")
	u, err := auth.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "u1", "name": "Ada", "role": "admin"}, u)

	_, err = auth.GetUser(ctx, "ghost")
	assert.True(t, errs.IsNotFound(err))

	drivers, err := auth.FindUsers(ctx, filter.Eq("role", "driver"))
	require.NoError(t, err)
	require.Len(t, drivers, 1)
	assert.Equal(t, "u2", drivers[0]["id"])
}

func TestDeps_Commands(t *testing.T) {
	var got []string
	sink := CommandSinkFunc(func(_ context.Context, name string, _, _ map[string]any) error {
		got = append(got, name)
		return nil
	})
	reg, _ := newRegistry(t)
	c, err := reg.Deps(WithCommands(sink)).Commands()
	require.NoError(t, err)
	require.NoError(t, c.Enqueue(context.Background(), "RemoveCar", nil, nil))
	assert.Equal(t, []string{"RemoveCar"}, got)
}
