package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/memstore"
)

// exercise runs the behavior every Store shares.
func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	pos, err := s.Load(ctx, "projector", "public_stream")
	require.NoError(t, err)
	assert.Zero(t, pos, "unsaved listener starts at 0")

	require.NoError(t, s.Save(ctx, "projector", "public_stream", 7))
	require.NoError(t, s.Save(ctx, "projector", "Car", 2))
	require.NoError(t, s.Save(ctx, "notifier", "public_stream", 3))

	pos, err = s.Load(ctx, "projector", "public_stream")
	require.NoError(t, err)
	assert.Equal(t, int64(7), pos)

	pos, err = s.Load(ctx, "projector", "Car")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)

	require.NoError(t, s.Save(ctx, "projector", "public_stream", 9))
	pos, err = s.Load(ctx, "projector", "public_stream")
	require.NoError(t, err)
	assert.Equal(t, int64(9), pos)

	assert.True(t, errs.IsValidation(s.Save(ctx, "", "Car", 1)))
	assert.True(t, errs.IsValidation(s.Save(ctx, "projector", "Car", -1)))
}

func TestMemory(t *testing.T) {
	exercise(t, NewMemory())
}

func TestDocuments(t *testing.T) {
	ms := memstore.New()
	exercise(t, NewDocuments(ms.Documents(), ""))

	doc, err := ms.GetDoc(context.Background(), DefaultCollection, "projector@public_stream")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"listener": "projector", "stream": "public_stream", "position": int64(9)}, doc.Data)
}
