package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/schema"
)

var fixedTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(SchemaName(KindEvent, "CarAdded"), `{vehicleId: string, productionYear?: int}`))
	require.NoError(t, reg.Register(SchemaName(KindCommand, "AddCar"), `{vehicleId: string}`))
	return NewFactory(reg,
		WithIDGenerator(NewSequenceGenerator("evt")),
		WithClock(func() time.Time { return fixedTime }),
	)
}

func TestFactory_NewEvent(t *testing.T) {
	f := newTestFactory(t)
	payload := map[string]any{"vehicleId": "v1", "productionYear": 2020}

	ev, err := f.NewEvent("CarAdded", payload, map[string]any{MetaCorrelationID: "c1"})
	require.NoError(t, err)

	assert.Equal(t, "evt-0001", ev.UUID)
	assert.Equal(t, "CarAdded", ev.Name)
	assert.Equal(t, int64(2020), ev.Payload["productionYear"])
	assert.Equal(t, "c1", ev.MetaString(MetaCorrelationID))
	assert.Equal(t, fixedTime, ev.CreatedAt)

	payload["vehicleId"] = "mutated"
	assert.Equal(t, "v1", ev.Payload["vehicleId"], "event must not alias caller payload")
}

func TestFactory_ValidationFailure(t *testing.T) {
	f := newTestFactory(t)

	_, err := f.NewEvent("CarAdded", map[string]any{"productionYear": 2020}, nil)
	assert.True(t, errs.IsValidation(err))

	_, err = f.NewEvent("Unknown", map[string]any{}, nil)
	assert.True(t, errs.IsValidation(err))

	_, err = f.NewCommand("", nil, nil)
	assert.True(t, errs.IsValidation(err))
}

func TestFactory_KindsHaveSeparateNamespaces(t *testing.T) {
	f := newTestFactory(t)

	_, err := f.NewCommand("AddCar", map[string]any{"vehicleId": "v1"}, nil)
	require.NoError(t, err)

	_, err = f.NewEvent("AddCar", map[string]any{"vehicleId": "v1"}, nil)
	assert.True(t, errs.IsValidation(err))
}

func TestFactory_NilValidator(t *testing.T) {
	f := NewFactory(nil)
	q, err := f.NewQuery("AnyQuery", map[string]any{"x": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.Payload["x"])
	assert.NotNil(t, q.Meta)
}

func TestEvent_WithMetaCopies(t *testing.T) {
	ev := Event{UUID: "e1", Name: "X", Payload: map[string]any{}, Meta: map[string]any{"a": "1"}}
	stamped := ev.WithMeta(map[string]any{"b": "2"})

	assert.Equal(t, "2", stamped.MetaString("b"))
	assert.NotContains(t, ev.Meta, "b")
}

func TestGenerators(t *testing.T) {
	seq := NewSequenceGenerator("x")
	assert.Equal(t, "x-0001", seq.Generate())
	assert.Equal(t, "x-0002", seq.Generate())

	fixed := NewFixedGenerator("a")
	assert.Equal(t, "a", fixed.Generate())
	assert.Panics(t, func() { fixed.Generate() })

	assert.Len(t, UUIDv7Generator{}.Generate(), 36)
}
