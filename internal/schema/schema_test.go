package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulebox/internal/errs"
)

const carAdded = `{
	vehicleId:       string
	brand:           string
	model:           string
	productionYear?: int & >=1886
}`

func TestRegistry_Validate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("CarAdded", carAdded))
	assert.True(t, reg.Has("CarAdded"))

	err := reg.Validate("CarAdded", map[string]any{
		"vehicleId": "v1", "brand": "BMW", "model": "1er", "productionYear": int64(2020),
	})
	assert.NoError(t, err)

	err = reg.Validate("CarAdded", map[string]any{"vehicleId": "v1", "brand": "BMW", "model": "1er"})
	assert.NoError(t, err, "optional field may be omitted")
}

func TestRegistry_ValidateFailures(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("CarAdded", carAdded))

	tests := map[string]map[string]any{
		"missing required": {"vehicleId": "v1", "brand": "BMW"},
		"wrong type":       {"vehicleId": int64(1), "brand": "BMW", "model": "1er"},
		"out of range":     {"vehicleId": "v1", "brand": "BMW", "model": "1er", "productionYear": int64(1200)},
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			err := reg.Validate("CarAdded", payload)
			require.Error(t, err)
			assert.True(t, errs.IsValidation(err))
			assert.NotEmpty(t, errs.DetailsOf(err)["violations"])
		})
	}
}

func TestRegistry_UnknownSchema(t *testing.T) {
	err := NewRegistry().Validate("Nope", map[string]any{})
	assert.True(t, errs.IsValidation(err))
}

func TestRegistry_RegisterInvalidSource(t *testing.T) {
	err := NewRegistry().Register("Broken", `{a: }`)
	assert.True(t, errs.IsValidation(err))
}

func TestRegistry_ClosedSchemaRejectsExtraFields(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("CarAddedToFleet", `close({vehicleId: string})`))

	assert.NoError(t, reg.Validate("CarAddedToFleet", map[string]any{"vehicleId": "v1"}))
	assert.Error(t, reg.Validate("CarAddedToFleet", map[string]any{"vehicleId": "v1", "extra": true}))
}
