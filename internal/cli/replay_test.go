package cli

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulebox/internal/app"
	"github.com/roach88/rulebox/internal/errs"
)

func TestReplay(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "fleet.db", "")
	_, err := execute(t, "dispatch", fleetDir, "AddCarToFleet",
		`{"vehicleId":"v1","brand":"BMW","model":"1er"}`, "--config", cfg)
	require.NoError(t, err)

	out, err := execute(t, "replay", fleetDir, "--stream", "Car", "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, "✓ Replayed 1 event(s) from Car\n", out)

	out, err = execute(t, "replay", fleetDir, "--stream", "Car", "--config", cfg, "--format", "json")
	require.NoError(t, err)
	data := decodeResponse(t, out)["data"].(map[string]any)
	assert.Equal(t, "Car", data["stream"])
	assert.Equal(t, float64(1), data["events"])
}

func TestReplay_TriggeredCommandsFail(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "fleet.db", "")
	_, err := execute(t, "dispatch", fleetDir, "AddCarToFleet", completeCar, "--config", cfg)
	require.NoError(t, err)

	// The notification of v1 exists, so the re-triggered SendNotification
	// is a duplicate.
	_, err = execute(t, "replay", fleetDir, "--stream", "Car", "--config", cfg)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.True(t, errors.Is(err, app.ErrTriggered))
	assert.True(t, errs.IsDuplicate(err))
}

func TestReplay_StreamRequired(t *testing.T) {
	_, err := execute(t, "replay", fleetDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"stream" not set`)
}
