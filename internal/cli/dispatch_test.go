package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const completeCar = `{"vehicleId":"v1","brand":"BMW","model":"1er","productionYear":2019}`

func TestDispatch_ThenQuery(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "fleet.db", "")

	out, err := execute(t, "dispatch", fleetDir, "AddCarToFleet", completeCar, "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, "✓ AddCarToFleet: 2 event(s)\n"+
		`  CarAdded v1 v1 {"brand":"BMW","model":"1er","productionYear":2019,"vehicleId":"v1"}`+"\n"+
		`  CarAddedToFleet v1 v2 {"vehicleId":"v1"}`+"\n", out)

	out, err = execute(t, "query", fleetDir, "getCar", `{"vehicleId":"v1"}`, "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, `{"brand":"BMW","completed":true,"model":"1er","productionYear":2019,"vehicleId":"v1"}`+"\n", out)

	out, err = execute(t, "query", fleetDir, "countNotifications", "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, "1\n", out, "the triggered notification ran before dispatch returned")
}

func TestDispatch_JSON(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "fleet.db", "")

	out, err := execute(t, "dispatch", fleetDir, "AddCarToFleet",
		`{"vehicleId":"v1","brand":"BMW","model":"1er"}`, "--meta", `{"userId":"u1"}`,
		"--config", cfg, "--format", "json")
	require.NoError(t, err)

	resp := decodeResponse(t, out)
	assert.Equal(t, "ok", resp["status"])
	data := resp["data"].(map[string]any)
	assert.Equal(t, "AddCarToFleet", data["message"])
	events := data["events"].([]any)
	require.Len(t, events, 1)
	ev := events[0].(map[string]any)
	assert.Equal(t, "IncompleteCarAdded", ev["name"])
	assert.Equal(t, "v1", ev["aggregateId"])
	assert.Equal(t, float64(1), ev["version"])
	assert.NotEmpty(t, ev["uuid"])
}

func TestDispatch_Rejections(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "fleet.db", "")

	tests := []struct {
		name     string
		args     []string
		exitCode int
		code     string
		contains string
	}{
		{
			name:     "schema violation",
			args:     []string{"dispatch", fleetDir, "AddCarToFleet", `{"vehicleId":"v1"}`},
			exitCode: ExitFailure,
			code:     "VALIDATION",
			contains: "dispatch failed",
		},
		{
			name:     "payload is not JSON",
			args:     []string{"dispatch", fleetDir, "AddCarToFleet", `not json`},
			exitCode: ExitCommandError,
			code:     "VALIDATION",
			contains: "payload must be a JSON object",
		},
		{
			name:     "meta is not JSON",
			args:     []string{"dispatch", fleetDir, "AddCarToFleet", completeCar, "--meta", `[1]`},
			exitCode: ExitCommandError,
			code:     "VALIDATION",
			contains: "meta must be a JSON object",
		},
		{
			name:     "query of a command",
			args:     []string{"query", fleetDir, "AddCarToFleet", completeCar},
			exitCode: ExitFailure,
			code:     "VALIDATION",
			contains: "AddCarToFleet is not a query",
		},
		{
			name:     "dispatch of a query",
			args:     []string{"dispatch", fleetDir, "getCar", `{"vehicleId":"v1"}`},
			exitCode: ExitFailure,
			code:     "VALIDATION",
			contains: "use rulebox query",
		},
		{
			name:     "unknown aggregate",
			args:     []string{"dispatch", fleetDir, "CompleteCar", `{"vehicleId":"v9","productionYear":2020}`},
			exitCode: ExitFailure,
			code:     "NOT_FOUND",
			contains: "does not exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append(tt.args, "--config", cfg, "--format", "json")
			out, err := execute(t, args...)
			require.Error(t, err)
			assert.Equal(t, tt.exitCode, GetExitCode(err))

			resp := decodeResponse(t, out)
			assert.Equal(t, "error", resp["status"])
			cliErr := resp["error"].(map[string]any)
			assert.Equal(t, tt.code, cliErr["code"])
			assert.Contains(t, cliErr["message"], tt.contains)
		})
	}
}
