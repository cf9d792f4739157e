package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Text(t *testing.T) {
	out, err := execute(t, "validate", fleetDir)
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "validate_fleet", []byte(out))
}

func TestValidate_JSON(t *testing.T) {
	out, err := execute(t, "validate", fleetDir, "--format", "json")
	require.NoError(t, err)

	resp := decodeResponse(t, out)
	assert.Equal(t, "ok", resp["status"])
	data := resp["data"].(map[string]any)
	assert.Equal(t, true, data["valid"])
	summary := data["summary"].(map[string]any)
	assert.Equal(t, float64(2), summary["aggregates"])
	assert.Equal(t, float64(3), summary["queries"])
	assert.NotContains(t, data, "errors")
}

func TestValidate_Problems(t *testing.T) {
	dir := t.TempDir()
	src := `package bad

aggregates: Car: {
	commands: AddCar: handler: [{recordEvent: {event: "Ghost", mapping: "command"}}]
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.cue"), []byte(src), 0o600))

	out, err := execute(t, "validate", dir, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "validation failed with")

	resp := decodeResponse(t, out)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "VALIDATION", resp["error"].(map[string]any)["code"])
	problems := resp["data"].(map[string]any)["errors"].([]any)
	require.NotEmpty(t, problems)

	var paths []string
	for _, p := range problems {
		paths = append(paths, p.(map[string]any)["path"].(string))
	}
	assert.Contains(t, paths, "aggregates.Car.identifier")

	out, err = execute(t, "validate", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "  aggregates.Car.identifier: ")
}

func TestValidate_MissingDir(t *testing.T) {
	_, err := execute(t, "validate", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
