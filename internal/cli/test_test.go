package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenariosDir = "../harness/testdata/scenarios"

func TestTest_Scenarios(t *testing.T) {
	out, err := execute(t, "test", scenariosDir)
	require.NoError(t, err, out)
	assert.Equal(t, "✓ add_car_complete\n✓ add_car_incomplete\n✓ complete_car_twice\n\n3 passed, 0 failed, 3 total\n", out)
}

func TestTest_JSON(t *testing.T) {
	out, err := execute(t, "test", scenariosDir, "--format", "json")
	require.NoError(t, err)

	data := decodeResponse(t, out)["data"].(map[string]any)
	assert.Equal(t, float64(3), data["passed"])
	golden := map[string]any{}
	for _, s := range data["scenarios"].([]any) {
		sr := s.(map[string]any)
		golden[sr["name"].(string)] = sr["golden"]
	}
	assert.Equal(t, "match", golden["add_car_complete"])
	assert.Equal(t, "match", golden["add_car_incomplete"])
	assert.Nil(t, golden["complete_car_twice"], "no golden file")
}

func TestTest_Filter(t *testing.T) {
	out, err := execute(t, "test", scenariosDir, "--filter", "add_car_*")
	require.NoError(t, err)
	assert.Contains(t, out, "2 passed, 0 failed, 2 total")

	_, err = execute(t, "test", scenariosDir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// scenarioLayout writes scenarios/<name>.yaml under a temp dir and returns
// the scenario file and the golden directory.
func scenarioLayout(t *testing.T, name, body string) (string, string) {
	t.Helper()
	program, err := filepath.Abs(fleetDir)
	require.NoError(t, err)

	root := t.TempDir()
	dir := filepath.Join(root, "scenarios")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	file := filepath.Join(dir, name+".yaml")
	src := fmt.Sprintf("name: %s\nprogram: %s\n%s", name, program, body)
	require.NoError(t, os.WriteFile(file, []byte(src), 0o600))
	return file, filepath.Join(root, "golden")
}

func TestTest_UpdateGolden(t *testing.T) {
	file, goldenDir := scenarioLayout(t, "incomplete", `when:
  - dispatch: AddCarToFleet
    payload: {vehicleId: v1, brand: BMW, model: "1er"}
`)

	out, err := execute(t, "test", file, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ incomplete (golden updated)")

	data, err := os.ReadFile(filepath.Join(goldenDir, "incomplete.golden"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario_name":"incomplete"`)
	assert.Contains(t, string(data), `"IncompleteCarAdded"`)

	out, err = execute(t, "test", file, "--format", "json")
	require.NoError(t, err)
	sr := decodeResponse(t, out)["data"].(map[string]any)["scenarios"].([]any)[0].(map[string]any)
	assert.Equal(t, "match", sr["golden"])

	require.NoError(t, os.WriteFile(filepath.Join(goldenDir, "incomplete.golden"), []byte("{}"), 0o600))
	out, err = execute(t, "test", file)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTest_FailingScenario(t *testing.T) {
	file, _ := scenarioLayout(t, "wrong_events", `when:
  - dispatch: AddCarToFleet
    payload: {vehicleId: v1, brand: BMW, model: "1er"}
    expect:
      events: [CarAdded]
`)

	out, err := execute(t, "test", file, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse(t, out)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, ErrCodeTestFailed, resp["error"].(map[string]any)["code"])
	assert.Equal(t, float64(1), resp["data"].(map[string]any)["failed"])
}

func TestTest_MissingPath(t *testing.T) {
	_, err := execute(t, "test", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
