package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fleetDir = "../../testdata/fleet"

func loadScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func fleetScenario(t *testing.T, yaml string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(yaml))
	require.NoError(t, err)
	s.Program = fleetDir
	return s
}

func TestRun_Golden(t *testing.T) {
	for _, name := range []string{"add_car_complete", "add_car_incomplete"} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, loadScenario(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	s := loadScenario(t, "add_car_complete")

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := MarshalTrace(s.Name, first)
	require.NoError(t, err)
	b, err := MarshalTrace(s.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_StreamMode(t *testing.T) {
	result, err := Run(loadScenario(t, "complete_car_twice"))
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	var outcomes []string
	for _, e := range result.Trace {
		if e.Type == TraceOutcome {
			outcomes = append(outcomes, e.Outcome+":"+e.Error)
		}
	}
	assert.Equal(t, []string{"ok:", "error:RULE_EXECUTION", "ok:"}, outcomes)

	require.NotEmpty(t, result.Trace)
	assert.Equal(t, TraceGiven, result.Trace[0].Type)
	assert.Equal(t, "AddCarToFleet", result.Trace[0].Name)
}

func TestRun_SeededInformation(t *testing.T) {
	s := fleetScenario(t, `
name: seeded
program: fleet
given:
  - information: Cars
    id: v9
    data:
      vehicleId: v9
      brand: Fiat
when:
  - dispatch: getCar
    payload: { vehicleId: v9 }
    expect:
      result: { brand: Fiat }
then:
  - type: information_count
    information: Cars
    count: 1
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	// Seeding is not a dispatch and leaves no trace.
	require.Len(t, result.Trace, 2)
	assert.Equal(t, map[string]any{"vehicleId": "v9", "brand": "Fiat"}, result.Trace[1].Result)
}

func TestRun_FailedExpectations(t *testing.T) {
	s := fleetScenario(t, `
name: wrong
program: fleet
when:
  - dispatch: AddCarToFleet
    payload: { vehicleId: v1, brand: BMW, model: "1er" }
    expect:
      events: [CarAdded]
  - dispatch: AddCarToFleet
    payload: { vehicleId: v1, brand: BMW, model: "1er" }
  - dispatch: getCar
    payload: { vehicleId: ghost }
    expect:
      error: DUPLICATE
then:
  - type: event_count
    event: IncompleteCarAdded
    count: 2
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "expected events [CarAdded], got [IncompleteCarAdded]")
	assert.Contains(t, result.Errors[1], "expected error DUPLICATE, got NOT_FOUND")
	assert.Contains(t, result.Errors[2], "2 occurrences of IncompleteCarAdded")

	// The duplicate add without an expect clause is traced as an error but
	// does not fail the scenario by itself.
	assert.Equal(t, OutcomeError, result.Trace[4].Outcome)
	assert.Equal(t, "DUPLICATE", result.Trace[4].Error)
}

func TestRun_GivenFailureAborts(t *testing.T) {
	s := fleetScenario(t, `
name: bad_given
program: fleet
given:
  - dispatch: CompleteCar
    payload: { vehicleId: ghost, productionYear: 2020 }
when:
  - dispatch: countNotifications
`)
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "given[0] CompleteCar")
}

func TestRun_MissingProgram(t *testing.T) {
	s := fleetScenario(t, `
name: nowhere
program: fleet
when:
  - dispatch: countNotifications
`)
	s.Program = filepath.Join(t.TempDir(), "missing")
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to build program")
}
