package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rulebox/internal/config"
	"github.com/roach88/rulebox/internal/errs"
)

// Scenario defines a given/when/then test of a rulebox program.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Program is the program directory, relative to the scenario file.
	Program string `yaml:"program"`

	// Backend is sqlite (in memory) or memory. Default: sqlite.
	Backend string `yaml:"backend,omitempty"`

	// Mode is the dispatch mode, inline or stream. Default: inline.
	Mode string `yaml:"mode,omitempty"`

	// Given establishes the initial state. Given steps must succeed.
	Given []GivenStep `yaml:"given,omitempty"`

	// When lists the dispatches under test.
	When []WhenStep `yaml:"when"`

	// Then validates the final trace and information.
	Then []Assertion `yaml:"then,omitempty"`
}

// GivenStep either dispatches a message or seeds an information document.
type GivenStep struct {
	Dispatch string         `yaml:"dispatch,omitempty"`
	Payload  map[string]any `yaml:"payload,omitempty"`
	Meta     map[string]any `yaml:"meta,omitempty"`

	Information string         `yaml:"information,omitempty"`
	ID          string         `yaml:"id,omitempty"`
	Data        map[string]any `yaml:"data,omitempty"`
}

// WhenStep dispatches a command, event or query.
type WhenStep struct {
	Dispatch string         `yaml:"dispatch"`
	Payload  map[string]any `yaml:"payload,omitempty"`
	Meta     map[string]any `yaml:"meta,omitempty"`

	// Expect, if set, is checked against the outcome of this step.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Error is the expected error code (e.g. RULE_EXECUTION). Empty means
	// the dispatch must succeed.
	Error string `yaml:"error,omitempty"`

	// Events are the names of the events the step committed, in order,
	// including those of triggered commands.
	Events []string `yaml:"events,omitempty"`

	// Result is matched against a query result. Objects match as subsets.
	Result any `yaml:"result,omitempty"`
}

// Assertion validates the trace or the final information.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	// Event is the event name (event_recorded, event_count).
	Event string `yaml:"event,omitempty"`

	// Payload is matched as a subset of the event payload (event_recorded).
	Payload map[string]any `yaml:"payload,omitempty"`

	// Events is the expected order (event_order).
	Events []string `yaml:"events,omitempty"`

	// Information names the information to read (information,
	// information_count).
	Information string `yaml:"information,omitempty"`

	// ID selects one document (information).
	ID string `yaml:"id,omitempty"`

	// Where is a filter criteria object (information, information_count).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect is matched as a subset of the document data (information).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number (event_count, information_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertEventRecorded    = "event_recorded"
	AssertEventOrder       = "event_order"
	AssertEventCount       = "event_count"
	AssertInformation      = "information"
	AssertInformationCount = "information_count"
)

// LoadScenario reads and parses a scenario YAML file. The program path is
// resolved relative to the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file, resolving
// the program path relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("scenario file %s not found", path)
		}
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if !filepath.IsAbs(s.Program) && basePath != "" {
		s.Program = filepath.Join(basePath, s.Program)
	}
	if _, err := os.Stat(s.Program); err != nil {
		return nil, errs.NotFound("%s: program directory %s not found", path, s.Program)
	}
	return s, nil
}

// ParseScenario decodes and validates a scenario. Unknown fields are errors.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, errs.Wrap(errs.CodeValidation, err, "failed to parse YAML")
	}
	if err := validateScenario(&s); err != nil {
		return nil, errs.Wrap(errs.CodeValidation, err, "invalid scenario")
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Program == "" {
		return fmt.Errorf("program is required")
	}
	switch s.Backend {
	case "", config.BackendSQLite, config.BackendMemory:
	default:
		return fmt.Errorf("backend must be sqlite or memory, got %q", s.Backend)
	}
	switch s.Mode {
	case "", "inline", "stream":
	default:
		return fmt.Errorf("mode must be inline or stream, got %q", s.Mode)
	}
	if len(s.When) == 0 {
		return fmt.Errorf("when list is required and must be non-empty")
	}

	for i, step := range s.Given {
		switch {
		case step.Dispatch != "" && step.Information != "":
			return fmt.Errorf("given[%d]: dispatch and information are exclusive", i)
		case step.Dispatch == "" && step.Information == "":
			return fmt.Errorf("given[%d]: dispatch or information is required", i)
		case step.Information != "" && step.ID == "":
			return fmt.Errorf("given[%d]: id is required to seed information", i)
		}
	}
	for i, step := range s.When {
		if step.Dispatch == "" {
			return fmt.Errorf("when[%d]: dispatch is required", i)
		}
	}
	for i, a := range s.Then {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("then[%d]: type is required", index)
	case AssertEventRecorded:
		if a.Event == "" {
			return fmt.Errorf("then[%d]: event is required for event_recorded", index)
		}
	case AssertEventOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("then[%d]: events list is required for event_order", index)
		}
	case AssertEventCount:
		if a.Event == "" {
			return fmt.Errorf("then[%d]: event is required for event_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("then[%d]: count must be non-negative for event_count", index)
		}
	case AssertInformation:
		if a.Information == "" {
			return fmt.Errorf("then[%d]: information is required", index)
		}
		if a.ID == "" && len(a.Where) == 0 {
			return fmt.Errorf("then[%d]: id or where is required for information", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("then[%d]: expect is required for information", index)
		}
	case AssertInformationCount:
		if a.Information == "" {
			return fmt.Errorf("then[%d]: information is required", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("then[%d]: count must be non-negative for information_count", index)
		}
	default:
		return fmt.Errorf("then[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
