package scenario

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario describes one deterministic engine run and its expectations.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Rules lists CUE rule files, registered in order.
	Rules []string `yaml:"rules"`

	// LoopUntilSettled enables settle passes after every task.
	LoopUntilSettled bool `yaml:"loop_until_settled,omitempty"`

	// MaxSettlePasses overrides the engine default when non-zero.
	MaxSettlePasses int `yaml:"max_settle_passes,omitempty"`

	// InitialState is the state the accessor returns before the first
	// change. Missing means an empty object.
	InitialState map[string]any `yaml:"initial_state,omitempty"`

	// Dispatches are submitted in order, one dispatch call each.
	Dispatches []Dispatch `yaml:"dispatches"`

	Expect Expect `yaml:"expect,omitempty"`
}

// Dispatch is one dispatch call.
type Dispatch struct {
	Actions []ActionStep `yaml:"actions"`
}

// ActionStep is one action of a dispatch call. ID is a string or an integer.
type ActionStep struct {
	ID      any `yaml:"id"`
	Payload any `yaml:"payload,omitempty"`
}

// Expect holds the checks applied after the run drains. Nil fields are not
// checked.
type Expect struct {
	// FinalState must equal the final state exactly.
	FinalState map[string]any `yaml:"final_state,omitempty"`

	// Notifications is the number of observer notifications.
	Notifications *int `yaml:"notifications,omitempty"`

	// Failures is the number of failed dispatch units.
	Failures *int `yaml:"failures,omitempty"`

	// Dispatches is the number of executed units, emitted ones included.
	Dispatches *int `yaml:"dispatches,omitempty"`
}

// Load reads and parses a scenario file, resolving rule paths relative to
// the file's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes a scenario, resolving relative rule paths against baseDir.
func Parse(data []byte, baseDir string) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches typos like "dispatch:" vs "dispatches:"
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i, p := range s.Rules {
		if !filepath.IsAbs(p) && baseDir != "" {
			s.Rules[i] = filepath.Join(baseDir, p)
		}
	}

	if err := validate(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validate(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Rules) == 0 {
		return fmt.Errorf("rules list is required and must be non-empty")
	}
	if len(s.Dispatches) == 0 {
		return fmt.Errorf("dispatches list is required and must be non-empty")
	}
	if s.MaxSettlePasses < 0 {
		return fmt.Errorf("max_settle_passes must be non-negative")
	}

	for _, p := range s.Rules {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return fmt.Errorf("rules file not found: %s", p)
		}
	}

	for i, d := range s.Dispatches {
		if len(d.Actions) == 0 {
			return fmt.Errorf("dispatches[%d]: actions list is required and must be non-empty", i)
		}
		for j, a := range d.Actions {
			switch a.ID.(type) {
			case string, int:
			case nil:
				return fmt.Errorf("dispatches[%d].actions[%d]: id is required", i, j)
			default:
				return fmt.Errorf("dispatches[%d].actions[%d]: id must be a string or an integer, got %T", i, j, a.ID)
			}
		}
	}

	counts := []struct {
		name string
		n    *int
	}{
		{"notifications", s.Expect.Notifications},
		{"failures", s.Expect.Failures},
		{"dispatches", s.Expect.Dispatches},
	}
	for _, c := range counts {
		if c.n != nil && *c.n < 0 {
			return fmt.Errorf("expect.%s must be non-negative", c.name)
		}
	}
	return nil
}
