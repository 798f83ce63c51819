package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one end-to-end conformance test: a definitions directory,
// a sequence of steps driven against a fresh engine, and assertions over
// the resulting messages and state.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// Definitions is the CUE definitions directory, relative to the
	// scenario file unless absolute.
	Definitions string `yaml:"definitions"`

	// Randoms scripts the cohort draws, in order. Empty means every draw
	// is 0.
	Randoms []float64 `yaml:"randoms,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	// Event ingests one event through the engine.
	Event *EventStep `yaml:"event,omitempty"`

	// Compute runs one assignment pass and signals the changes.
	Compute bool `yaml:"compute,omitempty"`

	// Advance moves the logical clock forward, firing due timers.
	// Duration string, e.g. "90s" or "24h".
	Advance string `yaml:"advance,omitempty"`

	// Settle waits until no journey instance is live.
	Settle bool `yaml:"settle,omitempty"`
}

// EventStep is one ingested event.
type EventStep struct {
	ID         string         `yaml:"id,omitempty"`
	User       string         `yaml:"user"`
	Name       string         `yaml:"name"`
	Properties map[string]any `yaml:"properties,omitempty"`
}

// Assertion types.
const (
	AssertMessageSent   = "message_sent"
	AssertMessageCount  = "message_count"
	AssertInSegment     = "in_segment"
	AssertJourneyExited = "journey_exited"
)

// Assertion is one check over the finished scenario.
type Assertion struct {
	Type string `yaml:"type"`

	// message_sent, message_count, in_segment, journey_exited.
	User string `yaml:"user,omitempty"`

	// message_sent: required template, optional name.
	Template string `yaml:"template,omitempty"`
	Name     string `yaml:"name,omitempty"`

	// message_count.
	Count int `yaml:"count"`

	// in_segment. Out inverts the check.
	Segment string `yaml:"segment,omitempty"`
	Out     bool   `yaml:"out,omitempty"`

	// journey_exited.
	Journey string `yaml:"journey,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so a typo fails loudly instead of silently passing. Relative
// definitions paths resolve against the scenario file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}

	if !filepath.IsAbs(s.Definitions) && s.Definitions != "" {
		s.Definitions = filepath.Join(filepath.Dir(path), s.Definitions)
	}

	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Definitions == "" {
		return fmt.Errorf("definitions is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		set := 0
		if step.Event != nil {
			set++
			if step.Event.User == "" || step.Event.Name == "" {
				return fmt.Errorf("steps[%d].event: user and name are required", i)
			}
		}
		if step.Compute {
			set++
		}
		if step.Advance != "" {
			set++
			if _, err := time.ParseDuration(step.Advance); err != nil {
				return fmt.Errorf("steps[%d].advance: %w", i, err)
			}
		}
		if step.Settle {
			set++
		}
		if set != 1 {
			return fmt.Errorf("steps[%d]: exactly one of event, compute, advance, settle is required", i)
		}
	}

	for i, a := range s.Assertions {
		switch a.Type {
		case AssertMessageSent:
			if a.User == "" || a.Template == "" {
				return fmt.Errorf("assertions[%d]: user and template are required for %s", i, a.Type)
			}
		case AssertMessageCount:
			if a.Count < 0 {
				return fmt.Errorf("assertions[%d]: count must be non-negative", i)
			}
		case AssertInSegment:
			if a.User == "" || a.Segment == "" {
				return fmt.Errorf("assertions[%d]: user and segment are required for %s", i, a.Type)
			}
		case AssertJourneyExited:
			if a.User == "" || a.Journey == "" {
				return fmt.Errorf("assertions[%d]: user and journey are required for %s", i, a.Type)
			}
		case "":
			return fmt.Errorf("assertions[%d]: type is required", i)
		default:
			return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
		}
	}
	return nil
}
