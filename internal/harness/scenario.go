package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nacorga/tracelog/internal/model"
)

// Scenario is a scripted run of one or more tabs of the same project.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scripted action. Do selects the action; the other fields are
// its arguments.
type Step struct {
	Do string `yaml:"do"`

	// Tab names the context the step applies to.
	Tab string `yaml:"tab,omitempty"`

	// For is the advance duration, in time.ParseDuration syntax.
	For string `yaml:"for,omitempty"`

	// Event is the event to track.
	Event *EventSpec `yaml:"event,omitempty"`

	// Signal is the activity signal name.
	Signal string `yaml:"signal,omitempty"`

	// State is the transport state: "ok" or "fail".
	State string `yaml:"state,omitempty"`
}

// EventSpec describes an event to track. Only the fields its type needs
// are read.
type EventSpec struct {
	Type    string `yaml:"type"`
	Name    string `yaml:"name,omitempty"`
	X       int    `yaml:"x,omitempty"`
	Y       int    `yaml:"y,omitempty"`
	Depth   int    `yaml:"depth,omitempty"`
	Message string `yaml:"message,omitempty"`
	URL     string `yaml:"url,omitempty"`
}

// Event converts s into a model event.
func (s EventSpec) Event() model.Event {
	e := model.Event{Type: model.EventType(s.Type), PageURL: s.URL}
	switch e.Type {
	case model.EventClick:
		e.Click = &model.ClickData{X: s.X, Y: s.Y}
	case model.EventScroll:
		dir := model.ScrollDown
		if s.Depth < 0 {
			dir = model.ScrollUp
		}
		e.Scroll = &model.ScrollData{Depth: max(s.Depth, -s.Depth), Direction: dir}
	case model.EventCustom:
		e.Custom = &model.CustomData{Name: s.Name}
	case model.EventError:
		e.Error = &model.ErrorData{Type: "Error", Message: s.Message}
	case model.EventWebVitals:
		e.WebVitals = &model.WebVitalsData{Name: s.Name, Value: float64(s.Depth)}
	}
	return e
}

// Assertion validates the final state of a run.
type Assertion struct {
	// Type specifies the assertion type:
	// - "leader_count": Count open tabs lead
	// - "same_session": all open tabs (or Tabs) share one session
	// - "delivered_count": Count events of type Event were delivered
	// - "session_count": Count distinct sessions were announced
	// - "queue_depth": Tab holds Count queued events
	Type string `yaml:"type"`

	// Count is the expected number.
	Count int `yaml:"count,omitempty"`

	// Event is the event type (used by delivered_count).
	Event string `yaml:"event,omitempty"`

	// Tab names the context (used by queue_depth).
	Tab string `yaml:"tab,omitempty"`

	// Tabs restricts same_session to these contexts.
	Tabs []string `yaml:"tabs,omitempty"`
}

// Assertion type constants.
const (
	AssertLeaderCount    = "leader_count"
	AssertSameSession    = "same_session"
	AssertDeliveredCount = "delivered_count"
	AssertSessionCount   = "session_count"
	AssertQueueDepth     = "queue_depth"
)

// Step action constants.
const (
	StepOpen      = "open"
	StepCrash     = "crash"
	StepUnload    = "unload"
	StepClose     = "close"
	StepStop      = "stop"
	StepAdvance   = "advance"
	StepTrack     = "track"
	StepActivity  = "activity"
	StepFlush     = "flush"
	StepPartition = "partition"
	StepHeal      = "heal"
	StepTransport = "transport"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return errors.New("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	switch step.Do {
	case StepOpen, StepCrash, StepUnload, StepClose, StepStop, StepFlush:
		if step.Tab == "" {
			return fmt.Errorf("%s requires tab", step.Do)
		}
	case StepActivity:
		if step.Tab == "" || step.Signal == "" {
			return errors.New("activity requires tab and signal")
		}
	case StepTrack:
		if step.Tab == "" || step.Event == nil {
			return errors.New("track requires tab and event")
		}
		if err := step.Event.Event().Validate(); err != nil {
			return err
		}
	case StepAdvance:
		d, err := time.ParseDuration(step.For)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		if d < 0 {
			return errors.New("advance: duration must not be negative")
		}
	case StepTransport:
		if step.State != "ok" && step.State != "fail" {
			return fmt.Errorf("transport state %q must be ok or fail", step.State)
		}
	case StepPartition, StepHeal:
	case "":
		return errors.New("do is required")
	default:
		return fmt.Errorf("unknown step %q", step.Do)
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertLeaderCount, AssertSameSession, AssertSessionCount:
	case AssertDeliveredCount:
		if !model.EventType(a.Event).Valid() {
			return fmt.Errorf("delivered_count: unknown event type %q", a.Event)
		}
	case AssertQueueDepth:
		if a.Tab == "" {
			return errors.New("queue_depth requires tab")
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	if a.Count < 0 {
		return errors.New("count must not be negative")
	}
	return nil
}
