package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultRetryCount = 3
	defaultRetryDelay = 1 * time.Second
	defaultTimeout    = 10 * time.Second
)

// ErrMissingField reports a step that lacks a parameter its action requires.
// Steps are validated once, at plan ingestion.
var ErrMissingField = errors.New("missing field")

// Kind names one executable action.
type Kind string

const (
	Navigate   Kind = "navigate"
	Type       Kind = "type"
	Click      Kind = "click"
	Scroll     Kind = "scroll"
	Wait       Kind = "wait"
	Extract    Kind = "extract"
	GoBack     Kind = "go_back"
	GoForward  Kind = "go_forward"
	Refresh    Kind = "refresh"
	Screenshot Kind = "screenshot"
)

var knownKinds = map[Kind]bool{
	Navigate: true, Type: true, Click: true, Scroll: true, Wait: true,
	Extract: true, GoBack: true, GoForward: true, Refresh: true, Screenshot: true,
}

// Step is one abstract action of a plan. Target carries a semantic name
// resolved through the heuristics table; Selector is a raw CSS selector used
// directly. Exactly the fields valid for the action kind are consulted; the
// rest stay zero. Steps are immutable once a plan is ingested.
type Step struct {
	Action   Kind `json:"action"`
	Optional bool `json:"optional,omitempty"`

	TimeoutMS    int `json:"timeout_ms,omitempty"`
	RetryCount   int `json:"retry_count,omitempty"`
	RetryDelayMS int `json:"retry_delay_ms,omitempty"`

	Target   string `json:"target,omitempty"`
	Selector string `json:"selector,omitempty"`

	URL        string `json:"url,omitempty"`
	Text       string `json:"text,omitempty"`
	Submit     bool   `json:"submit,omitempty"`
	Direction  string `json:"direction,omitempty"`
	Pixels     int    `json:"pixels,omitempty"`
	Attribute  string `json:"attribute,omitempty"`
	Value      string `json:"value,omitempty"`
	Filename   string `json:"filename,omitempty"`
	DurationMS int    `json:"duration_ms,omitempty"`
}

// Plan is one user instruction turned into an ordered step sequence. It is
// consumed exactly once by the engine.
type Plan struct {
	Goal  string `json:"goal"`
	Steps []Step `json:"steps"`
}

// Retries returns the bounded attempt count for the step.
func (s Step) Retries() int {
	if s.RetryCount > 0 {
		return s.RetryCount
	}
	return defaultRetryCount
}

// RetryDelay returns the linear-backoff base delay.
func (s Step) RetryDelay() time.Duration {
	if s.RetryDelayMS > 0 {
		return time.Duration(s.RetryDelayMS) * time.Millisecond
	}
	return defaultRetryDelay
}

// WaitTimeout returns the step deadline for polling waits.
func (s Step) WaitTimeout() time.Duration {
	if s.TimeoutMS > 0 {
		return time.Duration(s.TimeoutMS) * time.Millisecond
	}
	return defaultTimeout
}

// FixedDelay returns the explicit duration of a fixed wait step.
func (s Step) FixedDelay() time.Duration {
	return time.Duration(s.DurationMS) * time.Millisecond
}

// Identifier returns the element identifier and whether it is semantic.
// A raw selector wins over a semantic target when both are present.
func (s Step) Identifier() (id string, semantic bool) {
	if s.Selector != "" {
		return s.Selector, false
	}
	return s.Target, true
}

// HasTarget reports whether the step names an element at all.
func (s Step) HasTarget() bool {
	return s.Selector != "" || s.Target != ""
}

// Validate enforces the per-kind field contract.
func (s Step) Validate() error {
	if !knownKinds[s.Action] {
		return fmt.Errorf("unknown action %q", s.Action)
	}
	switch s.Action {
	case Navigate:
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("%w: url for %s", ErrMissingField, s.Action)
		}
	case Type:
		if !s.HasTarget() {
			return fmt.Errorf("%w: target or selector for %s", ErrMissingField, s.Action)
		}
		if s.Text == "" {
			return fmt.Errorf("%w: text for %s", ErrMissingField, s.Action)
		}
	case Click, Extract:
		if !s.HasTarget() {
			return fmt.Errorf("%w: target or selector for %s", ErrMissingField, s.Action)
		}
	case Wait:
		if !s.HasTarget() && s.DurationMS <= 0 {
			return fmt.Errorf("%w: target, selector or duration_ms for %s", ErrMissingField, s.Action)
		}
	case Scroll:
		switch s.Direction {
		case "", "up", "down", "top", "bottom":
		default:
			return fmt.Errorf("invalid scroll direction %q", s.Direction)
		}
	}
	return nil
}

// Parse decodes and validates a plan document.
func Parse(data []byte) (Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	if len(p.Steps) == 0 {
		return Plan{}, errors.New("plan has no steps")
	}
	for i, s := range p.Steps {
		if err := s.Validate(); err != nil {
			return Plan{}, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return p, nil
}

// ParseSteps decodes a bare JSON array of steps, dropping entries that fail
// validation. Used for suggestion-service output, which is never trusted.
func ParseSteps(data []byte) []Step {
	var steps []Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil
	}
	kept := steps[:0]
	for _, s := range steps {
		if s.Validate() == nil {
			kept = append(kept, s)
		}
	}
	return kept
}

// Merge substitutes a fallback candidate into an original step: the
// candidate's action, target and selector replace the original's, payload
// fields the candidate sets override, and everything else (retry policy,
// optionality, timeouts) is carried over from the original.
func Merge(original, candidate Step) Step {
	merged := original
	merged.Action = candidate.Action
	merged.Target = candidate.Target
	merged.Selector = candidate.Selector
	if candidate.URL != "" {
		merged.URL = candidate.URL
	}
	if candidate.Text != "" {
		merged.Text = candidate.Text
	}
	if candidate.Submit {
		merged.Submit = true
	}
	if candidate.Direction != "" {
		merged.Direction = candidate.Direction
	}
	if candidate.Pixels != 0 {
		merged.Pixels = candidate.Pixels
	}
	if candidate.Attribute != "" {
		merged.Attribute = candidate.Attribute
	}
	if candidate.Value != "" {
		merged.Value = candidate.Value
	}
	if candidate.Filename != "" {
		merged.Filename = candidate.Filename
	}
	if candidate.DurationMS != 0 {
		merged.DurationMS = candidate.DurationMS
	}
	return merged
}
