package plan

import "fmt"

// FormattedStep is a step plus its plan-relative id and a human-readable
// description. The id is 0-based, dense, and the join key for all progress
// reporting.
type FormattedStep struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	Step        Step   `json:"step"`
}

// StepResult records the outcome of one formatted step. Exactly one final
// result exists per step id that began execution; an interim failure may be
// published first and is superseded by the final result.
type StepResult struct {
	StepID   int              `json:"step_id"`
	Success  bool             `json:"success"`
	Error    string           `json:"error,omitempty"`
	Fallback *FallbackOutcome `json:"fallback,omitempty"`
}

// FallbackOutcome records the last fallback candidate tried for a step.
type FallbackOutcome struct {
	Suggestion string `json:"suggestion,omitempty"`
	Step       *Step  `json:"step,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// Format assigns ids and descriptions to the whole plan up front.
func Format(p Plan) []FormattedStep {
	formatted := make([]FormattedStep, len(p.Steps))
	for i, s := range p.Steps {
		formatted[i] = FormattedStep{ID: i, Description: Describe(s), Step: s}
	}
	return formatted
}

// Describe renders a step for humans.
func Describe(s Step) string {
	target := s.Target
	if target == "" {
		target = s.Selector
	}
	switch s.Action {
	case Navigate:
		return fmt.Sprintf("navigate to %s", s.URL)
	case Type:
		return fmt.Sprintf("type %q into %s", s.Text, target)
	case Click:
		return fmt.Sprintf("click %s", target)
	case Scroll:
		switch {
		case target != "" && s.Direction == "":
			return fmt.Sprintf("scroll %s into view", target)
		case s.Direction != "":
			return fmt.Sprintf("scroll %s", s.Direction)
		default:
			return "scroll page"
		}
	case Wait:
		if target != "" {
			return fmt.Sprintf("wait for %s", target)
		}
		return fmt.Sprintf("wait %s", s.FixedDelay())
	case Extract:
		if s.Attribute != "" {
			return fmt.Sprintf("extract %s from %s", s.Attribute, target)
		}
		return fmt.Sprintf("extract text from %s", target)
	case GoBack:
		return "go back"
	case GoForward:
		return "go forward"
	case Refresh:
		return "refresh page"
	case Screenshot:
		if s.Filename != "" {
			return fmt.Sprintf("screenshot to %s", s.Filename)
		}
		return "take screenshot"
	default:
		return string(s.Action)
	}
}
