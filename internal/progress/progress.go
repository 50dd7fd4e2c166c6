// Package progress publishes run lifecycle events: the formatted plan up
// front, one interim result per recovery detour, one final result per step,
// and a terminal plan outcome.
package progress

import (
	"github.com/rs/zerolog"

	"github.com/polzovatel/plan-runner-for-browser/internal/plan"
)

// Observer receives run events in order. Implementations must not block;
// slow sinks buffer or drop on their own.
type Observer interface {
	PlanStarted(runID, goal string, steps []plan.FormattedStep)
	// StepInterim fires when a step exhausted its retries but fallback
	// candidates are about to be tried. The final result supersedes it.
	StepInterim(runID string, result plan.StepResult)
	StepFinal(runID string, result plan.StepResult)
	PlanFinished(runID string, success bool)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) PlanStarted(string, string, []plan.FormattedStep) {}
func (NopObserver) StepInterim(string, plan.StepResult)              {}
func (NopObserver) StepFinal(string, plan.StepResult)                {}
func (NopObserver) PlanFinished(string, bool)                        {}

// LogObserver renders events through zerolog.
type LogObserver struct {
	logger zerolog.Logger
}

func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) PlanStarted(runID, goal string, steps []plan.FormattedStep) {
	o.logger.Info().
		Str("run_id", runID).
		Str("goal", goal).
		Int("steps", len(steps)).
		Msg("plan started")
	for _, s := range steps {
		o.logger.Info().
			Str("run_id", runID).
			Int("step_id", s.ID).
			Msg(s.Description)
	}
}

func (o *LogObserver) StepInterim(runID string, r plan.StepResult) {
	o.logger.Warn().
		Str("run_id", runID).
		Int("step_id", r.StepID).
		Str("error", r.Error).
		Msg("step exhausted, trying fallbacks")
}

func (o *LogObserver) StepFinal(runID string, r plan.StepResult) {
	ev := o.logger.Info()
	if !r.Success {
		ev = o.logger.Error()
	}
	ev = ev.Str("run_id", runID).
		Int("step_id", r.StepID).
		Bool("success", r.Success)
	if r.Error != "" {
		ev = ev.Str("error", r.Error)
	}
	if r.Fallback != nil {
		ev = ev.Bool("fallback_success", r.Fallback.Success)
		if r.Fallback.Suggestion != "" {
			ev = ev.Str("fallback", r.Fallback.Suggestion)
		}
	}
	ev.Msg("step finished")
}

func (o *LogObserver) PlanFinished(runID string, success bool) {
	o.logger.Info().
		Str("run_id", runID).
		Bool("success", success).
		Msg("plan finished")
}

// Multi fans events out to several observers in order.
type Multi []Observer

func (m Multi) PlanStarted(runID, goal string, steps []plan.FormattedStep) {
	for _, o := range m {
		o.PlanStarted(runID, goal, steps)
	}
}

func (m Multi) StepInterim(runID string, r plan.StepResult) {
	for _, o := range m {
		o.StepInterim(runID, r)
	}
}

func (m Multi) StepFinal(runID string, r plan.StepResult) {
	for _, o := range m {
		o.StepFinal(runID, r)
	}
}

func (m Multi) PlanFinished(runID string, success bool) {
	for _, o := range m {
		o.PlanFinished(runID, success)
	}
}
