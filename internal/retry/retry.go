// Package retry wraps a single step's execution with bounded retries, linear
// backoff, and the escape hatch into failure recovery.
package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/plan-runner-for-browser/internal/executor"
	"github.com/polzovatel/plan-runner-for-browser/internal/plan"
)

// Action executes one attempt of a step.
type Action func(ctx context.Context) executor.Result

// RecoverFunc asks for fallback candidates after retries exhaust. It is only
// consulted for non-optional steps and is always best-effort: no candidates
// means the failure stands.
type RecoverFunc func(ctx context.Context, lastErr error) []plan.Step

// Failure is the terminal outcome of an exhausted step. Candidates is
// non-empty exactly when recovery produced viable substitutes, so callers
// branch on the field instead of an error type assertion.
type Failure struct {
	Err        error
	Candidates []plan.Step
}

type Coordinator struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Coordinator {
	return &Coordinator{logger: logger}
}

// Run drives one step: Pending → Attempting(n) → Succeeded | Exhausted.
// Between attempts it waits retryDelay * attemptIndex. On exhaustion an
// optional step propagates the last error directly; a non-optional step goes
// through recover first.
func (c *Coordinator) Run(ctx context.Context, step plan.Step, run Action, recover RecoverFunc) (executor.Result, *Failure) {
	attempts := step.Retries()
	var last executor.Result
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := step.RetryDelay() * time.Duration(attempt-1)
			c.logger.Debug().
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("action", string(step.Action)).
				Msg("retrying step")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return executor.Result{}, &Failure{Err: ctx.Err()}
			}
		}
		last = run(ctx)
		if last.Err == nil {
			return last, nil
		}
		if ctx.Err() != nil {
			return executor.Result{}, &Failure{Err: ctx.Err()}
		}
		c.logger.Warn().
			Err(last.Err).
			Int("attempt", attempt).
			Str("action", string(step.Action)).
			Msg("step attempt failed")
	}

	if step.Optional || recover == nil {
		// Optional steps fail silently higher up; recovery is never spent on
		// them.
		return executor.Result{}, &Failure{Err: last.Err}
	}
	candidates := recover(ctx, last.Err)
	return executor.Result{}, &Failure{Err: last.Err, Candidates: candidates}
}
