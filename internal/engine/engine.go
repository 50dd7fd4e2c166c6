// Package engine walks a validated plan step by step over one browser
// session: retries, failure recovery, fallback execution, tab adoption, and
// progress reporting.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/polzovatel/plan-runner-for-browser/internal/browser"
	"github.com/polzovatel/plan-runner-for-browser/internal/executor"
	"github.com/polzovatel/plan-runner-for-browser/internal/plan"
	"github.com/polzovatel/plan-runner-for-browser/internal/progress"
	"github.com/polzovatel/plan-runner-for-browser/internal/retry"
)

const defaultSettle = 500 * time.Millisecond

// StepRunner executes one attempt of one step against one tab.
type StepRunner interface {
	Execute(ctx context.Context, tab browser.Tab, step plan.Step) executor.Result
}

// Advisor produces fallback candidates for an exhausted non-optional step.
type Advisor interface {
	Suggest(ctx context.Context, tab browser.Tab, step plan.Step, cause error) ([]plan.Step, error)
}

// Report is the terminal outcome of one run. Error carries the first
// non-optional failure's message; Extracted maps step ids of data-producing
// steps to their payloads.
type Report struct {
	RunID     string
	Success   bool
	Error     string
	Results   []plan.StepResult
	Extracted map[int]string
}

type Engine struct {
	session  browser.Session
	runner   StepRunner
	retrier  *retry.Coordinator
	advisor  Advisor
	observer progress.Observer
	settle   time.Duration
	logger   zerolog.Logger
}

// Option tweaks engine construction.
type Option func(*Engine)

// WithAdvisor enables LLM-backed failure recovery. Without it, exhausted
// steps fail directly.
func WithAdvisor(a Advisor) Option {
	return func(e *Engine) { e.advisor = a }
}

func WithObserver(o progress.Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func WithSettle(d time.Duration) Option {
	return func(e *Engine) { e.settle = d }
}

func New(session browser.Session, runner StepRunner, retrier *retry.Coordinator, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		session:  session,
		runner:   runner,
		retrier:  retrier,
		observer: progress.NopObserver{},
		settle:   defaultSettle,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the plan to completion or to the first terminal failure of a
// non-optional step. Steps after a halt never produce results. The returned
// error is non-nil only for cancellation; a plan that merely failed reports
// Success=false.
func (e *Engine) Run(ctx context.Context, p plan.Plan) (Report, error) {
	runID := uuid.NewString()
	steps := plan.Format(p)
	report := Report{
		RunID:     runID,
		Success:   true,
		Extracted: make(map[int]string),
	}
	e.observer.PlanStarted(runID, p.Goal, steps)
	e.logger.Info().Str("run_id", runID).Str("goal", p.Goal).Int("steps", len(steps)).Msg("run started")

	tab := e.session.Tab()
	for _, fs := range steps {
		if err := ctx.Err(); err != nil {
			e.observer.PlanFinished(runID, false)
			report.Success = false
			return report, err
		}

		result, halt, err := e.runStep(ctx, &tab, runID, fs, &report)
		if err != nil {
			e.observer.PlanFinished(runID, false)
			report.Success = false
			return report, err
		}
		report.Results = append(report.Results, result)
		e.observer.StepFinal(runID, result)
		if halt {
			report.Success = false
			report.Error = result.Error
			break
		}

		select {
		case <-time.After(e.settle):
		case <-ctx.Done():
			e.observer.PlanFinished(runID, false)
			report.Success = false
			return report, ctx.Err()
		}
	}

	e.observer.PlanFinished(runID, report.Success)
	e.logger.Info().Str("run_id", runID).Bool("success", report.Success).Msg("run finished")
	return report, nil
}

// runStep drives one formatted step through retry and, when warranted,
// fallback candidates. halt is true when a non-optional step ended in
// failure.
func (e *Engine) runStep(ctx context.Context, tab *browser.Tab, runID string, fs plan.FormattedStep, report *Report) (plan.StepResult, bool, error) {
	run := func(ctx context.Context) executor.Result {
		return e.runner.Execute(ctx, *tab, fs.Step)
	}
	var recover retry.RecoverFunc
	if e.advisor != nil {
		recover = func(ctx context.Context, lastErr error) []plan.Step {
			candidates, err := e.advisor.Suggest(ctx, *tab, fs.Step, lastErr)
			if err != nil {
				e.logger.Warn().Err(err).Int("step_id", fs.ID).Msg("recovery unavailable")
				return nil
			}
			return candidates
		}
	}

	res, fail := e.retrier.Run(ctx, fs.Step, run, recover)
	if fail == nil {
		e.adopt(tab, res.NewTab)
		if res.Data != "" {
			report.Extracted[fs.ID] = res.Data
		}
		return plan.StepResult{StepID: fs.ID, Success: true}, false, nil
	}
	if errors.Is(fail.Err, context.Canceled) || errors.Is(fail.Err, context.DeadlineExceeded) {
		return plan.StepResult{}, false, fail.Err
	}

	if fs.Step.Optional {
		e.logger.Info().Int("step_id", fs.ID).Err(fail.Err).Msg("optional step failed, continuing")
		return plan.StepResult{StepID: fs.ID, Success: false, Error: fail.Err.Error()}, false, nil
	}

	if len(fail.Candidates) == 0 {
		return plan.StepResult{StepID: fs.ID, Success: false, Error: fail.Err.Error()}, true, nil
	}

	e.observer.StepInterim(runID, plan.StepResult{StepID: fs.ID, Success: false, Error: fail.Err.Error()})
	outcome := e.tryFallbacks(ctx, tab, fs, fail.Candidates, report)
	result := plan.StepResult{
		StepID:   fs.ID,
		Success:  outcome.Success,
		Fallback: outcome,
	}
	if !outcome.Success {
		result.Error = fail.Err.Error()
	}
	return result, !outcome.Success, nil
}

// tryFallbacks executes candidates in rank order, one attempt each, stopping
// at the first success. The returned outcome describes the last candidate
// tried.
func (e *Engine) tryFallbacks(ctx context.Context, tab *browser.Tab, fs plan.FormattedStep, candidates []plan.Step, report *Report) *plan.FallbackOutcome {
	var outcome *plan.FallbackOutcome
	for i, c := range candidates {
		merged := plan.Merge(fs.Step, c)
		outcome = &plan.FallbackOutcome{
			Suggestion: plan.Describe(merged),
			Step:       &merged,
		}
		e.logger.Info().
			Int("step_id", fs.ID).
			Int("rank", i).
			Str("suggestion", outcome.Suggestion).
			Msg("trying fallback candidate")

		res := e.runner.Execute(ctx, *tab, merged)
		if res.Err == nil {
			outcome.Success = true
			e.adopt(tab, res.NewTab)
			if res.Data != "" {
				report.Extracted[fs.ID] = res.Data
			}
			return outcome
		}
		outcome.Error = res.Err.Error()
		if ctx.Err() != nil {
			return outcome
		}
		e.logger.Warn().
			Int("step_id", fs.ID).
			Int("rank", i).
			Err(res.Err).
			Msg("fallback candidate failed")
	}
	return outcome
}

// adopt switches later steps to a tab a click opened.
func (e *Engine) adopt(tab *browser.Tab, newTab browser.Tab) {
	if newTab == nil {
		return
	}
	e.logger.Info().Str("url", newTab.URL()).Msg("adopting new tab")
	*tab = newTab
}
