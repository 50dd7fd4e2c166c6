package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/plan-runner-for-browser/internal/browser"
	"github.com/polzovatel/plan-runner-for-browser/internal/executor"
	"github.com/polzovatel/plan-runner-for-browser/internal/plan"
	"github.com/polzovatel/plan-runner-for-browser/internal/resolver"
	"github.com/polzovatel/plan-runner-for-browser/internal/retry"
)

type fakeElement struct {
	mu      sync.Mutex
	filled  []string
	pressed []string
	clicks  int
}

func (e *fakeElement) Click(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clicks++
	return nil
}

func (e *fakeElement) Fill(_ context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filled = append(e.filled, text)
	return nil
}

func (e *fakeElement) Press(_ context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pressed = append(e.pressed, key)
	return nil
}

func (e *fakeElement) Text(context.Context) (string, error)              { return "", nil }
func (e *fakeElement) Attribute(context.Context, string) (string, error) { return "", nil }
func (e *fakeElement) InputValue(context.Context) (string, error)        { return "", nil }
func (e *fakeElement) ScrollIntoView(context.Context) error              { return nil }
func (e *fakeElement) ScrollBy(context.Context, string, int) error       { return nil }

// fakeFrame serves elements, optionally only after a deadline has passed, the
// way late-rendered results behave.
type fakeFrame struct {
	mu           sync.Mutex
	visible      map[string]*fakeElement
	visibleAfter map[string]time.Time
}

func (f *fakeFrame) QueryVisible(_ context.Context, selector, _ string) (browser.Element, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if after, ok := f.visibleAfter[selector]; ok && time.Now().Before(after) {
		return nil, false, nil
	}
	if el, ok := f.visible[selector]; ok {
		return el, true, nil
	}
	return nil, false, nil
}

func (f *fakeFrame) Exists(_ context.Context, selector string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, now := f.visible[selector]
	_, later := f.visibleAfter[selector]
	return now || later, nil
}

func (f *fakeFrame) ScrollBy(context.Context, string, int) error { return nil }

type fakeTab struct {
	frame *fakeFrame
	url   string
}

func (t *fakeTab) Navigate(_ context.Context, url string) error { t.url = url; return nil }
func (t *fakeTab) Back(context.Context) error                   { return nil }
func (t *fakeTab) Forward(context.Context) error                { return nil }
func (t *fakeTab) Reload(context.Context) error                 { return nil }
func (t *fakeTab) Frames() []browser.Frame                      { return []browser.Frame{t.frame} }
func (t *fakeTab) HTML(context.Context) (string, error)         { return "<html></html>", nil }
func (t *fakeTab) Screenshot(context.Context) ([]byte, error)   { return nil, nil }
func (t *fakeTab) URL() string                                  { return t.url }
func (t *fakeTab) OpenerIs(browser.Tab) bool                    { return false }

type fakeSession struct {
	first browser.Tab
}

func (s *fakeSession) Tab() browser.Tab { return s.first }

func (s *fakeSession) WatchNewTabs() (<-chan browser.Tab, func()) {
	return make(chan browser.Tab), func() {}
}

func (s *fakeSession) SaveState(context.Context, string) error { return nil }
func (s *fakeSession) Close(context.Context) error             { return nil }

// scriptedRunner replays canned results and records every execution.
type scriptedRunner struct {
	mu     sync.Mutex
	calls  []plan.Step
	tabs   []browser.Tab
	script func(step plan.Step, call int) executor.Result
}

func (r *scriptedRunner) Execute(_ context.Context, tab browser.Tab, step plan.Step) executor.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	call := len(r.calls)
	r.calls = append(r.calls, step)
	r.tabs = append(r.tabs, tab)
	return r.script(step, call)
}

type fakeAdvisor struct {
	candidates []plan.Step
	err        error
	calls      int
}

func (a *fakeAdvisor) Suggest(context.Context, browser.Tab, plan.Step, error) ([]plan.Step, error) {
	a.calls++
	return a.candidates, a.err
}

// recorder captures the observer event stream.
type recorder struct {
	mu       sync.Mutex
	started  int
	interim  []plan.StepResult
	final    []plan.StepResult
	finished []bool
}

func (r *recorder) PlanStarted(string, string, []plan.FormattedStep) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recorder) StepInterim(_ string, res plan.StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interim = append(r.interim, res)
}

func (r *recorder) StepFinal(_ string, res plan.StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.final = append(r.final, res)
}

func (r *recorder) PlanFinished(_ string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, success)
}

func quickStep(kind plan.Kind, selector string) plan.Step {
	return plan.Step{Action: kind, Selector: selector, RetryCount: 1, RetryDelayMS: 1, URL: "https://example.com"}
}

func newTestEngine(runner StepRunner, rec *recorder, opts ...Option) *Engine {
	session := &fakeSession{first: &fakeTab{frame: &fakeFrame{}}}
	opts = append([]Option{WithObserver(rec), WithSettle(time.Millisecond)}, opts...)
	return New(session, runner, retry.New(zerolog.Nop()), zerolog.Nop(), opts...)
}

func TestRunAllStepsSucceed(t *testing.T) {
	runner := &scriptedRunner{script: func(plan.Step, int) executor.Result {
		return executor.Result{Success: true}
	}}
	rec := &recorder{}
	eng := newTestEngine(runner, rec)

	p := plan.Plan{Goal: "g", Steps: []plan.Step{
		quickStep(plan.Navigate, ""),
		quickStep(plan.Click, "#a"),
	}}
	report, err := eng.Run(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.NotEmpty(t, report.RunID)
	require.Len(t, report.Results, 2)
	assert.Equal(t, 1, rec.started)
	assert.Equal(t, []bool{true}, rec.finished)
	require.Len(t, rec.final, 2)
	assert.True(t, rec.final[0].Success)
}

func TestRunHaltsOnFailure(t *testing.T) {
	boom := errors.New("element not found")
	runner := &scriptedRunner{script: func(step plan.Step, _ int) executor.Result {
		if step.Selector == "#broken" {
			return executor.Result{Err: boom}
		}
		return executor.Result{Success: true}
	}}
	rec := &recorder{}
	eng := newTestEngine(runner, rec)

	p := plan.Plan{Goal: "g", Steps: []plan.Step{
		quickStep(plan.Click, "#ok"),
		quickStep(plan.Click, "#broken"),
		quickStep(plan.Click, "#never-reached"),
	}}
	report, err := eng.Run(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Equal(t, "element not found", report.Error)
	require.Len(t, report.Results, 2, "steps after the halt produce no results")
	assert.False(t, report.Results[1].Success)
	assert.Equal(t, []bool{false}, rec.finished)

	for _, s := range runner.calls {
		assert.NotEqual(t, "#never-reached", s.Selector)
	}
}

func TestRunOptionalFailureContinues(t *testing.T) {
	runner := &scriptedRunner{script: func(step plan.Step, _ int) executor.Result {
		if step.Selector == "#cookie-banner" {
			return executor.Result{Err: errors.New("element not found")}
		}
		return executor.Result{Success: true}
	}}
	rec := &recorder{}
	advisor := &fakeAdvisor{}
	eng := newTestEngine(runner, rec, WithAdvisor(advisor))

	optional := quickStep(plan.Click, "#cookie-banner")
	optional.Optional = true
	p := plan.Plan{Goal: "g", Steps: []plan.Step{
		optional,
		quickStep(plan.Click, "#next"),
	}}
	report, err := eng.Run(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, report.Success, "an optional failure never fails the plan")
	require.Len(t, report.Results, 2)
	assert.False(t, report.Results[0].Success)
	assert.True(t, report.Results[1].Success)
	assert.Zero(t, advisor.calls, "optional steps never reach recovery")
}

func TestRunFallbackRecovery(t *testing.T) {
	runner := &scriptedRunner{script: func(step plan.Step, _ int) executor.Result {
		switch step.Selector {
		case "#login-form button": // the second-ranked candidate works
			return executor.Result{Success: true}
		default:
			return executor.Result{Err: errors.New("element not found")}
		}
	}}
	rec := &recorder{}
	advisor := &fakeAdvisor{candidates: []plan.Step{
		{Action: plan.Click, Selector: "#stale-button"},
		{Action: plan.Click, Selector: "#login-form button"},
	}}
	eng := newTestEngine(runner, rec, WithAdvisor(advisor))

	p := plan.Plan{Goal: "g", Steps: []plan.Step{quickStep(plan.Click, "#login")}}
	report, err := eng.Run(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, report.Success)

	require.Len(t, report.Results, 1)
	final := report.Results[0]
	assert.True(t, final.Success)
	require.NotNil(t, final.Fallback)
	assert.True(t, final.Fallback.Success)
	assert.Equal(t, "#login-form button", final.Fallback.Step.Selector)

	require.Len(t, rec.interim, 1, "exhaustion with candidates publishes an interim failure first")
	assert.False(t, rec.interim[0].Success)
	assert.Equal(t, 1, advisor.calls)
}

func TestRunFallbacksAllFail(t *testing.T) {
	runner := &scriptedRunner{script: func(plan.Step, int) executor.Result {
		return executor.Result{Err: errors.New("element not found")}
	}}
	rec := &recorder{}
	advisor := &fakeAdvisor{candidates: []plan.Step{
		{Action: plan.Click, Selector: "#alt-a"},
		{Action: plan.Click, Selector: "#alt-b"},
	}}
	eng := newTestEngine(runner, rec, WithAdvisor(advisor))

	p := plan.Plan{Goal: "g", Steps: []plan.Step{
		quickStep(plan.Click, "#login"),
		quickStep(plan.Click, "#after"),
	}}
	report, err := eng.Run(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, report.Success)
	require.Len(t, report.Results, 1)
	final := report.Results[0]
	assert.False(t, final.Success)
	require.NotNil(t, final.Fallback)
	assert.False(t, final.Fallback.Success)
	assert.Equal(t, "#alt-b", final.Fallback.Step.Selector, "outcome describes the last candidate tried")
}

func TestRunAdvisorErrorDegradesToPlainFailure(t *testing.T) {
	runner := &scriptedRunner{script: func(plan.Step, int) executor.Result {
		return executor.Result{Err: errors.New("element not found")}
	}}
	rec := &recorder{}
	advisor := &fakeAdvisor{err: errors.New("suggestion service: rate limited")}
	eng := newTestEngine(runner, rec, WithAdvisor(advisor))

	p := plan.Plan{Goal: "g", Steps: []plan.Step{quickStep(plan.Click, "#login")}}
	report, err := eng.Run(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Empty(t, rec.interim)
}

func TestRunAdoptsNewTab(t *testing.T) {
	popup := &fakeTab{url: "https://example.com/popup", frame: &fakeFrame{}}
	runner := &scriptedRunner{script: func(step plan.Step, _ int) executor.Result {
		if step.Selector == "#open-popup" {
			return executor.Result{Success: true, NewTab: popup}
		}
		return executor.Result{Success: true}
	}}
	rec := &recorder{}
	eng := newTestEngine(runner, rec)

	p := plan.Plan{Goal: "g", Steps: []plan.Step{
		quickStep(plan.Click, "#open-popup"),
		quickStep(plan.Click, "#inside-popup"),
	}}
	report, err := eng.Run(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, report.Success)
	require.Len(t, runner.tabs, 2)
	assert.Same(t, popup, runner.tabs[1], "steps after the click run against the opened tab")
}

func TestRunCollectsExtractedData(t *testing.T) {
	runner := &scriptedRunner{script: func(step plan.Step, _ int) executor.Result {
		if step.Action == plan.Extract {
			return executor.Result{Success: true, Data: "42,90 EUR"}
		}
		return executor.Result{Success: true}
	}}
	eng := newTestEngine(runner, &recorder{})

	extract := quickStep(plan.Extract, ".price")
	p := plan.Plan{Goal: "g", Steps: []plan.Step{quickStep(plan.Navigate, ""), extract}}
	report, err := eng.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "42,90 EUR", report.Extracted[1])
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &scriptedRunner{script: func(plan.Step, int) executor.Result {
		cancel()
		return executor.Result{Err: ctx.Err()}
	}}
	rec := &recorder{}
	eng := newTestEngine(runner, rec)

	p := plan.Plan{Goal: "g", Steps: []plan.Step{
		quickStep(plan.Click, "#a"),
		quickStep(plan.Click, "#b"),
	}}
	report, err := eng.Run(ctx, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, report.Success)
	assert.LessOrEqual(t, len(runner.calls), 1)
}

// End to end over the real executor and resolver: the search box only matches
// the third heuristic candidate and the results container renders late.
func TestRunSearchScenario(t *testing.T) {
	searchBox := &fakeElement{}
	firstResult := &fakeElement{}
	frame := &fakeFrame{
		visible: map[string]*fakeElement{
			`input[name="query"]`: searchBox,
			"#results a":          firstResult,
		},
		visibleAfter: map[string]time.Time{
			"#results": time.Now().Add(800 * time.Millisecond),
		},
	}
	frame.visible["#results"] = &fakeElement{}
	tab := &fakeTab{frame: frame}
	session := &fakeSession{first: tab}

	res := resolver.New(nil, zerolog.Nop())
	exec := executor.New(res, session, zerolog.Nop())
	eng := New(session, exec, retry.New(zerolog.Nop()), zerolog.Nop(), WithSettle(time.Millisecond))

	p := plan.Plan{Goal: "search and open the first result", Steps: []plan.Step{
		{Action: plan.Type, Target: "search_input", Text: "concurrency patterns", Submit: true, RetryCount: 1},
		{Action: plan.Wait, Selector: "#results", TimeoutMS: 5000, RetryCount: 1},
		{Action: plan.Click, Selector: "#results a", RetryCount: 1},
	}}

	start := time.Now()
	report, err := eng.Run(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, report.Success)
	require.Len(t, report.Results, 3)

	assert.Equal(t, []string{"concurrency patterns"}, searchBox.filled)
	assert.Equal(t, []string{"Enter"}, searchBox.pressed)
	assert.Equal(t, 1, firstResult.clicks)
	assert.GreaterOrEqual(t, time.Since(start), 800*time.Millisecond,
		"the wait step must actually poll until the results render")
}
