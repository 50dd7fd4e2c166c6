// Package executor performs one plan step against one tab. Each action kind
// maps to a single DOM/browser operation with a uniform outcome.
package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/plan-runner-for-browser/internal/browser"
	"github.com/polzovatel/plan-runner-for-browser/internal/plan"
	"github.com/polzovatel/plan-runner-for-browser/internal/resolver"
)

const (
	pollInterval  = 200 * time.Millisecond
	popupWindow   = 800 * time.Millisecond
	historySettle = 500 * time.Millisecond
)

var (
	// ErrElementNotFound: resolution exhausted all selectors and shadow roots
	// in every frame.
	ErrElementNotFound = errors.New("element not found")
	// ErrNotVisible: something matched but nothing passed the interactivity
	// checks.
	ErrNotVisible = errors.New("element not visible")
	// ErrTimeout: a wait or navigation deadline was exceeded.
	ErrTimeout = errors.New("timeout")
	// ErrActionFailed: the browser operation itself failed.
	ErrActionFailed = errors.New("action failed")
)

// Result is the uniform executor outcome. NewTab is set when a click opened a
// tab whose opener is the acting tab; the engine adopts it for later steps.
type Result struct {
	Success bool
	Data    string
	NewTab  browser.Tab
	Err     error
}

func failure(err error) Result { return Result{Err: err} }

// Executor runs steps. The session is only used to observe tab creation
// around clicks; it may be nil when popup adoption is not needed.
type Executor struct {
	resolver *resolver.Resolver
	session  browser.Session
	logger   zerolog.Logger
}

func New(res *resolver.Resolver, session browser.Session, logger zerolog.Logger) *Executor {
	return &Executor{resolver: res, session: session, logger: logger}
}

// Execute performs one step. Steps are validated at plan ingestion, so a
// malformed step reaching this point is a programming error and reported as
// ErrActionFailed.
func (e *Executor) Execute(ctx context.Context, tab browser.Tab, step plan.Step) Result {
	if err := step.Validate(); err != nil {
		return failure(fmt.Errorf("%w: %v", ErrActionFailed, err))
	}
	e.logger.Debug().
		Str("action", string(step.Action)).
		Str("target", step.Target).
		Str("selector", step.Selector).
		Msg("execute step")

	switch step.Action {
	case plan.Navigate:
		return e.navigate(ctx, tab, step)
	case plan.Type:
		return e.typeText(ctx, tab, step)
	case plan.Click:
		return e.click(ctx, tab, step)
	case plan.Scroll:
		return e.scroll(ctx, tab, step)
	case plan.Wait:
		return e.wait(ctx, tab, step)
	case plan.Extract:
		return e.extract(ctx, tab, step)
	case plan.GoBack:
		return e.history(ctx, tab.Back)
	case plan.GoForward:
		return e.history(ctx, tab.Forward)
	case plan.Refresh:
		return e.history(ctx, tab.Reload)
	case plan.Screenshot:
		return e.screenshot(ctx, tab, step)
	default:
		return failure(fmt.Errorf("%w: unknown action %q", ErrActionFailed, step.Action))
	}
}

func (e *Executor) navigate(ctx context.Context, tab browser.Tab, step plan.Step) Result {
	if err := tab.Navigate(ctx, step.URL); err != nil {
		return failure(classify(err))
	}
	return Result{Success: true}
}

func (e *Executor) typeText(ctx context.Context, tab browser.Tab, step plan.Step) Result {
	el, err := e.resolveRequired(ctx, tab, step)
	if err != nil {
		return failure(err)
	}
	if err := el.Fill(ctx, step.Text); err != nil {
		return failure(fmt.Errorf("%w: fill: %v", ErrActionFailed, err))
	}
	if step.Submit {
		if err := el.Press(ctx, "Enter"); err != nil {
			return failure(fmt.Errorf("%w: submit: %v", ErrActionFailed, err))
		}
	}
	return Result{Success: true}
}

func (e *Executor) click(ctx context.Context, tab browser.Tab, step plan.Step) Result {
	// The tab-creation observer must be in place before the click fires and
	// gone right after, so an unrelated late popup is never adopted.
	var newTabs <-chan browser.Tab
	if e.session != nil {
		ch, stop := e.session.WatchNewTabs()
		defer stop()
		newTabs = ch
	}

	el, err := e.resolveRequired(ctx, tab, step)
	if err != nil {
		return failure(err)
	}
	if err := el.Click(ctx); err != nil {
		return failure(fmt.Errorf("%w: click: %v", ErrActionFailed, err))
	}

	if newTabs != nil {
		select {
		case t := <-newTabs:
			if t.OpenerIs(tab) {
				e.logger.Info().Str("url", t.URL()).Msg("click opened new tab")
				return Result{Success: true, NewTab: t}
			}
		case <-time.After(popupWindow):
		case <-ctx.Done():
			return failure(ctx.Err())
		}
	}
	return Result{Success: true}
}

// scroll is best-effort: a missing target is success, not a fault. A target
// without a direction scrolls into view; a target with a direction scrolls
// the target's own container; no target scrolls the window.
func (e *Executor) scroll(ctx context.Context, tab browser.Tab, step plan.Step) Result {
	if step.HasTarget() {
		id, semantic := step.Identifier()
		el, found, err := e.resolveAcross(ctx, tab, id, semantic)
		if err != nil {
			return failure(fmt.Errorf("%w: %v", ErrActionFailed, err))
		}
		if !found {
			return Result{Success: true}
		}
		if step.Direction == "" {
			if err := el.ScrollIntoView(ctx); err != nil {
				return failure(fmt.Errorf("%w: scroll: %v", ErrActionFailed, err))
			}
			return Result{Success: true}
		}
		if err := el.ScrollBy(ctx, step.Direction, step.Pixels); err != nil {
			return failure(fmt.Errorf("%w: scroll: %v", ErrActionFailed, err))
		}
		return Result{Success: true}
	}

	direction := step.Direction
	if direction == "" {
		direction = "down"
	}
	frames := tab.Frames()
	if len(frames) == 0 {
		return Result{Success: true}
	}
	if err := frames[0].ScrollBy(ctx, direction, step.Pixels); err != nil {
		return failure(fmt.Errorf("%w: scroll: %v", ErrActionFailed, err))
	}
	return Result{Success: true}
}

func (e *Executor) wait(ctx context.Context, tab browser.Tab, step plan.Step) Result {
	if !step.HasTarget() {
		// Fixed delay, the last-resort form.
		select {
		case <-time.After(step.FixedDelay()):
			return Result{Success: true}
		case <-ctx.Done():
			return failure(ctx.Err())
		}
	}

	id, semantic := step.Identifier()
	deadline := time.Now().Add(step.WaitTimeout())
	for {
		_, found, err := e.resolveAcross(ctx, tab, id, semantic)
		if err != nil {
			return failure(fmt.Errorf("%w: %v", ErrActionFailed, err))
		}
		if found {
			return Result{Success: true}
		}
		if time.Now().After(deadline) {
			return failure(fmt.Errorf("%w: waiting for %s", ErrTimeout, id))
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return failure(ctx.Err())
		}
	}
}

func (e *Executor) extract(ctx context.Context, tab browser.Tab, step plan.Step) Result {
	el, err := e.resolveRequired(ctx, tab, step)
	if err != nil {
		return failure(err)
	}
	if step.Attribute != "" {
		val, err := el.Attribute(ctx, step.Attribute)
		if err != nil {
			return failure(fmt.Errorf("%w: attribute %s: %v", ErrActionFailed, step.Attribute, err))
		}
		return Result{Success: true, Data: val}
	}
	if val, err := el.InputValue(ctx); err == nil && val != "" {
		return Result{Success: true, Data: val}
	}
	text, err := el.Text(ctx)
	if err != nil {
		return failure(fmt.Errorf("%w: text: %v", ErrActionFailed, err))
	}
	return Result{Success: true, Data: strings.TrimSpace(text)}
}

func (e *Executor) history(ctx context.Context, op func(context.Context) error) Result {
	if err := op(ctx); err != nil {
		return failure(classify(err))
	}
	select {
	case <-time.After(historySettle):
	case <-ctx.Done():
		return failure(ctx.Err())
	}
	return Result{Success: true}
}

func (e *Executor) screenshot(ctx context.Context, tab browser.Tab, step plan.Step) Result {
	data, err := tab.Screenshot(ctx)
	if err != nil {
		return failure(fmt.Errorf("%w: screenshot: %v", ErrActionFailed, err))
	}
	if step.Filename != "" {
		if err := os.WriteFile(step.Filename, data, 0o644); err != nil {
			return failure(fmt.Errorf("%w: write screenshot: %v", ErrActionFailed, err))
		}
		return Result{Success: true, Data: step.Filename}
	}
	return Result{Success: true, Data: base64.StdEncoding.EncodeToString(data)}
}

// resolveRequired resolves the step's element and converts all-frames misses
// into the proper taxonomy error: ErrNotVisible when something matched but
// failed the interactivity checks, ErrElementNotFound otherwise.
func (e *Executor) resolveRequired(ctx context.Context, tab browser.Tab, step plan.Step) (browser.Element, error) {
	id, semantic := step.Identifier()
	el, found, err := e.resolveAcross(ctx, tab, id, semantic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActionFailed, err)
	}
	if found {
		return el, nil
	}
	for _, candidate := range e.resolver.Candidates(id, semantic) {
		structural, _ := resolver.SplitContains(candidate)
		if ExistsAnywhere(ctx, tab, structural) {
			return nil, fmt.Errorf("%w: %s", ErrNotVisible, id)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrElementNotFound, id)
}

// resolveAcross broadcasts resolution to every frame of the tab concurrently
// and aggregates: the first hit in frame order (main frame first) wins.
// Per-frame failures are recoverable locally; they only matter if no frame
// finds anything.
func (e *Executor) resolveAcross(ctx context.Context, tab browser.Tab, id string, semantic bool) (browser.Element, bool, error) {
	frames := tab.Frames()
	if len(frames) == 0 {
		return nil, false, nil
	}

	type hit struct {
		el    browser.Element
		found bool
		err   error
	}
	hits := make([]hit, len(frames))
	var wg sync.WaitGroup
	for i, f := range frames {
		wg.Add(1)
		go func(i int, f browser.Frame) {
			defer wg.Done()
			el, found, err := e.resolver.Resolve(ctx, f, id, semantic)
			hits[i] = hit{el: el, found: found, err: err}
		}(i, f)
	}
	wg.Wait()

	var frameErr error
	for _, h := range hits {
		if h.found {
			return h.el, true, nil
		}
		if h.err != nil && frameErr == nil {
			frameErr = h.err
		}
	}
	if frameErr != nil {
		e.logger.Debug().Err(frameErr).Str("id", id).Msg("frame resolution error")
	}
	return nil, false, nil
}

// ExistsAnywhere broadcasts the lightweight existence probe to every frame.
// Frame errors (cross-origin and the like) count as absence.
func ExistsAnywhere(ctx context.Context, tab browser.Tab, selector string) bool {
	frames := tab.Frames()
	if len(frames) == 0 {
		return false
	}
	results := make([]bool, len(frames))
	var wg sync.WaitGroup
	for i, f := range frames {
		wg.Add(1)
		go func(i int, f browser.Frame) {
			defer wg.Done()
			found, err := f.Exists(ctx, selector)
			results[i] = err == nil && found
		}(i, f)
	}
	wg.Wait()
	for _, found := range results {
		if found {
			return true
		}
	}
	return false
}

// classify maps host errors onto the taxonomy by message, the only signal the
// scripting host gives us.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrActionFailed, err)
}
