// Package recovery implements the failure-recovery protocol: capture page
// context, ask the suggestion service for alternative steps, and filter the
// answer down to candidates that can plausibly work on the current page.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/polzovatel/plan-runner-for-browser/internal/browser"
	"github.com/polzovatel/plan-runner-for-browser/internal/executor"
	"github.com/polzovatel/plan-runner-for-browser/internal/heuristics"
	"github.com/polzovatel/plan-runner-for-browser/internal/llm"
	"github.com/polzovatel/plan-runner-for-browser/internal/plan"
	"github.com/polzovatel/plan-runner-for-browser/internal/resolver"
	"github.com/polzovatel/plan-runner-for-browser/internal/snapshot"
)

const maxCandidates = 3

// ErrSuggestionService marks a failed diagnostic call, as opposed to the
// service answering with nothing usable. Callers degrade it to zero
// candidates; recovery never faults a plan.
var ErrSuggestionService = errors.New("suggestion service")

var fencedRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\[.*?\\])\\s*```")

const systemPrompt = `You are a web automation repair assistant.
A step of an automation plan failed against the current page. Using the page
HTML and screenshot, propose up to 3 alternative steps likely to achieve the
same intent, best first.
Respond with ONLY a JSON array of step objects inside a fenced json code
block. Each object: {"action":"navigate|type|click|scroll|wait|extract",
"selector":"css selector"?, "target":"semantic name"?, "url"?, "text"?,
"duration_ms"?}. Prefer concrete selectors visible in the HTML.`

// Advisor drives one recovery pass per exhausted non-optional step.
type Advisor struct {
	llm       llm.Client
	table     *heuristics.Table
	htmlLimit int
	logger    zerolog.Logger
}

func NewAdvisor(client llm.Client, table *heuristics.Table, logger zerolog.Logger) *Advisor {
	if table == nil {
		table = heuristics.Default()
	}
	return &Advisor{llm: client, table: table, htmlLimit: snapshot.DefaultHTMLLimit, logger: logger}
}

// Suggest returns up to three viable fallback candidates, rank order
// preserved. A service failure returns ErrSuggestionService and no
// candidates; malformed or empty answers return no candidates and no error.
func (a *Advisor) Suggest(ctx context.Context, tab browser.Tab, step plan.Step, cause error) ([]plan.Step, error) {
	snap, err := snapshot.Collect(ctx, tab, a.htmlLimit, a.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSuggestionService, err)
	}

	msg := llm.Message{
		Role:    "user",
		Content: buildPrompt(step, cause, snap),
	}
	if snap.Screenshot != nil {
		msg.Images = [][]byte{snap.Screenshot}
	}
	resp, err := a.llm.Generate(ctx, llm.Request{
		System:      systemPrompt,
		Messages:    []llm.Message{msg},
		Temperature: 0.0,
		MaxTokens:   600,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSuggestionService, err)
	}

	candidates := ParseCandidates(resp.Text)
	if len(candidates) == 0 {
		a.logger.Info().Msg("suggestion service returned no usable candidates")
		return nil, nil
	}
	viable := a.filterExisting(ctx, tab, candidates)
	a.logger.Info().
		Int("suggested", len(candidates)).
		Int("viable", len(viable)).
		Str("action", string(step.Action)).
		Msg("recovery candidates")
	return viable, nil
}

func buildPrompt(step plan.Step, cause error, snap snapshot.Snapshot) string {
	stepJSON, _ := json.Marshal(step)
	var b strings.Builder
	fmt.Fprintf(&b, "FAILED STEP: %s\n", stepJSON)
	fmt.Fprintf(&b, "ERROR: %v\n", cause)
	fmt.Fprintf(&b, "PAGE URL: %s\n", snap.URL)
	if snap.Truncated {
		b.WriteString("PAGE HTML (truncated):\n")
	} else {
		b.WriteString("PAGE HTML:\n")
	}
	b.WriteString(snap.HTML)
	return b.String()
}

// ParseCandidates decodes the service answer defensively: fenced json block
// first, then the raw text as a JSON array, else nothing. Invalid steps are
// dropped, rank order kept, the count capped.
func ParseCandidates(text string) []plan.Step {
	var raw string
	if m := fencedRe.FindStringSubmatch(text); m != nil {
		raw = m[1]
	} else if arr := extractArray(text); arr != "" {
		raw = arr
	} else {
		return nil
	}
	steps := plan.ParseSteps([]byte(raw))
	if len(steps) > maxCandidates {
		steps = steps[:maxCandidates]
	}
	return steps
}

// extractArray returns the first substring that is a balanced JSON array of
// objects. Each '[' anchors its own scan, so stray quotes or bracketed
// citations in the surrounding prose cannot derail the string-state
// tracking.
func extractArray(text string) string {
	for i := 0; i < len(text); i++ {
		if text[i] != '[' {
			continue
		}
		end := scanArray(text[i:])
		if end == 0 {
			continue
		}
		candidate := text[i : i+end]
		if isObjectArray(candidate) {
			return candidate
		}
	}
	return ""
}

// scanArray reports the length of the balanced array starting at s[0] == '[',
// ignoring brackets inside strings, or 0 when it never closes.
func scanArray(s string) int {
	depth := 0
	inStr := false
	esc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			esc = false
			continue
		}
		switch ch {
		case '\\':
			if inStr {
				esc = true
			}
		case '"':
			inStr = !inStr
		case '[':
			if !inStr {
				depth++
			}
		case ']':
			if !inStr {
				depth--
				if depth == 0 {
					return i + 1
				}
			}
		}
	}
	return 0
}

func isObjectArray(s string) bool {
	var probe []map[string]interface{}
	return json.Unmarshal([]byte(s), &probe) == nil
}

// filterExisting keeps candidates whose target plausibly exists on the page.
// Candidates without a resolvable selector or target (navigate, fixed-length
// wait) are always kept since existence cannot be checked.
func (a *Advisor) filterExisting(ctx context.Context, tab browser.Tab, candidates []plan.Step) []plan.Step {
	viable := make([]plan.Step, 0, len(candidates))
	for _, c := range candidates {
		if !c.HasTarget() {
			viable = append(viable, c)
			continue
		}
		if a.exists(ctx, tab, c) {
			viable = append(viable, c)
		} else {
			a.logger.Debug().
				Str("action", string(c.Action)).
				Str("target", c.Target).
				Str("selector", c.Selector).
				Msg("discarding candidate, nothing matches on page")
		}
	}
	return viable
}

func (a *Advisor) exists(ctx context.Context, tab browser.Tab, c plan.Step) bool {
	if c.Selector != "" {
		structural, _ := resolver.SplitContains(c.Selector)
		return executor.ExistsAnywhere(ctx, tab, structural)
	}
	selectors, known := a.table.Lookup(c.Target)
	if !known {
		// Semantic target with no heuristics: probe the name itself, which
		// discards it unless it happens to be a valid selector with a match.
		return executor.ExistsAnywhere(ctx, tab, c.Target)
	}
	for _, sel := range selectors {
		structural, _ := resolver.SplitContains(sel)
		if executor.ExistsAnywhere(ctx, tab, structural) {
			return true
		}
	}
	return false
}
