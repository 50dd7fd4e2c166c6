// Package resolver turns step identifiers into live page elements.
package resolver

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/polzovatel/plan-runner-for-browser/internal/browser"
	"github.com/polzovatel/plan-runner-for-browser/internal/heuristics"
)

// containsRe matches the tag:contains("text") selector extension. It
// decomposes into a structural selector and a case-insensitive substring
// filter on textContent, applied by the host's queryVisible procedure.
var containsRe = regexp.MustCompile(`^(.*?):contains\((['"])(.*?)(['"])\)(.*)$`)

// Resolver resolves semantic targets through its heuristics table and raw
// selectors directly. It is a pure function of DOM state; results are never
// cached.
type Resolver struct {
	table  *heuristics.Table
	logger zerolog.Logger
}

func New(table *heuristics.Table, logger zerolog.Logger) *Resolver {
	if table == nil {
		table = heuristics.Default()
	}
	return &Resolver{table: table, logger: logger}
}

// Resolve returns the first visible, interactive element for the identifier
// within one frame. Semantic identifiers walk the heuristics candidates in
// priority order; the first selector with a visible match wins. found ==
// false after exhausting all candidates is an expected outcome, not an error.
func (r *Resolver) Resolve(ctx context.Context, f browser.Frame, identifier string, semantic bool) (browser.Element, bool, error) {
	for _, candidate := range r.Candidates(identifier, semantic) {
		selector, textFilter := SplitContains(candidate)
		el, found, err := f.QueryVisible(ctx, selector, textFilter)
		if err != nil {
			return nil, false, err
		}
		if found {
			return el, true, nil
		}
	}
	return nil, false, nil
}

// Candidates returns the ordered selector list for an identifier. For raw
// selectors that is the identifier itself; for semantic names the heuristics
// entry, or nothing when the name is unknown.
func (r *Resolver) Candidates(identifier string, semantic bool) []string {
	if !semantic {
		return []string{identifier}
	}
	selectors, ok := r.table.Lookup(identifier)
	if !ok {
		r.logger.Debug().Str("target", identifier).Msg("no heuristics for semantic target")
		return nil
	}
	return selectors
}

// SplitContains decomposes a tag:contains("text") entry into its structural
// selector and text filter. Plain selectors pass through unchanged.
func SplitContains(selector string) (structural, textFilter string) {
	m := containsRe.FindStringSubmatch(selector)
	if m == nil {
		return selector, ""
	}
	structural = strings.TrimSpace(m[1] + m[5])
	if structural == "" {
		structural = "*"
	}
	return structural, m[3]
}
