// Package heuristics maps semantic target names to ordered candidate-selector
// lists. The table is an explicit configuration object handed to the resolver
// at construction; nothing in here is process-global.
package heuristics

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Table holds the semantic-name → candidate-selectors mapping. List order is
// authoritative priority for the resolver.
type Table struct {
	entries map[string][]string
}

// New builds a table from an explicit mapping. The map is copied.
func New(entries map[string][]string) *Table {
	t := &Table{entries: make(map[string][]string, len(entries))}
	for name, selectors := range entries {
		t.entries[name] = append([]string(nil), selectors...)
	}
	return t
}

// Default returns the built-in table covering the common targets plans use.
func Default() *Table {
	return New(map[string][]string{
		"search_input": {
			`input[type="search"]`,
			`input[name="q"]`,
			`input[name="query"]`,
			`input[name="search"]`,
			`input[placeholder*="search" i]`,
			`[role="searchbox"]`,
			`input[type="text"]`,
		},
		"search_button": {
			`button[type="submit"]`,
			`input[type="submit"]`,
			`button[aria-label*="search" i]`,
			`button:contains("Search")`,
		},
		"search_results_container": {
			`#search`,
			`#results`,
			`[role="main"]`,
			`.results`,
			`.search-results`,
		},
		"first_result_link": {
			`#search a`,
			`#results a`,
			`.results a`,
			`[role="main"] a`,
			`h3 a`,
		},
		"username_input": {
			`input[name="username"]`,
			`input[name="login"]`,
			`input[type="email"]`,
			`input[autocomplete="username"]`,
		},
		"password_input": {
			`input[type="password"]`,
			`input[name="password"]`,
			`input[autocomplete="current-password"]`,
		},
		"login_button": {
			`button[type="submit"]`,
			`input[type="submit"]`,
			`button:contains("Log in")`,
			`button:contains("Sign in")`,
		},
		"submit_button": {
			`button[type="submit"]`,
			`input[type="submit"]`,
			`button:contains("Submit")`,
		},
		"cookie_accept_button": {
			`button:contains("Accept")`,
			`button:contains("Agree")`,
			`[aria-label*="accept" i]`,
			`#onetrust-accept-btn-handler`,
		},
		"next_page_link": {
			`a[rel="next"]`,
			`[aria-label*="next" i]`,
			`a:contains("Next")`,
		},
	})
}

// Lookup returns the ordered candidate selectors for a semantic name.
func (t *Table) Lookup(name string) ([]string, bool) {
	selectors, ok := t.entries[name]
	if !ok {
		return nil, false
	}
	return append([]string(nil), selectors...), true
}

// Known reports whether the table has an entry for name.
func (t *Table) Known(name string) bool {
	_, ok := t.entries[name]
	return ok
}

// LoadFile reads a YAML mapping of name → selector list and overlays it on
// the defaults, so site-specific files only need to list their overrides.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read heuristics: %w", err)
	}
	var overrides map[string][]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse heuristics: %w", err)
	}
	t := Default()
	for name, selectors := range overrides {
		t.entries[name] = append([]string(nil), selectors...)
	}
	return t, nil
}
