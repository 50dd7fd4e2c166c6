package resolver

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/plan-runner-for-browser/internal/browser"
	"github.com/polzovatel/plan-runner-for-browser/internal/heuristics"
)

type fakeElement struct {
	text string
}

func (e *fakeElement) Click(context.Context) error                { return nil }
func (e *fakeElement) Fill(context.Context, string) error         { return nil }
func (e *fakeElement) Press(context.Context, string) error        { return nil }
func (e *fakeElement) Text(context.Context) (string, error)       { return e.text, nil }
func (e *fakeElement) Attribute(context.Context, string) (string, error) {
	return "", nil
}
func (e *fakeElement) InputValue(context.Context) (string, error)  { return "", nil }
func (e *fakeElement) ScrollIntoView(context.Context) error        { return nil }
func (e *fakeElement) ScrollBy(context.Context, string, int) error { return nil }

// fakeFrame models a page as a selector → visible elements mapping, the way
// the scripting host's query procedure sees it (shadow roots already
// flattened).
type fakeFrame struct {
	visible map[string][]*fakeElement
	present map[string]bool
	queried []string
}

func (f *fakeFrame) QueryVisible(_ context.Context, selector, textFilter string) (browser.Element, bool, error) {
	f.queried = append(f.queried, selector)
	for _, el := range f.visible[selector] {
		if textFilter == "" || strings.Contains(strings.ToLower(el.text), strings.ToLower(textFilter)) {
			return el, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeFrame) Exists(_ context.Context, selector string) (bool, error) {
	return f.present[selector], nil
}

func (f *fakeFrame) ScrollBy(context.Context, string, int) error { return nil }

// shadowRoot models one DOM root the way the host's query procedure walks a
// real page: the root's own matches first, then every attached shadow root
// depth-first.
type shadowRoot struct {
	visible map[string]*fakeElement
	hosts   []*shadowRoot
}

func (r *shadowRoot) find(selector, textFilter string) *fakeElement {
	if el, ok := r.visible[selector]; ok {
		if textFilter == "" || strings.Contains(strings.ToLower(el.text), strings.ToLower(textFilter)) {
			return el
		}
	}
	for _, h := range r.hosts {
		if el := h.find(selector, textFilter); el != nil {
			return el
		}
	}
	return nil
}

type shadowFrame struct {
	root *shadowRoot
}

func (f *shadowFrame) QueryVisible(_ context.Context, selector, textFilter string) (browser.Element, bool, error) {
	if el := f.root.find(selector, textFilter); el != nil {
		return el, true, nil
	}
	return nil, false, nil
}

func (f *shadowFrame) Exists(_ context.Context, selector string) (bool, error) {
	return f.root.find(selector, "") != nil, nil
}

func (f *shadowFrame) ScrollBy(context.Context, string, int) error { return nil }

func newResolver(t *testing.T, table *heuristics.Table) *Resolver {
	t.Helper()
	return New(table, zerolog.Nop())
}

func TestResolveRawSelector(t *testing.T) {
	want := &fakeElement{}
	f := &fakeFrame{visible: map[string][]*fakeElement{"#q": {want}}}
	r := newResolver(t, nil)

	el, found, err := r.Resolve(context.Background(), f, "#q", false)
	require.NoError(t, err)
	require.True(t, found)
	assert.Same(t, want, el)
	assert.Equal(t, []string{"#q"}, f.queried, "raw selectors never consult the table")
}

func TestResolveSemanticPriorityOrder(t *testing.T) {
	// Only the third candidate for search_input matches; the walk must try
	// the higher-priority candidates first and stop at the hit.
	want := &fakeElement{}
	f := &fakeFrame{visible: map[string][]*fakeElement{
		`input[name="query"]`: {want},
	}}
	r := newResolver(t, nil)

	el, found, err := r.Resolve(context.Background(), f, "search_input", true)
	require.NoError(t, err)
	require.True(t, found)
	assert.Same(t, want, el)
	assert.Equal(t, []string{
		`input[type="search"]`,
		`input[name="q"]`,
		`input[name="query"]`,
	}, f.queried)
}

func TestResolveSemanticDeterministic(t *testing.T) {
	f := &fakeFrame{visible: map[string][]*fakeElement{
		`input[name="q"]`:    {&fakeElement{text: "a"}},
		`input[type="text"]`: {&fakeElement{text: "b"}},
	}}
	r := newResolver(t, nil)

	first, found, err := r.Resolve(context.Background(), f, "search_input", true)
	require.NoError(t, err)
	require.True(t, found)

	f2 := &fakeFrame{visible: f.visible}
	second, found, err := r.Resolve(context.Background(), f2, "search_input", true)
	require.NoError(t, err)
	require.True(t, found)
	assert.Same(t, first, second, "same DOM state resolves the same element")
}

func TestResolveUnknownSemanticTarget(t *testing.T) {
	f := &fakeFrame{}
	r := newResolver(t, nil)

	_, found, err := r.Resolve(context.Background(), f, "warp_drive_button", true)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, f.queried, "unknown names produce no candidates at all")
}

func TestResolveAllCandidatesMiss(t *testing.T) {
	f := &fakeFrame{}
	r := newResolver(t, nil)

	_, found, err := r.Resolve(context.Background(), f, "login_button", true)
	require.NoError(t, err)
	assert.False(t, found, "exhausting candidates is an expected miss, not an error")
}

func TestResolveThroughNestedShadowRoots(t *testing.T) {
	// The buy button lives inside a shadow host that itself sits inside
	// another shadow host; only the depth-first walk reaches it.
	buy := &fakeElement{}
	f := &shadowFrame{root: &shadowRoot{
		visible: map[string]*fakeElement{},
		hosts: []*shadowRoot{{
			visible: map[string]*fakeElement{},
			hosts: []*shadowRoot{{
				visible: map[string]*fakeElement{"#buy": buy},
			}},
		}},
	}}
	r := newResolver(t, nil)

	el, found, err := r.Resolve(context.Background(), f, "#buy", false)
	require.NoError(t, err)
	require.True(t, found)
	assert.Same(t, buy, el)

	_, found, err = r.Resolve(context.Background(), f, "#absent", false)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResolveLightDOMBeforeShadow(t *testing.T) {
	light := &fakeElement{}
	shadowed := &fakeElement{}
	f := &shadowFrame{root: &shadowRoot{
		visible: map[string]*fakeElement{"#cta": light},
		hosts: []*shadowRoot{{
			visible: map[string]*fakeElement{"#cta": shadowed},
		}},
	}}
	r := newResolver(t, nil)

	el, found, err := r.Resolve(context.Background(), f, "#cta", false)
	require.NoError(t, err)
	require.True(t, found)
	assert.Same(t, light, el, "the current root's matches outrank shadow subtrees")
}

func TestResolveSemanticThroughShadow(t *testing.T) {
	box := &fakeElement{}
	f := &shadowFrame{root: &shadowRoot{
		visible: map[string]*fakeElement{},
		hosts: []*shadowRoot{{
			visible: map[string]*fakeElement{`input[name="q"]`: box},
		}},
	}}
	r := newResolver(t, nil)

	el, found, err := r.Resolve(context.Background(), f, "search_input", true)
	require.NoError(t, err)
	require.True(t, found)
	assert.Same(t, box, el)
}

func TestResolveContainsFilter(t *testing.T) {
	accept := &fakeElement{text: "Accept all cookies"}
	decline := &fakeElement{text: "Decline"}
	f := &fakeFrame{visible: map[string][]*fakeElement{
		"button": {decline, accept},
	}}
	table := heuristics.New(map[string][]string{
		"cookie_accept_button": {`button:contains("Accept")`},
	})
	r := newResolver(t, table)

	el, found, err := r.Resolve(context.Background(), f, "cookie_accept_button", true)
	require.NoError(t, err)
	require.True(t, found)
	assert.Same(t, accept, el, "text filter skips non-matching elements in document order")
	assert.Equal(t, []string{"button"}, f.queried, "the structural part is what reaches the host")
}

func TestCandidates(t *testing.T) {
	r := newResolver(t, nil)

	assert.Equal(t, []string{".anything"}, r.Candidates(".anything", false))
	assert.Nil(t, r.Candidates("nonexistent_name", true))

	got := r.Candidates("password_input", true)
	assert.Equal(t, `input[type="password"]`, got[0])
}

func TestSplitContains(t *testing.T) {
	tests := []struct {
		in         string
		structural string
		filter     string
	}{
		{`button:contains("Search")`, "button", "Search"},
		{`a:contains('Next')`, "a", "Next"},
		{`:contains("bare")`, "*", "bare"},
		{`button.primary:contains("Go") span`, "button.primary span", "Go"},
		{`button[type="submit"]`, `button[type="submit"]`, ""},
		{`#plain`, "#plain", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			structural, filter := SplitContains(tt.in)
			assert.Equal(t, tt.structural, structural)
			assert.Equal(t, tt.filter, filter)
		})
	}
}
