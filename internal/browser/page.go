package browser

import (
	"context"

	"github.com/playwright-community/playwright-go"
)

// Remote procedure contract, version 1. These scripts are the only code the
// host ever ships into a page; Go never serializes its own functions across
// the trust boundary. Bump the version when a script's observable behavior
// changes.
const remoteProcedureVersion = 1

// queryVisibleScript returns the first visible, interactive element matching
// args.selector, searching every shadow root depth-first. args.text, when
// non-empty, requires a case-insensitive substring match on textContent.
// Document order breaks ties within one root.
const queryVisibleScript = `(args) => {
	const wanted = (args.text || "").toLowerCase();
	function interactive(el) {
		if (el.disabled || el.readOnly) return false;
		const style = window.getComputedStyle(el);
		if (style.display === "none" || style.visibility === "hidden") return false;
		if (parseFloat(style.opacity) === 0) return false;
		if (el.offsetParent === null && style.position !== "fixed") return false;
		const rect = el.getBoundingClientRect();
		return rect.width > 0 && rect.height > 0;
	}
	function search(root) {
		let nodes = [];
		try { nodes = root.querySelectorAll(args.selector); } catch (e) { nodes = []; }
		for (const el of nodes) {
			if (wanted && !(el.textContent || "").toLowerCase().includes(wanted)) continue;
			if (interactive(el)) return el;
		}
		for (const host of root.querySelectorAll("*")) {
			if (host.shadowRoot) {
				const found = search(host.shadowRoot);
				if (found) return found;
			}
		}
		return null;
	}
	return search(document);
}`

// existsScript answers the lightweight probe: does anything match, visible or
// not, anywhere including shadow roots.
const existsScript = `(args) => {
	function search(root) {
		try { if (root.querySelector(args.selector)) return true; } catch (e) { return false; }
		for (const host of root.querySelectorAll("*")) {
			if (host.shadowRoot && search(host.shadowRoot)) return true;
		}
		return false;
	}
	return search(document);
}`

const scrollScript = `(args) => {
	const dist = args.pixels > 0 ? args.pixels : 600;
	switch (args.direction) {
	case "up": window.scrollBy(0, -dist); break;
	case "down": window.scrollBy(0, dist); break;
	case "top": window.scrollTo(0, 0); break;
	case "bottom": window.scrollTo(0, document.body.scrollHeight); break;
	}
	return true;
}`

// scrollElementScript scrolls within the element's own scroll container
// instead of the window.
const scrollElementScript = `(el, args) => {
	const dist = args.pixels > 0 ? args.pixels : 600;
	switch (args.direction) {
	case "up": el.scrollBy(0, -dist); break;
	case "down": el.scrollBy(0, dist); break;
	case "top": el.scrollTo(0, 0); break;
	case "bottom": el.scrollTo(0, el.scrollHeight); break;
	}
	return true;
}`

type tab struct {
	page playwright.Page
}

func (t *tab) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Bounded by the safety timeout so a page that never fires "load" cannot
	// stall the plan.
	_, err := t.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(defaultNavTimeout.Milliseconds())),
	})
	return wrap(err)
}

func (t *tab) Back(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.page.GoBack()
	return wrap(err)
}

func (t *tab) Forward(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.page.GoForward()
	return wrap(err)
}

func (t *tab) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.page.Reload()
	return wrap(err)
}

func (t *tab) Frames() []Frame {
	main := t.page.MainFrame()
	frames := []Frame{&frame{f: main}}
	for _, f := range t.page.Frames() {
		if f == main {
			continue
		}
		frames = append(frames, &frame{f: f})
	}
	return frames
}

func (t *tab) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	content, err := t.page.Content()
	return content, wrap(err)
}

func (t *tab) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := t.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(false),
	})
	return data, wrap(err)
}

func (t *tab) URL() string { return t.page.URL() }

func (t *tab) OpenerIs(other Tab) bool {
	o, ok := other.(*tab)
	if !ok {
		return false
	}
	opener, err := t.page.Opener()
	if err != nil || opener == nil {
		return false
	}
	return opener == o.page
}

type frame struct {
	f playwright.Frame
}

func (f *frame) QueryVisible(ctx context.Context, selector, textFilter string) (Element, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	handle, err := f.f.EvaluateHandle(queryVisibleScript, map[string]interface{}{
		"selector": selector,
		"text":     textFilter,
	})
	if err != nil {
		return nil, false, wrap(err)
	}
	el := handle.AsElement()
	if el == nil {
		_ = handle.Dispose()
		return nil, false, nil
	}
	return &element{h: el}, true, nil
}

func (f *frame) Exists(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	val, err := f.f.Evaluate(existsScript, map[string]interface{}{"selector": selector})
	if err != nil {
		return false, wrap(err)
	}
	found, _ := val.(bool)
	return found, nil
}

func (f *frame) ScrollBy(ctx context.Context, direction string, pixels int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := f.f.Evaluate(scrollScript, map[string]interface{}{
		"direction": direction,
		"pixels":    pixels,
	})
	return wrap(err)
}

type element struct {
	h playwright.ElementHandle
}

func (e *element) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// If the scroll fails, try the click anyway.
	_ = e.h.ScrollIntoViewIfNeeded()
	return wrap(e.h.Click())
}

// Fill clears the current value and sets the new one. Playwright dispatches
// the input and change events, so reactive frameworks observe the write; the
// extra input dispatch covers components that listen before attach.
func (e *element) Fill(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.h.Fill(text); err != nil {
		return wrap(err)
	}
	return wrap(e.h.DispatchEvent("input"))
}

func (e *element) Press(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(e.h.Press(key))
}

func (e *element) Text(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := e.h.TextContent()
	return text, wrap(err)
}

func (e *element) Attribute(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	val, err := e.h.GetAttribute(name)
	return val, wrap(err)
}

func (e *element) InputValue(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	val, err := e.h.InputValue()
	return val, wrap(err)
}

func (e *element) ScrollIntoView(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(e.h.ScrollIntoViewIfNeeded())
}

func (e *element) ScrollBy(ctx context.Context, direction string, pixels int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := e.h.Evaluate(scrollElementScript, map[string]interface{}{
		"direction": direction,
		"pixels":    pixels,
	})
	return wrap(err)
}
