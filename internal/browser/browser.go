// Package browser is the page-scripting host. It exposes a narrow typed API
// (query, click, dispatch input, history ops, capture) that the resolver and
// executors call through interfaces; the playwright wiring stays in here.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

const (
	defaultNavTimeout = 30 * time.Second
	headlessEnv       = "AGENT_HEADLESS"
	tabChanBuffer     = 4
)

// Element is a resolved page element. A resolution result is used immediately
// within one executor call and never cached across calls.
type Element interface {
	Click(ctx context.Context) error
	Fill(ctx context.Context, text string) error
	Press(ctx context.Context, key string) error
	Text(ctx context.Context) (string, error)
	Attribute(ctx context.Context, name string) (string, error)
	InputValue(ctx context.Context) (string, error)
	ScrollIntoView(ctx context.Context) error
	// ScrollBy scrolls the element's own scroll container in a direction
	// (up|down|top|bottom).
	ScrollBy(ctx context.Context, direction string, pixels int) error
}

// Frame is one execution surface of a tab (main frame or a nested frame).
type Frame interface {
	// QueryVisible returns the first visible, interactive element matching
	// the selector, searching shadow roots depth-first. A non-empty
	// textFilter additionally requires a case-insensitive substring match on
	// textContent. found == false is an expected outcome, not an error.
	QueryVisible(ctx context.Context, selector, textFilter string) (el Element, found bool, err error)
	// Exists is the lightweight probe: does anything match, visible or not.
	Exists(ctx context.Context, selector string) (bool, error)
	// ScrollBy scrolls the frame window in a direction (up|down|top|bottom).
	ScrollBy(ctx context.Context, direction string, pixels int) error
}

// Tab is one browser tab. The engine owns the active-tab handle; executors
// only read it.
type Tab interface {
	Navigate(ctx context.Context, url string) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	Reload(ctx context.Context) error
	// Frames lists all frames, main frame first.
	Frames() []Frame
	HTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	URL() string
	// OpenerIs reports whether this tab was opened by other.
	OpenerIs(other Tab) bool
}

// Session owns one browser context and its tabs.
type Session interface {
	// Tab returns the session's initial tab.
	Tab() Tab
	// WatchNewTabs subscribes to tab creation. The cancel func unregisters;
	// call it as soon as the window of interest closes.
	WatchNewTabs() (<-chan Tab, func())
	// SaveState writes cookies and local storage to path for later reuse.
	SaveState(ctx context.Context, path string) error
	Close(ctx context.Context) error
}

// Launcher owns the playwright lifecycle.
type Launcher struct {
	pw       *playwright.Playwright
	browser  playwright.Browser
	headless bool
}

func NewLauncher(ctx context.Context) (*Launcher, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	headless := parseBoolEnv(headlessEnv, true)
	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	return &Launcher{pw: pw, browser: b, headless: headless}, nil
}

// NewSession creates a fresh browser context with one open tab. A non-empty
// storagePath pointing at an existing file seeds cookies and local storage.
func (l *Launcher) NewSession(ctx context.Context, storagePath string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
	}
	if strings.TrimSpace(storagePath) != "" {
		if _, err := os.Stat(storagePath); err == nil {
			opts.StorageStatePath = playwright.String(storagePath)
		}
	}
	bctx, err := l.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(defaultNavTimeout.Milliseconds()))

	s := &session{context: bctx, first: &tab{page: page}}
	bctx.OnPage(func(p playwright.Page) {
		s.fanout(&tab{page: p})
	})
	return s, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

type session struct {
	context playwright.BrowserContext
	first   *tab

	mu   sync.Mutex
	subs []chan Tab
}

func (s *session) Tab() Tab { return s.first }

func (s *session) WatchNewTabs() (<-chan Tab, func()) {
	ch := make(chan Tab, tabChanBuffer)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

func (s *session) fanout(t Tab) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub <- t:
		default: // subscriber fell behind, drop
		}
	}
}

func (s *session) SaveState(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := s.context.StorageState()
	if err != nil {
		return wrap(err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (s *session) Close(ctx context.Context) error {
	_ = ctx
	return s.context.Close()
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}

func parseBoolEnv(name string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
