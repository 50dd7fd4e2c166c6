// Package snapshot captures page context for failure diagnosis.
package snapshot

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/polzovatel/plan-runner-for-browser/internal/browser"
)

// DefaultHTMLLimit bounds the serialized HTML carried into a diagnostic
// prompt.
const DefaultHTMLLimit = 60000

// Snapshot is the captured page context. Screenshot may be nil when capture
// failed; the HTML is always present on success.
type Snapshot struct {
	URL        string
	HTML       string
	Truncated  bool
	Screenshot []byte
}

// Collect captures the serialized HTML and a visible-tab screenshot. The two
// captures are independent reads and run concurrently; both settle before
// Collect returns. A failed screenshot degrades to nil rather than failing
// the capture.
func Collect(ctx context.Context, tab browser.Tab, htmlLimit int, logger zerolog.Logger) (Snapshot, error) {
	if htmlLimit <= 0 {
		htmlLimit = DefaultHTMLLimit
	}
	snap := Snapshot{URL: tab.URL()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		html, err := tab.HTML(gctx)
		if err != nil {
			return fmt.Errorf("capture html: %w", err)
		}
		if len(html) > htmlLimit {
			html = html[:htmlLimit]
			snap.Truncated = true
		}
		snap.HTML = html
		return nil
	})
	g.Go(func() error {
		img, err := tab.Screenshot(gctx)
		if err != nil {
			logger.Warn().Err(err).Msg("screenshot capture failed, continuing without image")
			return nil
		}
		snap.Screenshot = img
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
