// internal/harness/page.go
package harness

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/probe-cli/internal/browser"
)

// Page is the slice of a browser session the harness drives.
// *browser.Session satisfies it; tests substitute a fake.
type Page interface {
	URL() string
	Evaluate(ctx context.Context, expr string) (browser.Value, error)
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	LongPress(ctx context.Context, selector string, hold time.Duration) error
	SetViewport(ctx context.Context, width, height int) error
	Screenshot(ctx context.Context, path string) error
	WaitNetworkIdle(ctx context.Context, quietPeriod time.Duration) error
	Console() []browser.ConsoleEntry
	Close() error
}

// Opener creates a Page for a target.
type Opener func(ctx context.Context, target string, opts browser.Options) (Page, error)

// BrowserOpener opens real chromedp sessions.
func BrowserOpener(logger *zap.Logger) Opener {
	return func(ctx context.Context, target string, opts browser.Options) (Page, error) {
		s, err := browser.Open(ctx, target, opts, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

var _ Page = (*browser.Session)(nil)
