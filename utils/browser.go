package utils

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/types"
)

// webdriverOverride hides the automation marker the storefronts sniff for.
const webdriverOverride = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

// BrowserClient owns one persistent headless browser. The browser is started
// once, kept alive for the process lifetime and closed on shutdown.
type BrowserClient struct {
	config *types.Config
	logger types.Logger

	extraOpts   []chromedp.ExecAllocatorOption
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
}

// NewBrowserClient creates a browser client. extraOpts are appended to the
// anti-automation baseline (proxy flags, extension loading).
func NewBrowserClient(config *types.Config, logger types.Logger, extraOpts ...chromedp.ExecAllocatorOption) *BrowserClient {
	// Suppress chromedp debug logging
	log.SetOutput(io.Discard)

	return &BrowserClient{
		config:    config,
		logger:    logger,
		extraOpts: extraOpts,
	}
}

// Start launches the browser with anti-automation mitigations: automation
// flag disabled, navigator.webdriver overridden, realistic user agent and
// images disabled for speed.
func (b *BrowserClient) Start(ctx context.Context) error {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.UserAgent(b.config.UserAgent),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("window-size", "1920,1080"),
	}
	if b.config.Headless {
		// "new" headless mode still honours --load-extension.
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	opts = append(opts, b.extraOpts...)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	startCtx, startCancel := context.WithTimeout(browserCtx, b.config.DriverStartTimeout)
	defer startCancel()

	err := chromedp.Run(startCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(webdriverOverride).Do(ctx)
			return err
		}),
	)
	if err != nil {
		cancel()
		allocCancel()
		return fmt.Errorf("failed to start browser: %w", err)
	}

	b.allocCancel = allocCancel
	b.browserCtx = browserCtx
	b.cancel = cancel
	b.logger.Debug("Browser started")
	return nil
}

// Started reports whether the browser is up.
func (b *BrowserClient) Started() bool { return b.browserCtx != nil }

// Run executes chromedp actions on the persistent browser with a timeout.
func (b *BrowserClient) Run(timeout time.Duration, actions ...chromedp.Action) error {
	if b.browserCtx == nil {
		return fmt.Errorf("browser not started")
	}
	ctx, cancel := context.WithTimeout(b.browserCtx, timeout)
	defer cancel()
	return chromedp.Run(ctx, actions...)
}

// Navigate opens a URL in the persistent browser.
func (b *BrowserClient) Navigate(url string) error {
	return b.Run(b.config.Timeout, chromedp.Navigate(url))
}

// OuterHTML returns the current page HTML.
func (b *BrowserClient) OuterHTML() (string, error) {
	var html string
	if err := b.Run(b.config.Timeout, chromedp.OuterHTML("html", &html)); err != nil {
		return "", fmt.Errorf("failed to get page content: %w", err)
	}
	return html, nil
}

// ClickJS clicks a selector from JavaScript after scrolling it into view.
// More reliable than a synthetic mouse click on overlaid storefront layouts.
func (b *BrowserClient) ClickJS(selector string) error {
	script := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); if (!el) return false; el.scrollIntoView({block:'center'}); el.click(); return true; })()`,
		selector)
	var clicked bool
	if err := b.Run(b.config.Timeout, chromedp.Evaluate(script, &clicked)); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("element not found: %s", selector)
	}
	return nil
}

// TryClick waits up to timeout for a selector and clicks it. Used for
// cookie-consent dialogs that may or may not appear.
func (b *BrowserClient) TryClick(selector string, timeout time.Duration) bool {
	err := b.Run(timeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	return err == nil
}

// WaitVisible waits for a selector to become visible.
func (b *BrowserClient) WaitVisible(selector string, timeout time.Duration) error {
	return b.Run(timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// Evaluate runs a script in the page and unmarshals the result into res.
func (b *BrowserClient) Evaluate(script string, res interface{}) error {
	return b.Run(b.config.Timeout, chromedp.Evaluate(script, res))
}

// EvaluateAsync runs a promise-returning script in the page context and
// waits for it to settle. This is how the Sigma adapter issues GraphQL
// requests with the browser's own cookies and anti-bot headers.
func (b *BrowserClient) EvaluateAsync(script string, res interface{}, timeout time.Duration) error {
	return b.Run(timeout, chromedp.Evaluate(script, res,
		func(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
}

// Close tears down the browser and its allocator.
func (b *BrowserClient) Close() {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.allocCancel != nil {
		b.allocCancel()
		b.allocCancel = nil
	}
	b.browserCtx = nil
}
