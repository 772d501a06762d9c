package scrape

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"coursewatch/internal/config"
	appLog "coursewatch/internal/log"
)

// DefaultBrowserTimeout bounds a browser fetch when the caller's context has
// no deadline of its own.
const DefaultBrowserTimeout = 45 * time.Second

// BrowserFetcher renders pages in headless Chromium via chromedp and returns
// the resulting DOM. Use it when the course page fills its session list with
// JavaScript.
type BrowserFetcher struct {
	allocCtx    context.Context
	cancelAlloc context.CancelFunc

	loginURL string
	username string
	password string
}

// NewBrowserFetcher starts a Chromium allocator bound to parent. Call Close
// to release the browser.
func NewBrowserFetcher(parent context.Context, up config.UpstreamConfig) *BrowserFetcher {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(up.UserAgent),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(parent, opts...)
	return &BrowserFetcher{
		allocCtx:    allocCtx,
		cancelAlloc: cancel,
		loginURL:    up.LoginURL,
		username:    up.Username,
		password:    up.Password,
	}
}

// Fetch navigates a fresh tab to rawURL, logging in first when credentials
// are set, and returns the outer HTML of the document. A document served
// with a status other than 200 is a *FetchError.
func (b *BrowserFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	tabCtx, cancelTab := chromedp.NewContext(b.allocCtx)
	defer cancelTab()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultBrowserTimeout)
	}
	tabCtx, cancelDeadline := context.WithDeadline(tabCtx, deadline)
	defer cancelDeadline()

	// chromedp contexts derive from the allocator, not from ctx, so forward
	// cancellation by hand.
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	if b.username != "" && b.loginURL != "" {
		login := chromedp.Tasks{
			chromedp.Navigate(b.loginURL),
			chromedp.WaitVisible(`input[name="txtLogin"]`, chromedp.ByQuery),
			chromedp.SendKeys(`input[name="txtLogin"]`, b.username, chromedp.ByQuery),
			chromedp.SendKeys(`input[name="txtPassword"]`, b.password, chromedp.ByQuery),
			chromedp.Submit(`input[name="txtPassword"]`, chromedp.ByQuery),
			chromedp.WaitReady("body", chromedp.ByQuery),
		}
		if err := chromedp.Run(tabCtx, login); err != nil {
			appLog.Error("browser login failed", err, "url", redactURL(b.loginURL))
		}
	}

	resp, err := chromedp.RunResponse(tabCtx, chromedp.Navigate(rawURL))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("chromedp navigate failed: %w", err)}
	}
	if err := documentStatus(rawURL, resp); err != nil {
		return nil, err
	}

	var html string
	if err := chromedp.Run(tabCtx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("chromedp run failed: %w", err)}
	}

	appLog.Debug("page rendered", "url", rawURL, "bytes", len(html))
	return []byte(html), nil
}

// documentStatus checks the main-frame response of a navigation. A nil
// response (e.g. a page restored from cache) is accepted.
func documentStatus(rawURL string, resp *network.Response) error {
	if resp == nil {
		return nil
	}
	return statusError(rawURL, int(resp.Status), resp.StatusText)
}

// Close shuts down the browser allocator.
func (b *BrowserFetcher) Close() {
	b.cancelAlloc()
}
