package source

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
)

// Renderer drives a headless Chrome for pages that only produce content
// after JavaScript execution.
type Renderer struct {
	timeout time.Duration
}

func NewRenderer(timeout time.Duration) *Renderer {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Renderer{timeout: timeout}
}

// HTML navigates to the URL and returns the rendered document.
func (r *Renderer) HTML(ctx context.Context, pageURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
	)...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var html string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body"),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", NewAdapterError("scrape", Timeout, "render "+pageURL, err)
	}
	return html, nil
}
