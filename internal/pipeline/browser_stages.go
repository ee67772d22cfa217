package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/ternarybob/crawlcore/internal/engine"
	"github.com/ternarybob/crawlcore/internal/model"
)

// ExtensionPage is the Extensions key preparePage stores the page's
// chromedp browser context under.
const ExtensionPage = "page"

// ExtensionHTML is the Extensions key performNavigation stores the
// rendered page's outer HTML under.
const ExtensionHTML = "html"

// BrowserStagesConfig tunes the browser-flavored canonical stages
// (spec.md §4.6).
type BrowserStagesConfig struct {
	// AllocatorCtx is the chromedp allocator/browser context every page
	// context is derived from (shared across requests in a browser pool).
	AllocatorCtx context.Context
	// BlockedSelectors are CSS selectors that, if present on the
	// rendered page, indicate an anti-bot block page.
	BlockedSelectors []string
	// BlockedStatusCodes are HTTP response codes treated as a block
	// (e.g. 403, 503 from a WAF challenge page).
	BlockedStatusCodes map[int64]struct{}
}

// BrowserStages builds the canonical browser-flavored pipeline stages:
// preparePage, performNavigation, handleBlockedByContent,
// restoreRequestState (spec.md §4.6).
func BrowserStages(cfg BrowserStagesConfig) []Stage {
	return []Stage{
		{
			Name: "preparePage",
			Action: func(_ context.Context, cc *model.CrawlingContext) (Extension, error) {
				parent := cfg.AllocatorCtx
				if parent == nil {
					return nil, &engine.CriticalError{Cause: fmt.Errorf("no browser allocator context configured")}
				}
				pageCtx, cancel := chromedp.NewContext(parent)
				cc.RegisterCleanup(func(context.Context) error {
					cancel()
					return nil
				})
				return Extension{ExtensionPage: pageCtx}, nil
			},
		},
		{
			Name: "performNavigation",
			Action: func(ctx context.Context, cc *model.CrawlingContext) (Extension, error) {
				pageCtx, ok := model.Extension[context.Context](cc, ExtensionPage)
				if !ok {
					return nil, &engine.NonRetryableError{Cause: fmt.Errorf("preparePage did not run")}
				}

				var statusCode int64
				var html string

				listenCtx, cancelListen := context.WithCancel(pageCtx)
				defer cancelListen()
				chromedp.ListenTarget(listenCtx, func(ev interface{}) {
					if resp, ok := ev.(*network.EventResponseReceived); ok && resp.Response != nil && resp.Type == network.ResourceTypeDocument {
						statusCode = resp.Response.Status
					}
				})

				if err := chromedp.Run(pageCtx,
					applyCookies(cc),
					chromedp.Navigate(cc.Request.URL),
					chromedp.OuterHTML("html", &html, chromedp.ByQuery),
				); err != nil {
					return nil, classifyNavigationError(err)
				}

				cc.Request.LoadedURL = cc.Request.URL
				if statusCode == 0 {
					statusCode = http.StatusOK
				}
				return Extension{ExtensionHTML: html, "statusCode": statusCode}, nil
			},
		},
		{
			Name: "handleBlockedByContent",
			Action: func(ctx context.Context, cc *model.CrawlingContext) (Extension, error) {
				statusCode, _ := model.Extension[int64](cc, "statusCode")
				if _, blocked := cfg.BlockedStatusCodes[statusCode]; blocked {
					return nil, &engine.SessionError{Cause: fmt.Errorf("blocked with status %d", statusCode)}
				}

				html, _ := model.Extension[string](cc, ExtensionHTML)
				if len(cfg.BlockedSelectors) == 0 {
					return nil, nil
				}
				doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
				if err != nil {
					return nil, &engine.RetryableError{Cause: fmt.Errorf("parsing rendered HTML: %w", err)}
				}
				for _, selector := range cfg.BlockedSelectors {
					if selector != "" && doc.Find(selector).Length() > 0 {
						return nil, &engine.SessionError{Cause: fmt.Errorf("matched block selector %q", selector)}
					}
				}
				return nil, nil
			},
		},
		{
			Name: "restoreRequestState",
			Action: func(_ context.Context, cc *model.CrawlingContext) (Extension, error) {
				cc.Request.State = model.RequestStateRequestHandler
				return nil, nil
			},
		},
	}
}

// applyCookies seeds the page's cookie jar from the session before
// navigation (spec.md §4.6's "applies cookies").
func applyCookies(cc *model.CrawlingContext) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if cc.Session == nil || cc.Session.CookieJar == nil {
			return nil
		}
		u, err := url.Parse(cc.Request.URL)
		if err != nil {
			return nil
		}
		cookies := cc.Session.CookieJar.Cookies(u)
		if len(cookies) == 0 {
			return nil
		}
		params := make([]*network.CookieParam, 0, len(cookies))
		for _, c := range cookies {
			params = append(params, &network.CookieParam{
				Name:  c.Name,
				Value: c.Value,
				URL:   cc.Request.URL,
			})
		}
		return network.SetCookies(params).Do(ctx)
	})
}

func classifyNavigationError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "proxy") {
		return &engine.ProxyError{Cause: err}
	}
	if strings.Contains(msg, "deadline") || strings.Contains(msg, "context canceled") || strings.Contains(msg, "timeout") {
		return &engine.TimeoutError{Cause: err, Navigation: true}
	}
	return &engine.RetryableError{Cause: err}
}
