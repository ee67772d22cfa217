package pipeline

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/crawlcore/internal/engine"
	"github.com/ternarybob/crawlcore/internal/model"
)

// ExtensionResponse is the Extensions key performHttpRequest stores the
// raw *http.Response under.
const ExtensionResponse = "response"

// ExtensionDocument is the Extensions key parseBody stores the parsed
// *goquery.Document under, when the body is text/html or
// application/xhtml+xml.
const ExtensionDocument = "document"

// HTTPStagesConfig tunes the HTTP-flavored canonical stages (spec.md §4.6).
type HTTPStagesConfig struct {
	Client              *http.Client
	AllowedMimeTypes    []string
	AdditionalUserAgent string
}

func defaultAllowedMimeTypes() []string {
	return []string{"text/html", "application/xhtml+xml"}
}

// allowedMimeTypes unions the configured AllowedMimeTypes with the
// defaults, per spec.md §9's MIME merge policy.
func (c HTTPStagesConfig) allowedMimeTypes() map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range defaultAllowedMimeTypes() {
		set[t] = struct{}{}
	}
	for _, t := range c.AllowedMimeTypes {
		set[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return set
}

// HTTPStages builds the canonical HTTP-flavored pipeline stages:
// prepareRequest, performHttpRequest, parseBody (spec.md §4.6).
func HTTPStages(cfg HTTPStagesConfig) []Stage {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	allowed := cfg.allowedMimeTypes()

	return []Stage{
		{
			Name: "prepareRequest",
			Action: func(_ context.Context, cc *model.CrawlingContext) (Extension, error) {
				httpReq, err := buildHTTPRequest(cc)
				if err != nil {
					return nil, &engine.NonRetryableError{Cause: err}
				}
				if cfg.AdditionalUserAgent != "" {
					httpReq.Header.Set("User-Agent", cfg.AdditionalUserAgent)
				}
				if cc.Session != nil && cc.Session.CookieJar != nil {
					for _, cookie := range cc.Session.CookieJar.Cookies(httpReq.URL) {
						httpReq.AddCookie(cookie)
					}
				}
				return Extension{"httpRequest": httpReq}, nil
			},
		},
		{
			Name: "performHttpRequest",
			Action: func(ctx context.Context, cc *model.CrawlingContext) (Extension, error) {
				httpReq, ok := model.Extension[*http.Request](cc, "httpRequest")
				if !ok {
					return nil, &engine.NonRetryableError{Cause: fmt.Errorf("prepareRequest did not run")}
				}
				httpReq = httpReq.WithContext(ctx)

				resp, err := client.Do(httpReq)
				if err != nil {
					return nil, classifyTransportError(err)
				}

				if cc.Session != nil && cc.Session.CookieJar != nil {
					cc.Session.CookieJar.SetCookies(httpReq.URL, resp.Cookies())
				}

				contentType := resp.Header.Get("Content-Type")
				mimeType, _, _ := mime.ParseMediaType(contentType)
				if mimeType == "" {
					mimeType = strings.ToLower(strings.SplitN(contentType, ";", 2)[0])
				}
				if _, ok := allowed[mimeType]; !ok {
					resp.Body.Close()
					return nil, &engine.NonRetryableError{Cause: fmt.Errorf("response content-type %q is not in the allowed MIME set", contentType)}
				}

				if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
					resp.Body.Close()
					return nil, &engine.SessionError{Cause: fmt.Errorf("blocked with status %d", resp.StatusCode)}
				}

				body, err := io.ReadAll(resp.Body)
				resp.Body.Close()
				if err != nil {
					return nil, &engine.RetryableError{Cause: err}
				}

				cc.Request.LoadedURL = resp.Request.URL.String()
				return Extension{
					ExtensionResponse: resp,
					"body":            body,
					"mimeType":        mimeType,
				}, nil
			},
		},
		{
			Name: "parseBody",
			Action: func(_ context.Context, cc *model.CrawlingContext) (Extension, error) {
				mimeType, _ := model.Extension[string](cc, "mimeType")
				body, ok := model.Extension[[]byte](cc, "body")
				if !ok || (mimeType != "text/html" && mimeType != "application/xhtml+xml") {
					return nil, nil
				}
				doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
				if err != nil {
					return nil, &engine.RetryableError{Cause: fmt.Errorf("parsing HTML body: %w", err)}
				}
				return Extension{ExtensionDocument: doc}, nil
			},
		},
	}
}

func buildHTTPRequest(cc *model.CrawlingContext) (*http.Request, error) {
	var bodyReader io.Reader
	if len(cc.Request.Payload) > 0 {
		bodyReader = strings.NewReader(string(cc.Request.Payload))
	}
	req, err := http.NewRequest(string(cc.Request.Method), cc.Request.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", cc.Request.URL, err)
	}
	for k, v := range cc.Request.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// classifyTransportError escalates low-level network failures that look
// proxy-related to engine.ProxyError, otherwise treats them as retryable
// (spec.md §7).
func classifyTransportError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "proxy") {
		return &engine.ProxyError{Cause: err}
	}
	return &engine.RetryableError{Cause: err}
}
