package model

import (
	"context"

	"github.com/ternarybob/arbor"
)

// EnqueueOptions customizes links discovered by EnqueueLinksFunc.
type EnqueueOptions struct {
	Forefront bool
	Label     string
}

// SendRequestFunc lets handler code issue an additional outbound request
// through the same session/client the context was built with.
type SendRequestFunc func(ctx context.Context, req *Request) (*Request, error)

// EnqueueLinksFunc lets handler code add newly discovered URLs back onto
// the request queue without depending on the queue package directly.
type EnqueueLinksFunc func(ctx context.Context, urls []string, opts EnqueueOptions) error

// CleanupFunc is registered by a context pipeline stage and run during
// teardown, in reverse registration order (spec.md §3, §4.6).
type CleanupFunc func(ctx context.Context) error

// CrawlingContext is the ephemeral per-request record threaded through
// the context pipeline and the user's request handler. Extensions
// contributed by pipeline stages (e.g. a browser "page" handle, an HTTP
// "response") are stored in Extensions under stage-defined keys.
type CrawlingContext struct {
	Request   *Request
	Session   *Session
	ProxyInfo *ProxyInfo

	Log           arbor.ILogger
	SendRequest   SendRequestFunc
	EnqueueLinks  EnqueueLinksFunc

	Extensions map[string]any

	cleanups []CleanupFunc
}

// NewCrawlingContext creates an empty context for the given request.
func NewCrawlingContext(req *Request, sess *Session, log arbor.ILogger) *CrawlingContext {
	return &CrawlingContext{
		Request:    req,
		Session:    sess,
		Log:        log,
		Extensions: make(map[string]any),
	}
}

// RegisterCleanup records a cleanup to run during teardown. Cleanups
// registered later run earlier (LIFO), matching spec.md §4.6's "stages
// may register deferred cleanups at action time, run in reverse order
// within that stage".
func (c *CrawlingContext) RegisterCleanup(fn CleanupFunc) {
	c.cleanups = append(c.cleanups, fn)
}

// RunCleanups executes every registered cleanup in reverse registration
// order, continuing past individual failures and returning all of them.
func (c *CrawlingContext) RunCleanups(ctx context.Context) []error {
	var errs []error
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		if err := c.cleanups[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.cleanups = nil
	return errs
}

// Extension fetches a typed pipeline extension by key, e.g. Extension[Page](ctx, "page").
func Extension[T any](c *CrawlingContext, key string) (T, bool) {
	var zero T
	v, ok := c.Extensions[key]
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
