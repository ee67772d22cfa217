package engine

import (
	"context"

	"github.com/ternarybob/crawlcore/internal/model"
)

// Handler processes one request's CrawlingContext (spec.md §3's "the
// user handler").
type Handler func(ctx context.Context, cc *model.CrawlingContext) error

// labelKey is the CrawlingContext.Request.UserData key the Router reads
// to pick a route (spec.md §7's "request.userData.label").
const labelKey = "label"

// Router dispatches to a Handler chosen by request.userData.label,
// falling back to a default handler if one is registered. Raises
// MissingRouteError (escalated to CriticalError by Classify) when
// neither matches.
type Router struct {
	routes  map[string]Handler
	fallback Handler
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Handler)}
}

// AddHandler registers the handler invoked for requests whose
// userData["label"] equals label.
func (r *Router) AddHandler(label string, h Handler) {
	r.routes[label] = h
}

// AddDefaultHandler registers the handler invoked when no label matches.
func (r *Router) AddDefaultHandler(h Handler) {
	r.fallback = h
}

// Invoke runs the handler selected for cc.Request, returning
// MissingRouteError if none match.
func (r *Router) Invoke(ctx context.Context, cc *model.CrawlingContext) error {
	label, _ := cc.Request.UserData[labelKey].(string)

	if h, ok := r.routes[label]; ok {
		return h(ctx, cc)
	}
	if r.fallback != nil {
		return r.fallback(ctx, cc)
	}
	return &MissingRouteError{Label: label}
}
