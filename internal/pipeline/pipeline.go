// Package pipeline implements the ContextPipeline (spec.md §2 C6, §4.6):
// an ordered sequence of stages that each augment a CrawlingContext and
// register cleanups, run in registration order for setup and reverse
// order for teardown. The ordered-setup/reverse-teardown shape is
// grounded on model.CrawlingContext.RunCleanups; stage composition itself
// has no teacher precedent and is built directly from the specification.
package pipeline

import (
	"context"
	"fmt"

	"github.com/ternarybob/crawlcore/internal/model"
)

// Extension is the mapping a stage's Action returns, merged into the
// evolving CrawlingContext under model.CrawlingContext.Extensions.
type Extension map[string]any

// Action runs a stage's setup logic, returning extensions to merge into
// the context. Returning an error aborts the remaining stages but still
// runs every cleanup registered so far (including this stage's own, if
// it registered one before failing).
type Action func(ctx context.Context, cc *model.CrawlingContext) (Extension, error)

// Cleanup tears down what a stage's Action set up.
type Cleanup func(ctx context.Context, cc *model.CrawlingContext) error

// Stage is one (action, cleanup) pair (spec.md §4.6).
type Stage struct {
	Name    string
	Action  Action
	Cleanup Cleanup
}

// Pipeline is an ordered sequence of stages.
type Pipeline struct {
	stages []Stage
}

// New creates a Pipeline running the given stages in order.
func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Run executes every stage's Action in order, merging each stage's
// returned Extension into cc.Extensions and registering its Cleanup (via
// cc.RegisterCleanup) immediately so that a later stage's failure still
// tears down everything set up before it. A panic in an Action is
// recovered and returned as an error, so the caller's
// model.CrawlingContext.RunCleanups still runs; a panic inside a Cleanup
// is not recovered here.
func (p *Pipeline) Run(ctx context.Context, cc *model.CrawlingContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("crawlcore: pipeline stage panicked: %v", r)
		}
	}()
	for _, stage := range p.stages {
		if stage.Cleanup != nil {
			cleanup := stage.Cleanup
			cc.RegisterCleanup(func(ctx context.Context) error {
				return cleanup(ctx, cc)
			})
		}

		if stage.Action == nil {
			continue
		}
		ext, err := stage.Action(ctx, cc)
		if err != nil {
			return fmt.Errorf("crawlcore: pipeline stage %q: %w", stage.Name, err)
		}
		for k, v := range ext {
			cc.Extensions[k] = v
		}
	}
	return nil
}
