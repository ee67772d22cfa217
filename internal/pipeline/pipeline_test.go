package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/crawlcore/internal/model"
)

func newTestContext(t *testing.T) *model.CrawlingContext {
	t.Helper()
	req, err := model.NewRequest("http://example.com", model.MethodGET)
	require.NoError(t, err)
	return model.NewCrawlingContext(req, nil, nil)
}

func TestPipeline_RunsStagesInOrderAndMergesExtensions(t *testing.T) {
	var order []string
	p := New(
		Stage{Name: "a", Action: func(_ context.Context, cc *model.CrawlingContext) (Extension, error) {
			order = append(order, "a")
			return Extension{"a": 1}, nil
		}},
		Stage{Name: "b", Action: func(_ context.Context, cc *model.CrawlingContext) (Extension, error) {
			order = append(order, "b")
			return Extension{"b": 2}, nil
		}},
	)

	cc := newTestContext(t)
	require.NoError(t, p.Run(context.Background(), cc))

	assert.Equal(t, []string{"a", "b"}, order)
	a, ok := model.Extension[int](cc, "a")
	assert.True(t, ok)
	assert.Equal(t, 1, a)
	b, ok := model.Extension[int](cc, "b")
	assert.True(t, ok)
	assert.Equal(t, 2, b)
}

func TestPipeline_CleanupsRunInReverseOrderEvenOnFailure(t *testing.T) {
	var cleaned []string
	p := New(
		Stage{
			Name:    "first",
			Action:  func(_ context.Context, cc *model.CrawlingContext) (Extension, error) { return nil, nil },
			Cleanup: func(_ context.Context, cc *model.CrawlingContext) error { cleaned = append(cleaned, "first"); return nil },
		},
		Stage{
			Name:    "second",
			Action:  func(_ context.Context, cc *model.CrawlingContext) (Extension, error) { return nil, errors.New("boom") },
			Cleanup: func(_ context.Context, cc *model.CrawlingContext) error { cleaned = append(cleaned, "second"); return nil },
		},
		Stage{
			Name:   "third",
			Action: func(_ context.Context, cc *model.CrawlingContext) (Extension, error) { return nil, nil },
		},
	)

	cc := newTestContext(t)
	err := p.Run(context.Background(), cc)
	require.Error(t, err)

	errs := cc.RunCleanups(context.Background())
	assert.Empty(t, errs)
	assert.Equal(t, []string{"second", "first"}, cleaned, "third's cleanup never registered since its action never ran; second's and first's must run in reverse order")
}
