package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/crawlcore/internal/model"
)

func newTestContext(t *testing.T, label string) *model.CrawlingContext {
	t.Helper()
	req, err := model.NewRequest("http://example.com", model.MethodGET, model.WithUserData(map[string]any{"label": label}))
	require.NoError(t, err)
	return model.NewCrawlingContext(req, nil, nil)
}

func TestRouter_InvokesMatchingLabel(t *testing.T) {
	router := NewRouter()
	var got string
	router.AddHandler("list", func(_ context.Context, cc *model.CrawlingContext) error {
		got = "list"
		return nil
	})
	router.AddDefaultHandler(func(_ context.Context, cc *model.CrawlingContext) error {
		got = "default"
		return nil
	})

	require.NoError(t, router.Invoke(context.Background(), newTestContext(t, "list")))
	assert.Equal(t, "list", got)
}

func TestRouter_FallsBackToDefault(t *testing.T) {
	router := NewRouter()
	var got string
	router.AddDefaultHandler(func(_ context.Context, cc *model.CrawlingContext) error {
		got = "default"
		return nil
	})

	require.NoError(t, router.Invoke(context.Background(), newTestContext(t, "unknown")))
	assert.Equal(t, "default", got)
}

func TestRouter_MissingRouteWithNoDefault(t *testing.T) {
	router := NewRouter()
	err := router.Invoke(context.Background(), newTestContext(t, "unknown"))
	var missing *MissingRouteError
	assert.ErrorAs(t, err, &missing)
	assert.Equal(t, "unknown", missing.Label)
}
