package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/model"
	"github.com/ternarybob/crawlcore/internal/queue"
	"github.com/ternarybob/crawlcore/internal/sessionpool"
	"github.com/ternarybob/crawlcore/internal/stats"
)

type fakePipeline struct {
	err error
}

func (f *fakePipeline) Run(_ context.Context, _ *model.CrawlingContext) error { return f.err }

func newTestEngine(t *testing.T, pipeline Pipeline, router *Router) (*Engine, *queue.RequestQueue) {
	t.Helper()
	return newTestEngineWithOptions(t, Options{MaxRequestRetries: 1}, pipeline, router)
}

func newTestEngineWithOptions(t *testing.T, opts Options, pipeline Pipeline, router *Router) (*Engine, *queue.RequestQueue) {
	t.Helper()
	q := queue.New(nil, nil)
	sessions := sessionpool.New(sessionpool.Config{}, nil, nil, arbor.NewLogger())
	statistics := stats.New(nil, arbor.NewLogger())
	e := New(opts, q, sessions, pipeline, router, statistics, arbor.NewLogger(), nil)
	return e, q
}

func mustRequest(t *testing.T, rawURL string) *model.Request {
	t.Helper()
	r, err := model.NewRequest(rawURL, model.MethodGET)
	require.NoError(t, err)
	return r
}

func TestEngine_RunOneTask_SucceedsThroughHandler(t *testing.T) {
	router := NewRouter()
	var handled bool
	router.AddDefaultHandler(func(_ context.Context, cc *model.CrawlingContext) error {
		handled = true
		return nil
	})

	e, q := newTestEngine(t, &fakePipeline{}, router)
	_, err := q.AddRequest(mustRequest(t, "http://example.com/a"), false)
	require.NoError(t, err)

	require.NoError(t, e.RunOneTask(context.Background()))

	assert.True(t, handled)
	assert.True(t, e.IsFinished())
	total, finished := q.Counts()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, finished)
}

func TestEngine_RunOneTask_RetriesOnPipelineError(t *testing.T) {
	router := NewRouter()
	router.AddDefaultHandler(func(_ context.Context, _ *model.CrawlingContext) error { return nil })

	e, q := newTestEngine(t, &fakePipeline{err: &RetryableError{Cause: errors.New("boom")}}, router)
	req := mustRequest(t, "http://example.com/a")
	_, err := q.AddRequest(req, false)
	require.NoError(t, err)

	require.NoError(t, e.RunOneTask(context.Background()))
	assert.False(t, e.IsFinished(), "request should have been requeued, not finished")
	assert.Equal(t, 1, req.RetryCount)
}

func TestEngine_RunOneTask_SessionErrorRetriesUpToSessionRetryCap(t *testing.T) {
	router := NewRouter()
	router.AddDefaultHandler(func(_ context.Context, _ *model.CrawlingContext) error { return nil })

	e, q := newTestEngineWithOptions(t, Options{MaxRequestRetries: 10, SessionRetryCap: 2},
		&fakePipeline{err: &SessionError{Cause: errors.New("blocked")}}, router)
	req := mustRequest(t, "http://example.com/a")
	_, err := q.AddRequest(req, false)
	require.NoError(t, err)

	// First two session errors are retried without counting against
	// RetryCount; the third exceeds SessionRetryCap and fails the request.
	require.NoError(t, e.RunOneTask(context.Background()))
	assert.False(t, e.IsFinished())
	assert.Equal(t, 1, req.SessionRetryCount)
	assert.Equal(t, 0, req.RetryCount)

	require.NoError(t, e.RunOneTask(context.Background()))
	assert.False(t, e.IsFinished())
	assert.Equal(t, 2, req.SessionRetryCount)

	require.NoError(t, e.RunOneTask(context.Background()))
	assert.True(t, e.IsFinished(), "request should fail once SessionRetryCap is exceeded")
	total, finished := q.Counts()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, finished)
}

func TestEngine_RunOneTask_MissingRouteAbortsCrawl(t *testing.T) {
	router := NewRouter()

	e, q := newTestEngine(t, &fakePipeline{}, router)
	_, err := q.AddRequest(mustRequest(t, "http://example.com/a"), false)
	require.NoError(t, err)

	require.NoError(t, e.RunOneTask(context.Background()))
	assert.True(t, e.IsFinished(), "missing route should finish the request and abort the crawl")
}

func TestEngine_RunOneTask_EmptyQueueIsANoop(t *testing.T) {
	router := NewRouter()
	e, _ := newTestEngine(t, &fakePipeline{}, router)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, e.RunOneTask(ctx))
	assert.True(t, e.IsFinished())
}

func TestEngine_Abort_StopsAcceptingTasks(t *testing.T) {
	router := NewRouter()
	e, _ := newTestEngine(t, &fakePipeline{}, router)
	assert.True(t, e.IsTaskReady())
	e.Abort()
	assert.False(t, e.IsTaskReady())
	assert.True(t, e.IsFinished())
}
