package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/crawlcore/internal/model"
)

func mustRequest(t *testing.T, rawURL string) *model.Request {
	t.Helper()
	r, err := model.NewRequest(rawURL, model.MethodGET)
	require.NoError(t, err)
	return r
}

func TestAddRequest_DedupesByUniqueKey(t *testing.T) {
	q := New(nil, nil)

	res1, err := q.AddRequest(mustRequest(t, "http://example.com/a"), false)
	require.NoError(t, err)
	assert.False(t, res1.WasAlreadyPresent)

	res2, err := q.AddRequest(mustRequest(t, "http://example.com/a"), false)
	require.NoError(t, err)
	assert.True(t, res2.WasAlreadyPresent)
	assert.Equal(t, res1.RequestID, res2.RequestID)

	total, handled := q.Counts()
	assert.Equal(t, 1, total)
	assert.Equal(t, 0, handled)
}

func TestListAndLockHead_FIFOOrder(t *testing.T) {
	q := New(nil, nil)
	_, err := q.AddRequest(mustRequest(t, "http://example.com/1"), false)
	require.NoError(t, err)
	_, err = q.AddRequest(mustRequest(t, "http://example.com/2"), false)
	require.NoError(t, err)

	locked, err := q.ListAndLockHead(10, time.Minute)
	require.NoError(t, err)
	require.Len(t, locked, 2)
	assert.Equal(t, "http://example.com/1", locked[0].Request.URL)
	assert.Equal(t, "http://example.com/2", locked[1].Request.URL)
}

func TestListAndLockHead_ForefrontDrainsFirst(t *testing.T) {
	q := New(nil, nil)
	_, err := q.AddRequest(mustRequest(t, "http://example.com/fifo"), false)
	require.NoError(t, err)
	_, err = q.AddRequest(mustRequest(t, "http://example.com/forefront"), true)
	require.NoError(t, err)

	locked, err := q.ListAndLockHead(10, time.Minute)
	require.NoError(t, err)
	require.Len(t, locked, 2)
	assert.Equal(t, "http://example.com/forefront", locked[0].Request.URL)
	assert.Equal(t, "http://example.com/fifo", locked[1].Request.URL)
}

func TestListAndLockHead_SkipsLockedEntries(t *testing.T) {
	q := New(nil, nil)
	_, err := q.AddRequest(mustRequest(t, "http://example.com/a"), false)
	require.NoError(t, err)

	locked, err := q.ListAndLockHead(10, time.Minute)
	require.NoError(t, err)
	require.Len(t, locked, 1)

	again, err := q.ListAndLockHead(10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, again, 0, "a locked-but-unexpired entry must not be handed out twice")
}

func TestMarkHandled_MakesEntryUnavailable(t *testing.T) {
	q := New(nil, nil)
	res, err := q.AddRequest(mustRequest(t, "http://example.com/a"), false)
	require.NoError(t, err)

	locked, err := q.ListAndLockHead(10, time.Minute)
	require.NoError(t, err)
	require.Len(t, locked, 1)

	require.NoError(t, q.MarkHandled(res.RequestID))
	assert.True(t, q.IsEmpty())

	again, err := q.AddRequest(mustRequest(t, "http://example.com/a"), false)
	require.NoError(t, err)
	assert.True(t, again.WasAlreadyHandled)
}

func TestReclaim_ReturnsToForefrontWhenRequested(t *testing.T) {
	q := New(nil, nil)
	res, err := q.AddRequest(mustRequest(t, "http://example.com/a"), false)
	require.NoError(t, err)
	_, err = q.ListAndLockHead(10, time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Reclaim(res.RequestID, true))

	_, err = q.AddRequest(mustRequest(t, "http://example.com/b"), false)
	require.NoError(t, err)

	locked, err := q.ListAndLockHead(10, time.Minute)
	require.NoError(t, err)
	require.Len(t, locked, 2)
	assert.Equal(t, "http://example.com/a", locked[0].Request.URL, "reclaimed-to-forefront entry must be returned before FIFO entries")
}

func TestWaitAndLockHead_UnblocksOnNewWork(t *testing.T) {
	q := New(nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultCh := make(chan []LockedRequest, 1)
	go func() {
		locked, err := q.WaitAndLockHead(ctx, 10, time.Minute, 50*time.Millisecond)
		require.NoError(t, err)
		resultCh <- locked
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := q.AddRequest(mustRequest(t, "http://example.com/a"), false)
	require.NoError(t, err)

	select {
	case locked := <-resultCh:
		assert.Len(t, locked, 1)
	case <-ctx.Done():
		t.Fatal("WaitAndLockHead did not unblock in time")
	}
}

func TestWaitAndLockHead_ReturnsOnClose(t *testing.T) {
	q := New(nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resultCh := make(chan []LockedRequest, 1)
	go func() {
		locked, _ := q.WaitAndLockHead(ctx, 10, time.Minute, 20*time.Millisecond)
		resultCh <- locked
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case locked := <-resultCh:
		assert.Empty(t, locked)
	case <-ctx.Done():
		t.Fatal("WaitAndLockHead did not return after Close")
	}
}
