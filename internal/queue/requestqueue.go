// Package queue implements the RequestQueue (spec.md §2 C4, §4.1): an
// ordered collection of pending requests with lease-based locking,
// forefront (LIFO) insertion ahead of FIFO insertion, and deduplication
// by the request's unique key. The ordering/locking model here is
// grounded on the teacher's container/heap + sync.Mutex/sync.Cond
// URLQueue (internal/services/crawler/queue.go); persistence is
// delegated to a Store so the in-memory structure stays the
// single-writer-per-process authority spec.md §5 requires.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawlcore/internal/model"
)

// Store is the persistence side-channel a RequestQueue writes through.
// Implementations (e.g. storage/badger.RequestQueueStore) must accept
// out-of-order, fire-and-forget writes — spec.md §4.1's "storage writes
// are fire-and-forget background tasks ordered per id" — so RequestQueue
// serializes writes per entry id itself before handing them to Store.
type Store interface {
	Put(entryID string, orderNo *int64, requestJSON []byte) error
	Delete(entryID string) error
	List() ([]PersistedEntry, error)
}

// PersistedEntry is the shape a Store.List returns; storage/badger's
// queue store adapter builds one from each stored QueueEntryRecord.
type PersistedEntry struct {
	ID          string
	OrderNo     *int64
	RequestJSON []byte
}

// AddResult is returned by AddRequest (spec.md §4.1).
type AddResult struct {
	RequestID         string
	WasAlreadyPresent bool
	WasAlreadyHandled bool
}

// entry is one queue slot. OrderNo follows spec.md §3's QueueEntry
// encoding: nil = handled, positive = FIFO pending (smaller = earlier),
// negative = forefront (larger absolute value = earlier), and
// abs(orderNo) > now means the entry is lease-locked.
type entry struct {
	id      string
	orderNo *int64
	request *model.Request
	index   int // heap index, maintained by container/heap
}

// pendingHeap orders FIFO entries ascending by orderNo (smaller = earlier).
type pendingHeap []*entry

func (h pendingHeap) Len() int           { return len(h) }
func (h pendingHeap) Less(i, j int) bool { return *h[i].orderNo < *h[j].orderNo }
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *pendingHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// RequestQueue is the in-process authority for pending/locked/handled
// requests. All mutation happens under mu; cond wakes blocked callers of
// WaitAndLockHead when new work arrives or the queue is closed.
type RequestQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	byID map[string]*entry

	pending   pendingHeap // positive orderNo entries, FIFO
	forefront []*entry    // negative orderNo entries, LIFO (append=push, pop from tail)

	handledCount int
	totalCount   int
	orderSeq     int64

	store  Store
	nowFn  func() time.Time
	logger arbor.ILogger
	closed bool

	writeCh   chan writeJob
	writeDone chan struct{}
}

type writeJob struct {
	id      string
	orderNo *int64
	data    []byte
}

// New creates an empty RequestQueue. store may be nil for a purely
// in-memory queue (tests, or a crawl that opts out of persistence).
func New(store Store, logger arbor.ILogger) *RequestQueue {
	q := &RequestQueue{
		byID:      make(map[string]*entry),
		store:     store,
		nowFn:     time.Now,
		logger:    logger,
		writeCh:   make(chan writeJob, 256),
		writeDone: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.pending)
	if store != nil {
		go q.writeLoop()
	} else {
		close(q.writeDone)
	}
	return q
}

// writeLoop is the single serialized writer spec.md §4.1 calls for:
// "storage writes are fire-and-forget background tasks ordered per id".
// A single goroutine draining one channel trivially preserves per-id
// order since it preserves global order.
func (q *RequestQueue) writeLoop() {
	defer close(q.writeDone)
	for job := range q.writeCh {
		if err := q.store.Put(job.id, job.orderNo, job.data); err != nil && q.logger != nil {
			q.logger.Warn().Err(err).Str("request_id", job.id).Msg("failed to persist queue entry")
		}
	}
}

// AddRequest inserts req, or reports it as already present if its
// UniqueKey already maps to an entry (idempotent by design, spec.md §4.1).
func (q *RequestQueue) AddRequest(req *model.Request, forefront bool) (AddResult, error) {
	if req.UniqueKey == "" {
		return AddResult{}, fmt.Errorf("crawlcore: request %q has no unique key", req.URL)
	}
	id := model.RequestID(req.UniqueKey)

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byID[id]; ok {
		return AddResult{
			RequestID:         id,
			WasAlreadyPresent: true,
			WasAlreadyHandled: existing.orderNo == nil,
		}, nil
	}

	order := q.nextOrderNo(forefront)
	e := &entry{id: id, orderNo: &order, request: req}
	q.byID[id] = e
	q.totalCount++
	if forefront {
		q.forefront = append(q.forefront, e)
	} else {
		heap.Push(&q.pending, e)
	}
	q.cond.Broadcast()

	q.persist(e)

	return AddResult{RequestID: id}, nil
}

// nextOrderNo assigns the next ordering sequence number. Caller must
// hold q.mu — orderSeq lives on the queue instance, not as a package
// global, so two RequestQueues in the same process never share it.
func (q *RequestQueue) nextOrderNo(forefront bool) int64 {
	q.orderSeq++
	if forefront {
		return -q.orderSeq
	}
	return q.orderSeq
}

// LockedRequest is one request handed back by ListAndLockHead.
type LockedRequest struct {
	RequestID string
	Request   *model.Request
}

// ListAndLockHead locks up to limit eligible entries and returns them,
// draining the forefront stack (LIFO) before the FIFO pending heap
// (spec.md §4.1). An entry is eligible iff its orderNo is non-nil and
// abs(orderNo) <= now (i.e. not currently lease-locked). A locked entry
// leaves the forefront stack and pending heap, so it is not offered again
// when its lease expires; only Reclaim or DeleteRequestLock return it.
func (q *RequestQueue) ListAndLockHead(limit int, lockDuration time.Duration) ([]LockedRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowFn()
	lockUntil := now.Add(lockDuration).UnixMilli()

	var out []LockedRequest

	for len(out) < limit && len(q.forefront) > 0 {
		e := q.forefront[len(q.forefront)-1]
		if !q.eligible(e, now) {
			break
		}
		q.forefront = q.forefront[:len(q.forefront)-1]
		q.lock(e, lockUntil, true)
		out = append(out, LockedRequest{RequestID: e.id, Request: e.request})
	}

	for len(out) < limit && q.pending.Len() > 0 {
		e := q.pending[0]
		if !q.eligible(e, now) {
			break
		}
		heap.Pop(&q.pending)
		q.lock(e, lockUntil, false)
		out = append(out, LockedRequest{RequestID: e.id, Request: e.request})
	}

	return out, nil
}

func (q *RequestQueue) eligible(e *entry, now time.Time) bool {
	if e.orderNo == nil {
		return false
	}
	abs := *e.orderNo
	if abs < 0 {
		abs = -abs
	}
	return abs <= now.UnixMilli()
}

func (q *RequestQueue) lock(e *entry, lockUntilMillis int64, forefront bool) {
	v := lockUntilMillis
	if forefront {
		v = -v
	}
	e.orderNo = &v
	q.persist(e)
}

// hasEligibleLocked reports whether an eligible entry exists right now;
// callers must hold mu.
func (q *RequestQueue) hasEligibleLocked(now time.Time) bool {
	if len(q.forefront) > 0 && q.eligible(q.forefront[len(q.forefront)-1], now) {
		return true
	}
	if q.pending.Len() > 0 && q.eligible(q.pending[0], now) {
		return true
	}
	return false
}

// WaitAndLockHead blocks until at least one eligible entry can be
// locked, ctx is cancelled, or the queue is closed, then behaves like
// ListAndLockHead. It polls on a short timer in addition to cond
// signals, so an entry that sits in the pending structures with a future
// lease (one restored while locked) is picked up once that lease passes.
func (q *RequestQueue) WaitAndLockHead(ctx context.Context, limit int, lockDuration, pollInterval time.Duration) ([]LockedRequest, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	timer := time.AfterFunc(pollInterval, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	q.mu.Lock()
	for {
		if ctx.Err() != nil {
			q.mu.Unlock()
			return nil, ctx.Err()
		}
		if q.closed {
			q.mu.Unlock()
			return nil, nil
		}
		if q.hasEligibleLocked(q.nowFn()) {
			break
		}
		q.cond.Wait()
		timer.Reset(pollInterval)
	}
	q.mu.Unlock()

	return q.ListAndLockHead(limit, lockDuration)
}

// ProlongRequestLock extends (never shortens) an in-flight lease.
func (q *RequestQueue) ProlongRequestLock(id string, lockDuration time.Duration, forefront bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok || e.orderNo == nil {
		return fmt.Errorf("crawlcore: no locked entry %q", id)
	}
	newUntil := q.nowFn().Add(lockDuration).UnixMilli()
	cur := *e.orderNo
	if cur < 0 {
		cur = -cur
	}
	if newUntil > cur {
		v := newUntil
		if forefront || *e.orderNo < 0 {
			v = -v
		}
		e.orderNo = &v
		q.persist(e)
	}
	return nil
}

// DeleteRequestLock releases a lease early, returning the entry to
// pending immediately with fresh ordering (equivalent to a zero-delay
// reclaim).
func (q *RequestQueue) DeleteRequestLock(id string, forefront bool) error {
	return q.Reclaim(id, forefront)
}

// MarkHandled marks id as terminally done: orderNo becomes nil and it is
// removed from the live pending/forefront structures.
func (q *RequestQueue) MarkHandled(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("crawlcore: unknown entry %q", id)
	}
	if e.orderNo == nil {
		return nil
	}
	if e.index >= 0 && e.index < len(q.pending) && q.pending[e.index] == e {
		heap.Remove(&q.pending, e.index)
	}
	for i, f := range q.forefront {
		if f == e {
			q.forefront = append(q.forefront[:i], q.forefront[i+1:]...)
			break
		}
	}
	e.orderNo = nil
	q.handledCount++
	q.persist(e)
	q.cond.Broadcast()
	return nil
}

// Reclaim returns a locked entry to the pending set with a fresh
// ordering position, used on retry (spec.md §4.2).
func (q *RequestQueue) Reclaim(id string, forefront bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("crawlcore: unknown entry %q", id)
	}
	order := q.nextOrderNo(forefront)
	e.orderNo = &order
	if forefront {
		q.forefront = append(q.forefront, e)
	} else {
		heap.Push(&q.pending, e)
	}
	q.persist(e)
	q.cond.Broadcast()
	return nil
}

// IsEmpty reports whether every known entry has been handled.
func (q *RequestQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalCount == q.handledCount
}

// Counts returns (total, handled) for diagnostics/termination checks.
func (q *RequestQueue) Counts() (total, handled int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalCount, q.handledCount
}

// Restore rebuilds in-memory pending/forefront/handled state from the
// Store, for use on process startup (spec.md §6 describes no explicit
// restore step for the queue, but sessions and datasets both persist
// across restarts, and a request queue that forgot its pending work on
// every restart would defeat the point of persisting it at all).
func (q *RequestQueue) Restore() error {
	if q.store == nil {
		return nil
	}
	records, err := q.store.List()
	if err != nil {
		return fmt.Errorf("crawlcore: restoring request queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, rec := range records {
		var req model.Request
		if err := json.Unmarshal(rec.RequestJSON, &req); err != nil {
			if q.logger != nil {
				q.logger.Warn().Err(err).Str("request_id", rec.ID).Msg("skipping unreadable persisted queue entry")
			}
			continue
		}
		e := &entry{id: rec.ID, orderNo: rec.OrderNo, request: &req}
		q.byID[rec.ID] = e
		q.totalCount++
		if rec.OrderNo == nil {
			q.handledCount++
			continue
		}
		if *rec.OrderNo < 0 {
			q.forefront = append(q.forefront, e)
		} else {
			heap.Push(&q.pending, e)
		}
	}

	// Order restored forefront entries so the most recently pushed one
	// (largest absolute orderNo) drains first, matching live LIFO order.
	sort.Slice(q.forefront, func(i, j int) bool {
		return *q.forefront[i].orderNo > *q.forefront[j].orderNo
	})

	return nil
}

// Close unblocks any WaitAndLockHead callers permanently and stops the
// background writer once its queue drains.
func (q *RequestQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	if q.store != nil {
		close(q.writeCh)
		<-q.writeDone
	}
}

// persist enqueues the entry's current state for the background writer.
// Called while mu is held, so enqueue order matches mutation order.
func (q *RequestQueue) persist(e *entry) {
	if q.store == nil {
		return
	}
	data, err := json.Marshal(e.request)
	if err != nil {
		if q.logger != nil {
			q.logger.Warn().Err(err).Str("request_id", e.id).Msg("failed to marshal request for persistence")
		}
		return
	}
	var orderNo *int64
	if e.orderNo != nil {
		v := *e.orderNo
		orderNo = &v
	}
	select {
	case q.writeCh <- writeJob{id: e.id, orderNo: orderNo, data: data}:
	default:
		if q.logger != nil {
			q.logger.Warn().Str("request_id", e.id).Msg("persistence queue full, dropping write")
		}
	}
}
