package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/autoscale"
	"github.com/ternarybob/crawlcore/internal/model"
	"github.com/ternarybob/crawlcore/internal/queue"
	"github.com/ternarybob/crawlcore/internal/sessionpool"
	"github.com/ternarybob/crawlcore/internal/stats"
)

// Pipeline is the per-request augmentation step the engine runs between
// dequeuing a request and invoking its handler (implemented concretely
// by *pipeline.Pipeline; kept as an interface here so engine never
// imports the pipeline package, avoiding a cycle — pipeline's stages
// import engine for the error taxonomy they raise).
type Pipeline interface {
	Run(ctx context.Context, cc *model.CrawlingContext) error
}

// Options configures one crawl run (spec.md §4.2's per-request
// lifecycle knobs and §4.3's autoscaling knobs — process-wide ambient
// settings live in common.Configuration instead).
type Options struct {
	MaxRequestRetries     int
	MaxRequestsPerCrawl   int
	SessionRetryCap       int
	RequestHandlerTimeout time.Duration
	NavigationTimeout     time.Duration
	TimeoutBuffer         time.Duration

	Pool autoscale.PoolConfig
}

func defaultOptions() Options {
	return Options{
		MaxRequestRetries:     3,
		SessionRetryCap:       3,
		RequestHandlerTimeout: 60 * time.Second,
		NavigationTimeout:     30 * time.Second,
		TimeoutBuffer:         5 * time.Second,
	}
}

// FailedRequestHandler is invoked once a request has exhausted retries or
// hit a non-retryable/critical error (spec.md §7's "failed-request handler").
type FailedRequestHandler func(ctx context.Context, cc *model.CrawlingContext, err error)

// Engine binds the RequestQueue (C4), SessionPool (C5), ContextPipeline
// (C6), Statistics (C7), and Router into the crawl execution core's
// per-request state machine (spec.md §4.2). Its worker-dispatch shape is
// delegated entirely to autoscale.AutoscaledPool (C3); Engine supplies
// that pool's runTask/isTaskReady/isFinished functions.
type Engine struct {
	opts     Options
	queue    *queue.RequestQueue
	sessions *sessionpool.Pool
	pipeline Pipeline
	router   *Router
	stats    *stats.Statistics
	logger   arbor.ILogger

	onFailedRequest FailedRequestHandler

	aborted         atomic.Bool
	handledCount    atomic.Int64
	inFlightWorkers atomic.Int64
}

// New creates an Engine. onFailedRequest may be nil, in which case a
// failure is only logged via Statistics/logger.
func New(opts Options, q *queue.RequestQueue, sessions *sessionpool.Pool, pipeline Pipeline, router *Router, statistics *stats.Statistics, logger arbor.ILogger, onFailedRequest FailedRequestHandler) *Engine {
	d := defaultOptions()
	if opts.MaxRequestRetries == 0 {
		opts.MaxRequestRetries = d.MaxRequestRetries
	}
	if opts.SessionRetryCap == 0 {
		opts.SessionRetryCap = d.SessionRetryCap
	}
	if opts.RequestHandlerTimeout == 0 {
		opts.RequestHandlerTimeout = d.RequestHandlerTimeout
	}
	if opts.NavigationTimeout == 0 {
		opts.NavigationTimeout = d.NavigationTimeout
	}
	if opts.TimeoutBuffer == 0 {
		opts.TimeoutBuffer = d.TimeoutBuffer
	}

	return &Engine{
		opts:            opts,
		queue:           q,
		sessions:        sessions,
		pipeline:        pipeline,
		router:          router,
		stats:           statistics,
		logger:          logger,
		onFailedRequest: onFailedRequest,
	}
}

// Abort signals the crawl to stop dispatching new work (spec.md §4.2's
// "external abort signal" termination condition).
func (e *Engine) Abort() {
	e.aborted.Store(true)
}

// IsFinished reports whether any termination condition (spec.md §4.2) holds.
func (e *Engine) IsFinished() bool {
	if e.aborted.Load() {
		return true
	}
	if e.opts.MaxRequestsPerCrawl > 0 && int(e.handledCount.Load()) >= e.opts.MaxRequestsPerCrawl {
		return true
	}
	return e.queue.IsEmpty() && e.inFlightWorkers.Load() == 0
}

// IsTaskReady reports whether a worker should attempt to pull and run the
// next request. The queue's own blocking WaitAndLockHead call handles
// "nothing ready yet" internally, so workers are always allowed to try.
func (e *Engine) IsTaskReady() bool {
	return !e.aborted.Load()
}

// RunOneTask implements autoscale.TaskFunc: it pulls exactly one request
// from the queue and carries it through the full per-request lifecycle
// (spec.md §4.2's state machine).
func (e *Engine) RunOneTask(ctx context.Context) error {
	locked, err := e.queue.WaitAndLockHead(ctx, 1, e.lockDuration(), 200*time.Millisecond)
	if err != nil {
		return nil
	}
	if len(locked) == 0 {
		return nil
	}
	lr := locked[0]

	e.inFlightWorkers.Add(1)
	defer e.inFlightWorkers.Add(-1)

	e.processRequest(ctx, lr)
	return nil
}

func (e *Engine) lockDuration() time.Duration {
	return e.opts.RequestHandlerTimeout + e.opts.NavigationTimeout + e.opts.TimeoutBuffer
}

func (e *Engine) processRequest(ctx context.Context, lr queue.LockedRequest) {
	req := lr.Request
	req.State = model.RequestStateBeforeNav

	timer := e.statsTimer()

	session, err := e.sessions.GetSession("")
	if err != nil {
		e.finishFailed(ctx, lr, timer, req, fmt.Errorf("acquiring session: %w", err))
		return
	}

	cc := model.NewCrawlingContext(req, session, e.logger)

	deadline := e.opts.RequestHandlerTimeout + e.opts.NavigationTimeout + e.opts.TimeoutBuffer
	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	pipelineErr := e.pipeline.Run(reqCtx, cc)
	cleanupErrs := cc.RunCleanups(ctx)
	for _, cerr := range cleanupErrs {
		if e.logger != nil {
			e.logger.Warn().Err(cerr).Msg("pipeline cleanup failed")
		}
	}

	if pipelineErr != nil {
		e.handleError(ctx, lr, timer, session, pipelineErr)
		return
	}

	req.State = model.RequestStateRequestHandler
	handlerCtx, cancelHandler := context.WithTimeout(reqCtx, e.opts.RequestHandlerTimeout)
	defer cancelHandler()

	handlerErr := e.invokeHandler(handlerCtx, cc)
	if handlerErr != nil {
		e.handleError(ctx, lr, timer, session, handlerErr)
		return
	}

	req.State = model.RequestStateDone
	now := time.Now()
	req.HandledAt = &now
	e.sessions.MarkGood(session.ID)
	if err := e.queue.MarkHandled(lr.RequestID); err != nil && e.logger != nil {
		e.logger.Warn().Err(err).Str("request_id", lr.RequestID).Msg("markHandled failed")
	}
	e.handledCount.Add(1)
	if timer != nil {
		timer.Finished(req.RetryCount)
	}
}

func (e *Engine) invokeHandler(ctx context.Context, cc *model.CrawlingContext) error {
	if e.router == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panicked: %v", r)
			}
		}()
		done <- e.router.Invoke(ctx, cc)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &TimeoutError{Cause: ctx.Err()}
	}
}

func (e *Engine) handleError(ctx context.Context, lr queue.LockedRequest, timer *stats.RequestTimer, session *model.Session, err error) {
	req := lr.Request
	req.State = model.RequestStateErrorHandler
	req.ErrorMessages = append(req.ErrorMessages, err.Error())

	result := Classify(err)
	if result.MarkSessionBad && session != nil {
		e.sessions.MarkBad(session.ID)
	}

	switch result.Branch {
	case ClassifyRetryFree:
		if result.MarkSessionBad {
			req.SessionRetryCount++
			if req.SessionRetryCount > e.opts.SessionRetryCap {
				e.finishFailed(ctx, lr, timer, req, err)
				return
			}
		}
		if req.RetryCount < 0 {
			req.RetryCount = 0
		}
		e.requeue(lr)
		return
	case ClassifyRetry:
		req.RetryCount++
		if req.RetryCount <= e.opts.MaxRequestRetries && !req.NoRetry {
			e.requeue(lr)
			return
		}
		e.finishFailed(ctx, lr, timer, req, err)
		return
	case ClassifyFailed:
		e.finishFailed(ctx, lr, timer, req, err)
		return
	case ClassifyFailedAbort:
		e.finishFailed(ctx, lr, timer, req, err)
		e.Abort()
		return
	default:
		e.finishFailed(ctx, lr, timer, req, err)
	}
}

func (e *Engine) requeue(lr queue.LockedRequest) {
	if err := e.queue.Reclaim(lr.RequestID, false); err != nil && e.logger != nil {
		e.logger.Warn().Err(err).Str("request_id", lr.RequestID).Msg("reclaim failed")
	}
}

func (e *Engine) finishFailed(ctx context.Context, lr queue.LockedRequest, timer *stats.RequestTimer, req *model.Request, err error) {
	req.State = model.RequestStateError
	if markErr := e.queue.MarkHandled(lr.RequestID); markErr != nil && e.logger != nil {
		e.logger.Warn().Err(markErr).Str("request_id", lr.RequestID).Msg("markHandled failed")
	}
	e.handledCount.Add(1)
	if timer != nil {
		timer.Failed(req.RetryCount)
	}

	if e.onFailedRequest != nil {
		cc := model.NewCrawlingContext(req, nil, e.logger)
		e.onFailedRequest(ctx, cc, err)
	} else if e.logger != nil {
		e.logger.Error().Err(err).Str("url", req.URL).Msg("request failed")
	}
}

func (e *Engine) statsTimer() *stats.RequestTimer {
	if e.stats == nil {
		return nil
	}
	return e.stats.RequestStarted()
}
