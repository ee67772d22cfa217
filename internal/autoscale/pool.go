package autoscale

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/common"
)

// PoolConfig tunes an AutoscaledPool (spec.md §4.3, §6's Configuration fields).
type PoolConfig struct {
	MinConcurrency       int
	MaxConcurrency       int
	DesiredConcurrency   int
	ScaleUpInterval      time.Duration
	ScaleDownInterval    time.Duration
	ScaleUpStepRatio     float64
	ScaleDownStepRatio   float64
	MaxRequestsPerMinute int
}

func defaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinConcurrency:     1,
		MaxConcurrency:     200,
		ScaleUpInterval:    10 * time.Second,
		ScaleDownInterval:  10 * time.Second,
		ScaleUpStepRatio:   0.05,
		ScaleDownStepRatio: 0.05,
	}
}

// TaskFunc runs one unit of work. A returned error is logged but does not
// stop the pool — termination is entirely driven by IsFinishedFunc.
type TaskFunc func(ctx context.Context) error

// AutoscaledPool runs TaskFunc concurrently across currentConcurrency
// workers, resizing that count on a timer based on SystemStatus (spec.md
// §4.3 C3). The worker-loop/cancel/WaitGroup shape is grounded on the
// teacher's internal/worker.WorkerPool.
type AutoscaledPool struct {
	cfg         PoolConfig
	status      *SystemStatus
	runTask     TaskFunc
	isTaskReady func() bool
	isFinished  func() bool
	limiter     *rate.Limiter
	logger      arbor.ILogger

	mu                 sync.Mutex
	currentConcurrency int
	workerCancels      map[int]context.CancelFunc
	nextWorkerID       int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	paused bool
}

// New creates an AutoscaledPool. isTaskReady gates whether a worker should
// call runTask again (e.g. "is there a request in the queue"); isFinished
// signals overall crawl completion (spec.md §4.2's termination conditions).
func New(cfg PoolConfig, status *SystemStatus, runTask TaskFunc, isTaskReady, isFinished func() bool, logger arbor.ILogger) *AutoscaledPool {
	d := defaultPoolConfig()
	if cfg.MinConcurrency <= 0 {
		cfg.MinConcurrency = d.MinConcurrency
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = d.MaxConcurrency
	}
	if cfg.DesiredConcurrency <= 0 {
		cfg.DesiredConcurrency = cfg.MaxConcurrency
	}
	if cfg.ScaleUpInterval <= 0 {
		cfg.ScaleUpInterval = d.ScaleUpInterval
	}
	if cfg.ScaleDownInterval <= 0 {
		cfg.ScaleDownInterval = d.ScaleDownInterval
	}
	if cfg.ScaleUpStepRatio <= 0 {
		cfg.ScaleUpStepRatio = d.ScaleUpStepRatio
	}
	if cfg.ScaleDownStepRatio <= 0 {
		cfg.ScaleDownStepRatio = d.ScaleDownStepRatio
	}

	var limiter *rate.Limiter
	if cfg.MaxRequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.MaxRequestsPerMinute)/60.0), cfg.MaxRequestsPerMinute)
	}

	return &AutoscaledPool{
		cfg:           cfg,
		status:        status,
		runTask:       runTask,
		isTaskReady:   isTaskReady,
		isFinished:    isFinished,
		limiter:       limiter,
		logger:        logger,
		workerCancels: make(map[int]context.CancelFunc),
	}
}

// Run starts the pool at minConcurrency workers and blocks the resize loop
// until ctx is cancelled, Abort is called, or a worker sees isFinished
// report true, settling in-flight workers before returning.
func (p *AutoscaledPool) Run(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.currentConcurrency = p.cfg.MinConcurrency

	p.mu.Lock()
	for i := 0; i < p.currentConcurrency; i++ {
		p.startWorkerLocked()
	}
	p.mu.Unlock()

	p.resizeLoop()
	p.wg.Wait()
}

// startWorkerLocked launches one worker goroutine. Caller must hold p.mu.
func (p *AutoscaledPool) startWorkerLocked() {
	workerCtx, cancel := context.WithCancel(p.ctx)
	id := p.nextWorkerID
	p.nextWorkerID++
	p.workerCancels[id] = cancel
	p.wg.Add(1)
	common.SafeGo(p.logger, fmt.Sprintf("autoscale-worker-%d", id), func() {
		p.worker(workerCtx, id)
	})
}

func (p *AutoscaledPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.isFinished != nil && p.isFinished() {
			p.cancel()
			return
		}
		if p.isPaused() {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if p.isTaskReady != nil && !p.isTaskReady() {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
		}

		if err := p.runTask(ctx); err != nil && p.logger != nil {
			p.logger.Warn().Err(err).Int("worker_id", id).Msg("task failed")
		}
	}
}

// resizeLoop runs the scale-up/scale-down timer until the pool context is
// cancelled (spec.md §4.3's resize formulas).
func (p *AutoscaledPool) resizeLoop() {
	interval := p.cfg.ScaleUpInterval
	if p.cfg.ScaleDownInterval < interval {
		interval = p.cfg.ScaleDownInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.isFinished != nil && p.isFinished() {
				p.cancel()
				return
			}
			p.resizeOnce()
		}
	}
}

func (p *AutoscaledPool) resizeOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused {
		return
	}

	isIdle := p.status == nil || !p.status.HasBeenOverloadedInLastMinute()

	if isIdle && p.currentConcurrency < p.cfg.MaxConcurrency && p.currentConcurrency < p.cfg.DesiredConcurrency {
		step := stepSize(p.currentConcurrency, p.cfg.ScaleUpStepRatio)
		target := p.currentConcurrency + step
		if target > p.cfg.MaxConcurrency {
			target = p.cfg.MaxConcurrency
		}
		p.scaleToLocked(target)
		return
	}

	if !isIdle {
		step := stepSize(p.currentConcurrency, p.cfg.ScaleDownStepRatio)
		target := p.currentConcurrency - step
		if target < p.cfg.MinConcurrency {
			target = p.cfg.MinConcurrency
		}
		p.scaleToLocked(target)
	}
}

// stepSize computes max(1, floor(n*ratio)) per spec.md §4.3.
func stepSize(n int, ratio float64) int {
	step := int(float64(n) * ratio)
	if step < 1 {
		step = 1
	}
	return step
}

// scaleToLocked adjusts currentConcurrency to target by starting or
// cancelling worker goroutines. Caller must hold p.mu.
func (p *AutoscaledPool) scaleToLocked(target int) {
	for p.currentConcurrency < target {
		p.startWorkerLocked()
		p.currentConcurrency++
	}
	for p.currentConcurrency > target {
		for id, cancel := range p.workerCancels {
			cancel()
			delete(p.workerCancels, id)
			break
		}
		p.currentConcurrency--
	}
}

// CurrentConcurrency returns the pool's current worker count.
func (p *AutoscaledPool) CurrentConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentConcurrency
}

// Pause stops dispatching new tasks (the resize loop keeps running but
// never changes concurrency) while letting in-flight workers finish.
func (p *AutoscaledPool) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume reverses Pause.
func (p *AutoscaledPool) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
}

// isPaused reports whether the pool is currently paused; workers consult
// it before every dispatch so Pause actually withholds new tasks rather
// than only freezing the resize loop.
func (p *AutoscaledPool) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Abort signals all in-flight workers to stop and the resize loop to exit.
func (p *AutoscaledPool) Abort() {
	if p.cancel != nil {
		p.cancel()
	}
}
