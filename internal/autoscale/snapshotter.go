// Package autoscale implements the resource-monitoring and worker-scaling
// triad of spec.md §2/§4.3/§4.4: Snapshotter (C1), SystemStatus (C2), and
// AutoscaledPool (C3). The periodic-sampler/bounded-history shape is
// grounded on the teacher's ChromeDPPool (round-robin resource pooling,
// internal/services/crawler/chromedp_pool.go) and WorkerPool
// (internal/worker/pool.go, context-cancel + WaitGroup worker loop); CPU
// and memory sampling is new and grounded on the pack's gopsutil/v4 usage.
package autoscale

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/events"
	"github.com/ternarybob/crawlcore/internal/model"
)

// SnapshotterConfig tunes sampling intervals and overload thresholds
// (spec.md §4.4, §6's Configuration fields).
type SnapshotterConfig struct {
	EventLoopSnapshotInterval time.Duration
	MaxBlockedMillis          float64
	ClientSnapshotInterval    time.Duration
	MaxClientErrors           int
	SnapshotHistory           time.Duration
	MaxMemoryBytes            uint64
	MaxUsedMemoryRatio        float64
	MaxUsedCPURatio           float64
}

func defaultSnapshotterConfig() SnapshotterConfig {
	return SnapshotterConfig{
		EventLoopSnapshotInterval: 500 * time.Millisecond,
		MaxBlockedMillis:          50,
		ClientSnapshotInterval:    time.Second,
		MaxClientErrors:           3,
		SnapshotHistory:           30 * time.Second,
		MaxUsedMemoryRatio:        0.7,
		MaxUsedCPURatio:           0.95,
	}
}

// RateLimitErrorCounter exposes the storage/HTTP client's running count of
// rate-limit (HTTP 429/503-class) errors observed so far, sampled by the
// client snapshot loop.
type RateLimitErrorCounter interface {
	RateLimitErrorCount() int
}

// Snapshotter periodically samples CPU, memory, event-loop lag, and client
// rate-limit errors, keeping a bounded, pruned history of each (spec.md §4.4).
type Snapshotter struct {
	cfg    SnapshotterConfig
	bus    *events.Bus
	client RateLimitErrorCounter
	logger arbor.ILogger
	nowFn  func() time.Time

	mu         sync.Mutex
	memHist    []model.MemorySnapshot
	cpuHist    []model.CpuSnapshot
	loopHist   []model.EventLoopSnapshot
	clientHist []model.ClientSnapshot

	lastEventLoopTick time.Time
	lastClientCount   int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Snapshotter. client may be nil, in which case client
// snapshots always report zero errors (no storage client wired).
func New(cfg SnapshotterConfig, bus *events.Bus, client RateLimitErrorCounter, logger arbor.ILogger) *Snapshotter {
	d := defaultSnapshotterConfig()
	if cfg.EventLoopSnapshotInterval <= 0 {
		cfg.EventLoopSnapshotInterval = d.EventLoopSnapshotInterval
	}
	if cfg.MaxBlockedMillis <= 0 {
		cfg.MaxBlockedMillis = d.MaxBlockedMillis
	}
	if cfg.ClientSnapshotInterval <= 0 {
		cfg.ClientSnapshotInterval = d.ClientSnapshotInterval
	}
	if cfg.MaxClientErrors <= 0 {
		cfg.MaxClientErrors = d.MaxClientErrors
	}
	if cfg.SnapshotHistory <= 0 {
		cfg.SnapshotHistory = d.SnapshotHistory
	}
	if cfg.MaxUsedMemoryRatio <= 0 {
		cfg.MaxUsedMemoryRatio = d.MaxUsedMemoryRatio
	}
	if cfg.MaxUsedCPURatio <= 0 {
		cfg.MaxUsedCPURatio = d.MaxUsedCPURatio
	}
	return &Snapshotter{
		cfg:    cfg,
		bus:    bus,
		client: client,
		logger: logger,
		nowFn:  time.Now,
	}
}

// Start launches the event-loop and client sampling loops and subscribes
// to systemInfo events for CPU/memory sampling. Calling Start twice
// without an intervening Stop is a programmer error.
func (s *Snapshotter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.bus != nil {
		_ = s.bus.Subscribe(events.TypeSystemInfo, func(_ context.Context, event events.Event) error {
			payload, ok := event.Payload.(events.SystemInfoPayload)
			if ok {
				s.recordCPU(payload.CPUCurrentUsage, payload.IsCPUOverloaded)
				s.recordMemory(payload.MemCurrentBytes, payload.IsMemOverloaded)
			}
			return nil
		})
	}

	s.wg.Add(2)
	common.SafeGo(s.logger, "snapshotter-eventloop-sampler", func() { s.runEventLoopSampler(ctx) })
	common.SafeGo(s.logger, "snapshotter-client-sampler", func() { s.runClientSampler(ctx) })
}

// Stop halts the sampling loops and waits for them to exit.
func (s *Snapshotter) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Snapshotter) runEventLoopSampler(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.EventLoopSnapshotInterval)
	defer ticker.Stop()

	s.lastEventLoopTick = s.nowFn()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.nowFn()
			delta := now.Sub(s.lastEventLoopTick) - s.cfg.EventLoopSnapshotInterval
			s.lastEventLoopTick = now
			deltaMillis := float64(delta.Microseconds()) / 1000.0
			snap := model.EventLoopSnapshot{
				ExceededMillis: deltaMillis,
				IsOverloaded:   deltaMillis > s.cfg.MaxBlockedMillis,
				CreatedAt:      now,
			}
			s.mu.Lock()
			s.loopHist = append(s.loopHist, snap)
			s.pruneLocked(now)
			s.mu.Unlock()
		}
	}
}

func (s *Snapshotter) runClientSampler(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ClientSnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := 0
			if s.client != nil {
				count = s.client.RateLimitErrorCount()
			}
			delta := count - s.lastClientCount
			s.lastClientCount = count
			now := s.nowFn()
			snap := model.ClientSnapshot{
				RateLimitErrorCount: count,
				IsOverloaded:        delta > s.cfg.MaxClientErrors,
				CreatedAt:           now,
			}
			s.mu.Lock()
			s.clientHist = append(s.clientHist, snap)
			s.pruneLocked(now)
			s.mu.Unlock()
		}
	}
}

func (s *Snapshotter) recordCPU(usagePercent float64, overloadedHint bool) {
	now := s.nowFn()
	overloaded := overloadedHint || usagePercent/100.0 > s.cfg.MaxUsedCPURatio
	s.mu.Lock()
	s.cpuHist = append(s.cpuHist, model.CpuSnapshot{UsedRatio: usagePercent / 100.0, IsOverloaded: overloaded, CreatedAt: now})
	s.pruneLocked(now)
	s.mu.Unlock()
}

func (s *Snapshotter) recordMemory(usedBytes uint64, overloadedHint bool) {
	now := s.nowFn()
	overloaded := overloadedHint
	if s.cfg.MaxMemoryBytes > 0 {
		overloaded = overloaded || float64(usedBytes)/float64(s.cfg.MaxMemoryBytes) > s.cfg.MaxUsedMemoryRatio
	}
	s.mu.Lock()
	s.memHist = append(s.memHist, model.MemorySnapshot{UsedBytes: usedBytes, IsOverloaded: overloaded, CreatedAt: now})
	s.pruneLocked(now)
	s.mu.Unlock()
}

// pruneLocked drops history older than SnapshotHistory. Caller must hold mu.
func (s *Snapshotter) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.cfg.SnapshotHistory)
	s.memHist = pruneBefore(s.memHist, cutoff, func(m model.MemorySnapshot) time.Time { return m.CreatedAt })
	s.cpuHist = pruneBefore(s.cpuHist, cutoff, func(m model.CpuSnapshot) time.Time { return m.CreatedAt })
	s.loopHist = pruneBefore(s.loopHist, cutoff, func(m model.EventLoopSnapshot) time.Time { return m.CreatedAt })
	s.clientHist = pruneBefore(s.clientHist, cutoff, func(m model.ClientSnapshot) time.Time { return m.CreatedAt })
}

func pruneBefore[T any](hist []T, cutoff time.Time, at func(T) time.Time) []T {
	idx := 0
	for idx < len(hist) && at(hist[idx]).Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return hist
	}
	return append([]T(nil), hist[idx:]...)
}

// MemoryHistory returns a snapshot of the current memory sample history.
func (s *Snapshotter) MemoryHistory() []model.MemorySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.MemorySnapshot(nil), s.memHist...)
}

// CPUHistory returns a snapshot of the current CPU sample history.
func (s *Snapshotter) CPUHistory() []model.CpuSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.CpuSnapshot(nil), s.cpuHist...)
}

// EventLoopHistory returns a snapshot of the current event-loop sample history.
func (s *Snapshotter) EventLoopHistory() []model.EventLoopSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.EventLoopSnapshot(nil), s.loopHist...)
}

// ClientHistory returns a snapshot of the current client-error sample history.
func (s *Snapshotter) ClientHistory() []model.ClientSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ClientSnapshot(nil), s.clientHist...)
}

// SampleSystemInfo takes one real CPU/memory reading via gopsutil and
// returns it as a systemInfo event payload, for callers driving the
// systemInfoIntervalMillis publish loop themselves (spec.md §6's
// Configuration.systemInfoIntervalMillis).
func SampleSystemInfo(ctx context.Context, maxMemoryBytes uint64, maxUsedMemoryRatio, maxUsedCPURatio float64) (events.SystemInfoPayload, error) {
	percentages, err := cpu.PercentWithContext(ctx, 0, false)
	var cpuUsage float64
	if err == nil && len(percentages) > 0 {
		cpuUsage = percentages[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	var usedBytes uint64
	if err == nil && vm != nil {
		usedBytes = vm.Used
	}

	payload := events.SystemInfoPayload{
		CPUCurrentUsage: cpuUsage,
		IsCPUOverloaded: cpuUsage/100.0 > maxUsedCPURatio,
		MemCurrentBytes: usedBytes,
		CreatedAt:       time.Now(),
	}
	if maxMemoryBytes > 0 {
		payload.IsMemOverloaded = float64(usedBytes)/float64(maxMemoryBytes) > maxUsedMemoryRatio
	}
	return payload, err
}
