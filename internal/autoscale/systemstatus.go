package autoscale

import (
	"time"

	"github.com/ternarybob/crawlcore/internal/model"
)

// SystemStatusConfig tunes the sample windows and overload ratio
// threshold (spec.md §4.4).
type SystemStatusConfig struct {
	CurrentWindow    time.Duration
	HistoricalWindow time.Duration
	MaxOverloadedRatio float64
}

func defaultSystemStatusConfig() SystemStatusConfig {
	return SystemStatusConfig{
		CurrentWindow:      5 * time.Second,
		HistoricalWindow:   60 * time.Second,
		MaxOverloadedRatio: 0.4,
	}
}

// SystemStatus aggregates a Snapshotter's sample history into
// current/historical overload booleans (spec.md §4.4 C2).
type SystemStatus struct {
	snapshotter *Snapshotter
	cfg         SystemStatusConfig
	nowFn       func() time.Time
}

// NewSystemStatus creates a SystemStatus reading from the given Snapshotter.
func NewSystemStatus(snapshotter *Snapshotter, cfg SystemStatusConfig) *SystemStatus {
	d := defaultSystemStatusConfig()
	if cfg.CurrentWindow <= 0 {
		cfg.CurrentWindow = d.CurrentWindow
	}
	if cfg.HistoricalWindow <= 0 {
		cfg.HistoricalWindow = d.HistoricalWindow
	}
	if cfg.MaxOverloadedRatio <= 0 {
		cfg.MaxOverloadedRatio = d.MaxOverloadedRatio
	}
	return &SystemStatus{snapshotter: snapshotter, cfg: cfg, nowFn: time.Now}
}

// IsCurrentlyOverloaded reports whether any resource's overloaded-ratio
// over the "current" window exceeds MaxOverloadedRatio.
func (s *SystemStatus) IsCurrentlyOverloaded() bool {
	return s.overloadedInWindow(s.cfg.CurrentWindow)
}

// HasBeenOverloadedInLastMinute reports whether any resource's
// overloaded-ratio over the "historical" window exceeds
// MaxOverloadedRatio — the signal AutoscaledPool's resize loop consults.
func (s *SystemStatus) HasBeenOverloadedInLastMinute() bool {
	return s.overloadedInWindow(s.cfg.HistoricalWindow)
}

func (s *SystemStatus) overloadedInWindow(window time.Duration) bool {
	now := s.nowFn()
	cutoff := now.Add(-window)

	return ratioExceeds(s.snapshotter.MemoryHistory(), cutoff, s.cfg.MaxOverloadedRatio,
		func(m model.MemorySnapshot) (time.Time, bool) { return m.CreatedAt, m.IsOverloaded }) ||
		ratioExceeds(s.snapshotter.CPUHistory(), cutoff, s.cfg.MaxOverloadedRatio,
			func(c model.CpuSnapshot) (time.Time, bool) { return c.CreatedAt, c.IsOverloaded }) ||
		ratioExceeds(s.snapshotter.EventLoopHistory(), cutoff, s.cfg.MaxOverloadedRatio,
			func(e model.EventLoopSnapshot) (time.Time, bool) { return e.CreatedAt, e.IsOverloaded }) ||
		ratioExceeds(s.snapshotter.ClientHistory(), cutoff, s.cfg.MaxOverloadedRatio,
			func(c model.ClientSnapshot) (time.Time, bool) { return c.CreatedAt, c.IsOverloaded })
}

// ratioExceeds reports whether, among samples at or after cutoff,
// overloadedCount/totalCount > maxRatio. An empty window is never
// overloaded (spec.md §4.4).
func ratioExceeds[T any](hist []T, cutoff time.Time, maxRatio float64, at func(T) (time.Time, bool)) bool {
	var total, overloaded int
	for _, s := range hist {
		createdAt, isOverloaded := at(s)
		if createdAt.Before(cutoff) {
			continue
		}
		total++
		if isOverloaded {
			overloaded++
		}
	}
	if total == 0 {
		return false
	}
	return float64(overloaded)/float64(total) > maxRatio
}
