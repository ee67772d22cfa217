package autoscale

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/events"
)

func TestSystemStatus_NotOverloadedWithNoSamples(t *testing.T) {
	snap := New(SnapshotterConfig{}, events.NewBus(arbor.NewLogger()), nil, arbor.NewLogger())
	status := NewSystemStatus(snap, SystemStatusConfig{})

	assert.False(t, status.IsCurrentlyOverloaded())
	assert.False(t, status.HasBeenOverloadedInLastMinute())
}

func TestSystemStatus_OverloadedWhenRatioExceeded(t *testing.T) {
	snap := New(SnapshotterConfig{MaxUsedCPURatio: 0.5}, events.NewBus(arbor.NewLogger()), nil, arbor.NewLogger())
	now := time.Now()
	snap.nowFn = func() time.Time { return now }

	// Three of four CPU samples overloaded -> 0.75 ratio.
	snap.recordCPU(90, false)
	snap.recordCPU(90, false)
	snap.recordCPU(90, false)
	snap.recordCPU(10, false)

	status := NewSystemStatus(snap, SystemStatusConfig{MaxOverloadedRatio: 0.4})
	status.nowFn = func() time.Time { return now }

	assert.True(t, status.IsCurrentlyOverloaded())
	assert.True(t, status.HasBeenOverloadedInLastMinute())
}

func TestSystemStatus_SamplesOutsideWindowAreIgnored(t *testing.T) {
	snap := New(SnapshotterConfig{MaxUsedCPURatio: 0.5, SnapshotHistory: time.Hour}, events.NewBus(arbor.NewLogger()), nil, arbor.NewLogger())
	old := time.Now().Add(-time.Minute)
	snap.nowFn = func() time.Time { return old }
	snap.recordCPU(99, false)

	now := old.Add(time.Hour)
	snap.nowFn = func() time.Time { return now }

	status := NewSystemStatus(snap, SystemStatusConfig{CurrentWindow: time.Second, HistoricalWindow: 2 * time.Second})
	status.nowFn = func() time.Time { return now }

	assert.False(t, status.IsCurrentlyOverloaded(), "sample far outside the window must not count")
}
