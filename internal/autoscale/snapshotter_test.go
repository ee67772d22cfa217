package autoscale

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/events"
)

func TestSnapshotter_RecordCPUFlagsOverload(t *testing.T) {
	snap := New(SnapshotterConfig{MaxUsedCPURatio: 0.8}, events.NewBus(arbor.NewLogger()), nil, arbor.NewLogger())
	snap.recordCPU(90, false)
	snap.recordCPU(10, false)

	hist := snap.CPUHistory()
	if assert.Len(t, hist, 2) {
		assert.True(t, hist[0].IsOverloaded)
		assert.False(t, hist[1].IsOverloaded)
	}
}

func TestSnapshotter_PruneLockedDropsOldSamples(t *testing.T) {
	snap := New(SnapshotterConfig{SnapshotHistory: time.Minute}, events.NewBus(arbor.NewLogger()), nil, arbor.NewLogger())

	base := time.Now()
	snap.nowFn = func() time.Time { return base }
	snap.recordCPU(1, false)

	later := base.Add(2 * time.Minute)
	snap.nowFn = func() time.Time { return later }
	snap.recordCPU(2, false)

	hist := snap.CPUHistory()
	if assert.Len(t, hist, 1) {
		assert.InDelta(t, 0.02, hist[0].UsedRatio, 0.0001)
	}
}

type fakeRateLimitCounter struct{ count int }

func (f *fakeRateLimitCounter) RateLimitErrorCount() int { return f.count }

func TestSnapshotter_ClientSamplerFlagsDeltaOverload(t *testing.T) {
	client := &fakeRateLimitCounter{}
	snap := New(SnapshotterConfig{
		ClientSnapshotInterval: 5 * time.Millisecond,
		MaxClientErrors:        2,
	}, events.NewBus(arbor.NewLogger()), client, arbor.NewLogger())

	snap.Start(context.Background())
	defer snap.Stop()

	client.count = 5
	time.Sleep(30 * time.Millisecond)

	hist := snap.ClientHistory()
	if assert.NotEmpty(t, hist) {
		assert.True(t, hist[0].IsOverloaded)
	}
}
