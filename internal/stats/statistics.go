// Package stats implements Statistics (spec.md §2 C7): per-request
// timing and retry counters, with periodic log emission and persistence.
// The duration/terminal-count aggregation shape is grounded on the
// teacher's internal/jobs/state.Manager progress-stats helpers
// (GetCrawlerProgressStats's duration/completed/failed accounting),
// rewritten around single requests instead of a job tree.
package stats

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// PersistKey is the key-value-store key Statistics snapshots are
// serialized under.
const PersistKey = "crawler-statistics"

// Store is the persistence side-channel for a Statistics snapshot.
type Store interface {
	SetRecord(key string, value []byte, contentType string) error
}

// Snapshot is the point-in-time aggregate Statistics reports and persists.
type Snapshot struct {
	RequestsFinished   int           `json:"requestsFinished"`
	RequestsFailed     int           `json:"requestsFailed"`
	RequestsRetried    int           `json:"requestsRetried"`
	RetryHistogram     map[int]int   `json:"retryHistogram"`
	RequestTotalMicros int64         `json:"requestTotalMicros"`
	RequestMinMicros   int64         `json:"requestMinMicros"`
	RequestMaxMicros   int64         `json:"requestMaxMicros"`
	CrawlerStartedAt   time.Time     `json:"crawlerStartedAt"`
}

// RequestAvgDuration is the mean per-finished-request duration.
func (s Snapshot) RequestAvgDuration() time.Duration {
	if s.RequestsFinished == 0 {
		return 0
	}
	return time.Duration(s.RequestTotalMicros/int64(s.RequestsFinished)) * time.Microsecond
}

// Statistics accumulates per-request timing and outcome counters
// (spec.md §5's "implementers MUST guard Statistics with a mutex").
type Statistics struct {
	mu sync.Mutex

	requestsFinished int
	requestsFailed   int
	requestsRetried  int
	retryHistogram   map[int]int
	totalMicros      int64
	minMicros        int64
	maxMicros        int64

	startedAt time.Time
	store     Store
	logger    arbor.ILogger
	nowFn     func() time.Time
}

// New creates a Statistics tracker. store may be nil (no persistence).
func New(store Store, logger arbor.ILogger) *Statistics {
	return &Statistics{
		retryHistogram: make(map[int]int),
		startedAt:      time.Now(),
		store:          store,
		logger:         logger,
		nowFn:          time.Now,
	}
}

// RequestStarted returns a handle used to stop timing when the request
// finishes, succeeds, or fails.
func (s *Statistics) RequestStarted() *RequestTimer {
	return &RequestTimer{stats: s, startedAt: s.nowFn()}
}

// RequestTimer tracks one in-flight request's duration.
type RequestTimer struct {
	stats     *Statistics
	startedAt time.Time
}

// Finished records a successful completion, with its final retry count.
func (t *RequestTimer) Finished(retryCount int) {
	t.stats.recordOutcome(time.Since(t.startedAt), retryCount, true)
}

// Failed records a terminal failure, with its final retry count.
func (t *RequestTimer) Failed(retryCount int) {
	t.stats.recordOutcome(time.Since(t.startedAt), retryCount, false)
}

func (s *Statistics) recordOutcome(duration time.Duration, retryCount int, succeeded bool) {
	micros := duration.Microseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	if succeeded {
		s.requestsFinished++
	} else {
		s.requestsFailed++
	}
	if retryCount > 0 {
		s.requestsRetried++
		s.retryHistogram[retryCount]++
	}

	s.totalMicros += micros
	if s.minMicros == 0 || micros < s.minMicros {
		s.minMicros = micros
	}
	if micros > s.maxMicros {
		s.maxMicros = micros
	}
}

// Snapshot returns a copy of the current aggregate counters.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	histogram := make(map[int]int, len(s.retryHistogram))
	for k, v := range s.retryHistogram {
		histogram[k] = v
	}

	return Snapshot{
		RequestsFinished:   s.requestsFinished,
		RequestsFailed:     s.requestsFailed,
		RequestsRetried:    s.requestsRetried,
		RetryHistogram:     histogram,
		RequestTotalMicros: s.totalMicros,
		RequestMinMicros:   s.minMicros,
		RequestMaxMicros:   s.maxMicros,
		CrawlerStartedAt:   s.startedAt,
	}
}

// LogSummary emits the current snapshot at info level, for periodic
// reporting (e.g. driven by the persistState event).
func (s *Statistics) LogSummary() {
	if s.logger == nil {
		return
	}
	snap := s.Snapshot()
	s.logger.Info().
		Int("requests_finished", snap.RequestsFinished).
		Int("requests_failed", snap.RequestsFailed).
		Int("requests_retried", snap.RequestsRetried).
		Str("avg_duration", snap.RequestAvgDuration().String()).
		Msg("crawl statistics")
}

// Persist serializes the current snapshot to Store under PersistKey.
func (s *Statistics) Persist() error {
	if s.store == nil {
		return nil
	}
	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		return fmt.Errorf("crawlcore: marshaling statistics: %w", err)
	}
	return s.store.SetRecord(PersistKey, data, "application/json")
}
