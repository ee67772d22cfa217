package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatistics_RecordsFinishedAndFailedCounts(t *testing.T) {
	s := New(nil, nil)

	s.RequestStarted().Finished(0)
	s.RequestStarted().Finished(2)
	s.RequestStarted().Failed(5)

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.RequestsFinished)
	assert.Equal(t, 1, snap.RequestsFailed)
	assert.Equal(t, 2, snap.RequestsRetried)
	assert.Equal(t, 1, snap.RetryHistogram[2])
	assert.Equal(t, 1, snap.RetryHistogram[5])
}

type memoryStore struct {
	lastKey   string
	lastValue []byte
}

func (m *memoryStore) SetRecord(key string, value []byte, contentType string) error {
	m.lastKey = key
	m.lastValue = value
	return nil
}

func TestStatistics_PersistWritesToStore(t *testing.T) {
	store := &memoryStore{}
	s := New(store, nil)
	s.RequestStarted().Finished(0)

	require.NoError(t, s.Persist())
	assert.Equal(t, PersistKey, store.lastKey)
	assert.NotEmpty(t, store.lastValue)
}

func TestStatistics_AvgDurationIsZeroWithNoFinishedRequests(t *testing.T) {
	s := New(nil, nil)
	assert.Equal(t, int64(0), s.Snapshot().RequestAvgDuration().Microseconds())
}
