package sessionpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSession_CreatesNewUntilPoolFull(t *testing.T) {
	p := New(Config{MaxPoolSize: 2, SessionMaxUsage: 10, SessionMaxErrors: 3, SessionTTL: time.Hour}, nil, nil, nil)

	s1, err := p.GetSession("")
	require.NoError(t, err)
	s2, err := p.GetSession("")
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Equal(t, 2, p.Size())
}

func TestGetSession_ReturnsNamedSessionIfUsable(t *testing.T) {
	p := New(Config{MaxPoolSize: 5, SessionMaxUsage: 10, SessionMaxErrors: 3, SessionTTL: time.Hour}, nil, nil, nil)

	s1, err := p.GetSession("")
	require.NoError(t, err)

	s2, err := p.GetSession(s1.ID)
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID)
}

func TestMarkBad_RetiresSessionAfterErrorBudget(t *testing.T) {
	p := New(Config{MaxPoolSize: 5, SessionMaxUsage: 10, SessionMaxErrors: 2, SessionTTL: time.Hour}, nil, nil, nil)

	s, err := p.GetSession("")
	require.NoError(t, err)

	p.MarkBad(s.ID)
	p.MarkBad(s.ID)

	again, err := p.GetSession(s.ID)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, again.ID, "a retired session must not be handed back out under its own id")
}

func TestGetSession_EvictsRetiredWhenPoolFull(t *testing.T) {
	p := New(Config{MaxPoolSize: 1, SessionMaxUsage: 10, SessionMaxErrors: 1, SessionTTL: time.Hour}, nil, nil, nil)

	s, err := p.GetSession("")
	require.NoError(t, err)
	p.MarkBad(s.ID)

	next, err := p.GetSession("")
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, next.ID)
	assert.Equal(t, 1, p.Size())
}

type memoryStore struct {
	data map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string][]byte)}
}

func (m *memoryStore) SetRecord(key string, value []byte, contentType string) error {
	m.data[key] = value
	return nil
}

func (m *memoryStore) GetRecord(key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func TestPersistState_RestoreRoundTrip(t *testing.T) {
	store := newMemoryStore()
	p := New(Config{MaxPoolSize: 5, SessionMaxUsage: 10, SessionMaxErrors: 3, SessionTTL: time.Hour}, nil, store, nil)

	s, err := p.GetSession("")
	require.NoError(t, err)
	p.MarkGood(s.ID)

	require.NoError(t, p.PersistState())

	restored := New(Config{MaxPoolSize: 5, SessionMaxUsage: 10, SessionMaxErrors: 3, SessionTTL: time.Hour}, nil, store, nil)
	require.NoError(t, restored.Restore())

	got, err := restored.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, 1, got.UsageCount)
}

func TestPersistState_ExcludesRetiredSessions(t *testing.T) {
	store := newMemoryStore()
	p := New(Config{MaxPoolSize: 5, SessionMaxUsage: 10, SessionMaxErrors: 1, SessionTTL: time.Hour}, nil, store, nil)

	s, err := p.GetSession("")
	require.NoError(t, err)
	p.MarkBad(s.ID)

	require.NoError(t, p.PersistState())

	restored := New(Config{MaxPoolSize: 5, SessionMaxUsage: 10, SessionMaxErrors: 1, SessionTTL: time.Hour}, nil, store, nil)
	require.NoError(t, restored.Restore())
	assert.Equal(t, 0, restored.Size())
}
