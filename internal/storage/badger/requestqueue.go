package badger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/crawlcore/internal/queue"
)

// RequestQueueMeta is the directory record for a named request queue.
type RequestQueueMeta struct {
	ID        string `badgerhold:"key"`
	Name      string `badgerhold:"index"`
	CreatedAt time.Time
}

// QueueEntryRecord is the persisted form of a request queue entry (spec.md §3
// QueueEntry): an immutable request body plus the mutable orderNo lease
// state, stored together since the whole record is small and rewritten
// on every lock/unlock — unlike the teacher's two-record job pattern,
// nothing here is expensive enough to warrant splitting.
type QueueEntryRecord struct {
	PK          string `badgerhold:"key"`
	QueueID     string `badgerhold:"index"`
	ID          string
	OrderNo     *int64
	RequestJSON []byte
	UpdatedAt   time.Time
}

// RequestQueueCollection is the top-level accessor for named request queues.
type RequestQueueCollection struct {
	db *DB
}

func NewRequestQueueCollection(db *DB) *RequestQueueCollection {
	return &RequestQueueCollection{db: db}
}

// GetOrCreate resolves a request queue by name, creating it if absent.
// An empty name resolves to "default" per spec.md §6's defaultRequestQueueId.
func (c *RequestQueueCollection) GetOrCreate(name string) (*RequestQueueStore, error) {
	if name == "" {
		name = "default"
	}

	var existing []RequestQueueMeta
	if err := c.db.Store().Find(&existing, badgerhold.Where("Name").Eq(name)); err != nil {
		return nil, fmt.Errorf("crawlcore: looking up request queue %q: %w", name, err)
	}
	if len(existing) > 0 {
		return &RequestQueueStore{db: c.db, id: existing[0].ID}, nil
	}

	meta := RequestQueueMeta{ID: uuid.New().String(), Name: name, CreatedAt: time.Now()}
	if err := c.db.Store().Insert(meta.ID, &meta); err != nil {
		return nil, fmt.Errorf("crawlcore: creating request queue %q: %w", name, err)
	}
	return &RequestQueueStore{db: c.db, id: meta.ID}, nil
}

// RequestQueueStore is the persistence side of a single request queue:
// durable storage for entries the in-memory queue.RequestQueue holds.
// Writes are expected to be issued from the queue package's serialized
// per-id background writer (spec.md §4.1's "storage writes are
// fire-and-forget background tasks ordered per id").
type RequestQueueStore struct {
	db *DB
	id string
}

func (s *RequestQueueStore) pk(entryID string) string {
	return s.id + "\x00" + entryID
}

// Put writes (inserts or overwrites) one queue entry.
func (s *RequestQueueStore) Put(entryID string, orderNo *int64, requestJSON []byte) error {
	rec := QueueEntryRecord{
		PK:          s.pk(entryID),
		QueueID:     s.id,
		ID:          entryID,
		OrderNo:     orderNo,
		RequestJSON: requestJSON,
		UpdatedAt:   time.Now(),
	}
	if err := s.db.Store().Upsert(s.pk(entryID), &rec); err != nil {
		return fmt.Errorf("crawlcore: persisting queue entry %q: %w", entryID, err)
	}
	return nil
}

// Get fetches one queue entry by id.
func (s *RequestQueueStore) Get(entryID string) (*QueueEntryRecord, error) {
	var rec QueueEntryRecord
	err := s.db.Store().Get(s.pk(entryID), &rec)
	if err == badgerhold.ErrNotFound {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("crawlcore: getting queue entry %q: %w", entryID, err)
	}
	return &rec, nil
}

// Delete removes a queue entry. Deleting an absent entry is not an error.
func (s *RequestQueueStore) Delete(entryID string) error {
	err := s.db.Store().Delete(s.pk(entryID), &QueueEntryRecord{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("crawlcore: deleting queue entry %q: %w", entryID, err)
	}
	return nil
}

// List returns every persisted entry for this queue, used to rebuild the
// in-memory queue.RequestQueue on startup.
func (s *RequestQueueStore) List() ([]*QueueEntryRecord, error) {
	var recs []QueueEntryRecord
	if err := s.db.Store().Find(&recs, badgerhold.Where("QueueID").Eq(s.id)); err != nil {
		return nil, fmt.Errorf("crawlcore: listing queue entries: %w", err)
	}
	out := make([]*QueueEntryRecord, len(recs))
	for i := range recs {
		out[i] = &recs[i]
	}
	return out, nil
}

// AsQueueStore adapts this RequestQueueStore to queue.Store so a
// queue.RequestQueue can be wired directly to this backend.
func (s *RequestQueueStore) AsQueueStore() queue.Store {
	return queueStoreAdapter{s}
}

type queueStoreAdapter struct {
	s *RequestQueueStore
}

func (a queueStoreAdapter) Put(entryID string, orderNo *int64, requestJSON []byte) error {
	return a.s.Put(entryID, orderNo, requestJSON)
}

func (a queueStoreAdapter) Delete(entryID string) error {
	return a.s.Delete(entryID)
}

func (a queueStoreAdapter) List() ([]queue.PersistedEntry, error) {
	recs, err := a.s.List()
	if err != nil {
		return nil, err
	}
	out := make([]queue.PersistedEntry, len(recs))
	for i, r := range recs {
		out[i] = queue.PersistedEntry{ID: r.ID, OrderNo: r.OrderNo, RequestJSON: r.RequestJSON}
	}
	return out, nil
}
