package badger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/crawlcore/internal/sessionpool"
)

// KeyValueCollectionMeta is the directory record for a named key-value
// store, mirroring spec.md §6's keyValueStoreCollection.getOrCreate(name?).
type KeyValueCollectionMeta struct {
	ID        string `badgerhold:"key"`
	Name      string `badgerhold:"index"`
	CreatedAt time.Time
}

// Record is a single key-value entry, spec.md §6's kvs(id).getRecord/setRecord shape.
type Record struct {
	PK           string `badgerhold:"key"`
	CollectionID string `badgerhold:"index"`
	Key          string
	Value        []byte
	ContentType  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ErrRecordNotFound is returned by GetRecord when the key has no entry.
var ErrRecordNotFound = fmt.Errorf("crawlcore: record not found")

// KeyValueStoreCollection is the top-level accessor for named key-value stores.
type KeyValueStoreCollection struct {
	db *DB
}

func NewKeyValueStoreCollection(db *DB) *KeyValueStoreCollection {
	return &KeyValueStoreCollection{db: db}
}

// GetOrCreate resolves a key-value store by name, creating it if absent.
// An empty name resolves to "default" per spec.md §6's defaultKeyValueStoreId.
func (c *KeyValueStoreCollection) GetOrCreate(name string) (*KeyValueStore, error) {
	if name == "" {
		name = "default"
	}

	var existing []KeyValueCollectionMeta
	if err := c.db.Store().Find(&existing, badgerhold.Where("Name").Eq(name)); err != nil {
		return nil, fmt.Errorf("crawlcore: looking up kv store %q: %w", name, err)
	}
	if len(existing) > 0 {
		return &KeyValueStore{db: c.db, id: existing[0].ID}, nil
	}

	meta := KeyValueCollectionMeta{ID: uuid.New().String(), Name: name, CreatedAt: time.Now()}
	if err := c.db.Store().Insert(meta.ID, &meta); err != nil {
		return nil, fmt.Errorf("crawlcore: creating kv store %q: %w", name, err)
	}
	return &KeyValueStore{db: c.db, id: meta.ID}, nil
}

// KeyValueStore is a single named key-value store scoped by collection id.
type KeyValueStore struct {
	db *DB
	id string
}

func (s *KeyValueStore) pk(key string) string {
	return s.id + "\x00" + key
}

// SetRecord inserts or overwrites a record.
func (s *KeyValueStore) SetRecord(key string, value []byte, contentType string) error {
	now := time.Now()
	rec := Record{
		PK:           s.pk(key),
		CollectionID: s.id,
		Key:          key,
		Value:        value,
		ContentType:  contentType,
		UpdatedAt:    now,
	}

	var existing Record
	if err := s.db.Store().Get(s.pk(key), &existing); err == nil {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = now
	}

	if err := s.db.Store().Upsert(s.pk(key), &rec); err != nil {
		return fmt.Errorf("crawlcore: setting record %q: %w", key, err)
	}
	return nil
}

// GetRecord fetches a record by key.
func (s *KeyValueStore) GetRecord(key string) (*Record, error) {
	var rec Record
	err := s.db.Store().Get(s.pk(key), &rec)
	if err == badgerhold.ErrNotFound {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("crawlcore: getting record %q: %w", key, err)
	}
	return &rec, nil
}

// RecordExists reports whether a key has a stored record.
func (s *KeyValueStore) RecordExists(key string) (bool, error) {
	_, err := s.GetRecord(key)
	if err == ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteRecord removes a record by key. Deleting an absent key is not an error.
func (s *KeyValueStore) DeleteRecord(key string) error {
	err := s.db.Store().Delete(s.pk(key), &Record{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("crawlcore: deleting record %q: %w", key, err)
	}
	return nil
}

// ListKeysOptions controls ListKeys pagination/filtering (spec.md §6).
type ListKeysOptions struct {
	Limit            int
	ExclusiveStartKey string
	Prefix           string
}

// ListKeys returns keys in this store in lexicographic order, honoring
// Prefix, ExclusiveStartKey (resume point, not included in the result),
// and Limit.
func (s *KeyValueStore) ListKeys(opts ListKeysOptions) ([]string, error) {
	var recs []Record
	if err := s.db.Store().Find(&recs, badgerhold.Where("CollectionID").Eq(s.id)); err != nil {
		return nil, fmt.Errorf("crawlcore: listing keys: %w", err)
	}

	keys := make([]string, 0, len(recs))
	for _, r := range recs {
		if opts.Prefix != "" && !strings.HasPrefix(r.Key, opts.Prefix) {
			continue
		}
		keys = append(keys, r.Key)
	}
	sort.Strings(keys)

	if opts.ExclusiveStartKey != "" {
		idx := sort.SearchStrings(keys, opts.ExclusiveStartKey)
		if idx < len(keys) && keys[idx] == opts.ExclusiveStartKey {
			idx++
		}
		keys = keys[idx:]
	}

	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}
	return keys, nil
}

// Keys is ListKeys with no filtering — the §9 "optional KVS iterator parity" addition.
func (s *KeyValueStore) Keys() ([]string, error) {
	return s.ListKeys(ListKeysOptions{})
}

// Values returns every stored value in key order.
func (s *KeyValueStore) Values() ([][]byte, error) {
	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}
	values := make([][]byte, 0, len(keys))
	for _, k := range keys {
		rec, err := s.GetRecord(k)
		if err != nil {
			return nil, err
		}
		values = append(values, rec.Value)
	}
	return values, nil
}

// Entries returns every stored record in key order.
func (s *KeyValueStore) Entries() ([]*Record, error) {
	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(keys))
	for _, k := range keys {
		rec, err := s.GetRecord(k)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// AsSessionPoolStore adapts this KeyValueStore to sessionpool.Store so a
// sessionpool.Pool can persist/restore directly through this backend.
func (s *KeyValueStore) AsSessionPoolStore() sessionpool.Store {
	return sessionPoolStoreAdapter{s}
}

type sessionPoolStoreAdapter struct {
	s *KeyValueStore
}

func (a sessionPoolStoreAdapter) SetRecord(key string, value []byte, contentType string) error {
	return a.s.SetRecord(key, value, contentType)
}

func (a sessionPoolStoreAdapter) GetRecord(key string) ([]byte, error) {
	rec, err := a.s.GetRecord(key)
	if err == ErrRecordNotFound {
		return nil, sessionpool.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}
