package badger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"
)

// DatasetMeta is the directory record returned by DatasetCollection.GetOrCreate.
type DatasetMeta struct {
	ID        string `badgerhold:"key"`
	Name      string `badgerhold:"index"`
	CreatedAt time.Time
}

// DatasetItem is a single pushed row, ordered by insertion sequence.
type DatasetItem struct {
	PK        string `badgerhold:"key"`
	DatasetID string `badgerhold:"index"`
	Seq       uint64
	Data      json.RawMessage
	CreatedAt time.Time
}

// DatasetCollection is the top-level accessor for named datasets.
type DatasetCollection struct {
	db *DB
}

func NewDatasetCollection(db *DB) *DatasetCollection {
	return &DatasetCollection{db: db}
}

// GetOrCreate resolves a dataset by name, creating it if absent. An empty
// name resolves to "default" per spec.md §6's defaultDatasetId.
func (c *DatasetCollection) GetOrCreate(name string) (*Dataset, error) {
	if name == "" {
		name = "default"
	}

	var existing []DatasetMeta
	if err := c.db.Store().Find(&existing, badgerhold.Where("Name").Eq(name)); err != nil {
		return nil, fmt.Errorf("crawlcore: looking up dataset %q: %w", name, err)
	}
	if len(existing) > 0 {
		return &Dataset{db: c.db, id: existing[0].ID}, nil
	}

	meta := DatasetMeta{ID: uuid.New().String(), Name: name, CreatedAt: time.Now()}
	if err := c.db.Store().Insert(meta.ID, &meta); err != nil {
		return nil, fmt.Errorf("crawlcore: creating dataset %q: %w", name, err)
	}
	return &Dataset{db: c.db, id: meta.ID}, nil
}

// Dataset is an append-only collection of JSON rows (statistics, crawl
// results, and similar append-mostly data referenced by spec.md §6).
type Dataset struct {
	db  *DB
	id  string
	mu  sync.Mutex
	seq uint64
}

// PushData appends one or more items to the dataset.
func (d *Dataset) PushData(items ...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("crawlcore: marshaling dataset item: %w", err)
		}
		d.seq++
		row := DatasetItem{
			PK:        fmt.Sprintf("%s\x00%020d", d.id, d.seq),
			DatasetID: d.id,
			Seq:       d.seq,
			Data:      raw,
			CreatedAt: time.Now(),
		}
		if err := d.db.Store().Insert(row.PK, &row); err != nil {
			return fmt.Errorf("crawlcore: pushing dataset item: %w", err)
		}
	}
	return nil
}
