package badger

import (
	"github.com/ternarybob/arbor"
)

// Manager is the composite storage backend of spec.md §6: one Badger
// database behind dataset, key-value, and request-queue collections.
type Manager struct {
	db            *DB
	Datasets      *DatasetCollection
	KeyValues     *KeyValueStoreCollection
	RequestQueues *RequestQueueCollection
}

// NewManager opens the database at cfg.Path and wires the three
// collection accessors spec.md §6 requires.
func NewManager(cfg Config, logger arbor.ILogger) (*Manager, error) {
	db, err := Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Manager{
		db:            db,
		Datasets:      NewDatasetCollection(db),
		KeyValues:     NewKeyValueStoreCollection(db),
		RequestQueues: NewRequestQueueCollection(db),
	}, nil
}

// Close releases the underlying database.
func (m *Manager) Close() error {
	return m.db.Close()
}
