// Package badger is the default local storage backend behind the
// abstract storage interfaces of spec.md §6: dataset collections,
// key-value stores, and request-queue collections, each persisted as
// BadgerDB records via badgerhold.
package badger

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// Config configures the on-disk Badger database.
type Config struct {
	Path           string
	ResetOnStartup bool
}

// DB wraps a badgerhold store shared by all collections in this backend.
type DB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// Open opens (creating if necessary) the Badger database at cfg.Path.
func Open(cfg Config, logger arbor.ILogger) (*DB, error) {
	if cfg.ResetOnStartup {
		if _, err := os.Stat(cfg.Path); err == nil {
			if err := os.RemoveAll(cfg.Path); err != nil {
				logger.Warn().Err(err).Str("path", cfg.Path).Msg("failed to reset storage directory")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("crawlcore: creating storage directory: %w", err)
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = cfg.Path
	opts.ValueDir = cfg.Path
	opts.Logger = nil

	store, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("crawlcore: opening badger store at %q: %w", cfg.Path, err)
	}

	return &DB{store: store, logger: logger}, nil
}

// Store exposes the underlying badgerhold store for collection types.
func (d *DB) Store() *badgerhold.Store {
	return d.store
}

// Close releases the database.
func (d *DB) Close() error {
	if d.store == nil {
		return nil
	}
	return d.store.Close()
}
