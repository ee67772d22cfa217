// Package common holds the ambient stack shared by every crawlcore
// component: process-wide Configuration, the structured Logger, crash
// protection, and small utilities (safe goroutines, version info).
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Configuration is the process-wide settings object of spec.md §6,
// constructed with precedence file < constructor < environment.
// Nothing in this package consults a global instance — every component
// receives *Configuration through its constructor.
type Configuration struct {
	// MemoryMBytes is the memory budget (see MemoryBudgetBytes) that
	// AvailableMemoryRatio is applied to. Defaults to one quarter of total
	// system RAM if zero.
	MemoryMBytes int `toml:"memory_mbytes"`
	// AvailableMemoryRatio is the fraction of MemoryMBytes usable before
	// the memory snapshot is considered overloaded.
	AvailableMemoryRatio float64 `toml:"available_memory_ratio"`
	// MaxUsedCPURatio is the CPU utilization ratio above which the CPU
	// snapshot is considered overloaded.
	MaxUsedCPURatio float64 `toml:"max_used_cpu_ratio"`
	// PersistStateIntervalMillis is how often the EventBus fires a
	// persistState event.
	PersistStateIntervalMillis int `toml:"persist_state_interval_millis"`
	// SystemInfoIntervalMillis is how often the EventBus fires a
	// systemInfo event with fresh CPU/memory samples.
	SystemInfoIntervalMillis int `toml:"system_info_interval_millis"`
	// PurgeOnStart deletes previous run state before starting.
	PurgeOnStart bool `toml:"purge_on_start"`
	// PersistStorage is loaded from file and environment but not read by
	// any component: the Badger storage backend writes to disk whatever
	// its value.
	PersistStorage bool `toml:"persist_storage"`
	// DefaultDatasetID, DefaultKeyValueStoreID, DefaultRequestQueueID name
	// the collections created when a component asks for "the default" one.
	DefaultDatasetID       string `toml:"default_dataset_id"`
	DefaultKeyValueStoreID string `toml:"default_key_value_store_id"`
	DefaultRequestQueueID  string `toml:"default_request_queue_id"`
	// LogLevel is the level name passed to Logger ("debug", "info",
	// "warn", "error").
	LogLevel string `toml:"log_level"`

	Storage StorageConfig `toml:"storage"`
	Logging LoggingConfig `toml:"logging"`
}

// StorageConfig configures the default local Badger-backed storage.
type StorageConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// LoggingConfig configures the arbor-backed Logger.
type LoggingConfig struct {
	Output     []string `toml:"output"` // "stdout", "file"
	FilePath   string   `toml:"file_path"`
	TimeFormat string   `toml:"time_format"`
}

// defaultConfiguration returns the hardcoded defaults from spec.md §6's
// configuration table.
func defaultConfiguration() Configuration {
	return Configuration{
		AvailableMemoryRatio:       0.25,
		MaxUsedCPURatio:            0.95,
		PersistStateIntervalMillis: 60000,
		SystemInfoIntervalMillis:   60000,
		PurgeOnStart:               true,
		PersistStorage:             true,
		DefaultDatasetID:           "default",
		DefaultKeyValueStoreID:     "default",
		DefaultRequestQueueID:      "default",
		LogLevel:                   "INFO",
		Storage: StorageConfig{
			Path: "./data/crawlcore",
		},
		Logging: LoggingConfig{
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
	}
}

// Option mutates a Configuration after file load, before environment
// overrides are applied — the "constructor" tier of the precedence chain.
type Option func(*Configuration)

func WithMemoryMBytes(mb int) Option            { return func(c *Configuration) { c.MemoryMBytes = mb } }
func WithStoragePath(path string) Option        { return func(c *Configuration) { c.Storage.Path = path } }
func WithLogLevel(level string) Option          { return func(c *Configuration) { c.LogLevel = level } }
func WithPurgeOnStart(purge bool) Option        { return func(c *Configuration) { c.PurgeOnStart = purge } }

// LoadConfiguration applies file < constructor < environment precedence:
// it starts from hardcoded defaults, merges a TOML file (if path is
// non-empty and the file exists), applies the given Options, then
// overrides from CRAWLEE_* environment variables.
func LoadConfiguration(path string, opts ...Option) (*Configuration, error) {
	cfg := defaultConfiguration()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("crawlcore: reading config file %q: %w", path, err)
			}
		} else if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("crawlcore: parsing config file %q: %w", path, err)
		}
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads CRAWLEE_*-prefixed environment variables,
// mirroring spec.md §6's configuration table. Unset variables leave the
// existing value (file or constructor tier) untouched.
func applyEnvOverrides(cfg *Configuration) {
	if v := os.Getenv("CRAWLEE_MEMORY_MBYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MemoryMBytes = n
		}
	}
	if v := os.Getenv("CRAWLEE_AVAILABLE_MEMORY_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AvailableMemoryRatio = f
		}
	}
	if v := os.Getenv("CRAWLEE_PERSIST_STATE_INTERVAL_MILLIS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PersistStateIntervalMillis = n
		}
	}
	if v := os.Getenv("CRAWLEE_PURGE_ON_START"); v != "" {
		cfg.PurgeOnStart = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CRAWLEE_PERSIST_STORAGE"); v != "" {
		cfg.PersistStorage = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CRAWLEE_DEFAULT_DATASET_ID"); v != "" {
		cfg.DefaultDatasetID = v
	}
	if v := os.Getenv("CRAWLEE_DEFAULT_KEY_VALUE_STORE_ID"); v != "" {
		cfg.DefaultKeyValueStoreID = v
	}
	if v := os.Getenv("CRAWLEE_DEFAULT_REQUEST_QUEUE_ID"); v != "" {
		cfg.DefaultRequestQueueID = v
	}
	if v := os.Getenv("CRAWLEE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// MemoryBudgetBytes resolves MemoryMBytes to a byte budget, defaulting
// to one quarter of total system RAM when unset (spec.md §6).
func (c *Configuration) MemoryBudgetBytes(totalSystemRAMBytes uint64) uint64 {
	if c.MemoryMBytes > 0 {
		return uint64(c.MemoryMBytes) * 1024 * 1024
	}
	return totalSystemRAMBytes / 4
}

// PersistStateInterval is PersistStateIntervalMillis as a time.Duration.
func (c *Configuration) PersistStateInterval() time.Duration {
	return time.Duration(c.PersistStateIntervalMillis) * time.Millisecond
}

// SystemInfoInterval is SystemInfoIntervalMillis as a time.Duration.
func (c *Configuration) SystemInfoInterval() time.Duration {
	return time.Duration(c.SystemInfoIntervalMillis) * time.Millisecond
}
