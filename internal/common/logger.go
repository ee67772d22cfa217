package common

import (
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	arborcommon "github.com/ternarybob/arbor/common"
	"github.com/ternarybob/arbor/models"
)

// NewLogger builds an arbor.ILogger from a LoggingConfig. Components
// receive the result through their constructors rather than reaching for
// a package-level singleton, per spec.md §9's "no globals from library
// code" design note.
func NewLogger(cfg LoggingConfig, level string) arbor.ILogger {
	logger := arbor.NewLogger()

	hasFile, hasConsole := false, false
	for _, output := range cfg.Output {
		switch output {
		case "file":
			hasFile = true
		case "stdout", "console":
			hasConsole = true
		}
	}

	if hasFile {
		path := cfg.FilePath
		if path == "" {
			path = "./logs/crawlcore.log"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
			logger = logger.WithFileWriter(writerConfig(cfg, models.LogWriterTypeFile, path))
		}
	}

	if hasConsole || !hasFile {
		logger = logger.WithConsoleWriter(writerConfig(cfg, models.LogWriterTypeConsole, ""))
	}

	logger = logger.WithMemoryWriter(writerConfig(cfg, models.LogWriterTypeMemory, ""))
	logger = logger.WithLevelFromString(level)

	return logger
}

func writerConfig(cfg LoggingConfig, writerType models.LogWriterType, filename string) models.WriterConfiguration {
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = "15:04:05.000"
	}
	return models.WriterConfiguration{
		Type:             writerType,
		FileName:         filename,
		TimeFormat:       timeFormat,
		DisableTimestamp: false,
		MaxSize:          100 * 1024 * 1024,
		MaxBackups:       3,
	}
}

// Stop flushes any buffered log writers before process exit. Safe to
// call multiple times.
func Stop() {
	arborcommon.Stop()
}
