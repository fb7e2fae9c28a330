package daemon

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the daemon's rotating log file.
type LogConfig struct {
	// Path is the log file; empty logs to stderr only.
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewLogger returns a logger with prefix that writes to stderr and, when
// cfg.Path is set, to a size-rotated file. The returned closer flushes and
// closes the file.
func NewLogger(cfg LogConfig, prefix string) (*log.Logger, io.Closer) {
	if cfg.Path == "" {
		return log.New(os.Stderr, prefix, log.LstdFlags), nopCloser{}
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 50
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 28
	}
	rot := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return log.New(io.MultiWriter(os.Stderr, rot), prefix, log.LstdFlags), rot
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
