// Package logging builds doryd's structured logger and a file-backed
// writer that can be reopened in place on SIGHUP, mirroring the
// teacher's Loki-oriented zerolog setup.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level, output format, and destination. It mirrors the
// logging fields of doryd's external Conf: {level, stdout-stderr, file-path,
// file-mode}; syslog and the discard-log file writer are external
// collaborators and out of scope here.
type Config struct {
	Level    string // "debug", "info", "warn", "error"
	Pretty   bool   // human-readable console output instead of JSON
	FilePath string // empty means stdout
	FileMode os.FileMode
}

func (c Config) fileMode() os.FileMode {
	if c.FileMode == 0 {
		return 0644
	}
	return c.FileMode
}

// ReopenableFile is an io.Writer backed by an os.File that can be closed
// and reopened against the same path without losing writes in flight,
// for SIGHUP-driven log rotation.
type ReopenableFile struct {
	mu   sync.RWMutex
	path string
	mode os.FileMode
	f    *os.File
}

// OpenReopenable opens path for appending and wraps it for later Reopen
// calls.
func OpenReopenable(path string, mode os.FileMode) (*ReopenableFile, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, mode)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", path, err)
	}
	return &ReopenableFile{path: path, mode: mode, f: f}, nil
}

func (r *ReopenableFile) Write(p []byte) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.f.Write(p)
}

// Reopen closes the current file descriptor and opens path again,
// picking up a log rotation that moved the old inode aside.
func (r *ReopenableFile) Reopen() error {
	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, r.mode)
	if err != nil {
		return fmt.Errorf("logging: reopen %s: %w", r.path, err)
	}
	r.mu.Lock()
	old := r.f
	r.f = f
	r.mu.Unlock()
	return old.Close()
}

// Close releases the underlying file descriptor.
func (r *ReopenableFile) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.f.Close()
}

// New builds a zerolog.Logger per cfg. The returned *ReopenableFile is
// nil when logging to stdout; callers wire its Reopen method to SIGHUP.
func New(cfg Config) (zerolog.Logger, *ReopenableFile, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	var reopener *ReopenableFile
	if cfg.FilePath != "" {
		reopener, err = OpenReopenable(cfg.FilePath, cfg.fileMode())
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		out = reopener
	} else if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).With().Timestamp().Str("service", "doryd").Logger()
	return logger, reopener, nil
}
