// Package logging builds the prefixed loggers used across clinicsync.
//
// Every component logs through a standard *log.Logger with a bracketed
// prefix such as "[sync] ". When a log file is configured, output goes to
// stderr and to a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where log output goes.
type Config struct {
	// File is the log file path. Empty logs to stderr only.
	File string

	// MaxSizeMB is the size at which the file is rotated (default: 10)
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept (default: 3)
	MaxBackups int

	// MaxAgeDays removes rotated files older than this (0 keeps them)
	MaxAgeDays int

	// Quiet drops stderr output, keeping only the file.
	Quiet bool
}

// DefaultConfig returns a stderr-only configuration.
func DefaultConfig() Config {
	return Config{
		MaxSizeMB:  10,
		MaxBackups: 3,
	}
}

// Factory hands out loggers sharing one output.
type Factory struct {
	out  io.Writer
	file *lumberjack.Logger
	once sync.Once
}

// NewFactory opens the output described by cfg.
func NewFactory(cfg Config) *Factory {
	def := DefaultConfig()
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = def.MaxSizeMB
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = def.MaxBackups
	}

	f := &Factory{}
	var writers []io.Writer
	if !cfg.Quiet || cfg.File == "" {
		writers = append(writers, os.Stderr)
	}
	if cfg.File != "" {
		f.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		writers = append(writers, f.file)
	}
	f.out = io.MultiWriter(writers...)
	return f
}

// New returns a logger writing with the given component prefix, e.g.
// New("sync") logs lines starting with "[sync] ".
func (f *Factory) New(component string) *log.Logger {
	return log.New(f.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared output.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// Close closes the log file, if any.
func (f *Factory) Close() error {
	var err error
	f.once.Do(func() {
		if f.file != nil {
			err = f.file.Close()
		}
	})
	return err
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
