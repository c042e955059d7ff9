package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with sync-engine context helpers
type Logger struct {
	zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level  string // trace, debug, info, warn, error
	Format string // json or console
	Output string // stdout, stderr or a file path
}

func openOutput(target string) io.Writer {
	switch target {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stderr
	}
	return file
}

// New creates a logger. Unknown levels fall back to info and an unwritable
// output file falls back to stderr.
func New(cfg Config) *Logger {
	out := openOutput(cfg.Output)
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	zl := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "file-connector").
		Logger()

	if level <= zerolog.DebugLevel {
		zl = zl.With().Caller().Logger()
	}
	return &Logger{Logger: zl}
}

// Default creates a console logger at info level
func Default() *Logger {
	return New(Config{Level: "info", Format: "console"})
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

func (l *Logger) with(key, value string) *Logger {
	return &Logger{Logger: l.With().Str(key, value).Logger()}
}

// WithComponent tags entries with the emitting component
func (l *Logger) WithComponent(component string) *Logger {
	return l.with("component", component)
}

// WithSource tags entries with a source type
func (l *Logger) WithSource(sourceType string) *Logger {
	return l.with("source_type", sourceType)
}

// WithEndpoint tags entries with an endpoint ID
func (l *Logger) WithEndpoint(id string) *Logger {
	return l.with("endpoint_id", id)
}

// WithRunID tags entries with a sync run ID
func (l *Logger) WithRunID(id string) *Logger {
	return l.with("run_id", id)
}

// WithFields adds alternating key/value pairs, as passed by libraries
// that log through a logr-style interface
func (l *Logger) WithFields(keysAndValues ...interface{}) *Logger {
	if len(keysAndValues) == 0 {
		return l
	}
	return &Logger{Logger: l.With().Fields(keysAndValues).Logger()}
}
