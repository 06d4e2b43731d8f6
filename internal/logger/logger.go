package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Output formats understood by New.
const (
	FormatText  = "text"
	FormatJSON  = "json"
	FormatColor = "color"
)

// FileConfig describes rotated log files.
// If Path/StderrPath are empty and Dir is set, files are
// Dir/cs150ctl.log and Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string // base directory for logs
	Path       string // explicit path of our own log, overrides Dir
	StderrPath string // explicit path for the subordinate's stderr, overrides Dir
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // Gzip rotated files
}

// Config describes the application logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text, json or color
	File   FileConfig
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New builds a logger writing to console and, when configured, to a rotated
// file. The returned closer releases the file; it is never nil.
func New(c Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "", FormatText:
		h = slog.NewTextHandler(console, opts)
	case FormatJSON:
		h = slog.NewJSONHandler(console, opts)
	case FormatColor:
		h = NewColorTextHandler(console, opts, true)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", c.Format)
	}

	file := c.File.appWriter()
	if file == nil {
		return slog.New(h), nopCloser{}, nil
	}
	// files never get color codes
	var fh slog.Handler = slog.NewTextHandler(file, opts)
	if strings.EqualFold(c.Format, FormatJSON) {
		fh = slog.NewJSONHandler(file, opts)
	}
	return slog.New(fanout{h, fh}), file, nil
}

// Setup installs the configured logger as the slog default.
func Setup(c Config) (io.Closer, error) {
	l, closer, err := New(c, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return closer, nil
}

// ProcessWriter returns a rotated writer for the subordinate's stderr, or nil
// when neither StderrPath nor Dir is set.
func (c Config) ProcessWriter(name string) io.WriteCloser {
	path := c.File.StderrPath
	if path == "" && c.File.Dir != "" {
		path = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	if path == "" {
		return nil
	}
	return c.File.lumberjack(path)
}

func (f FileConfig) appWriter() *lj.Logger {
	path := f.Path
	if path == "" && f.Dir != "" {
		path = filepath.Join(f.Dir, "cs150ctl.log")
	}
	if path == "" {
		return nil
	}
	return f.lumberjack(path)
}

func (f FileConfig) lumberjack(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// fanout sends every record to each handler.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
