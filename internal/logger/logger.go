package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes where supervised service output is persisted.
// When Dir is empty no files are written and output only reaches the log callback.
// Files are Dir/<service>.stdout.log and Dir/<service>.stderr.log, rotated by lumberjack.
type Config struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Enabled reports whether output files should be written.
func (c Config) Enabled() bool { return strings.TrimSpace(c.Dir) != "" }

// ServiceWriters returns rotating writers for a service's stdout and stderr.
// Both are nil when the config is disabled.
func (c Config) ServiceWriters(service string) (io.WriteCloser, io.WriteCloser, error) {
	if !c.Enabled() {
		return nil, nil, nil
	}
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	out := c.Rotating(filepath.Join(c.Dir, service+".stdout.log"))
	errW := c.Rotating(filepath.Join(c.Dir, service+".stderr.log"))
	return out, errW, nil
}

// Rotating returns a lumberjack writer for path using c's rotation settings.
func (c Config) Rotating(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Options configure the process-wide slog logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text (default) or json
	Color  bool
	// File, when set, receives log output through a rotating writer instead of stderr.
	File   string
	Rotate Config
}

// Setup installs the default slog logger and returns it together with a closer
// for the underlying file, if any.
func Setup(opts Options) (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log file dir: %w", err)
		}
		f := opts.Rotate.Rotating(opts.File)
		w, closer = f, f
		opts.Color = false
	}
	ho := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		h = slog.NewJSONHandler(w, ho)
	default:
		if opts.Color {
			h = NewColorTextHandler(w, ho)
		} else {
			h = slog.NewTextHandler(w, ho)
		}
	}
	l := slog.New(h)
	slog.SetDefault(l)
	return l, closer, nil
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
