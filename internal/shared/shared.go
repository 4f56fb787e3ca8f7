// package shared defines shared helpers
package shared

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a new [log.Logger] instance with the specified [io.Writer], with timestamps and caller reporting enabled.
//
// The writer defaults to [os.Stderr]
func NewLogger(w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := log.Options{ReportTimestamp: true, ReportCaller: true}
	return log.NewWithOptions(w, opts)
}

// WithLogger creates a child [log.Logger] with the specified key-value pairs added to all log entries.
func WithLogger(l *log.Logger, kv ...any) *log.Logger {
	return l.With(kv...)
}

// SetLogLevel sets the [log.Level] for the given [log.Logger].
func SetLogLevel(l *log.Logger, ll log.Level) {
	l.SetLevel(ll)
}

// NewFileWriter returns a size-rotated log file writer built from the [LogConfig].
func NewFileWriter(cfg LogConfig) io.WriteCloser {
	if dir := filepath.Dir(cfg.File); dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

// ConfigureLogger applies the level and optional rotating file output from cfg to l.
//
// base is the writer l was created with; a configured file is written alongside it, never
// instead of it. A nil base is [os.Stderr], as in [NewLogger]. The returned closer releases
// the log file and is a no-op when no file is configured.
func ConfigureLogger(l *log.Logger, base io.Writer, cfg LogConfig) (io.Closer, error) {
	if cfg.Level != "" {
		level, err := log.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("%w: log level %q", ErrInvalidConfig, cfg.Level)
		}
		SetLogLevel(l, level)
	}

	if cfg.File == "" {
		return nopCloser{}, nil
	}

	if base == nil {
		base = os.Stderr
	}
	w := NewFileWriter(cfg)
	l.SetOutput(io.MultiWriter(base, w))
	return w, nil
}

// GenerateID generates a new v4 [uuid.UUID] as a string
func GenerateID() string {
	return uuid.New().String()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
