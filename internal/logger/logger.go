package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide root logger. Components take a scoped copy via Module.
var Log = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init initializes the root logger with the specified level.
// Valid levels: debug, info, warn, error
func Init(level string) {
	InitWriter(level, os.Stdout)
}

// InitWriter is Init with an explicit sink.
func InitWriter(level string, w io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	Log = zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// Module returns a logger with a module field for scoped logging.
func Module(name string) zerolog.Logger {
	return Log.With().Str("module", name).Logger()
}

// GormWriter adapts zerolog to gorm's logger.Writer interface.
type GormWriter struct {
	zlog zerolog.Logger
}

// NewGormWriter creates a gorm-compatible writer for the given module.
func NewGormWriter(module string) *GormWriter {
	return &GormWriter{zlog: Module(module)}
}

func (w *GormWriter) Printf(format string, args ...interface{}) {
	w.zlog.Info().Msgf(format, args...)
}
