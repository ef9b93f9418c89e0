// Package log provides the process-wide structured logger used by every
// component. It is a thin zerolog wrapper, scoped with child loggers per
// component/worker instead of a global.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Components derive scoped child
// loggers from it via WithComponent/WithWorker rather than logging through
// this value directly.
var Logger zerolog.Logger

// Level mirrors zerolog's levels as a small string enum so callers don't
// need to import zerolog to configure verbosity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls process-wide logger initialization.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func init() {
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Init (re)configures the process-wide logger.
func Init(cfg Config) {
	switch cfg.Level {
	case DebugLevel:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case WarnLevel:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case ErrorLevel:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}

	console := zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	Logger = zerolog.New(console).With().Timestamp().Logger()
}

// WithComponent scopes the logger to a named component (e.g. "oplog",
// "invocation", "cluster").
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithWorker scopes the logger to a worker.
func WithWorker(worker string) zerolog.Logger {
	return Logger.With().Str("worker_id", worker).Logger()
}

// WithShard scopes the logger to a cluster shard.
func WithShard(shardID string) zerolog.Logger {
	return Logger.With().Str("shard_id", shardID).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) { Logger.Fatal().Msg(msg) }
