package caravan

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/getcaravan/caravan/schemas"
)

// DefaultLogger implements the Logger interface with stdout/stderr printing.
// It writes structured JSON lines with RFC3339 timestamps and is used when
// Init is given no logger.
type DefaultLogger struct {
	stderrLogger zerolog.Logger
	stdoutLogger zerolog.Logger
}

func toZerologLevel(l schemas.LogLevel) zerolog.Level {
	switch l {
	case schemas.LogLevelDebug:
		return zerolog.DebugLevel
	case schemas.LogLevelInfo:
		return zerolog.InfoLevel
	case schemas.LogLevelWarn:
		return zerolog.WarnLevel
	case schemas.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewDefaultLogger creates a new DefaultLogger instance with the specified
// log level.
func NewDefaultLogger(level schemas.LogLevel) *DefaultLogger {
	zerolog.SetGlobalLevel(toZerologLevel(level))
	zerolog.DisableSampling(true)
	zerolog.TimeFieldFormat = time.RFC3339
	return &DefaultLogger{
		stderrLogger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
		stdoutLogger: zerolog.New(os.Stdout).With().Timestamp().Logger(),
	}
}

// Debug logs a debug level message to stdout.
func (logger *DefaultLogger) Debug(msg string, args ...any) {
	logger.stdoutLogger.Debug().Fields(args).Msg(msg)
}

// Info logs an info level message to stdout.
func (logger *DefaultLogger) Info(msg string, args ...any) {
	logger.stdoutLogger.Info().Fields(args).Msg(msg)
}

// Warn logs a warning level message to stdout.
func (logger *DefaultLogger) Warn(msg string, args ...any) {
	logger.stdoutLogger.Warn().Fields(args).Msg(msg)
}

// Error logs an error level message to stderr.
func (logger *DefaultLogger) Error(msg string, args ...any) {
	logger.stderrLogger.Error().Fields(args).Msg(msg)
}

// Fatal logs a fatal-level message to stderr and exits the process.
func (logger *DefaultLogger) Fatal(msg string, args ...any) {
	logger.stderrLogger.Fatal().Fields(args).Msg(msg)
}

// SetLevel sets the logging level for the logger.
func (logger *DefaultLogger) SetLevel(level schemas.LogLevel) {
	zerolog.SetGlobalLevel(toZerologLevel(level))
}

// SetOutputType sets the output format for the logger. Unknown types fall
// back to JSON.
func (logger *DefaultLogger) SetOutputType(outputType schemas.LoggerOutputType) {
	switch outputType {
	case schemas.LoggerOutputTypePretty:
		logger.stdoutLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
		logger.stderrLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	case schemas.LoggerOutputTypeJSON:
		logger.stdoutLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		logger.stderrLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	default:
		logger.stderrLogger.Warn().
			Str("outputType", string(outputType)).
			Msg("unknown logger output type; defaulting to JSON")
		logger.stdoutLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		logger.stderrLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
