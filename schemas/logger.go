// Package schemas defines the core schemas and types used by the Caravan system.
package schemas

// LogLevel represents the severity level of a log message.
// It is used to categorize and filter log messages based on their importance.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LoggerOutputType represents the output format of the logger.
type LoggerOutputType string

const (
	LoggerOutputTypeJSON   LoggerOutputType = "json"
	LoggerOutputTypePretty LoggerOutputType = "pretty"
)

// Logger defines the interface for logging operations in the Caravan system.
// Messages take alternating key/value pairs after the message; implementations
// format lazily so disabled levels cost nothing.
type Logger interface {
	// Debug logs a debug-level message.
	Debug(msg string, args ...any)

	// Info logs an info-level message.
	Info(msg string, args ...any)

	// Warn logs a warning-level message.
	Warn(msg string, args ...any)

	// Error logs an error-level message.
	Error(msg string, args ...any)

	// Fatal logs a fatal-level message and exits the process.
	Fatal(msg string, args ...any)

	// SetLevel sets the minimum severity that will be output.
	SetLevel(level LogLevel)

	// SetOutputType sets the output format for the logger.
	SetOutputType(outputType LoggerOutputType)
}
