// Package logger provides the structured logger used by the session engine, the
// transports and the bootcommander CLI.
//
// Messages take key/value pairs the way log/slog does. The default backend writes JSON
// to stderr; with ENV=development it switches to a colored console handler.
package logger

// Level indicates the logging severity level.
type Level = int8

const (
	// DebugLevel logs every command packet and transport event.
	DebugLevel Level = iota - 1
	// InfoLevel is the default logging priority.
	InfoLevel
	// WarnLevel logs recoverable problems such as a retried connect.
	WarnLevel
	// ErrorLevel logs failed operations.
	ErrorLevel
)

// Logger defines a common interface for logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	// With creates a child logger and adds structured context to it.
	With(keyValues ...any) Logger
	// Level returns the minimum enabled level for this logger.
	Level() Level
	// SetLevel sets the minimum enabled level for this logger.
	SetLevel(level Level)
}
