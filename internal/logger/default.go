package logger

import "io"

var defLogger = NewSlog(WarnLevel, false)

func Debug(msg string, keysAndValues ...any) {
	defLogger.Debug(msg, keysAndValues...)
}

func Info(msg string, keysAndValues ...any) {
	defLogger.Info(msg, keysAndValues...)
}

func Warn(msg string, keysAndValues ...any) {
	defLogger.Warn(msg, keysAndValues...)
}

func Error(msg string, keysAndValues ...any) {
	defLogger.Error(msg, keysAndValues...)
}

func SetLevel(level Level) {
	defLogger.SetLevel(level)
}

// GetLogger returns the package default logger.
func GetLogger() Logger {
	return defLogger
}

// SetLogger replaces the package default logger.
func SetLogger(l Logger) {
	defLogger = l
}

func With(keyValues ...any) Logger {
	return defLogger.With(keyValues...)
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return NewSlogWriter(io.Discard, ErrorLevel, false)
}
