package sip

import "log/slog"

var defLogger *slog.Logger

// SetDefaultLogger sets the logger used within the sip package. Must be
// called before any other usage.
func SetDefaultLogger(l *slog.Logger) {
	defLogger = l
}

func DefaultLogger() *slog.Logger {
	if defLogger != nil {
		return defLogger
	}
	return slog.Default()
}
