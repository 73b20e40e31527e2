// Package logging configures the structured logger shared by every component.
//
// Log levels follow the bridge client convention: 0 disables logging,
// 1 errors, 2 warnings, 3 info and 4 (or anything higher) debug.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

const (
	// LevelOff disables all log output.
	LevelOff = 0
	// LevelError logs failures only.
	LevelError = 1
	// LevelWarn adds recoverable problems.
	LevelWarn = 2
	// LevelInfo adds lifecycle events.
	LevelInfo = 3
	// LevelDebug adds per-event traffic.
	LevelDebug = 4
)

// New builds a JSON logger writing to out at the given numeric level.
// A nil writer defaults to stderr.
func New(level int, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	Configure(logger, level, out)
	return logger
}

// Configure applies level, output and formatter to an existing logger.
func Configure(logger *logrus.Logger, level int, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	logger.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg:  "message",
			logrus.FieldKeyTime: "timestamp",
		},
	})

	if level <= LevelOff {
		logger.SetOutput(io.Discard)
		logger.SetLevel(logrus.PanicLevel)
		return
	}
	logger.SetOutput(out)
	logger.SetLevel(LogrusLevel(level))
}

// LogrusLevel maps a numeric level onto logrus levels.
func LogrusLevel(level int) logrus.Level {
	switch {
	case level <= LevelOff:
		return logrus.PanicLevel
	case level == LevelError:
		return logrus.ErrorLevel
	case level == LevelWarn:
		return logrus.WarnLevel
	case level == LevelInfo:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

// Or returns logger, or the logrus standard logger when logger is nil.
func Or(logger *logrus.Logger) *logrus.Logger {
	if logger == nil {
		return logrus.StandardLogger()
	}
	return logger
}
