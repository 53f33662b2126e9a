// log.go - Leveled structured logging for the backend.
//
// Wraps logrus behind the msg + fields call shape used throughout the
// service. LOG_FORMAT selects json or text output, LOG_LEVEL the minimum level.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger provides leveled logging with structured fields.
type Logger struct {
	base *logrus.Logger
}

var (
	mu            sync.RWMutex
	defaultLogger = New(os.Stdout, envFormat(), os.Getenv("LOG_LEVEL"))
)

func envFormat() string {
	if f := os.Getenv("LOG_FORMAT"); f != "" {
		return f
	}
	if os.Getenv("APP_ENV") == "production" {
		return "json"
	}
	return "text"
}

// New builds a Logger writing to w. Unknown levels fall back to info.
func New(w io.Writer, format, level string) *Logger {
	l := logrus.New()
	l.SetOutput(w)

	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	return &Logger{base: l}
}

func (l *Logger) with(fields map[string]any) *logrus.Entry {
	return l.base.WithFields(logrus.Fields(fields))
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields map[string]any) {
	l.with(fields).Debug(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields map[string]any) {
	l.with(fields).Info(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields map[string]any) {
	l.with(fields).Warn(msg)
}

// Error logs an error message with the cause attached under "error".
func (l *Logger) Error(msg string, fields map[string]any, err error) {
	e := l.with(fields)
	if err != nil {
		e = e.WithError(err)
	}
	e.Error(msg)
}

// SetDefault replaces the package-level logger. Used by main once config is loaded.
func SetDefault(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = l
}

// Default returns the package-level logger.
func Default() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

func Debug(msg string, fields map[string]any) { Default().Debug(msg, fields) }

func Info(msg string, fields map[string]any) { Default().Info(msg, fields) }

func Warn(msg string, fields map[string]any) { Default().Warn(msg, fields) }

func Error(msg string, fields map[string]any, err error) { Default().Error(msg, fields, err) }
