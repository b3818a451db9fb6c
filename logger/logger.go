// Package logger provides a thread-safe, levelled logger backed by the
// standard library's log package.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// Level represents a logging verbosity level.
type Level int

const (
	// LevelDebug emits all messages.
	LevelDebug Level = iota
	// LevelInfo emits INFO, WARN and ERROR messages.
	LevelInfo
	// LevelWarn emits WARN and ERROR messages.
	LevelWarn
	// LevelError emits only ERROR messages.
	LevelError
)

// Logger is a structured, levelled logger.
//
// Thread-safety: log.Logger (from the standard library) serialises writes to
// the underlying io.Writer with its own mutex. The Logger wrapper adds a
// second mutex only for the level field so that SetLevel may be called
// concurrently with logging methods.
type Logger struct {
	infoLog  *log.Logger
	warnLog  *log.Logger
	errorLog *log.Logger
	debugLog *log.Logger
	mu       sync.RWMutex
	level    Level
	fields   string // pre-rendered "key=val key2=val2 " prefix, empty at root
}

// New creates a Logger that writes to stderr at the given minimum level.
// log.Ldate|log.Ltime|log.Lmicroseconds gives microsecond-resolution
// timestamps which are sufficient for diagnosing latency problems in a
// proxy serving many concurrent requests.
func New(level Level) *Logger {
	flags := log.Ldate | log.Ltime | log.Lmicroseconds
	return &Logger{
		infoLog:  log.New(os.Stderr, "INFO  ", flags),
		warnLog:  log.New(os.Stderr, "WARN  ", flags),
		errorLog: log.New(os.Stderr, "ERROR ", flags),
		debugLog: log.New(os.Stderr, "DEBUG ", flags),
		level:    level,
	}
}

// SetLevel changes the minimum log level at runtime. Safe for concurrent use.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// Level returns the current minimum log level. Safe for concurrent use.
func (l *Logger) Level() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// With returns a derived Logger that prefixes every message with the given
// key/value pairs (e.g. request id, backend id). The derived logger shares
// the underlying writers with l but snapshots the level at call time; a
// later SetLevel on l does not retroactively affect loggers already
// derived via With.
func (l *Logger) With(kv ...string) *Logger {
	var b strings.Builder
	b.WriteString(l.fields)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, "%s=%s ", kv[i], kv[i+1])
	}
	return &Logger{
		infoLog:  l.infoLog,
		warnLog:  l.warnLog,
		errorLog: l.errorLog,
		debugLog: l.debugLog,
		level:    l.Level(),
		fields:   b.String(),
	}
}

func (l *Logger) render(msg string) string {
	if l.fields == "" {
		return msg
	}
	return l.fields + msg
}

// Info logs a message at INFO level.
func (l *Logger) Info(msg string) {
	if l.Level() <= LevelInfo {
		l.infoLog.Output(2, l.render(msg)) //nolint:errcheck
	}
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

// Warn logs a message at WARN level.
func (l *Logger) Warn(msg string) {
	if l.Level() <= LevelWarn {
		l.warnLog.Output(2, l.render(msg)) //nolint:errcheck
	}
}

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

// Error logs a message at ERROR level.
func (l *Logger) Error(msg string) {
	if l.Level() <= LevelError {
		l.errorLog.Output(2, l.render(msg)) //nolint:errcheck
	}
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}

// Debug logs a message at DEBUG level.
func (l *Logger) Debug(msg string) {
	if l.Level() <= LevelDebug {
		l.debugLog.Output(2, l.render(msg)) //nolint:errcheck
	}
}

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}
