// Package log provides a global, level-filtered logger. Components obtain a Logger scoped to their
// name so that interleaved output from concurrent sessions remains attributable.
//
// Key material must never be passed to this package. Log fingerprints instead.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelNone    Level = iota // Disables logging.
	LevelError                // Logs anomalies that are not expected to occur during normal use.
	LevelWarning              // Logs anomalies that are expected to occur occasionally, such as failed handshakes.
	LevelInfo                 // Logs authentication outcomes and key store maintenance.
	LevelDebug                // Logs mechanism state transitions and packet types.
)

var (
	globalLogLevel Level
	output         io.Writer = os.Stderr
	logMutex       sync.Mutex
)

var labels = map[Level]string{
	LevelDebug:   "[debug]",
	LevelInfo:    "[info ]",
	LevelWarning: "[warn ]",
	LevelError:   "[error]",
}

func SetLevel(level Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	globalLogLevel = level
}

// SetOutput redirects log output. Passing nil restores os.Stderr.
func SetOutput(w io.Writer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
}

// ParseLevel converts a level name ("none", "error", "warning", "info", "debug") into a Level.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(name) {
	case "none", "":
		return LevelNone, nil
	case "error":
		return LevelError, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	}
	return LevelNone, fmt.Errorf("unknown log level %q", name)
}

func write(level Level, scope, format string, a ...interface{}) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if level > globalLogLevel {
		return
	}
	msg := fmt.Sprintf("%s %s ", time.Now().Format(time.RFC3339), labels[level])
	if scope != "" {
		msg += scope + ": "
	}
	msg += fmt.Sprintf(format, a...)
	fmt.Fprintln(output, msg)
}

func Debug(format string, a ...interface{}) {
	write(LevelDebug, "", format, a...)
}
func Info(format string, a ...interface{}) {
	write(LevelInfo, "", format, a...)
}
func Warning(format string, a ...interface{}) {
	write(LevelWarning, "", format, a...)
}
func Error(format string, a ...interface{}) {
	write(LevelError, "", format, a...)
}

// Logger prefixes every message with a scope, such as a component name or peer identity.
type Logger struct {
	scope string
}

// Scoped returns a Logger that prefixes messages with scope.
func Scoped(scope string) Logger {
	return Logger{scope: scope}
}

// With returns a Logger whose scope is l's scope extended by sub.
func (l Logger) With(sub string) Logger {
	if l.scope == "" {
		return Logger{scope: sub}
	}
	return Logger{scope: l.scope + "/" + sub}
}

func (l Logger) Debug(format string, a ...interface{}) {
	write(LevelDebug, l.scope, format, a...)
}
func (l Logger) Info(format string, a ...interface{}) {
	write(LevelInfo, l.scope, format, a...)
}
func (l Logger) Warning(format string, a ...interface{}) {
	write(LevelWarning, l.scope, format, a...)
}
func (l Logger) Error(format string, a ...interface{}) {
	write(LevelError, l.scope, format, a...)
}
