// Package monitoring routes the bridge's diagnostic logging.
package monitoring

import (
	"log"
	"sync"
)

var (
	logMu sync.RWMutex
	logf  = log.Printf
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger. Tests or production code can redirect or mute
// it.
func Logf(format string, v ...interface{}) {
	logMu.RLock()
	f := logf
	logMu.RUnlock()
	f(format, v...)
}

// SetLogger replaces the package logger and returns the previous one.
// Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) func(format string, v ...interface{}) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	logMu.Lock()
	defer logMu.Unlock()
	prev := logf
	logf = f
	return prev
}

// Logger tags every line with a component name, e.g. "[Scheduler] ...".
type Logger struct {
	prefix string
}

// For returns a Logger for the named component.
func For(component string) Logger {
	return Logger{prefix: "[" + component + "] "}
}

// Printf logs through Logf with the component prefix.
func (l Logger) Printf(format string, v ...interface{}) {
	Logf(l.prefix+format, v...)
}
