package monitoring

import (
	"log"
	"sync/atomic"
)

// LogFunc has the signature of log.Printf.
type LogFunc func(format string, v ...interface{})

var current atomic.Pointer[LogFunc]

func init() {
	SetLogger(log.Printf)
}

// Logf writes through the installed logger. It is safe to call while
// another goroutine swaps the logger.
func Logf(format string, v ...interface{}) {
	(*current.Load())(format, v...)
}

// Logger returns the installed logger so callers can restore it later.
func Logger() LogFunc {
	return *current.Load()
}

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f LogFunc) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	current.Store(&f)
}
