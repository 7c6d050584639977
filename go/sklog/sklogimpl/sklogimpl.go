// Package sklogimpl defines the plug-in interface for sklog backends.
package sklogimpl

import (
	"os"
	"sync/atomic"
)

// Severity identifies the sort of log: info, warning etc.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Logger is the interface all logging backends implement. The depth
// parameter is the number of stack frames to skip when reporting the
// log call site; 0 means the caller of Log.
type Logger interface {
	Log(depth int, severity Severity, format string, args ...interface{})
	Flush()
}

var logger atomic.Value

// SetLogger changes the backend used by the package-level Log function.
func SetLogger(l Logger) {
	logger.Store(&l)
}

// Log writes a log line via the currently installed Logger. Fatal
// severity flushes and exits the process.
func Log(depth int, severity Severity, format string, args ...interface{}) {
	l := *(logger.Load().(*Logger))
	l.Log(depth+1, severity, format, args...)
	if severity == Fatal {
		l.Flush()
		os.Exit(255)
	}
}

// Flush flushes the currently installed Logger.
func Flush() {
	l := *(logger.Load().(*Logger))
	l.Flush()
}
