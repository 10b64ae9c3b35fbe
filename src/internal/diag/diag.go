// Package diag provides the module's internal diagnostics sink: a thin wrapper over log.Logger
// gated by a verbosity flag, in the same shape as the teacher's util.Options.Verbose-gated prints.
package diag

import (
	"io"
	"log"
	"os"
	"sync"
)

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// Logger is a verbosity-gated wrapper around the standard logger.
type Logger struct {
	mu      sync.Mutex
	out     *log.Logger
	verbose bool
}

// -------------------
// ----- Globals -----
// -------------------

// std is the process-wide default logger, writing to stderr with verbose output disabled until
// SetVerbose is called, matching the teacher's default of silent operation absent -vb.
var std = New(os.Stderr, false)

// ---------------------
// ----- Functions -----
// ---------------------

// New creates a Logger writing to w.
func New(w io.Writer, verbose bool) *Logger {
	return &Logger{out: log.New(w, "liric: ", log.LstdFlags), verbose: verbose}
}

// SetVerbose toggles whether Verbosef emits output.
func (l *Logger) SetVerbose(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = v
}

// Verbosef logs format/args only when verbose output is enabled.
func (l *Logger) Verbosef(format string, args ...any) {
	l.mu.Lock()
	v := l.verbose
	l.mu.Unlock()
	if v {
		l.out.Printf(format, args...)
	}
}

// Errorf always logs, independent of the verbose flag, mirroring how the teacher's compiler
// surfaces fatal errors regardless of -vb.
func (l *Logger) Errorf(format string, args ...any) {
	l.out.Printf(format, args...)
}

// SetVerbose toggles the process-wide default logger's verbosity.
func SetVerbose(v bool) { std.SetVerbose(v) }

// Verbosef logs through the process-wide default logger.
func Verbosef(format string, args ...any) { std.Verbosef(format, args...) }

// Errorf logs through the process-wide default logger.
func Errorf(format string, args ...any) { std.Errorf(format, args...) }
