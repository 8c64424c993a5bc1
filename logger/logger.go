// Package logger provides the single write-line capability threaded to
// all upload engines. Verbose=false discards every call.
package logger

import (
	"fmt"
	"log"
)

// Sink receives one line of progress or diagnostic output.
type Sink func(line string)

// Log wraps a Sink with the verbose toggle.
type Log struct {
	sink    Sink
	verbose bool
}

// New builds a Log. A nil sink falls back to the stdlib logger.
func New(sink Sink, verbose bool) *Log {
	if sink == nil {
		sink = func(line string) { log.Print(line) }
	}
	return &Log{sink: sink, verbose: verbose}
}

// Discard is a Log that drops everything.
func Discard() *Log {
	return &Log{sink: func(string) {}, verbose: false}
}

// Println writes one line when verbose is enabled.
func (l *Log) Println(line string) {
	if l == nil || !l.verbose {
		return
	}
	l.sink(line)
}

// Printf writes one formatted line when verbose is enabled.
func (l *Log) Printf(format string, args ...interface{}) {
	if l == nil || !l.verbose {
		return
	}
	l.sink(fmt.Sprintf(format, args...))
}

// Verbose reports whether output is enabled.
func (l *Log) Verbose() bool { return l != nil && l.verbose }
