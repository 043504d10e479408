package logging

import (
	"fmt"
	"log"
)

// Logger is the logging interface accepted by every component.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// StdLogger writes through the standard library logger. Debug lines are only emitted when Verbose is set.
type StdLogger struct {
	// Prefix is prepended to every line, e.g. "[NODE-1]"
	Prefix  string
	Verbose bool
}

func NewStdLogger(prefix string, verbose bool) *StdLogger {
	return &StdLogger{Prefix: prefix, Verbose: verbose}
}

func (l *StdLogger) Debugf(format string, args ...interface{}) {
	if l.Verbose {
		l.output("DEBUG", format, args...)
	}
}

func (l *StdLogger) Infof(format string, args ...interface{})  { l.output("INFO", format, args...) }
func (l *StdLogger) Warnf(format string, args ...interface{})  { l.output("WARN", format, args...) }
func (l *StdLogger) Errorf(format string, args ...interface{}) { l.output("ERROR", format, args...) }

func (l *StdLogger) output(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if l.Prefix != "" {
		log.Printf("%s %s %s", level, l.Prefix, msg)
		return
	}
	log.Printf("%s %s", level, msg)
}

// nopLogger discards everything. Used as the default when no logger is configured, and in tests.
type nopLogger struct{}

func (nopLogger) Debugf(_ string, _ ...interface{}) {}
func (nopLogger) Infof(_ string, _ ...interface{})  {}
func (nopLogger) Warnf(_ string, _ ...interface{})  {}
func (nopLogger) Errorf(_ string, _ ...interface{}) {}

func Nop() Logger {
	return nopLogger{}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}
