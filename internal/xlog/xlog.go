// Package xlog is a thin prefixing wrapper around the standard logger:
// plain text lines rather than a structured-logging library.
package xlog

import (
	"log"
	"os"
)

var verbose = false

// SetVerbose toggles Debugf output.
func SetVerbose(v bool) { verbose = v }

// Logger prefixes every line with a component name.
type Logger struct {
	component string
	l         *log.Logger
}

// New returns a Logger for the named component.
func New(component string) *Logger {
	return &Logger{
		component: component,
		l:         log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (lg *Logger) Infof(format string, args ...any) {
	lg.l.Printf("["+lg.component+"] "+format, args...)
}

func (lg *Logger) Warnf(format string, args ...any) {
	lg.l.Printf("["+lg.component+"] WARN: "+format, args...)
}

func (lg *Logger) Errorf(format string, args ...any) {
	lg.l.Printf("["+lg.component+"] ERROR: "+format, args...)
}

func (lg *Logger) Debugf(format string, args ...any) {
	if !verbose {
		return
	}
	lg.l.Printf("["+lg.component+"] debug: "+format, args...)
}
