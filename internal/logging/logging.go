// Package logging provides the relay's process-wide logger.
// Kept deliberately small: a global sink that every component writes
// through, plus a Named() view that prefixes lines with a component tag
// so a trace of client/extension/router activity can be told apart.
package logging

import (
	"fmt"
	"log"
	"os"
)

var (
	disabled = false
	logger   = log.New(os.Stderr, "", log.LstdFlags)
)

// Disable turns off all logging.
func Disable() {
	disabled = true
}

// Enable turns logging back on.
func Enable() {
	disabled = false
}

// Info logs an info message.
func Info(v ...any) {
	if !disabled {
		logger.Println(v...)
	}
}

// Infof logs a formatted info message.
func Infof(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Warn logs a warning message.
func Warn(v ...any) {
	if !disabled {
		logger.Println(v...)
	}
}

// Warnf logs a formatted warning message.
func Warnf(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Error logs an error message.
func Error(v ...any) {
	if !disabled {
		logger.Println(v...)
	}
}

// Errorf logs a formatted error message.
func Errorf(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Logger is a component-scoped view over the global sink.
type Logger struct {
	prefix string
}

// Named returns a Logger that prefixes every line with "[name] ".
// The relay uses one per component: Named("router"), Named("extension"), ...
func Named(name string) Logger {
	return Logger{prefix: "[" + name + "] "}
}

func (l Logger) Info(v ...any)  { Info(l.line(v...)) }
func (l Logger) Warn(v ...any)  { Warn(l.line(v...)) }
func (l Logger) Error(v ...any) { Error(l.line(v...)) }

func (l Logger) Infof(format string, v ...any)  { Infof(l.prefix+format, v...) }
func (l Logger) Warnf(format string, v ...any)  { Warnf(l.prefix+format, v...) }
func (l Logger) Errorf(format string, v ...any) { Errorf(l.prefix+format, v...) }

func (l Logger) line(v ...any) string {
	return l.prefix + fmt.Sprint(v...)
}
