// Package clog is a small leveled, colored logger generalized from
// bitsinside-httptap/httptap.go's verbose/verbosef/errorf package-level
// helpers: a verbosity gate plus a colored error writer.
package clog

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

var errorColor = color.New(color.FgRed)

// Logger is a minimal leveled logger; the zero value writes to os.Stderr
// with verbose output disabled.
type Logger struct {
	Verbose bool
	Out     io.Writer
}

// FromEnv builds a Logger gated by CONSTELLATION_VERBOSE, mirroring the
// teacher's HTTPTAP_VERBOSE gate.
func FromEnv() *Logger {
	v := os.Getenv("CONSTELLATION_VERBOSE")
	return &Logger{Verbose: v != "" && v != "0", Out: os.Stderr}
}

func (l *Logger) out() io.Writer {
	if l.Out != nil {
		return l.Out
	}
	return os.Stderr
}

// Debugf prints only when Verbose is set.
func (l *Logger) Debugf(format string, args ...any) {
	if !l.Verbose {
		return
	}
	fmt.Fprintf(l.out(), format+"\n", args...)
}

// Infof always prints.
func (l *Logger) Infof(format string, args ...any) {
	fmt.Fprintf(l.out(), format+"\n", args...)
}

// Errorf always prints, colored red when the output supports color.
func (l *Logger) Errorf(format string, args ...any) {
	errorColor.Fprintf(l.out(), "error: "+format+"\n", args...)
}
