package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Logger prefixes every message with a component scope, e.g. "[socket]".
type Logger struct {
	scope string
}

// NewLogger returns a Logger for the named component.
func NewLogger(scope string) *Logger {
	return &Logger{scope: "[" + scope + "] "}
}

// With returns a child logger whose scope is "parent/sub".
func (l *Logger) With(sub string) *Logger {
	return &Logger{scope: l.scope[:len(l.scope)-2] + "/" + sub + "] "}
}

func (l *Logger) Debugf(format string, args ...interface{}) { LogDebug(l.scope+format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { LogInfo(l.scope+format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { LogWarning(l.scope+format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { LogError(l.scope+format, args...) }
