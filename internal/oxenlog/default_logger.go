// Package oxenlog defines the Logger surface every oxen engine takes
// at construction, and a default implementation. Adapted from
// go-mcast's pkg/mcast/definition.DefaultLogger, backed by
// prometheus/common/log (the backend go-mcast's own transport layer
// already reaches for) instead of a bare stdlib *log.Logger.
package oxenlog

import (
	commonlog "github.com/prometheus/common/log"
)

// Logger is the logging surface taken by every oxen component. Nothing
// in the engine logs through a package-global.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})

	// ToggleDebug enables or disables Debug/Debugf output and returns
	// the new state.
	ToggleDebug(enabled bool) bool
}

// Default wraps a prometheus/common/log.Logger, gating Debug output
// behind an explicit toggle the way go-mcast's DefaultLogger gates
// its own stdlib-backed Debug calls.
type Default struct {
	base  commonlog.Logger
	debug bool
}

// NewDefault builds the logger used when the embedding IRC layer does
// not supply its own.
func NewDefault(component string) *Default {
	return &Default{
		base: commonlog.Base().With("component", component),
	}
}

func (l *Default) Info(v ...interface{})                 { l.base.Info(v...) }
func (l *Default) Infof(format string, v ...interface{})  { l.base.Infof(format, v...) }
func (l *Default) Warn(v ...interface{})                 { l.base.Warn(v...) }
func (l *Default) Warnf(format string, v ...interface{})  { l.base.Warnf(format, v...) }
func (l *Default) Error(v ...interface{})                { l.base.Error(v...) }
func (l *Default) Errorf(format string, v ...interface{}) { l.base.Errorf(format, v...) }

func (l *Default) Debug(v ...interface{}) {
	if l.debug {
		l.base.Debug(v...)
	}
}

func (l *Default) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.base.Debugf(format, v...)
	}
}

func (l *Default) ToggleDebug(enabled bool) bool {
	l.debug = enabled
	return l.debug
}

// Nop discards everything. Useful for tests that don't want scenario
// noise on stderr but still need a Logger to satisfy the interface.
type Nop struct{}

func (Nop) Info(v ...interface{})                  {}
func (Nop) Infof(format string, v ...interface{})  {}
func (Nop) Warn(v ...interface{})                  {}
func (Nop) Warnf(format string, v ...interface{})  {}
func (Nop) Error(v ...interface{})                 {}
func (Nop) Errorf(format string, v ...interface{}) {}
func (Nop) Debug(v ...interface{})                 {}
func (Nop) Debugf(format string, v ...interface{}) {}
func (Nop) ToggleDebug(enabled bool) bool          { return enabled }
