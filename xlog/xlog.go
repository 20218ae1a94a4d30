// Package xlog provides the engine's internal logging indirection.
//
// It mirrors the shape of a small wrapper seen in adjacent protocol
// stacks: a togglable Logger holding a pluggable Provider, so a host
// application can route engine diagnostics into its own logging
// pipeline; New's default provider writes through logrus.
package xlog

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Provider is the logging interface a host may supply.
type Provider interface {
	Critical(format string, v ...interface{})
	Error(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Debug(format string, v ...interface{})
}

// Logger wraps a Provider behind an enable flag so call sites can log
// unconditionally while the flag governs whether anything is emitted.
type Logger struct {
	provider Provider
	enabled  uint32
}

// New returns a Logger backed by the default logrus-based provider.
func New() *Logger {
	return &Logger{provider: defaultProvider{logrus.StandardLogger()}, enabled: 1}
}

// NewWithProvider returns a Logger backed by an explicit provider.
func NewWithProvider(p Provider) *Logger {
	l := &Logger{enabled: 1}
	l.SetProvider(p)
	return l
}

// Enable turns log emission on or off without touching the provider.
func (l *Logger) Enable(on bool) {
	if on {
		atomic.StoreUint32(&l.enabled, 1)
	} else {
		atomic.StoreUint32(&l.enabled, 0)
	}
}

// SetProvider swaps the backing provider. A nil provider is ignored.
func (l *Logger) SetProvider(p Provider) {
	if p != nil {
		l.provider = p
	}
}

func (l *Logger) Critical(format string, v ...interface{}) {
	if atomic.LoadUint32(&l.enabled) == 1 {
		l.provider.Critical(format, v...)
	}
}

func (l *Logger) Error(format string, v ...interface{}) {
	if atomic.LoadUint32(&l.enabled) == 1 {
		l.provider.Error(format, v...)
	}
}

func (l *Logger) Warn(format string, v ...interface{}) {
	if atomic.LoadUint32(&l.enabled) == 1 {
		l.provider.Warn(format, v...)
	}
}

func (l *Logger) Debug(format string, v ...interface{}) {
	if atomic.LoadUint32(&l.enabled) == 1 {
		l.provider.Debug(format, v...)
	}
}

type defaultProvider struct {
	*logrus.Logger
}

var _ Provider = defaultProvider{}

func (d defaultProvider) Critical(format string, v ...interface{}) {
	d.Logger.Errorf("[critical] "+format, v...)
}

func (d defaultProvider) Error(format string, v ...interface{}) {
	d.Logger.Errorf(format, v...)
}

func (d defaultProvider) Warn(format string, v ...interface{}) {
	d.Logger.Warnf(format, v...)
}

func (d defaultProvider) Debug(format string, v ...interface{}) {
	d.Logger.Debugf(format, v...)
}
