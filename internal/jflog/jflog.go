// Package jflog provides the structured logging facade shared by every
// package in the cache core. It mirrors the teacher's per-object
// String()-plus-Debugf idiom, but backs it with a real structured logger
// instead of a hand-rolled fmt.Sprintf facade.
package jflog

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu   sync.RWMutex
	base = logrus.StandardLogger()
)

// SetLevel adjusts the verbosity of the shared logger. Recognized options
// in the embedding server's configuration (Debug, SQLDebug, ThreadDebug)
// all funnel into this single knob for the core.
func SetLevel(level logrus.Level) {
	mu.Lock()
	defer mu.Unlock()
	base.SetLevel(level)
}

// Logger returns the shared *logrus.Logger so callers that need direct
// access (e.g. to set an io.Writer for tests) can reach it.
func Logger() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// For builds a long-lived *logrus.Entry for an object, analogous to the
// teacher's convention of implementing String() and passing the object
// itself as the first argument to fs.Debugf/fs.Errorf.
func For(component string, fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["component"] = component
	return Logger().WithFields(fields)
}
