// Package logging wires the runtime's verbosity and debug flags to a
// leveled logger.
//
// Only auxiliary output (startup traces, registry traces, debug dumps)
// goes through the logger. Violation reports are written directly to
// the output stream by the report package because their format is part
// of the external contract and must not be decorated.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	})
	l.SetLevel(logrus.WarnLevel)
	return l
}

// Setup applies the parsed flags: verbosity >= 1 enables Info,
// debug enables Debug, and all output goes to w (the runtime's
// standard-error stream).
func Setup(w io.Writer, verbosity int, debug bool) {
	log.SetOutput(w)
	switch {
	case debug:
		log.SetLevel(logrus.DebugLevel)
	case verbosity >= 1:
		log.SetLevel(logrus.InfoLevel)
	default:
		log.SetLevel(logrus.WarnLevel)
	}
}

// V reports whether verbose output is enabled, for callers that want
// to skip building expensive log arguments.
func V() bool {
	return log.IsLevelEnabled(logrus.InfoLevel)
}

// Infof logs a verbosity-gated message.
func Infof(format string, args ...interface{}) {
	log.Infof(format, args...)
}

// Debugf logs a debug-gated message.
func Debugf(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

// Warnf logs an always-on warning.
func Warnf(format string, args ...interface{}) {
	log.Warnf(format, args...)
}
