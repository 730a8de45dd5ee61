// Package logging provides the package-level structured logger every other
// package in this module logs through, backed by logrus instead of the
// standard library's log package.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var log = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel parses a level name (debug, info, warn, error) and applies it to
// the package-level logger, falling back to info on an unrecognized name.
func SetLevel(name string) {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
}

func Debugf(format string, args ...interface{}) { log.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { log.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { log.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }

// WithField returns a logrus entry pre-populated with one field, for call
// sites that want structured key/value context (connection IDs, replica
// IDs) instead of a format string.
func WithField(key string, value interface{}) *logrus.Entry {
	return log.WithField(key, value)
}
