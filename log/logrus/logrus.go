package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/cachemux/log"
)

var _ log.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

// New wraps l with component=cachemux.
func New(l *logrus.Logger) Logger {
	return Logger{E: l.WithField("component", "cachemux")}
}

func (l Logger) Debug(msg string, f log.Fields) { l.E.WithFields(logrus.Fields(f)).Debug(msg) }
func (l Logger) Info(msg string, f log.Fields)  { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l Logger) Warn(msg string, f log.Fields)  { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l Logger) Error(msg string, f log.Fields) { l.E.WithFields(logrus.Fields(f)).Error(msg) }
