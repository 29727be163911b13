// Package logrus adapts a *logrus.Entry to relaykit.Logger.
package logrus

import (
	"github.com/r0hmer/relaykit"
	"github.com/sirupsen/logrus"
)

type LogrusLogger struct{ E *logrus.Entry }

var _ relaykit.Logger = LogrusLogger{}

func (l LogrusLogger) Debug(msg string, f relaykit.Fields) {
	l.E.WithFields(logrus.Fields(f)).Debug(msg)
}
func (l LogrusLogger) Info(msg string, f relaykit.Fields) {
	l.E.WithFields(logrus.Fields(f)).Info(msg)
}
func (l LogrusLogger) Warn(msg string, f relaykit.Fields) {
	l.E.WithFields(logrus.Fields(f)).Warn(msg)
}
func (l LogrusLogger) Error(msg string, f relaykit.Fields) {
	l.E.WithFields(logrus.Fields(f)).Error(msg)
}
