package generic

import (
	"io"

	"github.com/sirupsen/logrus"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// LoggerOr returns l, or a discarding logger when l is nil.
func LoggerOr(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return DiscardLogger()
	}
	return l
}
