package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger that is silent unless TEST_LOGS is set.
// TEST_LOGS=2 enables debug and TEST_LOGS=3 enables trace, which includes per frame summaries.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	switch os.Getenv("TEST_LOGS") {
	case "":
		l.SetOutput(io.Discard)
		l.SetLevel(logrus.PanicLevel)
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// NewEntry is NewLogger with fields attached, for subsystems that take an entry.
func NewEntry(fields logrus.Fields) *logrus.Entry {
	return NewLogger().WithFields(fields)
}
