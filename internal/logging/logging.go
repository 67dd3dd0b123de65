package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a JSON logger writing to stdout unless LOG_FORMAT=console asks
// for human-readable output. LOG_LEVEL accepts any logrus level name.
func New() *logrus.Logger {
	return NewWithOutput(os.Stdout, os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL"))
}

func NewWithOutput(w io.Writer, format, level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	if format == "console" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// Discard is a logger for tests and tools that should stay quiet.
func Discard() *logrus.Logger {
	return NewWithOutput(io.Discard, "", "panic")
}
