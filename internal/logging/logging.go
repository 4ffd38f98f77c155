// Package logging constructs the shared structured logger used throughout
// taskmesh. Business-logic packages never call logrus' global functions;
// a *logrus.Logger is constructed once here and threaded down via
// constructor injection.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logger writing structured (text) output to w at the given
// level. Pass os.Stderr for process entry points.
func New(w io.Writer, level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return log
}

// Default returns a logger writing to stderr at Info level, suitable as a
// fallback for components constructed without an explicit logger.
func Default() *logrus.Logger {
	return New(os.Stderr, logrus.InfoLevel)
}

// Discard returns a logger that drops all output, for use in tests.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
