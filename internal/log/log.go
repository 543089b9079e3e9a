// Package log configures the process-wide logrus logger used by every
// other package in this module. Nothing here is specific to the monitor's
// domain; it exists so that callers construct loggers the same way the
// rest of the corpus does, instead of each package reaching for its own
// logrus.New().
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

var (
	defaultLogger = logrus.New()
	defaultEntry  = logrus.NewEntry(defaultLogger).WithField("pid", os.Getpid())
)

func init() {
	defaultLogger.SetOutput(os.Stderr)
}

// Configure sets the global logger's format ("text" or "json") and level.
// An unrecognized level leaves the previous level in place.
func Configure(format, level string) {
	switch format {
	case "json":
		defaultLogger.SetFormatter(&logrus.JSONFormatter{})
	default:
		defaultLogger.SetFormatter(&logrus.TextFormatter{})
	}

	if level == "" {
		return
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		defaultEntry.WithError(err).Warn("invalid log level, leaving level unchanged")
		return
	}

	defaultLogger.SetLevel(lvl)
}

// Default returns the package-wide logger entry. Callers that need a
// scoped logger should call WithField/WithFields on the result rather
// than holding onto the global logger directly.
func Default() *logrus.Entry {
	return defaultEntry
}
