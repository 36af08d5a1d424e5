package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger. It is usable before Init with logrus defaults.
var Logger = logrus.New()

// Init configures Logger from a level name and a format ("text" or "json").
// Unknown levels fall back to info.
func Init(level, format string) {
	Configure(Logger, os.Stderr, level, format)
}

// Configure applies level/format settings to l and directs its output to w.
func Configure(l *logrus.Logger, w io.Writer, level, format string) {
	l.SetOutput(w)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}
