// Package common provides the logging and error-handling foundation shared
// by every strata package: a global structured logger with stdout/stderr
// stream separation, and the typed error taxonomy the HTTP surface and the
// CRUD engine agree on.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to the appropriate stream:
// error-level entries go to stderr, everything else to stdout. Container
// orchestrators and log aggregators can then treat the two streams
// differently without parsing every line.
type OutputSplitter struct{}

// Write implements io.Writer. Routing is a plain byte search for the
// "level=error" marker logrus emits, which works across its formatters.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance. All strata packages log through it
// so that formatting and stream routing stay uniform; embedders may replace
// the formatter or level after import.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies a level and format from configuration.
// Unknown values fall back to info/text.
func ConfigureLogger(level, format string) {
	switch level {
	case "debug":
		Logger.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		Logger.SetLevel(logrus.WarnLevel)
	case "error":
		Logger.SetLevel(logrus.ErrorLevel)
	default:
		Logger.SetLevel(logrus.InfoLevel)
	}

	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
