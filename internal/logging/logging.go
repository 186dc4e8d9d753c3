package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Formats accepted by Setup
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Setup configures the global logrus logger for a binary
func Setup(level, format string) error {
	return SetupOutput(os.Stderr, level, format)
}

// SetupOutput is Setup with an explicit destination
func SetupOutput(w io.Writer, level, format string) error {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	var formatter logrus.Formatter
	switch strings.ToLower(format) {
	case FormatText, "":
		formatter = &logrus.TextFormatter{FullTimestamp: true}
	case FormatJSON:
		formatter = &logrus.JSONFormatter{}
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	logrus.SetOutput(w)
	logrus.SetLevel(lvl)
	logrus.SetFormatter(formatter)
	return nil
}

// For returns an entry tagged with the calling function and package
func For(pkg, function string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"package":  pkg,
		"function": function,
	})
}
