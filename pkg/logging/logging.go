// Package logging provides named logrus loggers shared by all drase packages.
package logging

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

var root = &logrus.Logger{
	Out:          os.Stderr,
	Formatter:    newTextFormatter(),
	Hooks:        make(logrus.LevelHooks),
	Level:        logrus.InfoLevel,
	ReportCaller: true,
}

// NamedLogger returns an entry tagged with the component name.
func NamedLogger(name string) *logrus.Entry {
	return root.WithField("pkg", name)
}

// Configure sets the level and output format of every named logger.
// Format is "text" or "json".
func Configure(level, format string) error {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	root.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		root.SetFormatter(newTextFormatter())
	case "json":
		root.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}

// Root exposes the underlying logger, mainly so tests can redirect output.
func Root() *logrus.Logger {
	return root
}

// CallerTextFormatter prefixes each message with the calling file and line.
type CallerTextFormatter struct {
	logrus.TextFormatter
}

// Format renders a single log entry. The caller comes from logrus, which
// records the first frame outside its own package.
func (f *CallerTextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	if entry.HasCaller() {
		entry.Message = fmt.Sprintf("[%-18s:%03d] %s", path.Base(entry.Caller.File), entry.Caller.Line, entry.Message)
	}
	return f.TextFormatter.Format(entry)
}

// newTextFormatter drops logrus' own func and file fields since the
// caller is already in the message prefix
func newTextFormatter() *CallerTextFormatter {
	return &CallerTextFormatter{
		TextFormatter: logrus.TextFormatter{
			FullTimestamp:    true,
			CallerPrettyfier: func(*runtime.Frame) (string, string) { return "", "" },
		},
	}
}
