package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	out, formatter, level := root.Out, root.Formatter, root.Level
	root.SetOutput(&buf)
	t.Cleanup(func() {
		root.SetOutput(out)
		root.SetFormatter(formatter)
		root.SetLevel(level)
	})
	return &buf
}

func logFromHere(entry *logrus.Entry) {
	entry.Info("from helper")
}

// TestCallerNamesLoggingSite verifies the prefix names the file that logged
// through an entry, not a frame inside logrus
func TestCallerNamesLoggingSite(t *testing.T) {
	buf := captureOutput(t)
	require.NoError(t, Configure("info", "text"))

	log := NamedLogger("test").WithField("run", 1)
	log.Infof("direct %d", 1)
	logFromHere(log)

	out := buf.String()
	assert.Contains(t, out, "[logging_test.go")
	assert.NotContains(t, out, "entry.go")
	assert.NotContains(t, out, "logger.go")
	assert.Contains(t, out, "direct 1")
	assert.Contains(t, out, "pkg=test")
	assert.NotContains(t, out, "func=")
}

func TestConfigureRejectsBadInput(t *testing.T) {
	captureOutput(t)
	assert.Error(t, Configure("loud", "text"))
	assert.Error(t, Configure("info", "xml"))
	require.NoError(t, Configure("debug", "json"))
	assert.Equal(t, logrus.DebugLevel, Root().GetLevel())
}
