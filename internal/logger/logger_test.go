package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, false)
	slog.Debug("background refresh")
	slog.Warn("token revocation failed")

	out := buf.String()
	assert.NotContains(t, out, "background refresh", "debug is filtered unless verbose")
	assert.Contains(t, out, "token revocation failed")

	buf.Reset()
	InitWithWriter(&buf, true)
	slog.Debug("background refresh")
	assert.Contains(t, buf.String(), "background refresh")
}

func TestWidget(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, true)

	Widget("w1").Info("sync complete")
	assert.Contains(t, buf.String(), "widget=w1")
}
