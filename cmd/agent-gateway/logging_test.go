// ABOUTME: Tests for the colorized log handler

package main

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestColorHandler_Format(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("component", "runs").WithGroup("run").Info("run accepted", "id", "r1")
	logger.Warn("auth failure", "error", "bad token")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF run accepted component=runs run.id=r1\n")
	assert.Contains(t, out, "WRN auth failure error=bad token\n")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}
