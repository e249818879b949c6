// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, LevelInfo, cfg.Level)
	assert.False(t, cfg.JSON)
	assert.NotNil(t, cfg.Output)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf, Level: LevelWarn})

	l.Info("hidden")
	l.Warn("shown", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "key=value")
}

func TestLogger_JSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf, Level: LevelDebug, JSON: true}).WithComponent("uplink")

	l.Debug("handshake", "status", 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "uplink", rec["component"])
	assert.Equal(t, "handshake", rec["msg"])
	assert.EqualValues(t, 1, rec["status"])
}

func TestLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	l := New(Config{Level: LevelInfo, File: &FileConfig{Path: path}})

	l.Info("written to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "written to file"))
}

func TestLogger_FileDirUnavailable(t *testing.T) {
	// A regular file where the log directory should be makes MkdirAll fail.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	path := filepath.Join(blocker, "logs", "agent.log")

	var buf bytes.Buffer
	l := New(Config{Output: &buf, Level: LevelInfo, File: &FileConfig{Path: path}})
	l.Info("still logged")

	out := buf.String()
	assert.Contains(t, out, "Log file unavailable")
	assert.Contains(t, out, "not-a-dir")
	assert.Contains(t, out, "still logged")
	_, err := os.Stat(path)
	assert.Error(t, err, "no log file created")
}

func TestSetDefault(t *testing.T) {
	orig := Default()
	defer SetDefault(orig)

	var buf bytes.Buffer
	SetDefault(New(Config{Output: &buf, Level: LevelInfo}))
	WithComponent("flows").Info("hello")

	assert.Contains(t, buf.String(), "component=flows")

	SetDefault(nil)
	assert.NotNil(t, Default())
}
