package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fat.log")
	require.NoError(t, SetOutput(path))
	defer func() { _ = SetOutput("stdout") }()

	SetFormat("text")
	SetLevel("WARN")
	defer SetLevel("INFO")

	Info("hidden %d", 1)
	Warn("shown %d", 2)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	out := string(data)
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown 2")
	assert.False(t, IsEnabled(LevelDebug))
	assert.True(t, IsEnabled(LevelError))
}

func TestJSONFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fat.json")
	require.NoError(t, SetOutput(path))
	defer func() { _ = SetOutput("stdout") }()

	SetFormat("json")
	defer SetFormat("text")
	SetLevel("DEBUG")
	defer SetLevel("INFO")

	Debug("cluster %d", 7)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var line map[string]string
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &line))
	assert.Equal(t, "DEBUG", line["level"])
	assert.Equal(t, "cluster 7", line["msg"])
}
