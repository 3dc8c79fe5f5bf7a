package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	cfg := filepath.Join(t.TempDir(), "orchestra.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("logging:\n  level: error\nmetrics:\n  enabled: false\n"), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"--config", cfg}, args...))
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestValidateCommand(t *testing.T) {
	out := execute(t, "validate", "show", "me", "a", "dashboard", "of", "kpis")
	assert.Contains(t, out, "pattern: dashboard")
	assert.Contains(t, out, "STEP")
	assert.Contains(t, out, "visualization_1")
	assert.Contains(t, out, "groups:")
}

func TestRunCommandPrintsOutcome(t *testing.T) {
	out := execute(t, "run", "--context", "tenant=acme", "fetch orders")

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.NotEmpty(t, body["workflow_id"])
	outcome := body["outcome"].(map[string]interface{})
	assert.Equal(t, true, outcome["success"])
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := newLogger("loud")
	assert.Error(t, err)
	logger, err := newLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
