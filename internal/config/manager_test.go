package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/orchestra/internal/decompose"
)

const sqlLibrary = `
signatures:
  - name: sql
    capability: query
    patterns: ["\\bsql\\b"]
`

const slidesLibrary = `
signatures:
  - name: sql
    capability: query
    patterns: ["\\bsql\\b"]
  - name: slides
    capability: generate-content
    patterns: ["\\bslides?\\b"]
`

func patternFor(t *testing.T, d *decompose.Decomposer, request string) string {
	t.Helper()
	out, err := d.Decompose(request)
	require.NoError(t, err)
	return out.Pattern
}

func startManager(t *testing.T, body string) (*Manager, *decompose.Decomposer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "intents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	logger := zaptest.NewLogger(t)
	d := decompose.NewDecomposer(nil, logger)
	m, err := NewManager(path, d, logger)
	require.NoError(t, err)
	m.EnablePolling(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = m.Stop()
	})
	return m, d, path
}

func TestManagerLoadsInitialLibrary(t *testing.T) {
	_, d, _ := startManager(t, sqlLibrary)
	assert.Equal(t, "sql", patternFor(t, d, "run some sql"))
}

func TestManagerPicksUpChanges(t *testing.T) {
	_, d, path := startManager(t, sqlLibrary)

	// mtime granularity can hide a rewrite within the same tick
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(slidesLibrary), 0o644))
	now := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, now, now))

	require.Eventually(t, func() bool {
		out, err := d.Decompose("make slides")
		return err == nil && out.Pattern == "slides"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestManagerKeepsLibraryOnInvalidFile(t *testing.T) {
	m, d, path := startManager(t, sqlLibrary)

	require.NoError(t, os.WriteFile(path, []byte("signatures:\n  - name: bad\n    capability: query\n    patterns: [\"(unclosed\"]\n"), 0o644))
	now := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, now, now))

	require.Eventually(t, func() bool {
		_, failures := m.Counts()
		return failures > 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "sql", patternFor(t, d, "run some sql"))
}

func TestManagerInitialLoadMustSucceed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	m, err := NewManager(path, decompose.NewDecomposer(nil, nil), nil)
	require.NoError(t, err)
	assert.Error(t, m.Start(context.Background()))
	assert.NoError(t, m.Stop())
}

func TestNewManagerRequiresPath(t *testing.T) {
	_, err := NewManager("", decompose.NewDecomposer(nil, nil), nil)
	assert.Error(t, err)
}
