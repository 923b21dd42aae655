package collab

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return root
}

func TestFSAnalyzer(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.go":                   "package main",
		"internal/api/server.go":    "package api",
		"web/app.ts":                "export {}",
		"README.md":                 "# x",
		"node_modules/dep/index.js": "module.exports = 1",
		".git/HEAD":                 "ref: refs/heads/main",
		"LICENSE":                   "MIT",
	})
	a := NewFSAnalyzer()

	sum, err := a.Analyze(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Files)
	assert.Equal(t, map[string]int{"go": 2, "typescript": 1, "markdown": 1, "other": 1}, sum.Languages)
	assert.NotContains(t, sum.Sample, "node_modules/dep/index.js")
	assert.Contains(t, sum.Sample, "internal/api/server.go")
	assert.Positive(t, sum.Bytes)

	sum, err = a.Analyze(context.Background(), root, []string{"**/*.go", "main.go"})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Files, "overlapping patterns count a file once")
	assert.Equal(t, []string{"internal/api/server.go", "main.go"}, sum.Sample)
}

func TestFSAnalyzerErrors(t *testing.T) {
	a := NewFSAnalyzer()
	_, err := a.Analyze(context.Background(), filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)

	root := writeTree(t, map[string]string{"a.go": "package a"})
	_, err = a.Analyze(context.Background(), filepath.Join(root, "a.go"), nil)
	assert.ErrorContains(t, err, "not a directory")

	_, err = a.Analyze(context.Background(), root, []string{"[unclosed"})
	assert.ErrorContains(t, err, "invalid include pattern")
}
