// Package testutils contains generic helpers for tests.
package testutils

import (
	"os"
	"path/filepath"
	"testing"

	assert "github.com/stretchr/testify/require"
)

// TempDir creates a temporary directory and returns it along with a
// cleanup function.
func TempDir(t *testing.T) (string, func()) {
	d, err := os.MkdirTemp("", "testutils")
	assert.NoError(t, err)
	return d, func() {
		RemoveAll(t, d)
	}
}

// RemoveAll removes the given path and asserts success.
func RemoveAll(t *testing.T, fp string) {
	assert.NoError(t, os.RemoveAll(fp))
}

// WriteFile writes the given contents to the given file path, creating
// parent directories as needed, and asserts success.
func WriteFile(t *testing.T, fp, contents string) {
	assert.NoError(t, os.MkdirAll(filepath.Dir(fp), 0755))
	assert.NoError(t, os.WriteFile(fp, []byte(contents), 0644))
}

// ReadFile reads the given file and asserts success.
func ReadFile(t *testing.T, fp string) string {
	b, err := os.ReadFile(fp)
	assert.NoError(t, err)
	return string(b)
}
