package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbasical/doras-ota/internal/pkg/publisher"
	"github.com/unbasical/doras-ota/pkg/manifest"
)

func TestWriteManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "version.txt"), []byte("1.4.2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print(1)\n"), 0o644))

	require.NoError(t, writeManifest(dir, "minor"))
	v, err := publisher.ReadVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", v)

	m, err := manifest.ReadFile(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", m.Version)
	assert.Equal(t, []string{"main.py"}, m.Paths())

	require.NoError(t, writeManifest(dir, "none"))
	m, err = manifest.ReadFile(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", m.Version)
}
