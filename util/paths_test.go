package util

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDataDirHonorsEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(DataDirEnv, dir)

	assert.Equal(t, dir, GetDataDir())
	assert.Equal(t, filepath.Join(dir, "phone-a"), GetDeviceDataDir("phone-a"))
}

func TestGetDataDirDefault(t *testing.T) {
	t.Setenv(DataDirEnv, "")
	assert.Equal(t, ".bproximity", filepath.Base(GetDataDir()))
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	got, err := EnsureDir(dir)
	require.NoError(t, err)
	assert.DirExists(t, got)
}
