package util

import (
	"os"
	"path/filepath"
)

// DataDirEnv overrides the data directory when set.
const DataDirEnv = "BPROXIMITY_DIR"

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv(DataDirEnv); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".bproximity"
	}
	return filepath.Join(home, ".bproximity")
}

// GetDeviceDataDir returns the store directory for one named engine, so several
// simulated devices can share a data directory.
func GetDeviceDataDir(name string) string {
	return filepath.Join(GetDataDir(), name)
}

// EnsureDir creates dir and its parents.
func EnsureDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
