package config

import (
	"os"
	"path/filepath"
)

// DataDir returns the directory holding the sidecar database.
// CLAUDEBENCH_DATA_DIR wins; otherwise ~/.claudebench.
func DataDir() string {
	if dir := os.Getenv("CLAUDEBENCH_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claudebench"
	}
	return filepath.Join(home, ".claudebench")
}

// DBPath returns the path of the sidecar SQLite database.
func DBPath() string {
	return filepath.Join(DataDir(), "sidecar.db")
}

// EnsureDataDir creates the data directory if it does not exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o755)
}
