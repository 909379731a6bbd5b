// Package paths centralizes the on-disk layout of the gangway runtime
// directory. Contains records.db (SQLite) and gangway.sock.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

const dataDirName = ".gangway"

// DataDir returns the runtime directory, honoring GANGWAY_HOME when set.
func DataDir() (string, error) {
	if dir := os.Getenv("GANGWAY_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, dataDirName), nil
}

// StorePath returns the default record store location.
func StorePath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "records.db"), nil
}

// SocketPath returns the default unix socket location.
func SocketPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "gangway.sock"), nil
}

// EnsureDataDir creates the runtime directory if needed and returns it.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	return dir, nil
}
