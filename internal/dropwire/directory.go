package dropwire

import (
	"fmt"
	"os"
	"path/filepath"
)

const defaultDirName = ".dropwire"

// GetDropwireDir returns the root data directory, creating it if needed.
// DROPWIRE_DIR overrides the default of $HOME/.dropwire.
func GetDropwireDir() (string, error) {
	if dir := os.Getenv("DROPWIRE_DIR"); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return "", fmt.Errorf("failed to create dropwire directory: %w", err)
		}
		return dir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	dir := filepath.Join(homeDir, defaultDirName)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create dropwire directory: %w", err)
	}
	return dir, nil
}
