package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// expandPath resolves a leading "~" to the user's home directory.
func expandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve the home directory")
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
