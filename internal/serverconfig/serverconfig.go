// Package serverconfig expands home-directory shorthand ("~/...") in
// configured filesystem paths, the way an operator expects a path pasted
// into a YAML config file to behave.
package serverconfig

import (
	"os"
	"path/filepath"
)

// ExpandPath expands a leading "~" to the current user's home directory.
// Paths without a leading "~" are returned unchanged.
func ExpandPath(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[1:]), nil
}
