// Package pathutil provides small filesystem path helpers shared by the
// config store and the process runner.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading "~" or "~/" in p against the invoking user's
// home directory. Paths without a leading "~" are returned unchanged.
func ExpandHome(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}

	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}

	// "~otheruser/..." is not resolved; returned as-is.
	return p
}
