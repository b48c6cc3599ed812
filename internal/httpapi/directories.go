package httpapi

import (
	"os"
	"path/filepath"
)

// validateDirectory reports whether path exists and is a directory, and
// whether it contains a .git entry. Ports tether/git.has_git_repository
// and the Path.is_dir() check in tether/api/directories.py.
func validateDirectory(path string) (isDir, hasGit bool) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false, false
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return true, true
	}
	return true, false
}
