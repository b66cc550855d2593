// Package fsinfo reports properties of the filesystem holding a path.
package fsinfo

import (
	"path/filepath"
	"strings"
)

// IsNetworkPath reports whether path lives on a network filesystem such as
// an SMB share or an NFS mount. Change notifications from other machines
// are not delivered for such filesystems, so callers fall back to polling.
func IsNetworkPath(path string) (bool, error) {
	if isUNC(path) {
		return true, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	return isNetworkFS(abs)
}

// isUNC reports whether path is a Windows UNC path (\\server\share).
func isUNC(path string) bool {
	return strings.HasPrefix(path, `\\`) || strings.HasPrefix(path, "//")
}
