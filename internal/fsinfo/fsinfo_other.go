//go:build !linux && !windows

package fsinfo

func isNetworkFS(path string) (bool, error) {
	return false, nil
}

// FSType is not implemented on this platform.
func FSType(path string) (string, error) {
	return "unknown", nil
}
