//go:build windows

package fsinfo

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/windows"
)

func isNetworkFS(path string) (bool, error) {
	kind, err := driveType(path)
	if err != nil {
		return false, err
	}
	return kind == windows.DRIVE_REMOTE, nil
}

// FSType returns the drive type of the volume holding path.
func FSType(path string) (string, error) {
	kind, err := driveType(path)
	if err != nil {
		return "", err
	}
	switch kind {
	case windows.DRIVE_REMOTE:
		return "remote", nil
	case windows.DRIVE_FIXED:
		return "fixed", nil
	case windows.DRIVE_REMOVABLE:
		return "removable", nil
	case windows.DRIVE_CDROM:
		return "cdrom", nil
	case windows.DRIVE_RAMDISK:
		return "ramdisk", nil
	default:
		return "unknown", nil
	}
}

func driveType(path string) (uint32, error) {
	root := filepath.VolumeName(path) + `\`
	p, err := windows.UTF16PtrFromString(root)
	if err != nil {
		return 0, fmt.Errorf("invalid volume %q: %w", root, err)
	}
	return windows.GetDriveType(p), nil
}
