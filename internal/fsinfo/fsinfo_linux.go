//go:build linux

package fsinfo

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Filesystem magic numbers from linux/magic.h.
const (
	nfsSuperMagic  = 0x6969
	smbSuperMagic  = 0x517b
	cifsSuperMagic = 0xff534d42
	smb2SuperMagic = 0xfe534d42
	fuseSuperMagic = 0x65735546
	codaSuperMagic = 0x73757245
	afsSuperMagic  = 0x5346414f
	cephSuperMagic = 0x00c36400
	ncpSuperMagic  = 0x564c
)

var networkMagic = map[int64]string{
	nfsSuperMagic:  "nfs",
	smbSuperMagic:  "smb",
	cifsSuperMagic: "cifs",
	smb2SuperMagic: "smb2",
	codaSuperMagic: "coda",
	afsSuperMagic:  "afs",
	cephSuperMagic: "ceph",
	ncpSuperMagic:  "ncp",
}

func isNetworkFS(path string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, fmt.Errorf("failed to statfs %s: %w", path, err)
	}
	_, ok := networkMagic[int64(st.Type)&0xffffffff]
	return ok, nil
}

// FSType returns a short name for the filesystem holding path, or the
// hexadecimal magic number when it is not a known network filesystem.
func FSType(path string) (string, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return "", fmt.Errorf("failed to statfs %s: %w", path, err)
	}
	magic := int64(st.Type) & 0xffffffff
	if name, ok := networkMagic[magic]; ok {
		return name, nil
	}
	if magic == fuseSuperMagic {
		return "fuse", nil
	}
	return fmt.Sprintf("0x%x", magic), nil
}
