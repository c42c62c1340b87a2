// Package device resolves destination paths into open, exclusively
// held writable handles, and knows enough about mounts and sysfs to
// refuse unsafe targets.
package device

import (
	"fmt"
	"os"
	"path/filepath"
)

// Disk pairs a destination's display path with its open handle. The
// handle is opened read-write so a verification pass can read the
// device back.
type Disk struct {
	Path string
	File *os.File
}

// FromArgs opens every destination path, in order. A path with mounted
// filesystems is refused unless unmount is set, in which case each
// submount is detached first. Resolution is all-or-nothing: the first
// failure aborts, before anything has been written.
func FromArgs(paths []string, mounts []Mount, unmount bool) ([]Disk, error) {
	disks := make([]Disk, 0, len(paths))

	for _, p := range paths {
		resolved := p
		if r, err := filepath.EvalSymlinks(p); err == nil {
			resolved = r
		}

		for _, m := range Submounts(mounts, resolved) {
			if !unmount {
				return nil, fmt.Errorf("'%s' is mounted at '%s': pass --unmount or unmount it first", p, m.Dest)
			}
			if err := Unmount(m.Dest); err != nil {
				return nil, fmt.Errorf("unable to unmount '%s': %w", m.Dest, err)
			}
		}

		f, err := Open(resolved)
		if err != nil {
			return nil, fmt.Errorf("failed to open '%s': %w", p, err)
		}

		disks = append(disks, Disk{Path: p, File: f})
	}

	return disks, nil
}

// Open opens a destination with O_EXCL, so a block device that is
// mounted or held by another process is refused, and O_SYNC, so a
// completed write is on the media rather than in the page cache.
func Open(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_EXCL|os.O_SYNC, 0)
}
