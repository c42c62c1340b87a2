package device

import (
	"bufio"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Mount is one row of the kernel mount table.
type Mount struct {
	Source string // device node
	Dest   string // mount point
}

const mountTable = "/proc/self/mounts"

// Mounts reads the current mount table.
func Mounts() ([]Mount, error) {
	return readMounts(mountTable)
}

func readMounts(path string) ([]Mount, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var mounts []Mount
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		mounts = append(mounts, Mount{
			Source: fields[0],
			// The kernel escapes spaces in mount points as \040.
			Dest: strings.ReplaceAll(fields[1], `\040`, " "),
		})
	}

	return mounts, scanner.Err()
}

// Submounts returns every mount whose source sits on dev: the device
// itself or one of its partitions.
func Submounts(mounts []Mount, dev string) []Mount {
	var out []Mount
	for _, m := range mounts {
		if m.Source == dev || strings.HasPrefix(m.Source, dev) {
			out = append(out, m)
		}
	}
	return out
}

// Unmount syncs pending writes and detaches the filesystem mounted at
// dest.
func Unmount(dest string) error {
	unix.Sync()
	return unix.Unmount(dest, 0)
}
