//go:build linux

package device

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const byPathDir = "/dev/disk/by-path"

// USBDisks lists removable USB whole-disk device paths, sorted. A
// machine with no USB disks attached yields an empty list, not an
// error.
func USBDisks() ([]string, error) {
	entries, err := os.ReadDir(byPathDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading %s: %w", byPathDir, err)
	}

	var disks []string
	for _, e := range entries {
		name := e.Name()
		if !strings.Contains(name, "-usb-") || strings.Contains(name, "-part") {
			continue
		}
		resolved, err := filepath.EvalSymlinks(filepath.Join(byPathDir, name))
		if err != nil {
			continue
		}
		disks = append(disks, resolved)
	}

	sort.Strings(disks)
	return disks, nil
}

// Size reports the usable size of a file or block device in bytes.
func Size(f *os.File) (uint64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if st.Mode().IsRegular() {
		return uint64(st.Size()), nil
	}

	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, fmt.Errorf("cannot determine device size: %v", errno)
	}
	return size, nil
}

const sysBlock = "/sys/class/block"

// Block reads metadata for one block device out of sysfs.
type Block struct {
	path    string
	timeout time.Duration
}

func NewBlock(dev string, timeout time.Duration) (*Block, error) {
	p := filepath.Join(sysBlock, filepath.Base(dev))
	if _, err := os.Stat(p); err != nil {
		return nil, fmt.Errorf("no sysfs entry for '%s'", dev)
	}
	return &Block{path: p, timeout: timeout}, nil
}

const sectorRetry = 500 * time.Millisecond

// Sectors reports the device's 512-byte sector count. Freshly plugged
// devices briefly report 0, so a zero reading is retried until the
// timeout elapses.
func (b *Block) Sectors() uint64 {
	sectors := b.readSectors()
	deadline := time.Now().Add(b.timeout)

	for sectors == 0 && time.Now().Before(deadline) {
		time.Sleep(sectorRetry)
		sectors = b.readSectors()
	}

	return sectors
}

func (b *Block) readSectors() uint64 {
	n, _ := strconv.ParseUint(b.read("size"), 10, 64)
	return n
}

func (b *Block) Vendor() string { return b.read("device/vendor") }

func (b *Block) Model() string { return b.read("device/model") }

// Label combines vendor and model the way desktop tools present
// drives.
func (b *Block) Label() string {
	vendor, model := b.Vendor(), b.Model()
	if vendor == "" {
		return strings.ReplaceAll(model, "_", " ")
	}
	return strings.ReplaceAll(vendor+" "+model, "_", " ")
}

func (b *Block) read(name string) string {
	data, err := os.ReadFile(filepath.Join(b.path, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
