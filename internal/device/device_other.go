//go:build !linux

package device

import (
	"errors"
	"os"
	"time"
)

// USB discovery and block-device sizing rely on Linux sysfs and
// ioctls; on other platforms targets must be named explicitly.

func USBDisks() ([]string, error) {
	return nil, errors.New("USB disk discovery is only supported on linux")
}

func Size(f *os.File) (uint64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(st.Size()), nil
}

type Block struct{}

func NewBlock(dev string, timeout time.Duration) (*Block, error) {
	return nil, errors.New("sysfs block metadata is only available on linux")
}

func (b *Block) Sectors() uint64 { return 0 }
func (b *Block) Vendor() string  { return "" }
func (b *Block) Model() string   { return "" }
func (b *Block) Label() string   { return "" }
