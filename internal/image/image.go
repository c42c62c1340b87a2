// Package image handles the source file being duplicated onto targets.
package image

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// Image is the opened source file. The handle is opened with O_SYNC so
// the run reads what is on disk, not a stale cached view. Its size is
// fixed for the run and defines 100% progress for every target.
type Image struct {
	Path string
	File *os.File
	Size uint64
}

func Open(path string) (*Image, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("error with image at '%s': %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("image metadata error at '%s': %w", path, err)
	}

	return &Image{Path: path, File: f, Size: uint64(st.Size())}, nil
}

// Reopen returns an independent read handle over the same image. Each
// verification pass takes one so concurrent verifiers never share a
// seek position.
func (img *Image) Reopen() (*os.File, error) {
	f, err := os.OpenFile(img.Path, os.O_RDONLY|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("error reopening image at '%s': %w", img.Path, err)
	}
	return f, nil
}

func (img *Image) Close() error {
	return img.File.Close()
}

// Checksum streams the file at path through the named digest and
// returns the hex string.
func Checksum(path, algorithm string) (string, error) {
	var h hash.Hash
	switch algorithm {
	case "md5":
		h = md5.New()
	case "sha1":
		h = sha1.New()
	case "sha256":
		h = sha256.New()
	default:
		return "", fmt.Errorf("unsupported digest '%s'", algorithm)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 8*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
