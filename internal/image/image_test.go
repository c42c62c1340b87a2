package image

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenReportsSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0644))

	img, err := Open(path)
	require.NoError(t, err)
	defer img.Close()

	assert.Equal(t, uint64(4096), img.Size)
	assert.Equal(t, path, img.Path)
}

func TestOpenMissingImage(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error with image")
}

func TestReopenHasIndependentCursor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img")
	require.NoError(t, os.WriteFile(path, []byte("abcdef"), 0644))

	img, err := Open(path)
	require.NoError(t, err)
	defer img.Close()

	buf := make([]byte, 3)
	_, err = img.File.Read(buf)
	require.NoError(t, err)

	dup, err := img.Reopen()
	require.NoError(t, err)
	defer dup.Close()

	_, err = dup.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf), "reopened handle must start at offset 0")
}

func TestChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))

	tests := []struct {
		algorithm string
		want      string
	}{
		{"md5", "5eb63bbbe01eeed093cb22bb8f5acdc3"},
		{"sha1", "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed"},
		{"sha256", "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
	}

	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			got, err := Checksum(path, tt.algorithm)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChecksumUnknownAlgorithm(t *testing.T) {
	_, err := Checksum("whatever", "crc32")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported digest")
}
