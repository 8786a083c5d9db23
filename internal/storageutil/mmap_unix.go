//go:build unix

package storageutil

import (
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// MapFile maps path read-only. The mapping is released by Close.
func MapFile(path string) (*Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		return &Capture{}, nil
	}
	if size > math.MaxInt {
		return nil, fmt.Errorf("storageutil: file %q is too large to map", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("storageutil: mapping %s: %w", path, err)
	}
	return &Capture{data: data, release: unix.Munmap}, nil
}
