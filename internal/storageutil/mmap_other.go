//go:build !unix

package storageutil

import "os"

// MapFile reads path in memory where mapping isn't available.
func MapFile(path string) (*Capture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &Capture{data: data}, nil
}
