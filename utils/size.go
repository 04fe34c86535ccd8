package utils

import (
	"strings"

	"github.com/docker/go-units"
	"golang.org/x/xerrors"
)

// ParseByteSize parses a human-readable size string, e.g., "512M", "1.5G", "10k"
// units are 1024-based and K/M/G/T/P suffixes are accepted
func ParseByteSize(size string) (int64, error) {
	trimmed := strings.TrimSpace(size)
	if len(trimmed) == 0 {
		return 0, xerrors.Errorf("failed to parse empty size string")
	}

	bytes, err := units.RAMInBytes(trimmed)
	if err != nil {
		return 0, xerrors.Errorf("failed to parse size string %q: %w", size, err)
	}

	if bytes < 0 {
		return 0, xerrors.Errorf("size string %q must not be negative", size)
	}
	return bytes, nil
}

// MakeByteSizeString returns a human-readable size string
func MakeByteSizeString(size int64) string {
	return units.BytesSize(float64(size))
}
