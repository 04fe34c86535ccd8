package utils

import (
	"path"
	"path/filepath"
	"strings"
)

// JoinPath makes the path from dir and file paths
func JoinPath(dirPath string, filePath string) string {
	if strings.HasPrefix(filePath, "/") {
		return filePath
	}
	return filepath.Join(dirPath, filePath)
}

// JoinIRODSPath makes a slash separated path, used for iRODS and object keys
func JoinIRODSPath(dirPath string, filePath string) string {
	return path.Join(dirPath, filePath)
}

// GetFileName returns the last element of the given path
func GetFileName(p string) string {
	return path.Base(filepath.ToSlash(p))
}

// GetDirName returns the parent dir of the given path
func GetDirName(p string) string {
	return path.Dir(filepath.ToSlash(p))
}

// MakeFanOutPath returns sub-directory levels for the given hash
// e.g., hash "0a1b2c3d...", depth 3, nameLength 2 => "0a/1b/2c"
func MakeFanOutPath(hash string, depth int, nameLength int) string {
	if depth <= 0 || nameLength <= 0 {
		return ""
	}

	parts := []string{}
	for i := 0; i < depth; i++ {
		start := i * nameLength
		end := start + nameLength
		if end > len(hash) {
			break
		}
		parts = append(parts, hash[start:end])
	}
	return strings.Join(parts, "/")
}
