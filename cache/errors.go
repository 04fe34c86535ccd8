package cache

import (
	"errors"
	"fmt"

	"golang.org/x/xerrors"
)

var (
	// ErrNotFound means that a key has no entry, or the entry is invalid
	ErrNotFound = xerrors.New("cache entry not found")
	// ErrBackendUnavailable means that a storage backend cannot be reached or authenticated
	ErrBackendUnavailable = xerrors.New("cache backend unavailable")
	// ErrCapacityExceeded means that a payload exceeds a hard backend limit
	ErrCapacityExceeded = xerrors.New("cache entry exceeds backend capacity")
	// ErrCorruptEntry means that a stored entry cannot be read back, e.g., a chunk of a manifest is missing
	ErrCorruptEntry = xerrors.New("cache entry is corrupt")
	// ErrWriterClosed is returned when writing to a closed entry writer
	ErrWriterClosed = xerrors.New("entry writer is closed")
)

// NewNotFoundError creates an error for a missing key
func NewNotFoundError(key Key) error {
	return xerrors.Errorf("failed to find entry %s: %w", key.String(), ErrNotFound)
}

// IsNotFoundError checks if the error is for a missing entry
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// BackendUnavailableError wraps an error from an unreachable backend
type BackendUnavailableError struct {
	Backend string
	Err     error
}

// NewBackendUnavailableError creates BackendUnavailableError
func NewBackendUnavailableError(backend string, err error) error {
	return &BackendUnavailableError{
		Backend: backend,
		Err:     err,
	}
}

// Error returns error message
func (err *BackendUnavailableError) Error() string {
	return fmt.Sprintf("cache backend %s unavailable: %v", err.Backend, err.Err)
}

// Is checks if target is ErrBackendUnavailable
func (err *BackendUnavailableError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

// Unwrap returns the backend error
func (err *BackendUnavailableError) Unwrap() error {
	return err.Err
}

// IsBackendUnavailableError checks if the error is for an unreachable backend
func IsBackendUnavailableError(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// CapacityExceededError is returned when a payload is too large for a backend
type CapacityExceededError struct {
	Key   Key
	Size  int64
	Limit int64
}

// NewCapacityExceededError creates CapacityExceededError
func NewCapacityExceededError(key Key, size int64, limit int64) error {
	return &CapacityExceededError{
		Key:   key,
		Size:  size,
		Limit: limit,
	}
}

// Error returns error message
func (err *CapacityExceededError) Error() string {
	return fmt.Sprintf("entry %s of %d bytes exceeds capacity %d", err.Key.String(), err.Size, err.Limit)
}

// Is checks if target is ErrCapacityExceeded
func (err *CapacityExceededError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

// IsCapacityExceededError checks if the error is for an oversized payload
func IsCapacityExceededError(err error) bool {
	return errors.Is(err, ErrCapacityExceeded)
}
