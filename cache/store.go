package cache

import (
	"context"
	"io"
	"time"

	"github.com/cyverse/imagecache-common/types"
)

// EntryStat is metadata of a stored entry
type EntryStat struct {
	Key          Key
	Size         int64
	LastModified time.Time
	// LastAccessed is zero when the backend does not track access
	LastAccessed time.Time
}

// GetValidityTime returns the timestamp used for TTL checks
func (stat *EntryStat) GetValidityTime() time.Time {
	if stat.LastAccessed.After(stat.LastModified) {
		return stat.LastAccessed
	}
	return stat.LastModified
}

// CacheStore is a storage backend for cache entries
// every method must be safe for concurrent use
type CacheStore interface {
	Release()

	GetName() string
	IsAvailable(ctx context.Context) bool

	// ReadEntry returns a reader of a complete entry, ErrNotFound if absent
	ReadEntry(ctx context.Context, key Key) (io.ReadCloser, *EntryStat, error)
	// CreateEntryWriter returns a writer, the entry becomes visible on a complete Close
	CreateEntryWriter(ctx context.Context, key Key) (EntryWriter, error)

	DeleteEntry(ctx context.Context, key Key) error
	// DeleteAllEntriesForIdentifier deletes the info entry and all image entries of the identifier
	DeleteAllEntriesForIdentifier(ctx context.Context, identifier types.Identifier) (int, error)
	DeleteAllEntries(ctx context.Context) (int, error)
	// DeleteAllInfoEntries deletes info entries only
	DeleteAllInfoEntries(ctx context.Context) (int, error)
	// DeleteExpiredEntries deletes entries last modified before cutoff
	DeleteExpiredEntries(ctx context.Context, cutoff time.Time) (int, error)

	// CleanUp removes detritus such as temp files and orphans
	CleanUp(ctx context.Context) error
}

// EntryToucher is implemented by stores that refresh access time of entries on read
type EntryToucher interface {
	TouchEntry(ctx context.Context, key Key) error
}

// ExpiryExempt is implemented by stores whose entries never expire by TTL
type ExpiryExempt interface {
	IsExpiryExempt() bool
}
