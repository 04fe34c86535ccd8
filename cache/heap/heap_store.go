package heap

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyverse/imagecache-common/cache"
	"github.com/cyverse/imagecache-common/types"
	"github.com/cyverse/imagecache-common/utils"
	log "github.com/sirupsen/logrus"
)

const (
	// StoreName is the registry name of the heap store
	StoreName string = "heap"
)

// heapEntry is an entry held in memory
type heapEntry struct {
	key          cache.Key
	data         []byte
	lastModified time.Time
	// epoch millis
	lastAccessed atomic.Int64
}

func (entry *heapEntry) getLastAccessed() time.Time {
	return utils.MakeTimeFromEpochMillis(entry.lastAccessed.Load())
}

func (entry *heapEntry) touch(t time.Time) {
	entry.lastAccessed.Store(utils.MakeEpochMillis(t))
}

// HeapStore implements cache.CacheStore in process memory
// entries never expire by TTL, the EvictionManager bounds the size instead.
type HeapStore struct {
	entries sync.Map // cache.Key -> *heapEntry
	size    atomic.Int64
	count   atomic.Int64
	clock   func() time.Time
}

// NewHeapStore creates a new HeapStore
func NewHeapStore() *HeapStore {
	return NewHeapStoreWithClock(time.Now)
}

// NewHeapStoreWithClock creates a new HeapStore with the given clock
func NewHeapStoreWithClock(clock func() time.Time) *HeapStore {
	if clock == nil {
		clock = time.Now
	}

	return &HeapStore{
		clock: clock,
	}
}

// Release releases all entries
func (store *HeapStore) Release() {
	store.DeleteAllEntries(context.Background())
}

// GetName returns the store name
func (store *HeapStore) GetName() string {
	return StoreName
}

// IsAvailable always returns true
func (store *HeapStore) IsAvailable(ctx context.Context) bool {
	return true
}

// IsExpiryExempt returns true, heap entries are evicted by size
func (store *HeapStore) IsExpiryExempt() bool {
	return true
}

// GetSize returns the total bytes of payloads held
func (store *HeapStore) GetSize() int64 {
	return store.size.Load()
}

// GetEntryCount returns the number of entries held
func (store *HeapStore) GetEntryCount() int {
	return int(store.count.Load())
}

// ReadEntry returns a reader of the entry and touches it
func (store *HeapStore) ReadEntry(ctx context.Context, key cache.Key) (io.ReadCloser, *cache.EntryStat, error) {
	value, ok := store.entries.Load(key)
	if !ok {
		return nil, nil, cache.NewNotFoundError(key)
	}

	entry := value.(*heapEntry)
	entry.touch(store.clock())

	stat := &cache.EntryStat{
		Key:          key,
		Size:         int64(len(entry.data)),
		LastModified: entry.lastModified,
		LastAccessed: entry.getLastAccessed(),
	}
	return io.NopCloser(bytes.NewReader(entry.data)), stat, nil
}

// CreateEntryWriter returns a writer buffering the payload, a key already held gets a discard writer
func (store *HeapStore) CreateEntryWriter(ctx context.Context, key cache.Key) (cache.EntryWriter, error) {
	if _, ok := store.entries.Load(key); ok {
		return cache.NewDiscardEntryWriter(key), nil
	}

	return cache.NewBufferedEntryWriter(key, func(data []byte) error {
		now := store.clock()
		store.put(key, data, now, now)
		return nil
	}), nil
}

// put adds an entry unless the key is held already, returns true if added
func (store *HeapStore) put(key cache.Key, data []byte, lastModified time.Time, lastAccessed time.Time) bool {
	entry := &heapEntry{
		key:          key,
		data:         data,
		lastModified: lastModified,
	}
	entry.touch(lastAccessed)

	if _, loaded := store.entries.LoadOrStore(key, entry); loaded {
		return false
	}

	store.size.Add(int64(len(data)))
	store.count.Add(1)
	return true
}

func (store *HeapStore) remove(key cache.Key) bool {
	value, ok := store.entries.LoadAndDelete(key)
	if !ok {
		return false
	}

	entry := value.(*heapEntry)
	store.size.Add(-int64(len(entry.data)))
	store.count.Add(-1)
	return true
}

func (store *HeapStore) removeIf(filter func(entry *heapEntry) bool) int {
	deleted := 0
	store.entries.Range(func(key, value any) bool {
		entry := value.(*heapEntry)
		if filter(entry) && store.remove(entry.key) {
			deleted++
		}
		return true
	})
	return deleted
}

// DeleteEntry deletes the entry
func (store *HeapStore) DeleteEntry(ctx context.Context, key cache.Key) error {
	if !store.remove(key) {
		return cache.NewNotFoundError(key)
	}
	return nil
}

// DeleteAllEntriesForIdentifier deletes the info entry and all image entries of the identifier
func (store *HeapStore) DeleteAllEntriesForIdentifier(ctx context.Context, identifier types.Identifier) (int, error) {
	return store.removeIf(func(entry *heapEntry) bool {
		return entry.key.GetIdentifier() == identifier
	}), nil
}

// DeleteAllEntries deletes all entries
func (store *HeapStore) DeleteAllEntries(ctx context.Context) (int, error) {
	return store.removeIf(func(entry *heapEntry) bool {
		return true
	}), nil
}

// DeleteAllInfoEntries deletes all info entries
func (store *HeapStore) DeleteAllInfoEntries(ctx context.Context) (int, error) {
	return store.removeIf(func(entry *heapEntry) bool {
		return entry.key.IsInfo()
	}), nil
}

// DeleteExpiredEntries deletes entries not accessed since cutoff
func (store *HeapStore) DeleteExpiredEntries(ctx context.Context, cutoff time.Time) (int, error) {
	return store.removeIf(func(entry *heapEntry) bool {
		return entry.getLastAccessed().Before(cutoff)
	}), nil
}

// CleanUp does nothing, heap entries are published atomically
func (store *HeapStore) CleanUp(ctx context.Context) error {
	return nil
}

// EvictToSize removes least recently accessed entries until the size is at most targetSize
// returns the number of removed entries and bytes.
func (store *HeapStore) EvictToSize(targetSize int64) (int, int64) {
	logger := log.WithFields(log.Fields{
		"package":  "heap",
		"struct":   "HeapStore",
		"function": "EvictToSize",
	})

	excess := store.size.Load() - targetSize
	if excess <= 0 {
		return 0, 0
	}

	entries := store.snapshot()
	sort.Slice(entries, func(i int, j int) bool {
		return entries[i].lastAccessed.Load() < entries[j].lastAccessed.Load()
	})

	removedEntries := 0
	removedBytes := int64(0)
	for _, entry := range entries {
		if removedBytes >= excess {
			break
		}

		if store.remove(entry.key) {
			removedEntries++
			removedBytes += int64(len(entry.data))
		}
	}

	logger.Debugf("Evicted %d entries (%d bytes) to fit %d bytes", removedEntries, removedBytes, targetSize)
	return removedEntries, removedBytes
}

func (store *HeapStore) snapshot() []*heapEntry {
	entries := []*heapEntry{}
	store.entries.Range(func(key, value any) bool {
		entries = append(entries, value.(*heapEntry))
		return true
	})
	return entries
}
