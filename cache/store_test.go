package cache

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cyverse/imagecache-common/types"
	"golang.org/x/xerrors"
)

type testEntry struct {
	data     []byte
	modified time.Time
}

// testStore is a map based CacheStore with failure injection
type testStore struct {
	entries   map[Key]*testEntry
	touched   map[Key]int
	clock     func() time.Time
	readErr   error
	commitErr error
	mutex     sync.Mutex
}

func newTestStore(clock func() time.Time) *testStore {
	if clock == nil {
		clock = time.Now
	}

	return &testStore{
		entries: map[Key]*testEntry{},
		touched: map[Key]int{},
		clock:   clock,
	}
}

func (store *testStore) Release() {}

func (store *testStore) GetName() string {
	return "test"
}

func (store *testStore) IsAvailable(ctx context.Context) bool {
	return store.readErr == nil
}

func (store *testStore) ReadEntry(ctx context.Context, key Key) (io.ReadCloser, *EntryStat, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if store.readErr != nil {
		return nil, nil, store.readErr
	}

	entry, ok := store.entries[key]
	if !ok {
		return nil, nil, NewNotFoundError(key)
	}

	stat := &EntryStat{
		Key:          key,
		Size:         int64(len(entry.data)),
		LastModified: entry.modified,
	}
	return io.NopCloser(bytes.NewReader(entry.data)), stat, nil
}

func (store *testStore) CreateEntryWriter(ctx context.Context, key Key) (EntryWriter, error) {
	return NewBufferedEntryWriter(key, func(data []byte) error {
		store.mutex.Lock()
		defer store.mutex.Unlock()

		if store.commitErr != nil {
			return store.commitErr
		}

		copied := make([]byte, len(data))
		copy(copied, data)
		store.entries[key] = &testEntry{
			data:     copied,
			modified: store.clock(),
		}
		return nil
	}), nil
}

func (store *testStore) TouchEntry(ctx context.Context, key Key) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.touched[key]++
	return nil
}

func (store *testStore) DeleteEntry(ctx context.Context, key Key) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if _, ok := store.entries[key]; !ok {
		return NewNotFoundError(key)
	}
	delete(store.entries, key)
	return nil
}

func (store *testStore) DeleteAllEntriesForIdentifier(ctx context.Context, identifier types.Identifier) (int, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	prefix := ScopePrefixForIdentifier(identifier)
	infoKey := KeyForInfo(identifier)

	deleted := 0
	for key := range store.entries {
		if key == infoKey || strings.HasPrefix(key.String(), prefix) {
			delete(store.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

func (store *testStore) DeleteAllEntries(ctx context.Context) (int, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	deleted := len(store.entries)
	store.entries = map[Key]*testEntry{}
	return deleted, nil
}

func (store *testStore) DeleteAllInfoEntries(ctx context.Context) (int, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	deleted := 0
	for key := range store.entries {
		if key.IsInfo() {
			delete(store.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

func (store *testStore) DeleteExpiredEntries(ctx context.Context, cutoff time.Time) (int, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	deleted := 0
	for key, entry := range store.entries {
		if entry.modified.Before(cutoff) {
			delete(store.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

func (store *testStore) CleanUp(ctx context.Context) error {
	return nil
}

func (store *testStore) hasEntry(key Key) bool {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	_, ok := store.entries[key]
	return ok
}

func (store *testStore) getTouched(key Key) int {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	return store.touched[key]
}

var errTestCommit = xerrors.New("injected commit failure")
