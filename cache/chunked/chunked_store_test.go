package chunked

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cyverse/imagecache-common/cache"
	"github.com/cyverse/imagecache-common/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const (
	testChunkBytes int = 16
	testMaxChunks  int = 3
)

func TestChunkedStore(t *testing.T) {
	t.Run("test SmallPayloadRoundTrip", testSmallPayloadRoundTrip)
	t.Run("test ChunkingBoundary", testChunkingBoundary)
	t.Run("test ChunkedRoundTripProperty", testChunkedRoundTripProperty)
	t.Run("test MissingChunkFailsRead", testMissingChunkFailsRead)
	t.Run("test OverwriteRemovesOldChunks", testOverwriteRemovesOldChunks)
	t.Run("test TouchRefreshesModified", testTouchRefreshesModified)
	t.Run("test ExpiredEntries", testExpiredEntries)
	t.Run("test PurgeIdentifier", testPurgeIdentifier)
	t.Run("test CleanUpOrphanChunks", testCleanUpOrphanChunks)
	t.Run("test BackendUnavailable", testBackendUnavailable)
}

type testMetrics struct {
	cache.NopMetrics
	drops map[cache.DropReason]int
	mutex sync.Mutex
}

func newTestMetrics() *testMetrics {
	return &testMetrics{
		drops: map[cache.DropReason]int{},
	}
}

func (metrics *testMetrics) Drop(tier string, reason cache.DropReason) {
	metrics.mutex.Lock()
	defer metrics.mutex.Unlock()

	metrics.drops[reason]++
}

func (metrics *testMetrics) getDrops(reason cache.DropReason) int {
	metrics.mutex.Lock()
	defer metrics.mutex.Unlock()

	return metrics.drops[reason]
}

type testClock struct {
	now   time.Time
	mutex sync.Mutex
}

func (clock *testClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()

	return clock.now
}

func (clock *testClock) Advance(d time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()

	clock.now = clock.now.Add(d)
}

func newTestStore(t *testing.T, metrics cache.Metrics) (*miniredis.Miniredis, *ChunkedStore) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		client.Close()
	})

	store, err := NewChunkedStoreWithClient(client, "test", testChunkBytes, testMaxChunks, metrics)
	require.NoError(t, err)
	return mr, store
}

func newTestKey(identifier types.Identifier, percent float64) cache.Key {
	return cache.KeyForImage(types.NewOperationList(identifier, &types.Scale{Percent: percent}, &types.Encode{Format: types.FormatJPEG}))
}

func writeEntry(t require.TestingT, store *ChunkedStore, key cache.Key, data []byte) {
	writer, err := store.CreateEntryWriter(context.Background(), key)
	require.NoError(t, err)

	_, err = writer.Write(data)
	require.NoError(t, err)

	writer.SetComplete(true)
	require.NoError(t, writer.Close())
}

func readEntry(t require.TestingT, store *ChunkedStore, key cache.Key) ([]byte, bool) {
	reader, _, err := store.ReadEntry(context.Background(), key)
	if cache.IsNotFoundError(err) {
		return nil, false
	}
	require.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	return data, true
}

func countKeys(mr *miniredis.Miniredis, prefix string) int {
	count := 0
	for _, key := range mr.Keys() {
		if strings.HasPrefix(key, prefix) {
			count++
		}
	}
	return count
}

func testSmallPayloadRoundTrip(t *testing.T) {
	mr, store := newTestStore(t, nil)
	key := newTestKey("cats.jpg", 50)

	_, ok := readEntry(t, store, key)
	assert.False(t, ok)

	writeEntry(t, store, key, []byte("small"))

	data, ok := readEntry(t, store, key)
	assert.True(t, ok)
	assert.Equal(t, []byte("small"), data)

	assert.Equal(t, 1, len(mr.Keys()))
	assert.Equal(t, 0, countKeys(mr, store.getChunkKeyPrefix()))
	assert.Equal(t, "cats.jpg", mr.HGet(store.getItemKey(key), fieldIdentifier))
}

func testChunkingBoundary(t *testing.T) {
	metrics := newTestMetrics()
	mr, store := newTestStore(t, metrics)

	// exactly two chunks
	twoChunks := bytes.Repeat([]byte("x"), testChunkBytes*2)
	key := newTestKey("two.jpg", 50)
	writeEntry(t, store, key, twoChunks)

	assert.Equal(t, 2, countKeys(mr, store.getChunkKeyPrefix()))
	assert.Equal(t, 3, len(mr.Keys()))

	data, ok := readEntry(t, store, key)
	assert.True(t, ok)
	assert.Equal(t, twoChunks, data)

	// the largest storable payload
	largest := bytes.Repeat([]byte("y"), testChunkBytes*testMaxChunks)
	largestKey := newTestKey("largest.jpg", 50)
	writeEntry(t, store, largestKey, largest)

	data, ok = readEntry(t, store, largestKey)
	assert.True(t, ok)
	assert.Equal(t, largest, data)

	// one byte over is dropped, the write path still completes
	tooLarge := bytes.Repeat([]byte("z"), testChunkBytes*testMaxChunks+1)
	tooLargeKey := newTestKey("toolarge.jpg", 50)
	writeEntry(t, store, tooLargeKey, tooLarge)

	_, ok = readEntry(t, store, tooLargeKey)
	assert.False(t, ok)
	assert.Equal(t, 1, metrics.getDrops(cache.DropCapacityExceeded))

	err := store.put(context.Background(), tooLargeKey, tooLarge)
	assert.True(t, cache.IsCapacityExceededError(err))
}

func testChunkedRoundTripProperty(t *testing.T) {
	_, store := newTestStore(t, nil)
	key := newTestKey("property.jpg", 50)

	rapid.Check(t, func(rt *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 1, testChunkBytes*testMaxChunks).Draw(rt, "data")

		writeEntry(rt, store, key, data)

		read, ok := readEntry(rt, store, key)
		if !ok {
			rt.Fatalf("entry of %d bytes is missing", len(data))
		}

		if !bytes.Equal(data, read) {
			rt.Fatalf("read %d bytes, wrote %d bytes", len(read), len(data))
		}
	})
}

func testMissingChunkFailsRead(t *testing.T) {
	mr, store := newTestStore(t, nil)
	opList := types.NewOperationList("broken.jpg", &types.Scale{Percent: 50})
	key := cache.KeyForImage(opList)

	writeEntry(t, store, key, bytes.Repeat([]byte("x"), testChunkBytes*2))

	directory := mr.HGet(store.getItemKey(key), fieldDirectory)
	chunkKeys := splitDirectory(directory)
	require.Len(t, chunkKeys, 2)
	mr.Del(chunkKeys[1])

	_, _, err := store.ReadEntry(context.Background(), key)
	require.Error(t, err)
	assert.ErrorIs(t, err, cache.ErrCorruptEntry)

	derivativeCache := cache.NewDerivativeCache(store, nil, nil, nil)
	_, ok, err := derivativeCache.NewDerivativeImageReader(context.Background(), opList)
	assert.Error(t, err)
	assert.False(t, ok)
}

func testOverwriteRemovesOldChunks(t *testing.T) {
	mr, store := newTestStore(t, nil)
	key := newTestKey("over.jpg", 50)

	writeEntry(t, store, key, bytes.Repeat([]byte("a"), testChunkBytes*3))
	assert.Equal(t, 3, countKeys(mr, store.getChunkKeyPrefix()))

	writeEntry(t, store, key, []byte("short"))
	assert.Equal(t, 0, countKeys(mr, store.getChunkKeyPrefix()))

	data, ok := readEntry(t, store, key)
	assert.True(t, ok)
	assert.Equal(t, []byte("short"), data)
}

func testTouchRefreshesModified(t *testing.T) {
	mr, store := newTestStore(t, nil)
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)

	key := newTestKey("touch.jpg", 50)
	writeEntry(t, store, key, bytes.Repeat([]byte("t"), testChunkBytes*2))

	_, stat, err := store.ReadEntry(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().UnixMilli(), stat.LastModified.UnixMilli())

	clock.Advance(time.Hour)
	require.NoError(t, store.TouchEntry(context.Background(), key))

	_, stat, err = store.ReadEntry(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().UnixMilli(), stat.LastModified.UnixMilli())

	for _, chunkKey := range splitDirectory(mr.HGet(store.getItemKey(key), fieldDirectory)) {
		assert.Equal(t, mr.HGet(store.getItemKey(key), fieldModified), mr.HGet(chunkKey, fieldModified))
	}

	err = store.TouchEntry(context.Background(), newTestKey("absent.jpg", 50))
	assert.True(t, cache.IsNotFoundError(err))
}

func testExpiredEntries(t *testing.T) {
	mr, store := newTestStore(t, nil)
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)

	policy := cache.NewInvalidationPolicyWithClock(time.Hour, clock.Now)
	derivativeCache := cache.NewDerivativeCache(store, policy, nil, nil)

	oldKey := newTestKey("old.jpg", 50)
	writeEntry(t, store, oldKey, bytes.Repeat([]byte("o"), testChunkBytes*2))

	clock.Advance(2 * time.Hour)
	newKey := newTestKey("new.jpg", 50)
	writeEntry(t, store, newKey, []byte("new"))

	deleted, err := derivativeCache.PurgeInvalid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, ok := readEntry(t, store, oldKey)
	assert.False(t, ok)
	_, ok = readEntry(t, store, newKey)
	assert.True(t, ok)
	assert.Equal(t, 0, countKeys(mr, store.getChunkKeyPrefix()))
}

func testPurgeIdentifier(t *testing.T) {
	mr, store := newTestStore(t, nil)
	ctx := context.Background()

	writeEntry(t, store, newTestKey("a.jpg", 10), []byte("a10"))
	writeEntry(t, store, newTestKey("a.jpg", 20), bytes.Repeat([]byte("a"), testChunkBytes*2))
	writeEntry(t, store, cache.KeyForInfo("a.jpg"), []byte("{}"))
	writeEntry(t, store, newTestKey("b.jpg", 10), []byte("b10"))

	deleted, err := store.DeleteAllEntriesForIdentifier(ctx, "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	assert.Equal(t, 1, len(mr.Keys()))

	_, ok := readEntry(t, store, newTestKey("b.jpg", 10))
	assert.True(t, ok)

	writeEntry(t, store, cache.KeyForInfo("b.jpg"), []byte("{}"))
	deleted, err = store.DeleteAllInfoEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	deleted, err = store.DeleteAllEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Empty(t, mr.Keys())
}

func testCleanUpOrphanChunks(t *testing.T) {
	mr, store := newTestStore(t, nil)
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)

	key := newTestKey("kept.jpg", 50)
	writeEntry(t, store, key, bytes.Repeat([]byte("k"), testChunkBytes*2))

	orphanKey := store.newChunkKey()
	mr.HSet(orphanKey, fieldData, "orphan", fieldModified, "1")

	freshKey := store.newChunkKey()
	mr.HSet(freshKey, fieldData, "fresh", fieldModified, "1")

	clock.Advance(time.Hour)
	// written by an in-flight put, its manifest is not there yet
	mr.HSet(freshKey, fieldModified, strconvMillis(clock.Now()))

	require.NoError(t, store.CleanUp(context.Background()))

	assert.False(t, mr.Exists(orphanKey))
	assert.True(t, mr.Exists(freshKey))

	data, ok := readEntry(t, store, key)
	assert.True(t, ok)
	assert.Equal(t, bytes.Repeat([]byte("k"), testChunkBytes*2), data)
}

func testBackendUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	defer client.Close()

	store, err := NewChunkedStoreWithClient(client, "test", testChunkBytes, testMaxChunks, nil)
	require.NoError(t, err)
	assert.True(t, store.IsAvailable(context.Background()))

	mr.Close()

	assert.False(t, store.IsAvailable(context.Background()))

	_, _, err = store.ReadEntry(context.Background(), newTestKey("down.jpg", 50))
	require.Error(t, err)
	assert.True(t, cache.IsBackendUnavailableError(err))
}

func strconvMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
