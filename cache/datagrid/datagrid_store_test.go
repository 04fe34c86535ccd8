package datagrid

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyverse/imagecache-common/cache"
	"github.com/cyverse/imagecache-common/irods"
	"github.com/cyverse/imagecache-common/types"
	"github.com/cyverse/imagecache-common/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRootPath string = "/tempZone/home/rods/imagecache"
)

func TestDataGridStore(t *testing.T) {
	t.Run("test AsyncUploadRoundTrip", testAsyncUploadRoundTrip)
	t.Run("test InfoRoundTrip", testInfoRoundTrip)
	t.Run("test DataObjectPaths", testDataObjectPaths)
	t.Run("test IncompleteWriteNotUploaded", testIncompleteWriteNotUploaded)
	t.Run("test UploadFailureLeavesNothing", testUploadFailureLeavesNothing)
	t.Run("test ExpiredEntries", testExpiredEntries)
	t.Run("test PurgeIdentifier", testPurgeIdentifier)
	t.Run("test PurgeAll", testPurgeAll)
	t.Run("test CleanUp", testCleanUp)
	t.Run("test BackendUnavailable", testBackendUnavailable)
}

type testClock struct {
	now   time.Time
	mutex sync.Mutex
}

func newTestClock() *testClock {
	return &testClock{
		now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
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

func newTestClient() *irods.IRODSFSClientMemory {
	account := irods.NewIRODSAccount("localhost", 1247, "tempZone", "rods", "rods", "")
	return irods.NewIRODSFSClientMemory(account)
}

func newTestStore(t *testing.T, client irods.IRODSFSClient, executor worker.Executor, metrics cache.Metrics) *DataGridStore {
	store, err := NewDataGridStoreWithClient(client, testRootPath, "", executor, metrics)
	require.NoError(t, err)
	return store
}

func writeEntry(t *testing.T, store *DataGridStore, key cache.Key, data []byte) {
	writer, err := store.CreateEntryWriter(context.Background(), key)
	require.NoError(t, err)

	_, err = writer.Write(data)
	require.NoError(t, err)

	writer.SetComplete(true)
	require.NoError(t, writer.Close())
}

func readEntry(t *testing.T, store *DataGridStore, key cache.Key) ([]byte, bool) {
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

func newImageKey(identifier types.Identifier, operations string) cache.Key {
	return cache.NewImageKey(identifier, identifier.String()+"_"+operations, "png")
}

func countTempFiles(client *irods.IRODSFSClientMemory) int {
	count := 0
	for _, path := range client.GetPaths() {
		if strings.HasSuffix(path, tempFileSuffix) {
			count++
		}
	}
	return count
}

func testAsyncUploadRoundTrip(t *testing.T) {
	pool := worker.NewPool(2)
	defer pool.Stop()

	client := newTestClient()
	store := newTestStore(t, client, pool, nil)
	key := newImageKey("cats.jpg", "full_max_0_default")

	// larger than a read block
	payload := []byte(strings.Repeat("0123456789", readBlockSize/5))
	writeEntry(t, store, key, payload)
	pool.Flush()

	data, found := readEntry(t, store, key)
	assert.True(t, found)
	assert.Equal(t, payload, data)
	assert.Equal(t, 0, countTempFiles(client))
}

func testInfoRoundTrip(t *testing.T) {
	store := newTestStore(t, newTestClient(), nil, nil)
	key := cache.KeyForInfo("cats.jpg")

	_, found := readEntry(t, store, key)
	assert.False(t, found)

	writeEntry(t, store, key, []byte(`{"identifier":"cats.jpg"}`))

	data, found := readEntry(t, store, key)
	assert.True(t, found)
	assert.Equal(t, []byte(`{"identifier":"cats.jpg"}`), data)
}

func testDataObjectPaths(t *testing.T) {
	store := newTestStore(t, newTestClient(), nil, nil)

	infoKey := cache.KeyForInfo("cats.jpg")
	assert.Equal(t, testRootPath+"/info/"+infoKey.GetIdentifierHash()+".json", store.GetDataObjectPath(infoKey))

	imageKey := newImageKey("cats.jpg", "full_max_0_default")
	assert.Equal(t, testRootPath+"/image/"+imageKey.GetIdentifierHash()+"/"+imageKey.GetOperationsHash()+".png", store.GetDataObjectPath(imageKey))
}

func testIncompleteWriteNotUploaded(t *testing.T) {
	client := newTestClient()
	store := newTestStore(t, client, nil, nil)
	key := newImageKey("cats.jpg", "full_max_0_default")

	writer, err := store.CreateEntryWriter(context.Background(), key)
	require.NoError(t, err)

	_, err = writer.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	_, found := readEntry(t, store, key)
	assert.False(t, found)
	assert.Empty(t, client.GetPaths())
}

func testUploadFailureLeavesNothing(t *testing.T) {
	client := newTestClient()
	metrics := newTestMetrics()
	store := newTestStore(t, client, nil, metrics)
	key := newImageKey("cats.jpg", "full_max_0_default")

	writer, err := store.CreateEntryWriter(context.Background(), key)
	require.NoError(t, err)

	_, err = writer.Write([]byte("derivative"))
	require.NoError(t, err)
	writer.SetComplete(true)

	client.SetDown(true)
	assert.NoError(t, writer.Close())
	client.SetDown(false)

	assert.Equal(t, 1, metrics.getDrops(cache.DropAsyncFailure))

	_, found := readEntry(t, store, key)
	assert.False(t, found)
}

func testExpiredEntries(t *testing.T) {
	client := newTestClient()
	clock := newTestClock()
	client.SetClock(clock.Now)

	store := newTestStore(t, client, nil, nil)

	oldKey := newImageKey("cats.jpg", "full_max_0_default")
	writeEntry(t, store, oldKey, []byte("old"))
	writeEntry(t, store, cache.KeyForInfo("cats.jpg"), []byte("{}"))

	clock.Advance(2 * time.Hour)

	newKey := newImageKey("cats.jpg", "square_max_0_default")
	writeEntry(t, store, newKey, []byte("new"))

	deleted, err := store.DeleteExpiredEntries(context.Background(), clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, found := readEntry(t, store, oldKey)
	assert.False(t, found)

	_, found = readEntry(t, store, newKey)
	assert.True(t, found)
}

func testPurgeIdentifier(t *testing.T) {
	client := newTestClient()
	store := newTestStore(t, client, nil, nil)

	writeEntry(t, store, newImageKey("cats.jpg", "full_max_0_default"), []byte("a"))
	writeEntry(t, store, newImageKey("cats.jpg", "square_max_0_default"), []byte("b"))
	writeEntry(t, store, cache.KeyForInfo("cats.jpg"), []byte("{}"))
	writeEntry(t, store, newImageKey("dogs.jpg", "full_max_0_default"), []byte("c"))

	deleted, err := store.DeleteAllEntriesForIdentifier(context.Background(), "cats.jpg")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	assert.False(t, client.ExistsDir(store.getIdentifierCollectionPath("cats.jpg")))

	_, found := readEntry(t, store, newImageKey("dogs.jpg", "full_max_0_default"))
	assert.True(t, found)
}

func testPurgeAll(t *testing.T) {
	store := newTestStore(t, newTestClient(), nil, nil)

	writeEntry(t, store, newImageKey("cats.jpg", "full_max_0_default"), []byte("a"))
	writeEntry(t, store, newImageKey("dogs.jpg", "full_max_0_default"), []byte("b"))
	writeEntry(t, store, cache.KeyForInfo("cats.jpg"), []byte("{}"))

	deleted, err := store.DeleteAllInfoEntries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	deleted, err = store.DeleteAllEntries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, found := readEntry(t, store, newImageKey("cats.jpg", "full_max_0_default"))
	assert.False(t, found)
}

func testCleanUp(t *testing.T) {
	client := newTestClient()
	clock := newTestClock()
	client.SetClock(clock.Now)

	store := newTestStore(t, client, nil, nil)
	store.clock = clock.Now

	key := newImageKey("cats.jpg", "full_max_0_default")
	writeEntry(t, store, key, []byte("a"))

	// orphan of an interrupted upload
	orphanPath := store.GetDataObjectPath(newImageKey("dogs.jpg", "full_max_0_default")) + ".orphan" + tempFileSuffix
	require.NoError(t, client.MakeDir(store.getIdentifierCollectionPath("dogs.jpg"), true))
	handle, err := client.CreateFile(orphanPath, "", "w")
	require.NoError(t, err)
	_, err = handle.WriteAt([]byte("partial"), 0)
	require.NoError(t, err)
	require.NoError(t, handle.Close())

	require.NoError(t, store.CleanUp(context.Background()))
	assert.True(t, client.ExistsFile(orphanPath))

	clock.Advance(orphanTempFileAge + time.Minute)

	require.NoError(t, store.CleanUp(context.Background()))
	assert.False(t, client.ExistsFile(orphanPath))
	assert.False(t, client.ExistsDir(store.getIdentifierCollectionPath("dogs.jpg")))

	_, found := readEntry(t, store, key)
	assert.True(t, found)
}

func testBackendUnavailable(t *testing.T) {
	client := newTestClient()
	store := newTestStore(t, client, nil, nil)
	key := newImageKey("cats.jpg", "full_max_0_default")

	client.SetDown(true)
	defer client.SetDown(false)

	assert.False(t, store.IsAvailable(context.Background()))

	_, _, err := store.ReadEntry(context.Background(), key)
	require.Error(t, err)
	assert.False(t, cache.IsNotFoundError(err))
	assert.True(t, cache.IsBackendUnavailableError(err))

	_, err = store.DeleteAllEntriesForIdentifier(context.Background(), "cats.jpg")
	assert.True(t, cache.IsBackendUnavailableError(err))
}
