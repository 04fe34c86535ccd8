package filesystem

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cyverse/imagecache-common/cache"
	"github.com/cyverse/imagecache-common/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemStore(t *testing.T) {
	t.Run("test ImageRoundTrip", testImageRoundTrip)
	t.Run("test InfoRoundTrip", testInfoRoundTrip)
	t.Run("test ConcurrentWriters", testConcurrentWriters)
	t.Run("test IncompleteWriteLeavesNothing", testIncompleteWriteLeavesNothing)
	t.Run("test CleanUpTempFiles", testCleanUpTempFiles)
	t.Run("test CleanUpSharedRoot", testCleanUpSharedRoot)
	t.Run("test ExpiredEntries", testExpiredEntries)
	t.Run("test PurgeIdentifier", testPurgeIdentifier)
	t.Run("test PurgeAll", testPurgeAll)
	t.Run("test ZeroByteEntryIsAbsent", testZeroByteEntryIsAbsent)
}

func newTestCache(t *testing.T, ttl time.Duration) (*cache.DerivativeCache, *FilesystemStore) {
	store, err := NewFilesystemStore(t.TempDir(), 2, 2)
	require.NoError(t, err)

	return cache.NewDerivativeCache(store, cache.NewInvalidationPolicy(ttl), nil, nil), store
}

func newTestOpList(identifier types.Identifier, percent float64) *types.OperationList {
	return types.NewOperationList(identifier, &types.Scale{Percent: percent}, &types.Encode{Format: types.FormatPNG})
}

func writeImage(t *testing.T, derivativeCache *cache.DerivativeCache, opList *types.OperationList, data []byte) {
	writer, err := derivativeCache.NewDerivativeImageWriter(context.Background(), opList)
	require.NoError(t, err)

	_, err = writer.Write(data)
	require.NoError(t, err)

	writer.SetComplete(true)
	require.NoError(t, writer.Close())
}

func readImage(t *testing.T, derivativeCache *cache.DerivativeCache, opList *types.OperationList) ([]byte, bool) {
	reader, ok, err := derivativeCache.NewDerivativeImageReader(context.Background(), opList)
	require.NoError(t, err)
	if !ok {
		return nil, false
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	return data, true
}

func listFiles(t *testing.T, dirPath string) []string {
	files := []string{}
	err := filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func countTempFiles(files []string) int {
	count := 0
	for _, file := range files {
		if strings.HasSuffix(file, tempFileSuffix) {
			count++
		}
	}
	return count
}

func newTestInfo(identifier types.Identifier) *types.Info {
	return &types.Info{
		Identifier:     identifier,
		MediaType:      "image/jpeg",
		NumResolutions: 1,
		Images: []types.InfoImage{
			{Width: 640, Height: 480, TileWidth: 256, TileHeight: 256},
		},
	}
}

func testImageRoundTrip(t *testing.T) {
	derivativeCache, store := newTestCache(t, 0)
	opList := newTestOpList("cats.jpg", 50)

	_, ok := readImage(t, derivativeCache, opList)
	assert.False(t, ok)

	writeImage(t, derivativeCache, opList, []byte("png bytes"))

	data, ok := readImage(t, derivativeCache, opList)
	assert.True(t, ok)
	assert.Equal(t, []byte("png bytes"), data)

	entryPath := store.GetEntryPath(cache.KeyForImage(opList))
	assert.True(t, strings.HasPrefix(entryPath, filepath.Join(store.GetRootPath(), imageDirName)))
	assert.True(t, strings.HasSuffix(entryPath, ".png"))
	assert.FileExists(t, entryPath)
}

func testInfoRoundTrip(t *testing.T) {
	derivativeCache, store := newTestCache(t, 0)
	ctx := context.Background()

	_, ok, err := derivativeCache.GetInfo(ctx, "cats.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, derivativeCache.PutInfo(ctx, "cats.jpg", newTestInfo("cats.jpg")))

	info, ok, err := derivativeCache.GetInfo(ctx, "cats.jpg")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 640, info.Images[0].Width)

	assert.FileExists(t, store.GetEntryPath(cache.KeyForInfo("cats.jpg")))
}

func testConcurrentWriters(t *testing.T) {
	derivativeCache, store := newTestCache(t, 0)
	ctx := context.Background()
	opList := newTestOpList("dogs.jpg", 25)

	first, err := derivativeCache.NewDerivativeImageWriter(ctx, opList)
	require.NoError(t, err)

	second, err := derivativeCache.NewDerivativeImageWriter(ctx, opList)
	require.NoError(t, err)

	_, err = first.Write([]byte("first"))
	require.NoError(t, err)
	_, err = second.Write([]byte("second"))
	require.NoError(t, err)

	// only one temp file exists for the key
	assert.Equal(t, 1, countTempFiles(listFiles(t, store.GetRootPath())))

	second.SetComplete(true)
	require.NoError(t, second.Close())

	_, ok := readImage(t, derivativeCache, opList)
	assert.False(t, ok)

	first.SetComplete(true)
	require.NoError(t, first.Close())

	data, ok := readImage(t, derivativeCache, opList)
	assert.True(t, ok)
	assert.Equal(t, []byte("first"), data)

	assert.Equal(t, 0, countTempFiles(listFiles(t, store.GetRootPath())))
}

func testIncompleteWriteLeavesNothing(t *testing.T) {
	derivativeCache, store := newTestCache(t, 0)
	opList := newTestOpList("birds.jpg", 10)

	writer, err := derivativeCache.NewDerivativeImageWriter(context.Background(), opList)
	require.NoError(t, err)

	_, err = writer.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	_, ok := readImage(t, derivativeCache, opList)
	assert.False(t, ok)
	assert.Empty(t, listFiles(t, store.GetRootPath()))

	// the lease is released, so the next write is real
	writeImage(t, derivativeCache, opList, []byte("whole"))
	data, ok := readImage(t, derivativeCache, opList)
	assert.True(t, ok)
	assert.Equal(t, []byte("whole"), data)
}

func testCleanUpTempFiles(t *testing.T) {
	derivativeCache, store := newTestCache(t, 0)
	ctx := context.Background()

	active, err := derivativeCache.NewDerivativeImageWriter(ctx, newTestOpList("fish.jpg", 10))
	require.NoError(t, err)
	_, err = active.Write([]byte("in flight"))
	require.NoError(t, err)

	orphanDir := filepath.Join(store.GetRootPath(), imageDirName, "ab", "cd")
	require.NoError(t, os.MkdirAll(orphanDir, 0777))
	orphanTemp := filepath.Join(orphanDir, "orphan.jpg.abc"+tempFileSuffix)
	require.NoError(t, os.WriteFile(orphanTemp, []byte("junk"), 0666))
	zeroByte := filepath.Join(orphanDir, "empty.jpg")
	require.NoError(t, os.WriteFile(zeroByte, []byte{}, 0666))

	require.NoError(t, derivativeCache.CleanUp(ctx))

	assert.NoFileExists(t, orphanTemp)
	assert.NoFileExists(t, zeroByte)
	assert.NoDirExists(t, orphanDir)
	assert.Equal(t, 1, countTempFiles(listFiles(t, store.GetRootPath())))

	active.SetComplete(true)
	require.NoError(t, active.Close())

	data, ok := readImage(t, derivativeCache, newTestOpList("fish.jpg", 10))
	assert.True(t, ok)
	assert.Equal(t, []byte("in flight"), data)
}

func testCleanUpSharedRoot(t *testing.T) {
	derivativeCache, store := newTestCache(t, 0)
	ctx := context.Background()

	sourceCache, err := NewSourceCache(store.GetRootPath(), 2, 2, cache.NewInvalidationPolicy(0))
	require.NoError(t, err)

	writer, err := sourceCache.NewSourceImageWriter(ctx, "shared.tif")
	require.NoError(t, err)
	_, err = writer.Write([]byte("tiff bytes"))
	require.NoError(t, err)

	// temp files under the source dir belong to the source cache
	sourceTemp := filepath.Join(sourceCache.getSourceDirPath(), "other.tif.abc"+tempFileSuffix)
	require.NoError(t, os.WriteFile(sourceTemp, []byte("junk"), 0666))

	require.NoError(t, derivativeCache.CleanUp(ctx))
	assert.FileExists(t, sourceTemp)

	writer.SetComplete(true)
	require.NoError(t, writer.Close())

	sourcePath, ok, err := sourceCache.GetSourceImageFile(ctx, "shared.tif")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := os.ReadFile(sourcePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("tiff bytes"), data)
}

func testExpiredEntries(t *testing.T) {
	derivativeCache, store := newTestCache(t, time.Hour)
	ctx := context.Background()

	oldOpList := newTestOpList("old.jpg", 50)
	newOpList := newTestOpList("new.jpg", 50)
	writeImage(t, derivativeCache, oldOpList, []byte("old"))
	writeImage(t, derivativeCache, newOpList, []byte("new"))

	oldPath := store.GetEntryPath(cache.KeyForImage(oldOpList))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	// lazy on read
	_, ok := readImage(t, derivativeCache, oldOpList)
	assert.False(t, ok)
	assert.NoFileExists(t, oldPath)

	writeImage(t, derivativeCache, oldOpList, []byte("old"))
	require.NoError(t, os.Chtimes(oldPath, past, past))

	// eager sweep
	deleted, err := derivativeCache.PurgeInvalid(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	data, ok := readImage(t, derivativeCache, newOpList)
	assert.True(t, ok)
	assert.Equal(t, []byte("new"), data)
}

func testPurgeIdentifier(t *testing.T) {
	derivativeCache, store := newTestCache(t, 0)
	ctx := context.Background()

	writeImage(t, derivativeCache, newTestOpList("a.jpg", 10), []byte("a10"))
	writeImage(t, derivativeCache, newTestOpList("a.jpg", 20), []byte("a20"))
	writeImage(t, derivativeCache, newTestOpList("b.jpg", 10), []byte("b10"))
	require.NoError(t, derivativeCache.PutInfo(ctx, "a.jpg", newTestInfo("a.jpg")))
	require.NoError(t, derivativeCache.PutInfo(ctx, "b.jpg", newTestInfo("b.jpg")))

	require.NoError(t, derivativeCache.PurgeIdentifier(ctx, "a.jpg"))

	_, ok := readImage(t, derivativeCache, newTestOpList("a.jpg", 10))
	assert.False(t, ok)
	_, ok = readImage(t, derivativeCache, newTestOpList("a.jpg", 20))
	assert.False(t, ok)
	_, ok, err := derivativeCache.GetInfo(ctx, "a.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok = readImage(t, derivativeCache, newTestOpList("b.jpg", 10))
	assert.True(t, ok)
	_, ok, err = derivativeCache.GetInfo(ctx, "b.jpg")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NoDirExists(t, store.getIdentifierImageDirPath("a.jpg"))
}

func testPurgeAll(t *testing.T) {
	derivativeCache, store := newTestCache(t, 0)
	ctx := context.Background()

	writeImage(t, derivativeCache, newTestOpList("a.jpg", 10), []byte("a10"))
	writeImage(t, derivativeCache, newTestOpList("b.jpg", 10), []byte("b10"))
	require.NoError(t, derivativeCache.PutInfo(ctx, "a.jpg", newTestInfo("a.jpg")))

	require.NoError(t, derivativeCache.PurgeInfos(ctx))
	_, ok, err := derivativeCache.GetInfo(ctx, "a.jpg")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok = readImage(t, derivativeCache, newTestOpList("a.jpg", 10))
	assert.True(t, ok)

	require.NoError(t, derivativeCache.Purge(ctx))
	assert.Empty(t, listFiles(t, store.GetRootPath()))
	assert.DirExists(t, filepath.Join(store.GetRootPath(), imageDirName))
}

func testZeroByteEntryIsAbsent(t *testing.T) {
	derivativeCache, store := newTestCache(t, 0)
	opList := newTestOpList("zero.jpg", 10)

	entryPath := store.GetEntryPath(cache.KeyForImage(opList))
	require.NoError(t, os.MkdirAll(filepath.Dir(entryPath), 0777))
	require.NoError(t, os.WriteFile(entryPath, []byte{}, 0666))

	_, ok := readImage(t, derivativeCache, opList)
	assert.False(t, ok)
}
