package filesystem

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cyverse/imagecache-common/cache"
	"github.com/cyverse/imagecache-common/types"
	"github.com/cyverse/imagecache-common/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	// StoreName is the registry name of the filesystem store
	StoreName string = "filesystem"

	imageDirName string = "image"
	infoDirName  string = "info"

	// DefaultDirectoryDepth is the default number of hashed sub-directory levels
	DefaultDirectoryDepth int = 3
	// DefaultDirectoryNameLength is the default length of a hashed sub-directory name
	DefaultDirectoryNameLength int = 2
)

// FilesystemStore implements cache.CacheStore with plain files
type FilesystemStore struct {
	rootPath            string
	directoryDepth      int
	directoryNameLength int
	infoLocks           *keyedRWMutex
	tempFiles           *tempFileRegistry
}

// NewFilesystemStore creates a new FilesystemStore
func NewFilesystemStore(rootPath string, directoryDepth int, directoryNameLength int) (*FilesystemStore, error) {
	if len(rootPath) == 0 {
		return nil, xerrors.Errorf("root path for filesystem store is not given")
	}

	if directoryDepth < 0 {
		directoryDepth = DefaultDirectoryDepth
	}

	if directoryNameLength <= 0 {
		directoryNameLength = DefaultDirectoryNameLength
	}

	for _, dirName := range []string{imageDirName, infoDirName} {
		dirPath := utils.JoinPath(rootPath, dirName)
		err := os.MkdirAll(dirPath, 0777)
		if err != nil {
			return nil, xerrors.Errorf("failed to make dir %s: %w", dirPath, err)
		}
	}

	return &FilesystemStore{
		rootPath:            rootPath,
		directoryDepth:      directoryDepth,
		directoryNameLength: directoryNameLength,
		infoLocks:           newKeyedRWMutex(),
		tempFiles:           &tempFileRegistry{},
	}, nil
}

// Release releases resources, files are kept
func (store *FilesystemStore) Release() {
}

// GetName returns the store name
func (store *FilesystemStore) GetName() string {
	return StoreName
}

// GetRootPath returns root path
func (store *FilesystemStore) GetRootPath() string {
	return store.rootPath
}

// IsAvailable checks if the root dir exists
func (store *FilesystemStore) IsAvailable(ctx context.Context) bool {
	st, err := os.Stat(store.rootPath)
	if err != nil {
		return false
	}
	return st.IsDir()
}

// GetEntryPath returns the file path of the entry
func (store *FilesystemStore) GetEntryPath(key cache.Key) string {
	idHash := key.GetIdentifierHash()
	fanout := utils.MakeFanOutPath(idHash, store.directoryDepth, store.directoryNameLength)

	if key.IsInfo() {
		return filepath.Join(store.rootPath, infoDirName, fanout, idHash+".json")
	}

	filename := key.GetOperationsHash()
	if ext := key.GetExtension(); len(ext) > 0 {
		filename += "." + ext
	}
	return filepath.Join(store.getIdentifierImageDirPath(key.GetIdentifier()), filename)
}

func (store *FilesystemStore) getIdentifierImageDirPath(identifier types.Identifier) string {
	idHash := utils.MakeMD5Hash(identifier.String())
	fanout := utils.MakeFanOutPath(idHash, store.directoryDepth, store.directoryNameLength)
	return filepath.Join(store.rootPath, imageDirName, fanout, idHash)
}

// ReadEntry returns a reader of the entry
func (store *FilesystemStore) ReadEntry(ctx context.Context, key cache.Key) (io.ReadCloser, *cache.EntryStat, error) {
	logger := log.WithFields(log.Fields{
		"package":  "filesystem",
		"struct":   "FilesystemStore",
		"function": "ReadEntry",
	})

	defer utils.StackTraceFromPanic(logger)

	entryPath := store.GetEntryPath(key)

	if key.IsInfo() {
		unlock := store.infoLocks.RLock(key.GetIdentifier().String())
		defer unlock()

		st, err := store.statEntryFile(key, entryPath)
		if err != nil {
			return nil, nil, err
		}

		data, err := os.ReadFile(entryPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil, cache.NewNotFoundError(key)
			}
			return nil, nil, xerrors.Errorf("failed to read info file %s: %w", entryPath, err)
		}
		return io.NopCloser(bytes.NewReader(data)), st, nil
	}

	st, err := store.statEntryFile(key, entryPath)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(entryPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, cache.NewNotFoundError(key)
		}
		return nil, nil, xerrors.Errorf("failed to open image file %s: %w", entryPath, err)
	}
	return f, st, nil
}

func (store *FilesystemStore) statEntryFile(key cache.Key, entryPath string) (*cache.EntryStat, error) {
	st, err := os.Stat(entryPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cache.NewNotFoundError(key)
		}
		return nil, xerrors.Errorf("failed to stat %s: %w", entryPath, err)
	}

	// zero-byte files are detritus
	if st.Size() == 0 {
		return nil, cache.NewNotFoundError(key)
	}

	return &cache.EntryStat{
		Key:          key,
		Size:         st.Size(),
		LastModified: st.ModTime(),
	}, nil
}

// CreateEntryWriter returns a writer to a temp file which is renamed into place on a complete Close
func (store *FilesystemStore) CreateEntryWriter(ctx context.Context, key cache.Key) (cache.EntryWriter, error) {
	logger := log.WithFields(log.Fields{
		"package":  "filesystem",
		"struct":   "FilesystemStore",
		"function": "CreateEntryWriter",
	})

	defer utils.StackTraceFromPanic(logger)

	publish := renameIntoPlace
	if key.IsInfo() {
		identifier := key.GetIdentifier().String()
		publish = func(tempPath string, finalPath string) error {
			unlock := store.infoLocks.Lock(identifier)
			defer unlock()

			return renameIntoPlace(tempPath, finalPath)
		}
	}

	return newFileEntryWriter(key, store.GetEntryPath(key), store.tempFiles, publish)
}

// DeleteEntry deletes the entry
func (store *FilesystemStore) DeleteEntry(ctx context.Context, key cache.Key) error {
	entryPath := store.GetEntryPath(key)

	if key.IsInfo() {
		unlock := store.infoLocks.Lock(key.GetIdentifier().String())
		defer unlock()
	}

	err := os.Remove(entryPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cache.NewNotFoundError(key)
		}
		return xerrors.Errorf("failed to remove %s: %w", entryPath, err)
	}
	return nil
}

// DeleteAllEntriesForIdentifier deletes the info file and the image dir of the identifier
func (store *FilesystemStore) DeleteAllEntriesForIdentifier(ctx context.Context, identifier types.Identifier) (int, error) {
	logger := log.WithFields(log.Fields{
		"package":  "filesystem",
		"struct":   "FilesystemStore",
		"function": "DeleteAllEntriesForIdentifier",
	})

	defer utils.StackTraceFromPanic(logger)

	deleted := 0

	err := store.DeleteEntry(ctx, cache.KeyForInfo(identifier))
	if err == nil {
		deleted++
	} else if !cache.IsNotFoundError(err) {
		logger.WithError(err).Warnf("failed to delete info of %s", identifier)
	}

	dirPath := store.getIdentifierImageDirPath(identifier)
	count, err := removeEntryFiles(ctx, dirPath, func(info fs.FileInfo) bool {
		return true
	})
	deleted += count
	if err != nil {
		return deleted, err
	}

	pruneEmptyParents(dirPath, filepath.Join(store.rootPath, imageDirName))
	return deleted, nil
}

// DeleteAllEntries deletes all entry files
func (store *FilesystemStore) DeleteAllEntries(ctx context.Context) (int, error) {
	deleted := 0
	for _, dirName := range []string{imageDirName, infoDirName} {
		dirPath := filepath.Join(store.rootPath, dirName)
		count, err := removeEntryFiles(ctx, dirPath, func(info fs.FileInfo) bool {
			return true
		})
		deleted += count
		if err != nil {
			return deleted, err
		}
		pruneEmptyDirs(dirPath)
	}
	return deleted, nil
}

// DeleteAllInfoEntries deletes all info files
func (store *FilesystemStore) DeleteAllInfoEntries(ctx context.Context) (int, error) {
	dirPath := filepath.Join(store.rootPath, infoDirName)
	deleted, err := removeEntryFiles(ctx, dirPath, func(info fs.FileInfo) bool {
		return true
	})
	pruneEmptyDirs(dirPath)
	return deleted, err
}

// DeleteExpiredEntries deletes entry files last modified before cutoff
func (store *FilesystemStore) DeleteExpiredEntries(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	for _, dirName := range []string{imageDirName, infoDirName} {
		dirPath := filepath.Join(store.rootPath, dirName)
		count, err := removeEntryFiles(ctx, dirPath, func(info fs.FileInfo) bool {
			return info.ModTime().Before(cutoff)
		})
		deleted += count
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// CleanUp removes temp files not owned by a live writer and zero-byte entry files
func (store *FilesystemStore) CleanUp(ctx context.Context) error {
	logger := log.WithFields(log.Fields{
		"package":  "filesystem",
		"struct":   "FilesystemStore",
		"function": "CleanUp",
	})

	defer utils.StackTraceFromPanic(logger)

	// other caches may share the root, only own subtrees are walked
	removed := 0
	for _, dirName := range []string{imageDirName, infoDirName} {
		dirPath := filepath.Join(store.rootPath, dirName)

		count, err := cleanUpDir(ctx, dirPath, store.tempFiles)
		removed += count
		if err != nil {
			return err
		}

		pruneEmptyDirs(dirPath)
	}

	logger.Infof("Cleaned up %d files in %s", removed, store.rootPath)
	return nil
}

// removeEntryFiles removes entry files under dirPath matching the filter, temp files are skipped
func removeEntryFiles(ctx context.Context, dirPath string, filter func(info fs.FileInfo) bool) (int, error) {
	logger := log.WithFields(log.Fields{
		"package":  "filesystem",
		"function": "removeEntryFiles",
	})

	deleted := 0
	err := filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			logger.WithError(walkErr).Warnf("failed to walk %s", path)
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() || isTempFile(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logger.WithError(err).Warnf("failed to stat %s", path)
			return nil
		}

		if !filter(info) {
			return nil
		}

		err = os.Remove(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.WithError(err).Warnf("failed to remove %s", path)
			}
			return nil
		}

		deleted++
		return nil
	})

	if err != nil {
		return deleted, xerrors.Errorf("failed to remove files in %s: %w", dirPath, err)
	}
	return deleted, nil
}

// pruneEmptyParents removes dirPath and its parents while they are empty, stopDirPath is kept
func pruneEmptyParents(dirPath string, stopDirPath string) {
	stopDirPath = filepath.Clean(stopDirPath)
	current := filepath.Clean(dirPath)
	for current != stopDirPath && strings.HasPrefix(current, stopDirPath) {
		err := os.Remove(current)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return
		}
		current = filepath.Dir(current)
	}
}

// pruneEmptyDirs removes empty sub-directories under dirPath, dirPath itself is kept
func pruneEmptyDirs(dirPath string) {
	dirs := []string{}
	filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && path != dirPath {
			dirs = append(dirs, path)
		}
		return nil
	})

	// deepest first
	sort.Slice(dirs, func(i int, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})

	for _, dir := range dirs {
		// fails for non-empty dirs
		os.Remove(dir)
	}
}

// cleanUpDir removes orphan temp files and zero-byte files under dirPath
func cleanUpDir(ctx context.Context, dirPath string, registry *tempFileRegistry) (int, error) {
	logger := log.WithFields(log.Fields{
		"package":  "filesystem",
		"function": "cleanUpDir",
	})

	removed := 0
	err := filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() {
			return nil
		}

		if isTempFile(path) {
			if registry.contains(path) {
				return nil
			}
		} else {
			info, err := d.Info()
			if err != nil || info.Size() > 0 {
				return nil
			}
		}

		err := os.Remove(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.WithError(err).Warnf("failed to remove %s", path)
			}
			return nil
		}

		removed++
		return nil
	})

	if err != nil {
		return removed, xerrors.Errorf("failed to clean up %s: %w", dirPath, err)
	}
	return removed, nil
}
