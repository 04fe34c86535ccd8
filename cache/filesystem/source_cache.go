package filesystem

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cyverse/imagecache-common/cache"
	"github.com/cyverse/imagecache-common/types"
	"github.com/cyverse/imagecache-common/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	// SourceCacheName is the registry name of the filesystem source cache
	SourceCacheName string = "filesystem"

	sourceDirName string = "source"
)

// SourceCache caches source image files on local disk, so processors that need a file can read them
type SourceCache struct {
	rootPath            string
	directoryDepth      int
	directoryNameLength int
	policy              *cache.InvalidationPolicy
	coordinator         *cache.WriteCoordinator
	tempFiles           *tempFileRegistry
	purgeGrace          time.Duration
}

// NewSourceCache creates a new SourceCache
func NewSourceCache(rootPath string, directoryDepth int, directoryNameLength int, policy *cache.InvalidationPolicy) (*SourceCache, error) {
	if len(rootPath) == 0 {
		return nil, xerrors.Errorf("root path for source cache is not given")
	}

	if directoryDepth < 0 {
		directoryDepth = DefaultDirectoryDepth
	}

	if directoryNameLength <= 0 {
		directoryNameLength = DefaultDirectoryNameLength
	}

	if policy == nil {
		policy = cache.NewInvalidationPolicy(0)
	}

	dirPath := filepath.Join(rootPath, sourceDirName)
	err := os.MkdirAll(dirPath, 0777)
	if err != nil {
		return nil, xerrors.Errorf("failed to make dir %s: %w", dirPath, err)
	}

	return &SourceCache{
		rootPath:            rootPath,
		directoryDepth:      directoryDepth,
		directoryNameLength: directoryNameLength,
		policy:              policy,
		coordinator:         cache.NewWriteCoordinator(),
		tempFiles:           &tempFileRegistry{},
		purgeGrace:          cache.DefaultPurgeGrace,
	}, nil
}

// Release releases resources, files are kept
func (sourceCache *SourceCache) Release() {
}

// GetName returns the source cache name
func (sourceCache *SourceCache) GetName() string {
	return SourceCacheName
}

// SetPurgeGrace sets how long a purge waits for in-flight writes
func (sourceCache *SourceCache) SetPurgeGrace(grace time.Duration) {
	sourceCache.purgeGrace = grace
}

// IsAvailable checks if the source dir exists
func (sourceCache *SourceCache) IsAvailable(ctx context.Context) bool {
	st, err := os.Stat(sourceCache.getSourceDirPath())
	if err != nil {
		return false
	}
	return st.IsDir()
}

func (sourceCache *SourceCache) getSourceDirPath() string {
	return filepath.Join(sourceCache.rootPath, sourceDirName)
}

// GetSourceImagePath returns the path of the cached source file of the identifier, the file may not exist
func (sourceCache *SourceCache) GetSourceImagePath(identifier types.Identifier) string {
	idHash := utils.MakeMD5Hash(identifier.String())
	fanout := utils.MakeFanOutPath(idHash, sourceCache.directoryDepth, sourceCache.directoryNameLength)
	return filepath.Join(sourceCache.getSourceDirPath(), fanout, idHash)
}

// GetSourceImageFile returns the path of a valid cached source file of the identifier
// it waits while the same identifier is being written.
func (sourceCache *SourceCache) GetSourceImageFile(ctx context.Context, identifier types.Identifier) (string, bool, error) {
	logger := log.WithFields(log.Fields{
		"package":  "filesystem",
		"struct":   "SourceCache",
		"function": "GetSourceImageFile",
	})

	defer utils.StackTraceFromPanic(logger)

	key := cache.KeyForSource(identifier)

	err := sourceCache.coordinator.WaitForWrite(ctx, key)
	if err != nil {
		return "", false, xerrors.Errorf("failed to wait for source file of %s: %w", identifier, err)
	}

	end := sourceCache.coordinator.BeginKeyOperation()
	defer end()

	sourcePath := sourceCache.GetSourceImagePath(identifier)
	st, err := os.Stat(sourcePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, xerrors.Errorf("failed to stat %s: %w", sourcePath, err)
	}

	if st.Size() == 0 {
		return "", false, nil
	}

	if !sourceCache.policy.IsValid(st.ModTime()) {
		logger.Debugf("Source file %s of %s is expired", sourcePath, identifier)
		err = os.Remove(sourcePath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.WithError(err).Warnf("failed to remove expired source file %s", sourcePath)
		}
		return "", false, nil
	}

	return sourcePath, true, nil
}

// NewSourceImageWriter returns a writer for the source file of the identifier
// a concurrent writer of the same identifier gets a discard writer.
func (sourceCache *SourceCache) NewSourceImageWriter(ctx context.Context, identifier types.Identifier) (cache.EntryWriter, error) {
	key := cache.KeyForSource(identifier)

	lease, ok := sourceCache.coordinator.BeginWrite(key)
	if !ok {
		return cache.NewDiscardEntryWriter(key), nil
	}

	writer, err := newFileEntryWriter(key, sourceCache.GetSourceImagePath(identifier), sourceCache.tempFiles, renameIntoPlace)
	if err != nil {
		lease.Release()
		return nil, xerrors.Errorf("failed to create source file writer for %s: %w", identifier, err)
	}

	return cache.NewLeasedEntryWriter(writer, lease), nil
}

// Purge deletes all cached source files
func (sourceCache *SourceCache) Purge(ctx context.Context) error {
	logger := log.WithFields(log.Fields{
		"package":  "filesystem",
		"struct":   "SourceCache",
		"function": "Purge",
	})

	defer utils.StackTraceFromPanic(logger)

	end, ok := sourceCache.coordinator.BeginGlobalPurge(ctx, sourceCache.purgeGrace)
	if !ok {
		logger.Debug("Purge is already running")
		return nil
	}
	defer end()

	dirPath := sourceCache.getSourceDirPath()
	deleted, err := removeEntryFiles(ctx, dirPath, func(info fs.FileInfo) bool {
		return true
	})
	if err != nil {
		return err
	}
	pruneEmptyDirs(dirPath)

	logger.Infof("Purged %d source files", deleted)
	return nil
}

// PurgeIdentifier deletes the cached source file of the identifier
func (sourceCache *SourceCache) PurgeIdentifier(ctx context.Context, identifier types.Identifier) error {
	end := sourceCache.coordinator.BeginKeyOperation()
	defer end()

	sourcePath := sourceCache.GetSourceImagePath(identifier)
	err := os.Remove(sourcePath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return xerrors.Errorf("failed to remove source file %s: %w", sourcePath, err)
	}

	pruneEmptyParents(filepath.Dir(sourcePath), sourceCache.getSourceDirPath())
	return nil
}

// PurgeInvalid deletes expired source files and returns the number of deleted files
func (sourceCache *SourceCache) PurgeInvalid(ctx context.Context) (int, error) {
	logger := log.WithFields(log.Fields{
		"package":  "filesystem",
		"struct":   "SourceCache",
		"function": "PurgeInvalid",
	})

	defer utils.StackTraceFromPanic(logger)

	if !sourceCache.policy.IsExpiring() {
		return 0, nil
	}

	cutoff := sourceCache.policy.GetCutoff()
	deleted, err := removeEntryFiles(ctx, sourceCache.getSourceDirPath(), func(info fs.FileInfo) bool {
		return info.ModTime().Before(cutoff)
	})
	if err != nil {
		return deleted, err
	}

	logger.Infof("Purged %d expired source files", deleted)
	return deleted, nil
}

// CleanUp removes temp files not owned by a live writer and zero-byte source files
func (sourceCache *SourceCache) CleanUp(ctx context.Context) error {
	dirPath := sourceCache.getSourceDirPath()
	_, err := cleanUpDir(ctx, dirPath, sourceCache.tempFiles)
	if err != nil {
		return err
	}

	pruneEmptyDirs(dirPath)
	return nil
}
