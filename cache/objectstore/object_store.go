package objectstore

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cyverse/imagecache-common/cache"
	"github.com/cyverse/imagecache-common/types"
	"github.com/cyverse/imagecache-common/utils"
	"github.com/cyverse/imagecache-common/worker"
	"github.com/oxtoacart/bpool"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	// StoreName is the registry name of the object store
	StoreName string = "s3"

	// MinPartSize is the smallest part size S3 accepts for non-final parts
	MinPartSize int = 5 * 1024 * 1024
	// DefaultPartSize is the default multipart part size
	DefaultPartSize int = MinPartSize
	// DefaultMultipartThreshold is the default payload size to switch to multipart uploads
	DefaultMultipartThreshold int64 = 32 * 1024 * 1024

	// part buffers kept in the pool
	partBufferPoolSize int = 8

	// incomplete multipart uploads older than this are aborted on clean up
	staleUploadAge time.Duration = 24 * time.Hour

	lastAccessedMetadataKey string = "last-accessed"
)

// ObjectStoreConfig is configuration of ObjectStore
type ObjectStoreConfig struct {
	Endpoint           string
	AccessKey          string
	SecretKey          string
	Bucket             string
	Region             string
	UseSSL             bool
	KeyPrefix          string
	MultipartThreshold int64
	PartSize           int
}

// ObjectStore implements cache.CacheStore on an S3 compatible service
// uploads run on the executor, so writers return from Close before the object is visible.
type ObjectStore struct {
	api                objectAPI
	keyPrefix          string
	multipartThreshold int64
	partSize           int
	partBufferPool     *bpool.BytePool
	executor           worker.Executor
	metrics            cache.Metrics
	clock              func() time.Time
}

// NewObjectStore creates a new ObjectStore
func NewObjectStore(config *ObjectStoreConfig, executor worker.Executor, metrics cache.Metrics) (*ObjectStore, error) {
	if len(config.Bucket) == 0 {
		return nil, xerrors.Errorf("bucket is not given")
	}

	api, err := newMinioObjectAPI(config.Endpoint, config.AccessKey, config.SecretKey, config.Region, config.UseSSL, config.Bucket)
	if err != nil {
		return nil, err
	}

	return newObjectStoreWithAPI(api, config.KeyPrefix, config.MultipartThreshold, config.PartSize, executor, metrics), nil
}

func newObjectStoreWithAPI(api objectAPI, keyPrefix string, multipartThreshold int64, partSize int, executor worker.Executor, metrics cache.Metrics) *ObjectStore {
	if partSize < MinPartSize {
		partSize = MinPartSize
	}

	if multipartThreshold <= 0 {
		multipartThreshold = DefaultMultipartThreshold
	}

	if multipartThreshold < int64(partSize) {
		multipartThreshold = int64(partSize)
	}

	if metrics == nil {
		metrics = cache.NopMetrics{}
	}

	keyPrefix = strings.TrimPrefix(keyPrefix, "/")
	if len(keyPrefix) > 0 && !strings.HasSuffix(keyPrefix, "/") {
		keyPrefix += "/"
	}

	return &ObjectStore{
		api:                api,
		keyPrefix:          keyPrefix,
		multipartThreshold: multipartThreshold,
		partSize:           partSize,
		partBufferPool:     bpool.NewBytePool(partBufferPoolSize, partSize),
		executor:           executor,
		metrics:            metrics,
		clock:              time.Now,
	}
}

// Release does nothing, the minio client has no resources to release
func (store *ObjectStore) Release() {
}

// GetName returns the store name
func (store *ObjectStore) GetName() string {
	return StoreName
}

// IsAvailable checks if the bucket exists
func (store *ObjectStore) IsAvailable(ctx context.Context) bool {
	logger := log.WithFields(log.Fields{
		"package":  "objectstore",
		"struct":   "ObjectStore",
		"function": "IsAvailable",
	})

	exists, err := store.api.BucketExists(ctx)
	if err != nil {
		logger.WithError(err).Warn("failed to check bucket")
		return false
	}
	return exists
}

// GetObjectKey returns the object key of the entry
func (store *ObjectStore) GetObjectKey(key cache.Key) string {
	if key.IsInfo() {
		return store.keyPrefix + "info/" + key.GetIdentifierHash() + ".json"
	}

	objectKey := store.getIdentifierImagePrefix(key.GetIdentifier()) + key.GetOperationsHash()
	if ext := key.GetExtension(); len(ext) > 0 {
		objectKey += "." + ext
	}
	return objectKey
}

func (store *ObjectStore) getImagePrefix() string {
	return store.keyPrefix + "image/"
}

func (store *ObjectStore) getInfoPrefix() string {
	return store.keyPrefix + "info/"
}

func (store *ObjectStore) getIdentifierImagePrefix(identifier types.Identifier) string {
	return store.getImagePrefix() + utils.MakeMD5Hash(identifier.String()) + "/"
}

func (store *ObjectStore) wrapError(err error) error {
	if isNoSuchKeyError(err) {
		return err
	}
	return cache.NewBackendUnavailableError(StoreName, err)
}

func (store *ObjectStore) makeLastAccessedMetadata(t time.Time) map[string]string {
	return map[string]string{
		lastAccessedMetadataKey: strconv.FormatInt(utils.MakeEpochMillis(t), 10),
	}
}

func getLastAccessed(metadata map[string]string) time.Time {
	for k, v := range metadata {
		// servers canonicalize metadata keys differently
		normalized := strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")
		if normalized == lastAccessedMetadataKey {
			millis, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return time.Time{}
			}
			return utils.MakeTimeFromEpochMillis(millis)
		}
	}
	return time.Time{}
}

// ReadEntry returns a reader of the object
func (store *ObjectStore) ReadEntry(ctx context.Context, key cache.Key) (io.ReadCloser, *cache.EntryStat, error) {
	logger := log.WithFields(log.Fields{
		"package":  "objectstore",
		"struct":   "ObjectStore",
		"function": "ReadEntry",
	})

	defer utils.StackTraceFromPanic(logger)

	objectKey := store.GetObjectKey(key)
	reader, info, err := store.api.GetObject(ctx, objectKey)
	if err != nil {
		if isNoSuchKeyError(err) {
			return nil, nil, cache.NewNotFoundError(key)
		}
		return nil, nil, xerrors.Errorf("failed to get object %s: %w", objectKey, store.wrapError(err))
	}

	stat := &cache.EntryStat{
		Key:          key,
		Size:         info.Size,
		LastModified: info.LastModified,
		LastAccessed: getLastAccessed(info.UserMetadata),
	}
	return reader, stat, nil
}

// CreateEntryWriter returns a writer that uploads the payload after a complete Close
func (store *ObjectStore) CreateEntryWriter(ctx context.Context, key cache.Key) (cache.EntryWriter, error) {
	return newObjectEntryWriter(store, key), nil
}

// upload puts the payload as a single object
func (store *ObjectStore) upload(ctx context.Context, key cache.Key, data []byte) error {
	objectKey := store.GetObjectKey(key)
	err := store.api.PutObject(ctx, objectKey, data, key.GetContentType(), store.makeLastAccessedMetadata(store.clock()))
	if err != nil {
		return xerrors.Errorf("failed to put object %s: %w", objectKey, store.wrapError(err))
	}
	return nil
}

// submit runs the task on the executor, or inline without one
func (store *ObjectStore) submit(name string, task worker.Task) error {
	if store.executor == nil {
		task()
		return nil
	}
	return store.executor.Submit(worker.PriorityNormal, name, task)
}

// TouchEntry rewrites the last-accessed metadata, which also refreshes the last modified time
func (store *ObjectStore) TouchEntry(ctx context.Context, key cache.Key) error {
	objectKey := store.GetObjectKey(key)
	err := store.api.ReplaceMetadata(ctx, objectKey, store.makeLastAccessedMetadata(store.clock()))
	if err != nil {
		if isNoSuchKeyError(err) {
			return cache.NewNotFoundError(key)
		}
		return xerrors.Errorf("failed to touch object %s: %w", objectKey, store.wrapError(err))
	}
	return nil
}

// DeleteEntry deletes the object
func (store *ObjectStore) DeleteEntry(ctx context.Context, key cache.Key) error {
	objectKey := store.GetObjectKey(key)

	// RemoveObject succeeds for missing keys
	_, err := store.api.StatObject(ctx, objectKey)
	if err != nil {
		if isNoSuchKeyError(err) {
			return cache.NewNotFoundError(key)
		}
		return xerrors.Errorf("failed to stat object %s: %w", objectKey, store.wrapError(err))
	}

	err = store.api.RemoveObject(ctx, objectKey)
	if err != nil {
		return xerrors.Errorf("failed to remove object %s: %w", objectKey, store.wrapError(err))
	}
	return nil
}

// removeObjects removes objects under prefix matching the filter, per object failures are logged and skipped
func (store *ObjectStore) removeObjects(ctx context.Context, prefix string, filter func(info *objectInfo) bool) (int, error) {
	logger := log.WithFields(log.Fields{
		"package":  "objectstore",
		"struct":   "ObjectStore",
		"function": "removeObjects",
	})

	objectKeys := []string{}
	err := store.api.ListObjects(ctx, prefix, func(info *objectInfo) bool {
		if filter == nil || filter(info) {
			objectKeys = append(objectKeys, info.Key)
		}
		return true
	})
	if err != nil {
		return 0, xerrors.Errorf("failed to list objects under %s: %w", prefix, store.wrapError(err))
	}

	removed := 0
	for _, objectKey := range objectKeys {
		err := store.api.RemoveObject(ctx, objectKey)
		if err != nil {
			logger.WithError(err).Warnf("failed to remove object %s", objectKey)
			continue
		}
		removed++
	}
	return removed, nil
}

// DeleteAllEntriesForIdentifier deletes the info object and all image objects of the identifier
func (store *ObjectStore) DeleteAllEntriesForIdentifier(ctx context.Context, identifier types.Identifier) (int, error) {
	deleted := 0

	err := store.DeleteEntry(ctx, cache.KeyForInfo(identifier))
	if err == nil {
		deleted++
	} else if !cache.IsNotFoundError(err) {
		return deleted, err
	}

	count, err := store.removeObjects(ctx, store.getIdentifierImagePrefix(identifier), nil)
	return deleted + count, err
}

// DeleteAllEntries deletes all image and info objects
func (store *ObjectStore) DeleteAllEntries(ctx context.Context) (int, error) {
	deleted := 0
	for _, prefix := range []string{store.getImagePrefix(), store.getInfoPrefix()} {
		count, err := store.removeObjects(ctx, prefix, nil)
		deleted += count
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// DeleteAllInfoEntries deletes all info objects
func (store *ObjectStore) DeleteAllInfoEntries(ctx context.Context) (int, error) {
	return store.removeObjects(ctx, store.getInfoPrefix(), nil)
}

// DeleteExpiredEntries deletes objects last modified before cutoff
func (store *ObjectStore) DeleteExpiredEntries(ctx context.Context, cutoff time.Time) (int, error) {
	expired := func(info *objectInfo) bool {
		return info.LastModified.Before(cutoff)
	}

	deleted := 0
	for _, prefix := range []string{store.getImagePrefix(), store.getInfoPrefix()} {
		count, err := store.removeObjects(ctx, prefix, expired)
		deleted += count
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// CleanUp aborts stale incomplete multipart uploads
func (store *ObjectStore) CleanUp(ctx context.Context) error {
	logger := log.WithFields(log.Fields{
		"package":  "objectstore",
		"struct":   "ObjectStore",
		"function": "CleanUp",
	})

	defer utils.StackTraceFromPanic(logger)

	uploads, err := store.api.ListIncompleteUploads(ctx, store.keyPrefix)
	if err != nil {
		return xerrors.Errorf("failed to list incomplete uploads: %w", store.wrapError(err))
	}

	cutoff := store.clock().Add(-staleUploadAge)
	aborted := 0
	for _, upload := range uploads {
		if !upload.Initiated.Before(cutoff) {
			continue
		}

		err := store.api.AbortMultipartUpload(ctx, upload.Key, upload.UploadID)
		if err != nil {
			logger.WithError(err).Warnf("failed to abort upload %s of %s", upload.UploadID, upload.Key)
			continue
		}
		aborted++
	}

	logger.Infof("Aborted %d stale uploads", aborted)
	return nil
}
