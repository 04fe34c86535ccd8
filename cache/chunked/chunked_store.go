package chunked

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cyverse/imagecache-common/cache"
	"github.com/cyverse/imagecache-common/types"
	"github.com/cyverse/imagecache-common/utils"
	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	// StoreName is the registry name of the chunked key/value store
	StoreName string = "redis"

	// DefaultMaxChunkBytes is the default size limit of a stored value
	DefaultMaxChunkBytes int = 396 * 1024
	// DefaultMaxChunks is the default number of chunks a payload may be split into
	DefaultMaxChunks int = 10
	// DefaultKeyPrefix is the default prefix of all keys
	DefaultKeyPrefix string = "imagecache"

	// chunks older than this and not referenced by any item are orphans
	orphanChunkAge time.Duration = 10 * time.Minute

	fieldIdentifier string = "identifier"
	fieldModified   string = "modified"
	fieldData       string = "data"
	fieldDirectory  string = "directory"

	directorySeparator string = ";"
	scanCount          int64  = 256
)

// ChunkedStoreConfig is configuration of ChunkedStore
type ChunkedStoreConfig struct {
	Address       string
	Password      string
	DB            int
	KeyPrefix     string
	MaxChunkBytes int
	MaxChunks     int
}

// ChunkedStore implements cache.CacheStore on Redis hashes
// a payload larger than the chunk limit is split into chunk hashes referenced by a manifest.
type ChunkedStore struct {
	client      redis.UniversalClient
	ownClient   bool
	keyPrefix   string
	chunkHelper *utils.ChunkHelper
	maxChunks   int
	metrics     cache.Metrics
	clock       func() time.Time
}

// NewChunkedStore creates a new ChunkedStore with a new Redis client
func NewChunkedStore(config *ChunkedStoreConfig, metrics cache.Metrics) (*ChunkedStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})

	store, err := NewChunkedStoreWithClient(client, config.KeyPrefix, config.MaxChunkBytes, config.MaxChunks, metrics)
	if err != nil {
		client.Close()
		return nil, err
	}

	store.ownClient = true
	return store, nil
}

// NewChunkedStoreWithClient creates a new ChunkedStore on the given client
func NewChunkedStoreWithClient(client redis.UniversalClient, keyPrefix string, maxChunkBytes int, maxChunks int, metrics cache.Metrics) (*ChunkedStore, error) {
	if client == nil {
		return nil, xerrors.Errorf("redis client is not given")
	}

	if len(keyPrefix) == 0 {
		keyPrefix = DefaultKeyPrefix
	}

	if maxChunkBytes <= 0 {
		maxChunkBytes = DefaultMaxChunkBytes
	}

	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}

	if metrics == nil {
		metrics = cache.NopMetrics{}
	}

	return &ChunkedStore{
		client:      client,
		keyPrefix:   keyPrefix,
		chunkHelper: utils.NewChunkHelper(maxChunkBytes),
		maxChunks:   maxChunks,
		metrics:     metrics,
		clock:       time.Now,
	}, nil
}

// SetClock sets the clock used for modified timestamps
func (store *ChunkedStore) SetClock(clock func() time.Time) {
	store.clock = clock
}

// Release closes the client if the store created it
func (store *ChunkedStore) Release() {
	logger := log.WithFields(log.Fields{
		"package":  "chunked",
		"struct":   "ChunkedStore",
		"function": "Release",
	})

	if store.ownClient {
		err := store.client.Close()
		if err != nil {
			logger.WithError(err).Warn("failed to close redis client")
		}
	}
}

// GetName returns the store name
func (store *ChunkedStore) GetName() string {
	return StoreName
}

// GetMaxPayloadSize returns the largest storable payload
func (store *ChunkedStore) GetMaxPayloadSize() int64 {
	return int64(store.chunkHelper.GetChunkSize()) * int64(store.maxChunks)
}

// IsAvailable pings redis
func (store *ChunkedStore) IsAvailable(ctx context.Context) bool {
	return store.client.Ping(ctx).Err() == nil
}

func (store *ChunkedStore) getItemKey(key cache.Key) string {
	if key.IsInfo() {
		return store.getInfoKeyPrefix() + key.GetIdentifierHash()
	}
	return store.getIdentifierImageKeyPrefix(key.GetIdentifier()) + key.GetOperationsHash()
}

func (store *ChunkedStore) getInfoKeyPrefix() string {
	return store.keyPrefix + ":info:"
}

func (store *ChunkedStore) getImageKeyPrefix() string {
	return store.keyPrefix + ":image:"
}

func (store *ChunkedStore) getIdentifierImageKeyPrefix(identifier types.Identifier) string {
	return store.getImageKeyPrefix() + utils.MakeMD5Hash(identifier.String()) + ":"
}

func (store *ChunkedStore) getChunkKeyPrefix() string {
	return store.keyPrefix + ":chunk:"
}

func (store *ChunkedStore) newChunkKey() string {
	return store.getChunkKeyPrefix() + xid.New().String()
}

func (store *ChunkedStore) wrapError(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return cache.NewBackendUnavailableError(StoreName, err)
}

func parseModified(value string) time.Time {
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return utils.MakeTimeFromEpochMillis(millis)
}

func splitDirectory(directory string) []string {
	if len(directory) == 0 {
		return []string{}
	}
	return strings.Split(directory, directorySeparator)
}

// ReadEntry returns a reader of the entry, chunks are fetched in one transaction
func (store *ChunkedStore) ReadEntry(ctx context.Context, key cache.Key) (io.ReadCloser, *cache.EntryStat, error) {
	logger := log.WithFields(log.Fields{
		"package":  "chunked",
		"struct":   "ChunkedStore",
		"function": "ReadEntry",
	})

	defer utils.StackTraceFromPanic(logger)

	itemKey := store.getItemKey(key)
	fields, err := store.client.HGetAll(ctx, itemKey).Result()
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to read item %s: %w", itemKey, store.wrapError(err))
	}

	if len(fields) == 0 {
		return nil, nil, cache.NewNotFoundError(key)
	}

	stat := &cache.EntryStat{
		Key:          key,
		LastModified: parseModified(fields[fieldModified]),
	}

	if data, ok := fields[fieldData]; ok {
		stat.Size = int64(len(data))
		return io.NopCloser(strings.NewReader(data)), stat, nil
	}

	directory, ok := fields[fieldDirectory]
	if !ok {
		return nil, nil, xerrors.Errorf("item %s has neither data nor directory: %w", itemKey, cache.ErrCorruptEntry)
	}

	chunkKeys := splitDirectory(directory)
	cmds := make([]*redis.StringCmd, len(chunkKeys))
	_, err = store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, chunkKey := range chunkKeys {
			cmds[i] = pipe.HGet(ctx, chunkKey, fieldData)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, xerrors.Errorf("failed to read chunks of item %s: %w", itemKey, store.wrapError(err))
	}

	buffer := bytes.Buffer{}
	for i, cmd := range cmds {
		chunk, err := cmd.Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil, xerrors.Errorf("chunk %s of item %s is missing: %w", chunkKeys[i], itemKey, cache.ErrCorruptEntry)
			}
			return nil, nil, xerrors.Errorf("failed to read chunk %s: %w", chunkKeys[i], store.wrapError(err))
		}
		buffer.WriteString(chunk)
	}

	stat.Size = int64(buffer.Len())
	return io.NopCloser(&buffer), stat, nil
}

// CreateEntryWriter returns a writer buffering the payload, the payload is stored on a complete Close
// a payload over the capacity is dropped, Close does not fail for it.
func (store *ChunkedStore) CreateEntryWriter(ctx context.Context, key cache.Key) (cache.EntryWriter, error) {
	logger := log.WithFields(log.Fields{
		"package":  "chunked",
		"struct":   "ChunkedStore",
		"function": "CreateEntryWriter",
	})

	return cache.NewBufferedEntryWriter(key, func(data []byte) error {
		err := store.put(context.WithoutCancel(ctx), key, data)
		if err != nil {
			if cache.IsCapacityExceededError(err) {
				logger.WithError(err).Warnf("not caching %s", key.String())
				store.metrics.Drop(StoreName, cache.DropCapacityExceeded)
				return nil
			}
			return err
		}
		return nil
	}), nil
}

// put stores the payload, CapacityExceededError if it does not fit in max chunks
func (store *ChunkedStore) put(ctx context.Context, key cache.Key, data []byte) error {
	size := int64(len(data))
	if !store.chunkHelper.Fits(size, store.maxChunks) {
		return cache.NewCapacityExceededError(key, size, store.GetMaxPayloadSize())
	}

	itemKey := store.getItemKey(key)
	modified := strconv.FormatInt(utils.MakeEpochMillis(store.clock()), 10)

	oldDirectory, err := store.client.HGet(ctx, itemKey, fieldDirectory).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return xerrors.Errorf("failed to read item %s: %w", itemKey, store.wrapError(err))
	}

	if size <= int64(store.chunkHelper.GetChunkSize()) {
		_, err = store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, itemKey)
			pipe.HSet(ctx, itemKey, fieldIdentifier, key.GetIdentifier().String(), fieldModified, modified, fieldData, data)
			return nil
		})
		if err != nil {
			return xerrors.Errorf("failed to write item %s: %w", itemKey, store.wrapError(err))
		}
	} else {
		chunks := store.chunkHelper.Split(data)
		chunkKeys := make([]string, len(chunks))
		for i := range chunks {
			chunkKeys[i] = store.newChunkKey()
		}

		_, err = store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, chunk := range chunks {
				pipe.HSet(ctx, chunkKeys[i], fieldData, chunk, fieldModified, modified)
			}
			return nil
		})
		if err != nil {
			store.deleteKeys(ctx, chunkKeys)
			return xerrors.Errorf("failed to write chunks of item %s: %w", itemKey, store.wrapError(err))
		}

		// manifest last, so readers never see a directory with unwritten chunks
		_, err = store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, itemKey)
			pipe.HSet(ctx, itemKey, fieldIdentifier, key.GetIdentifier().String(), fieldModified, modified, fieldDirectory, strings.Join(chunkKeys, directorySeparator))
			return nil
		})
		if err != nil {
			store.deleteKeys(ctx, chunkKeys)
			return xerrors.Errorf("failed to write manifest of item %s: %w", itemKey, store.wrapError(err))
		}
	}

	store.deleteKeys(ctx, splitDirectory(oldDirectory))
	return nil
}

func (store *ChunkedStore) deleteKeys(ctx context.Context, keys []string) {
	logger := log.WithFields(log.Fields{
		"package":  "chunked",
		"struct":   "ChunkedStore",
		"function": "deleteKeys",
	})

	if len(keys) == 0 {
		return
	}

	err := store.client.Del(ctx, keys...).Err()
	if err != nil {
		logger.WithError(err).Warnf("failed to delete %d keys", len(keys))
	}
}

// TouchEntry refreshes modified of the item and its chunks
func (store *ChunkedStore) TouchEntry(ctx context.Context, key cache.Key) error {
	itemKey := store.getItemKey(key)

	fields, err := store.client.HMGet(ctx, itemKey, fieldModified, fieldDirectory).Result()
	if err != nil {
		return xerrors.Errorf("failed to read item %s: %w", itemKey, store.wrapError(err))
	}

	if fields[0] == nil {
		return cache.NewNotFoundError(key)
	}

	chunkKeys := []string{}
	if directory, ok := fields[1].(string); ok {
		chunkKeys = splitDirectory(directory)
	}

	modified := strconv.FormatInt(utils.MakeEpochMillis(store.clock()), 10)
	_, err = store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, itemKey, fieldModified, modified)
		for _, chunkKey := range chunkKeys {
			pipe.HSet(ctx, chunkKey, fieldModified, modified)
		}
		return nil
	})
	if err != nil {
		return xerrors.Errorf("failed to touch item %s: %w", itemKey, store.wrapError(err))
	}
	return nil
}

// deleteItem deletes the item and its chunks, returns false if the item does not exist
func (store *ChunkedStore) deleteItem(ctx context.Context, itemKey string) (bool, error) {
	directory, err := store.client.HGet(ctx, itemKey, fieldDirectory).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, xerrors.Errorf("failed to read item %s: %w", itemKey, store.wrapError(err))
	}

	var delCmd *redis.IntCmd
	_, err = store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		delCmd = pipe.Del(ctx, itemKey)
		chunkKeys := splitDirectory(directory)
		if len(chunkKeys) > 0 {
			pipe.Del(ctx, chunkKeys...)
		}
		return nil
	})
	if err != nil {
		return false, xerrors.Errorf("failed to delete item %s: %w", itemKey, store.wrapError(err))
	}

	return delCmd.Val() > 0, nil
}

// DeleteEntry deletes the entry
func (store *ChunkedStore) DeleteEntry(ctx context.Context, key cache.Key) error {
	deleted, err := store.deleteItem(ctx, store.getItemKey(key))
	if err != nil {
		return err
	}

	if !deleted {
		return cache.NewNotFoundError(key)
	}
	return nil
}

// deleteItems deletes items matching the pattern and the filter, per item failures are logged and skipped
func (store *ChunkedStore) deleteItems(ctx context.Context, pattern string, filter func(itemKey string) (bool, error)) (int, error) {
	logger := log.WithFields(log.Fields{
		"package":  "chunked",
		"struct":   "ChunkedStore",
		"function": "deleteItems",
	})

	deleted := 0
	iter := store.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		itemKey := iter.Val()

		if filter != nil {
			matched, err := filter(itemKey)
			if err != nil {
				logger.WithError(err).Warnf("failed to check item %s", itemKey)
				continue
			}

			if !matched {
				continue
			}
		}

		ok, err := store.deleteItem(ctx, itemKey)
		if err != nil {
			logger.WithError(err).Warnf("failed to delete item %s", itemKey)
			continue
		}

		if ok {
			deleted++
		}
	}

	if err := iter.Err(); err != nil {
		return deleted, xerrors.Errorf("failed to scan %s: %w", pattern, store.wrapError(err))
	}
	return deleted, nil
}

// DeleteAllEntriesForIdentifier deletes the info item and all image items of the identifier
func (store *ChunkedStore) DeleteAllEntriesForIdentifier(ctx context.Context, identifier types.Identifier) (int, error) {
	deleted := 0

	ok, err := store.deleteItem(ctx, store.getItemKey(cache.KeyForInfo(identifier)))
	if err != nil {
		return deleted, err
	}

	if ok {
		deleted++
	}

	count, err := store.deleteItems(ctx, store.getIdentifierImageKeyPrefix(identifier)+"*", nil)
	return deleted + count, err
}

// DeleteAllEntries deletes all items and chunks
func (store *ChunkedStore) DeleteAllEntries(ctx context.Context) (int, error) {
	deleted := 0
	for _, prefix := range []string{store.getImageKeyPrefix(), store.getInfoKeyPrefix()} {
		count, err := store.deleteItems(ctx, prefix+"*", nil)
		deleted += count
		if err != nil {
			return deleted, err
		}
	}

	// chunks left by interrupted writes
	_, err := store.deleteItems(ctx, store.getChunkKeyPrefix()+"*", nil)
	return deleted, err
}

// DeleteAllInfoEntries deletes all info items
func (store *ChunkedStore) DeleteAllInfoEntries(ctx context.Context) (int, error) {
	return store.deleteItems(ctx, store.getInfoKeyPrefix()+"*", nil)
}

// DeleteExpiredEntries deletes items modified before cutoff
func (store *ChunkedStore) DeleteExpiredEntries(ctx context.Context, cutoff time.Time) (int, error) {
	expired := func(itemKey string) (bool, error) {
		modified, err := store.client.HGet(ctx, itemKey, fieldModified).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, nil
			}
			return false, err
		}
		return parseModified(modified).Before(cutoff), nil
	}

	deleted := 0
	for _, prefix := range []string{store.getImageKeyPrefix(), store.getInfoKeyPrefix()} {
		count, err := store.deleteItems(ctx, prefix+"*", expired)
		deleted += count
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// CleanUp deletes orphan chunks that no item references
func (store *ChunkedStore) CleanUp(ctx context.Context) error {
	logger := log.WithFields(log.Fields{
		"package":  "chunked",
		"struct":   "ChunkedStore",
		"function": "CleanUp",
	})

	defer utils.StackTraceFromPanic(logger)

	referenced := map[string]bool{}
	for _, prefix := range []string{store.getImageKeyPrefix(), store.getInfoKeyPrefix()} {
		iter := store.client.Scan(ctx, 0, prefix+"*", scanCount).Iterator()
		for iter.Next(ctx) {
			directory, err := store.client.HGet(ctx, iter.Val(), fieldDirectory).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					logger.WithError(err).Warnf("failed to read item %s", iter.Val())
				}
				continue
			}

			for _, chunkKey := range splitDirectory(directory) {
				referenced[chunkKey] = true
			}
		}

		if err := iter.Err(); err != nil {
			return xerrors.Errorf("failed to scan %s: %w", prefix, store.wrapError(err))
		}
	}

	cutoff := store.clock().Add(-orphanChunkAge)
	orphan := func(chunkKey string) (bool, error) {
		if referenced[chunkKey] {
			return false, nil
		}

		modified, err := store.client.HGet(ctx, chunkKey, fieldModified).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return true, nil
			}
			return false, err
		}
		return parseModified(modified).Before(cutoff), nil
	}

	removed, err := store.deleteItems(ctx, store.getChunkKeyPrefix()+"*", orphan)
	if err != nil {
		return err
	}

	logger.Infof("Removed %d orphan chunks", removed)
	return nil
}
