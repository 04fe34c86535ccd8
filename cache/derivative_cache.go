package cache

import (
	"context"
	"io"
	"time"

	"github.com/cyverse/imagecache-common/types"
	"github.com/cyverse/imagecache-common/utils"
	"github.com/cyverse/imagecache-common/worker"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	// DefaultPurgeGrace is how long a global purge waits for in-flight writes
	DefaultPurgeGrace time.Duration = 30 * time.Second
)

// DerivativeCache stores derivative images and info records in a CacheStore
// it coordinates concurrent writes, applies the invalidation policy and runs slow work on the executor
type DerivativeCache struct {
	store       CacheStore
	coordinator *WriteCoordinator
	policy      *InvalidationPolicy
	executor    worker.Executor
	metrics     Metrics
	purgeGrace  time.Duration
}

// NewDerivativeCache creates a new DerivativeCache
func NewDerivativeCache(store CacheStore, policy *InvalidationPolicy, executor worker.Executor, metrics Metrics) *DerivativeCache {
	if policy == nil {
		policy = NewInvalidationPolicy(0)
	}

	if metrics == nil {
		metrics = NopMetrics{}
	}

	return &DerivativeCache{
		store:       store,
		coordinator: NewWriteCoordinator(),
		policy:      policy,
		executor:    executor,
		metrics:     metrics,
		purgeGrace:  DefaultPurgeGrace,
	}
}

// Release releases the store
func (cache *DerivativeCache) Release() {
	cache.store.Release()
}

// GetStore returns the store
func (cache *DerivativeCache) GetStore() CacheStore {
	return cache.store
}

// GetCoordinator returns the write coordinator
func (cache *DerivativeCache) GetCoordinator() *WriteCoordinator {
	return cache.coordinator
}

// GetPolicy returns the invalidation policy
func (cache *DerivativeCache) GetPolicy() *InvalidationPolicy {
	return cache.policy
}

// SetPurgeGrace sets how long a global purge waits for in-flight writes
func (cache *DerivativeCache) SetPurgeGrace(grace time.Duration) {
	cache.purgeGrace = grace
}

// IsAvailable checks if the store is reachable
func (cache *DerivativeCache) IsAvailable(ctx context.Context) bool {
	return cache.store.IsAvailable(ctx)
}

// GetInfo returns the cached info of the identifier
// the bool result is false when there is no valid entry
func (cache *DerivativeCache) GetInfo(ctx context.Context, identifier types.Identifier) (*types.Info, bool, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DerivativeCache",
		"function": "GetInfo",
	})

	defer utils.StackTraceFromPanic(logger)

	key := KeyForInfo(identifier)

	reader, ok, err := cache.openValidEntry(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, false, xerrors.Errorf("failed to read info entry %s: %w", key.String(), err)
	}

	info, err := types.NewInfoFromJSON(data)
	if err != nil {
		logger.WithError(err).Warnf("failed to parse info entry of %s, deleting", identifier)
		cache.deleteAsync(key)
		return nil, false, xerrors.Errorf("failed to parse info entry %s (%v): %w", key.String(), err, ErrCorruptEntry)
	}
	return info, true, nil
}

// PutInfo stores the info of the identifier, incomplete infos are ignored
func (cache *DerivativeCache) PutInfo(ctx context.Context, identifier types.Identifier, info *types.Info) error {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DerivativeCache",
		"function": "PutInfo",
	})

	defer utils.StackTraceFromPanic(logger)

	if !info.IsPersistable() {
		logger.Debugf("Skipping incomplete info of %s", identifier)
		return nil
	}

	data, err := info.ToJSON()
	if err != nil {
		return err
	}

	key := KeyForInfo(identifier)
	writer, err := cache.newEntryWriter(ctx, key)
	if err != nil {
		return err
	}

	_, err = writer.Write(data)
	if err != nil {
		writer.Close()
		return xerrors.Errorf("failed to write info entry %s: %w", key.String(), err)
	}

	writer.SetComplete(true)
	return writer.Close()
}

// NewDerivativeImageReader returns a reader of the cached derivative image
// the bool result is false when there is no valid entry
func (cache *DerivativeCache) NewDerivativeImageReader(ctx context.Context, opList *types.OperationList) (io.ReadCloser, bool, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DerivativeCache",
		"function": "NewDerivativeImageReader",
	})

	defer utils.StackTraceFromPanic(logger)

	return cache.openValidEntry(ctx, KeyForImage(opList))
}

// NewDerivativeImageWriter returns a writer of the derivative image
// a discard writer is returned if a write of the same operation list is in flight
func (cache *DerivativeCache) NewDerivativeImageWriter(ctx context.Context, opList *types.OperationList) (EntryWriter, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DerivativeCache",
		"function": "NewDerivativeImageWriter",
	})

	defer utils.StackTraceFromPanic(logger)

	return cache.newEntryWriter(ctx, KeyForImage(opList))
}

// Purge deletes all entries, it is a no-op if a purge is already running
func (cache *DerivativeCache) Purge(ctx context.Context) error {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DerivativeCache",
		"function": "Purge",
	})

	defer utils.StackTraceFromPanic(logger)

	end, ok := cache.coordinator.BeginGlobalPurge(ctx, cache.purgeGrace)
	if !ok {
		logger.Infof("Purge of %s is already in progress", cache.store.GetName())
		return nil
	}
	defer end()

	deleted, err := cache.store.DeleteAllEntries(ctx)
	cache.metrics.Evict(cache.store.GetName(), EvictPurge, deleted)
	if err != nil {
		return xerrors.Errorf("failed to purge %s: %w", cache.store.GetName(), err)
	}

	logger.Infof("Purged %d entries from %s", deleted, cache.store.GetName())
	return nil
}

// PurgeInfos deletes all info entries
func (cache *DerivativeCache) PurgeInfos(ctx context.Context) error {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DerivativeCache",
		"function": "PurgeInfos",
	})

	defer utils.StackTraceFromPanic(logger)

	end := cache.coordinator.BeginKeyOperation()
	defer end()

	deleted, err := cache.store.DeleteAllInfoEntries(ctx)
	cache.metrics.Evict(cache.store.GetName(), EvictPurge, deleted)
	if err != nil {
		return xerrors.Errorf("failed to purge infos from %s: %w", cache.store.GetName(), err)
	}

	logger.Infof("Purged %d info entries from %s", deleted, cache.store.GetName())
	return nil
}

// PurgeIdentifier deletes the info and all derivative images of the identifier
func (cache *DerivativeCache) PurgeIdentifier(ctx context.Context, identifier types.Identifier) error {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DerivativeCache",
		"function": "PurgeIdentifier",
	})

	defer utils.StackTraceFromPanic(logger)

	end := cache.coordinator.BeginKeyOperation()
	defer end()

	deleted, err := cache.store.DeleteAllEntriesForIdentifier(ctx, identifier)
	cache.metrics.Evict(cache.store.GetName(), EvictPurge, deleted)
	if err != nil {
		return xerrors.Errorf("failed to purge identifier %s from %s: %w", identifier, cache.store.GetName(), err)
	}

	logger.Debugf("Purged %d entries of %s", deleted, identifier)
	return nil
}

// PurgeOperationList deletes the derivative image of the operation list
func (cache *DerivativeCache) PurgeOperationList(ctx context.Context, opList *types.OperationList) error {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DerivativeCache",
		"function": "PurgeOperationList",
	})

	defer utils.StackTraceFromPanic(logger)

	end := cache.coordinator.BeginKeyOperation()
	defer end()

	key := KeyForImage(opList)
	err := cache.store.DeleteEntry(ctx, key)
	if err != nil && !IsNotFoundError(err) {
		return xerrors.Errorf("failed to purge %s from %s: %w", key.String(), cache.store.GetName(), err)
	}

	cache.metrics.Evict(cache.store.GetName(), EvictPurge, 1)
	return nil
}

// PurgeInvalid deletes all expired entries and returns the number of deleted entries
func (cache *DerivativeCache) PurgeInvalid(ctx context.Context) (int, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DerivativeCache",
		"function": "PurgeInvalid",
	})

	defer utils.StackTraceFromPanic(logger)

	if cache.isExpiryExempt() || !cache.policy.IsExpiring() {
		logger.Debugf("Nothing expires in %s", cache.store.GetName())
		return 0, nil
	}

	deleted, err := cache.store.DeleteExpiredEntries(ctx, cache.policy.GetCutoff())
	cache.metrics.Evict(cache.store.GetName(), EvictTTL, deleted)
	if err != nil {
		return deleted, xerrors.Errorf("failed to purge expired entries from %s: %w", cache.store.GetName(), err)
	}

	logger.Infof("Purged %d expired entries from %s", deleted, cache.store.GetName())
	return deleted, nil
}

// CleanUp removes detritus from the store
func (cache *DerivativeCache) CleanUp(ctx context.Context) error {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DerivativeCache",
		"function": "CleanUp",
	})

	defer utils.StackTraceFromPanic(logger)

	err := cache.store.CleanUp(ctx)
	if err != nil {
		return xerrors.Errorf("failed to clean up %s: %w", cache.store.GetName(), err)
	}
	return nil
}

func (cache *DerivativeCache) isExpiryExempt() bool {
	if exempt, ok := cache.store.(ExpiryExempt); ok {
		return exempt.IsExpiryExempt()
	}
	return false
}

func (cache *DerivativeCache) openValidEntry(ctx context.Context, key Key) (io.ReadCloser, bool, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DerivativeCache",
		"function": "openValidEntry",
	})

	end := cache.coordinator.BeginKeyOperation()
	defer end()

	tier := cache.store.GetName()

	reader, stat, err := cache.store.ReadEntry(ctx, key)
	if err != nil {
		if IsNotFoundError(err) {
			cache.metrics.Miss(tier)
			return nil, false, nil
		}
		return nil, false, xerrors.Errorf("failed to read entry %s from %s: %w", key.String(), tier, err)
	}

	if !cache.isExpiryExempt() && !cache.policy.IsEntryValid(stat) {
		logger.Debugf("Entry %s in %s is expired", key.String(), tier)
		reader.Close()
		cache.metrics.Miss(tier)
		cache.deleteAsync(key)
		return nil, false, nil
	}

	cache.metrics.Hit(tier)

	if toucher, ok := cache.store.(EntryToucher); ok {
		cache.touchAsync(toucher, key)
	}
	return reader, true, nil
}

func (cache *DerivativeCache) newEntryWriter(ctx context.Context, key Key) (EntryWriter, error) {
	lease, ok := cache.coordinator.BeginWrite(key)
	if !ok {
		cache.metrics.Drop(cache.store.GetName(), DropConcurrentWrite)
		return NewDiscardEntryWriter(key), nil
	}

	writer, err := cache.store.CreateEntryWriter(ctx, key)
	if err != nil {
		lease.Release()
		return nil, xerrors.Errorf("failed to create writer for %s in %s: %w", key.String(), cache.store.GetName(), err)
	}

	return NewLeasedEntryWriter(writer, lease), nil
}

func (cache *DerivativeCache) deleteAsync(key Key) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DerivativeCache",
		"function": "deleteAsync",
	})

	task := func() {
		err := cache.store.DeleteEntry(context.Background(), key)
		if err != nil && !IsNotFoundError(err) {
			logger.WithError(err).Warnf("failed to delete invalid entry %s", key.String())
			return
		}
		cache.metrics.Evict(cache.store.GetName(), EvictTTL, 1)
	}

	if cache.executor == nil {
		task()
		return
	}

	err := cache.executor.Submit(worker.PriorityLow, "delete "+key.String(), task)
	if err != nil {
		logger.WithError(err).Warnf("failed to schedule deletion of %s", key.String())
	}
}

func (cache *DerivativeCache) touchAsync(toucher EntryToucher, key Key) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DerivativeCache",
		"function": "touchAsync",
	})

	task := func() {
		err := toucher.TouchEntry(context.Background(), key)
		if err != nil && !IsNotFoundError(err) {
			logger.WithError(err).Warnf("failed to touch entry %s", key.String())
		}
	}

	if cache.executor == nil {
		task()
		return
	}

	err := cache.executor.Submit(worker.PriorityLow, "touch "+key.String(), task)
	if err != nil {
		logger.WithError(err).Warnf("failed to schedule touch of %s", key.String())
	}
}
