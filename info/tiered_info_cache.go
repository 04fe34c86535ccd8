package info

import (
	"context"
	"errors"
	"math"
	"runtime/debug"

	"github.com/cyverse/imagecache-common/cache"
	"github.com/cyverse/imagecache-common/types"
	"github.com/cyverse/imagecache-common/utils"
	"github.com/cyverse/imagecache-common/worker"
	lrucache "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"
)

const (
	// MemoryTierName is the tier name of the in-process info cache in metrics
	MemoryTierName string = "memory"

	// DefaultMemoryFraction is the fraction of the memory budget given to the in-process tier
	DefaultMemoryFraction float64 = 0.05
	// DefaultFallbackMemory is the memory budget used when no memory limit is set
	DefaultFallbackMemory int64 = 1024 * 1024 * 1024
	// DefaultExpectedEntrySize is the expected size of an info record in memory
	DefaultExpectedEntrySize int64 = 2 * 1024
	// MinEntries is the smallest capacity of the in-process tier
	MinEntries int = 100
)

// InfoReader reads the info of a source image, implemented by the processing layer
type InfoReader interface {
	ReadInfo(ctx context.Context) (*types.Info, error)
}

// InfoStore is the persistent tier of infos, implemented by cache.DerivativeCache
type InfoStore interface {
	GetInfo(ctx context.Context, identifier types.Identifier) (*types.Info, bool, error)
	PutInfo(ctx context.Context, identifier types.Identifier, info *types.Info) error
}

// ComputeCapacity returns the entry capacity of the in-process tier
// the memory budget is the Go runtime memory limit when set, otherwise fallbackMemory
func ComputeCapacity(memoryFraction float64, fallbackMemory int64, expectedEntrySize int64) int {
	budget := fallbackMemory

	// a negative input only reads the limit
	limit := debug.SetMemoryLimit(-1)
	if limit > 0 && limit != math.MaxInt64 {
		budget = limit
	}

	if expectedEntrySize <= 0 {
		expectedEntrySize = DefaultExpectedEntrySize
	}

	if memoryFraction <= 0 || memoryFraction > 1 {
		memoryFraction = DefaultMemoryFraction
	}

	capacity := int(float64(budget) * memoryFraction / float64(expectedEntrySize))
	if capacity < MinEntries {
		return MinEntries
	}
	return capacity
}

// TieredInfoCache caches info records in process in front of an InfoStore
type TieredInfoCache struct {
	memory   *lrucache.Cache
	capacity int
	backing  InfoStore
	executor worker.Executor
	metrics  cache.Metrics
	group    singleflight.Group
}

// NewTieredInfoCache creates a new TieredInfoCache, backing may be nil for a memory only cache
func NewTieredInfoCache(capacity int, backing InfoStore, executor worker.Executor, metrics cache.Metrics) (*TieredInfoCache, error) {
	if capacity <= 0 {
		capacity = MinEntries
	}

	if metrics == nil {
		metrics = cache.NopMetrics{}
	}

	memory, err := lrucache.New(capacity)
	if err != nil {
		return nil, xerrors.Errorf("failed to create lru cache of %d entries: %w", capacity, err)
	}

	return &TieredInfoCache{
		memory:   memory,
		capacity: capacity,
		backing:  backing,
		executor: executor,
		metrics:  metrics,
	}, nil
}

// GetCapacity returns the entry capacity of the in-process tier
func (infoCache *TieredInfoCache) GetCapacity() int {
	return infoCache.capacity
}

// GetSize returns the number of entries in the in-process tier
func (infoCache *TieredInfoCache) GetSize() int {
	return infoCache.memory.Len()
}

// GetBacking returns the backing cache, nil if there is none
func (infoCache *TieredInfoCache) GetBacking() InfoStore {
	return infoCache.backing
}

func (infoCache *TieredInfoCache) putMemory(identifier types.Identifier, info *types.Info) {
	evicted := infoCache.memory.Add(identifier, info)
	if evicted {
		infoCache.metrics.Evict(MemoryTierName, cache.EvictCapacity, 1)
	}
	infoCache.metrics.Size(MemoryTierName, infoCache.memory.Len(), 0)
}

// GetMemory returns the info from the in-process tier only
func (infoCache *TieredInfoCache) GetMemory(identifier types.Identifier) (*types.Info, bool) {
	if value, ok := infoCache.memory.Get(identifier); ok {
		infoCache.metrics.Hit(MemoryTierName)
		return value.(*types.Info), true
	}

	infoCache.metrics.Miss(MemoryTierName)
	return nil, false
}

// Get returns the info from the in-process tier, then from the backing cache
// a backing hit populates the in-process tier
func (infoCache *TieredInfoCache) Get(ctx context.Context, identifier types.Identifier) (*types.Info, bool, error) {
	logger := log.WithFields(log.Fields{
		"package":  "info",
		"struct":   "TieredInfoCache",
		"function": "Get",
	})

	defer utils.StackTraceFromPanic(logger)

	if info, ok := infoCache.GetMemory(identifier); ok {
		return info, true, nil
	}

	if infoCache.backing == nil {
		return nil, false, nil
	}

	info, ok, err := infoCache.backing.GetInfo(ctx, identifier)
	if err != nil {
		if errors.Is(err, cache.ErrCorruptEntry) {
			logger.WithError(err).Warnf("ignoring corrupt info of %s", identifier)
			return nil, false, nil
		}
		return nil, false, xerrors.Errorf("failed to get info of %s: %w", identifier, err)
	}

	if !ok {
		return nil, false, nil
	}

	infoCache.putMemory(identifier, info)
	return info, true, nil
}

// Put stores the info in the in-process tier and submits a write to the backing cache
// backing write failures are logged and ignored
func (infoCache *TieredInfoCache) Put(ctx context.Context, identifier types.Identifier, info *types.Info) error {
	logger := log.WithFields(log.Fields{
		"package":  "info",
		"struct":   "TieredInfoCache",
		"function": "Put",
	})

	defer utils.StackTraceFromPanic(logger)

	if info == nil {
		return xerrors.Errorf("info of %s is nil", identifier)
	}

	infoCache.putMemory(identifier, info)

	if infoCache.backing == nil {
		return nil
	}

	backingCtx := context.WithoutCancel(ctx)
	task := func() {
		err := infoCache.backing.PutInfo(backingCtx, identifier, info)
		if err != nil {
			logger.WithError(err).Warnf("failed to put info of %s to backing cache", identifier)
		}
	}

	if infoCache.executor == nil {
		task()
		return nil
	}

	err := infoCache.executor.Submit(worker.PriorityNormal, "put info "+identifier.String(), task)
	if err != nil {
		logger.WithError(err).Warnf("failed to schedule put of info of %s", identifier)
	}
	return nil
}

// GetOrRead returns the cached info, or reads it with the reader and caches it
// concurrent reads of the same identifier are coalesced
func (infoCache *TieredInfoCache) GetOrRead(ctx context.Context, identifier types.Identifier, reader InfoReader) (*types.Info, error) {
	logger := log.WithFields(log.Fields{
		"package":  "info",
		"struct":   "TieredInfoCache",
		"function": "GetOrRead",
	})

	defer utils.StackTraceFromPanic(logger)

	info, ok, err := infoCache.Get(ctx, identifier)
	if err != nil {
		// the processor is the source of truth
		logger.WithError(err).Warnf("failed to get cached info of %s, reading", identifier)
	} else if ok {
		return info, nil
	}

	value, err, _ := infoCache.group.Do(identifier.String(), func() (interface{}, error) {
		readInfo, readErr := reader.ReadInfo(ctx)
		if readErr != nil {
			return nil, xerrors.Errorf("failed to read info of %s: %w", identifier, readErr)
		}

		putErr := infoCache.Put(ctx, identifier, readInfo)
		if putErr != nil {
			logger.WithError(putErr).Warnf("failed to cache info of %s", identifier)
		}
		return readInfo, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*types.Info), nil
}

// Purge removes the info from the in-process tier
// backing entries are purged with the derivative cache
func (infoCache *TieredInfoCache) Purge(identifier types.Identifier) {
	if infoCache.memory.Remove(identifier) {
		infoCache.metrics.Evict(MemoryTierName, cache.EvictPurge, 1)
	}
}

// PurgeAll removes all infos from the in-process tier
func (infoCache *TieredInfoCache) PurgeAll() {
	count := infoCache.memory.Len()
	infoCache.memory.Purge()
	infoCache.metrics.Evict(MemoryTierName, cache.EvictPurge, count)
	infoCache.metrics.Size(MemoryTierName, 0, 0)
}
