package facade

import (
	"context"
	"io"
	"sync"

	"github.com/cyverse/imagecache-common/cache"
	"github.com/cyverse/imagecache-common/cache/filesystem"
	"github.com/cyverse/imagecache-common/cache/heap"
	"github.com/cyverse/imagecache-common/config"
	"github.com/cyverse/imagecache-common/info"
	"github.com/cyverse/imagecache-common/types"
	"github.com/cyverse/imagecache-common/utils"
	"github.com/cyverse/imagecache-common/worker"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

const (
	purgeExpiredTaskName string = "purge expired"
	cleanUpTaskName      string = "clean up"
	evictHeapTaskName    string = "evict heap"
	dumpHeapTaskName     string = "dump heap"
)

// derivativeInfoStore resolves the current derivative cache on every call
type derivativeInfoStore struct {
	factory *Factory
}

func (store *derivativeInfoStore) GetInfo(ctx context.Context, identifier types.Identifier) (*types.Info, bool, error) {
	derivativeCache, err := store.factory.GetDerivativeCache()
	if err != nil {
		return nil, false, err
	}

	if derivativeCache == nil {
		return nil, false, nil
	}
	return derivativeCache.GetInfo(ctx, identifier)
}

func (store *derivativeInfoStore) PutInfo(ctx context.Context, identifier types.Identifier, info *types.Info) error {
	derivativeCache, err := store.factory.GetDerivativeCache()
	if err != nil {
		return err
	}

	if derivativeCache == nil {
		return nil
	}
	return derivativeCache.PutInfo(ctx, identifier, info)
}

// Facade is the entry point of the image cache for request handlers
type Facade struct {
	holder      *config.Holder
	metrics     cache.Metrics
	pool        *worker.Pool
	scheduler   *worker.Scheduler
	factory     *Factory
	infoCache   *info.TieredInfoCache
	sourceCache *filesystem.SourceCache

	started  bool
	released bool
	mutex    sync.Mutex
}

// NewFacade creates a new Facade, metrics may be nil
func NewFacade(holder *config.Holder, metrics cache.Metrics) (*Facade, error) {
	logger := log.WithFields(log.Fields{
		"package":  "facade",
		"function": "NewFacade",
	})

	defer utils.StackTraceFromPanic(logger)

	cfg := holder.Get()
	if cfg == nil {
		return nil, xerrors.Errorf("configuration is not given")
	}

	err := cfg.Validate()
	if err != nil {
		return nil, xerrors.Errorf("failed to validate configuration: %w", err)
	}

	if metrics == nil {
		metrics = cache.NopMetrics{}
	}

	pool := worker.NewPool(cfg.WorkerCount)
	factory := NewFactory(holder, pool, metrics)

	facade := &Facade{
		holder:  holder,
		metrics: metrics,
		pool:    pool,
		factory: factory,
	}

	if cfg.SourceCache == "filesystem" {
		sourceCache, err := filesystem.NewSourceCache(cfg.Filesystem.Path, cfg.Filesystem.DirectoryDepth, cfg.Filesystem.DirectoryNameLength, cache.NewInvalidationPolicy(cfg.GetTTL()))
		if err != nil {
			pool.Stop()
			return nil, xerrors.Errorf("failed to create source cache: %w", err)
		}
		sourceCache.SetPurgeGrace(cfg.GetPurgeGrace())
		facade.sourceCache = sourceCache
	}

	if cfg.InfoCache.Enabled {
		capacity := info.ComputeCapacity(cfg.InfoCache.MemoryFraction, cfg.GetInfoCacheFallbackMemory(), cfg.InfoCache.ExpectedEntrySize)
		infoCache, err := info.NewTieredInfoCache(capacity, &derivativeInfoStore{factory: factory}, pool, metrics)
		if err != nil {
			pool.Stop()
			return nil, xerrors.Errorf("failed to create info cache: %w", err)
		}
		logger.Debugf("Info cache holds up to %d entries", capacity)
		facade.infoCache = infoCache
	}

	return facade, nil
}

// GetFactory returns the factory of the derivative cache
func (facade *Facade) GetFactory() *Factory {
	return facade.factory
}

// GetExecutor returns the background executor
func (facade *Facade) GetExecutor() *worker.Pool {
	return facade.pool
}

// GetInfoCache returns the info cache, nil if it is disabled
func (facade *Facade) GetInfoCache() *info.TieredInfoCache {
	return facade.infoCache
}

// GetSourceCache returns the source cache, nil if it is disabled
func (facade *Facade) GetSourceCache() *filesystem.SourceCache {
	return facade.sourceCache
}

// IsDerivativeCacheAvailable checks if the derivative cache is enabled and reachable
func (facade *Facade) IsDerivativeCacheAvailable(ctx context.Context) bool {
	derivativeCache, err := facade.factory.GetDerivativeCache()
	if err != nil || derivativeCache == nil {
		return false
	}
	return derivativeCache.IsAvailable(ctx)
}

// IsInfoCacheAvailable checks if the info cache is enabled
func (facade *Facade) IsInfoCacheAvailable() bool {
	return facade.infoCache != nil
}

// IsSourceCacheAvailable checks if the source cache is enabled and usable
func (facade *Facade) IsSourceCacheAvailable(ctx context.Context) bool {
	if facade.sourceCache == nil {
		return false
	}
	return facade.sourceCache.IsAvailable(ctx)
}

// GetInfo returns the cached info of the identifier
func (facade *Facade) GetInfo(ctx context.Context, identifier types.Identifier) (*types.Info, bool, error) {
	if facade.infoCache != nil {
		return facade.infoCache.Get(ctx, identifier)
	}

	derivativeCache, err := facade.factory.GetDerivativeCache()
	if err != nil {
		return nil, false, err
	}

	if derivativeCache == nil {
		return nil, false, nil
	}
	return derivativeCache.GetInfo(ctx, identifier)
}

// GetOrReadInfo returns the cached info, or reads it with the processor and caches it
func (facade *Facade) GetOrReadInfo(ctx context.Context, identifier types.Identifier, processor Processor) (*types.Info, error) {
	logger := log.WithFields(log.Fields{
		"package":  "facade",
		"struct":   "Facade",
		"function": "GetOrReadInfo",
	})

	defer utils.StackTraceFromPanic(logger)

	if facade.infoCache != nil {
		return facade.infoCache.GetOrRead(ctx, identifier, processor)
	}

	cachedInfo, ok, err := facade.GetInfo(ctx, identifier)
	if err != nil {
		logger.WithError(err).Warnf("failed to get cached info of %s, reading", identifier)
	} else if ok {
		return cachedInfo, nil
	}

	readInfo, err := processor.ReadInfo(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to read info of %s: %w", identifier, err)
	}

	err = facade.PutInfo(ctx, identifier, readInfo)
	if err != nil {
		logger.WithError(err).Warnf("failed to cache info of %s", identifier)
	}
	return readInfo, nil
}

// PutInfo caches the info of the identifier
func (facade *Facade) PutInfo(ctx context.Context, identifier types.Identifier, info *types.Info) error {
	if facade.infoCache != nil {
		return facade.infoCache.Put(ctx, identifier, info)
	}

	derivativeCache, err := facade.factory.GetDerivativeCache()
	if err != nil {
		return err
	}

	if derivativeCache == nil {
		return nil
	}
	return derivativeCache.PutInfo(ctx, identifier, info)
}

// NewDerivativeImageReader returns a reader of the cached derivative image
// the bool result is false on a miss or when the derivative cache is disabled
func (facade *Facade) NewDerivativeImageReader(ctx context.Context, opList *types.OperationList) (io.ReadCloser, bool, error) {
	derivativeCache, err := facade.factory.GetDerivativeCache()
	if err != nil {
		return nil, false, err
	}

	if derivativeCache == nil {
		return nil, false, nil
	}
	return derivativeCache.NewDerivativeImageReader(ctx, opList)
}

// NewDerivativeImageWriter returns a writer of the derivative image
// a discard writer is returned when the derivative cache is disabled
func (facade *Facade) NewDerivativeImageWriter(ctx context.Context, opList *types.OperationList) (cache.EntryWriter, error) {
	derivativeCache, err := facade.factory.GetDerivativeCache()
	if err != nil {
		return nil, err
	}

	if derivativeCache == nil {
		return cache.NewDiscardEntryWriter(cache.KeyForImage(opList)), nil
	}
	return derivativeCache.NewDerivativeImageWriter(ctx, opList)
}

// ProcessDerivativeImage writes the derivative image to w from the cache
// on a miss the processor output goes to w and to the cache at the same time
func (facade *Facade) ProcessDerivativeImage(ctx context.Context, opList *types.OperationList, processor Processor, w io.Writer) error {
	logger := log.WithFields(log.Fields{
		"package":  "facade",
		"struct":   "Facade",
		"function": "ProcessDerivativeImage",
	})

	defer utils.StackTraceFromPanic(logger)

	reader, ok, err := facade.NewDerivativeImageReader(ctx, opList)
	if err != nil {
		logger.WithError(err).Warnf("failed to read cached derivative image of %s, processing", opList.GetIdentifier())
	} else if ok {
		defer reader.Close()

		_, err = io.Copy(w, reader)
		if err != nil {
			return xerrors.Errorf("failed to copy cached derivative image of %s: %w", opList.GetIdentifier(), err)
		}
		return nil
	}

	imageInfo, err := facade.GetOrReadInfo(ctx, opList.GetIdentifier(), processor)
	if err != nil {
		return err
	}

	writer, err := facade.NewDerivativeImageWriter(ctx, opList)
	if err != nil {
		logger.WithError(err).Warnf("failed to create derivative image writer of %s", opList.GetIdentifier())
		writer = cache.NewDiscardEntryWriter(cache.KeyForImage(opList))
	}

	// cache write errors never reach the processor
	tee := newCacheTeeWriter(writer)

	err = processor.Process(ctx, opList, imageInfo, io.MultiWriter(w, tee))
	if err != nil {
		// incomplete writers discard their bytes
		writer.Close()
		return xerrors.Errorf("failed to process derivative image of %s: %w", opList.GetIdentifier(), err)
	}

	if !tee.IsFailed() {
		writer.SetComplete(true)
	}
	err = writer.Close()
	if err != nil {
		logger.WithError(err).Warnf("failed to cache derivative image of %s", opList.GetIdentifier())
	}
	return nil
}

// Purge deletes all entries of all caches
func (facade *Facade) Purge(ctx context.Context) error {
	derivativeCache, err := facade.factory.GetDerivativeCache()
	if err != nil {
		return err
	}

	if facade.infoCache != nil {
		facade.infoCache.PurgeAll()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if derivativeCache != nil {
		group.Go(func() error {
			return derivativeCache.Purge(groupCtx)
		})
	}

	if facade.sourceCache != nil {
		group.Go(func() error {
			return facade.sourceCache.Purge(groupCtx)
		})
	}

	err = group.Wait()
	if err != nil {
		return xerrors.Errorf("failed to purge caches: %w", err)
	}
	return nil
}

// PurgeInfos deletes all infos
func (facade *Facade) PurgeInfos(ctx context.Context) error {
	if facade.infoCache != nil {
		facade.infoCache.PurgeAll()
	}

	derivativeCache, err := facade.factory.GetDerivativeCache()
	if err != nil {
		return err
	}

	if derivativeCache == nil {
		return nil
	}
	return derivativeCache.PurgeInfos(ctx)
}

// PurgeIdentifier deletes the info, derivative images and source image of the identifier
func (facade *Facade) PurgeIdentifier(ctx context.Context, identifier types.Identifier) error {
	derivativeCache, err := facade.factory.GetDerivativeCache()
	if err != nil {
		return err
	}

	if facade.infoCache != nil {
		facade.infoCache.Purge(identifier)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if derivativeCache != nil {
		group.Go(func() error {
			return derivativeCache.PurgeIdentifier(groupCtx, identifier)
		})
	}

	if facade.sourceCache != nil {
		group.Go(func() error {
			return facade.sourceCache.PurgeIdentifier(groupCtx, identifier)
		})
	}

	err = group.Wait()
	if err != nil {
		return xerrors.Errorf("failed to purge %s: %w", identifier, err)
	}
	return nil
}

// PurgeIdentifierAsync submits PurgeIdentifier to the executor
func (facade *Facade) PurgeIdentifierAsync(identifier types.Identifier) error {
	logger := log.WithFields(log.Fields{
		"package":  "facade",
		"struct":   "Facade",
		"function": "PurgeIdentifierAsync",
	})

	// the in-process tier is purged at once so the next request sees the change
	if facade.infoCache != nil {
		facade.infoCache.Purge(identifier)
	}

	return facade.pool.Submit(worker.PriorityNormal, "purge "+identifier.String(), func() {
		err := facade.PurgeIdentifier(context.Background(), identifier)
		if err != nil {
			logger.WithError(err).Errorf("failed to purge %s", identifier)
		}
	})
}

// PurgeOperationList deletes the derivative image of the operation list
func (facade *Facade) PurgeOperationList(ctx context.Context, opList *types.OperationList) error {
	derivativeCache, err := facade.factory.GetDerivativeCache()
	if err != nil {
		return err
	}

	if derivativeCache == nil {
		return nil
	}
	return derivativeCache.PurgeOperationList(ctx, opList)
}

// PurgeExpired deletes expired entries of the derivative and source caches
func (facade *Facade) PurgeExpired(ctx context.Context) error {
	logger := log.WithFields(log.Fields{
		"package":  "facade",
		"struct":   "Facade",
		"function": "PurgeExpired",
	})

	defer utils.StackTraceFromPanic(logger)

	derivativeCache, err := facade.factory.GetDerivativeCache()
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if derivativeCache != nil {
		group.Go(func() error {
			_, purgeErr := derivativeCache.PurgeInvalid(groupCtx)
			return purgeErr
		})
	}

	if facade.sourceCache != nil {
		group.Go(func() error {
			_, purgeErr := facade.sourceCache.PurgeInvalid(groupCtx)
			return purgeErr
		})
	}

	err = group.Wait()
	if err != nil {
		return xerrors.Errorf("failed to purge expired entries: %w", err)
	}
	return nil
}

// CleanUp removes detritus of the derivative and source caches
func (facade *Facade) CleanUp(ctx context.Context) error {
	derivativeCache, err := facade.factory.GetDerivativeCache()
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if derivativeCache != nil {
		group.Go(func() error {
			return derivativeCache.CleanUp(groupCtx)
		})
	}

	if facade.sourceCache != nil {
		group.Go(func() error {
			return facade.sourceCache.CleanUp(groupCtx)
		})
	}

	err = group.Wait()
	if err != nil {
		return xerrors.Errorf("failed to clean up caches: %w", err)
	}
	return nil
}

// EvictHeap evicts heap entries over the configured target size, it is a no-op for other backends
func (facade *Facade) EvictHeap() (int, error) {
	store := facade.factory.GetHeapStore()
	if store == nil {
		return 0, nil
	}

	manager := heap.NewEvictionManager(store, facade.holder.GetHeapTargetSize, facade.metrics)
	return manager.EvictExcess()
}

// DumpHeap dumps heap entries when heap persistence is enabled
func (facade *Facade) DumpHeap() (int, error) {
	cfg := facade.holder.Get()
	if cfg == nil || !cfg.Heap.Persist {
		return 0, nil
	}

	store := facade.factory.GetHeapStore()
	if store == nil {
		return 0, nil
	}
	return store.DumpToFile(cfg.Heap.Path)
}

// Start schedules background maintenance at the configured worker interval
func (facade *Facade) Start() error {
	logger := log.WithFields(log.Fields{
		"package":  "facade",
		"struct":   "Facade",
		"function": "Start",
	})

	defer utils.StackTraceFromPanic(logger)

	facade.mutex.Lock()
	defer facade.mutex.Unlock()

	if facade.released {
		return xerrors.Errorf("facade is released")
	}

	if facade.started {
		return nil
	}

	cfg := facade.holder.Get()
	interval := cfg.GetWorkerInterval()

	// create the backend now so a heap dump is loaded before the first request
	_, err := facade.factory.GetDerivativeCache()
	if err != nil {
		return err
	}

	scheduler := worker.NewScheduler(facade.pool)

	tasks := map[string]worker.Task{
		purgeExpiredTaskName: func() {
			taskErr := facade.PurgeExpired(context.Background())
			if taskErr != nil {
				logger.WithError(taskErr).Error("failed to purge expired entries")
			}
		},
		cleanUpTaskName: func() {
			taskErr := facade.CleanUp(context.Background())
			if taskErr != nil {
				logger.WithError(taskErr).Error("failed to clean up caches")
			}
		},
		evictHeapTaskName: func() {
			_, taskErr := facade.EvictHeap()
			if taskErr != nil {
				logger.WithError(taskErr).Error("failed to evict heap entries")
			}
		},
		dumpHeapTaskName: func() {
			_, taskErr := facade.DumpHeap()
			if taskErr != nil {
				logger.WithError(taskErr).Error("failed to dump heap")
			}
		},
	}

	for name, task := range tasks {
		err = scheduler.Schedule(name, interval, task)
		if err != nil {
			scheduler.Stop()
			return xerrors.Errorf("failed to schedule %s: %w", name, err)
		}
	}

	logger.Infof("Scheduled %d maintenance tasks every %v", len(tasks), interval)

	facade.scheduler = scheduler
	facade.started = true
	return nil
}

// GetScheduledTaskNames returns names of scheduled maintenance tasks
func (facade *Facade) GetScheduledTaskNames() []string {
	facade.mutex.Lock()
	defer facade.mutex.Unlock()

	if facade.scheduler == nil {
		return []string{}
	}
	return facade.scheduler.GetTaskNames()
}

// Release stops background work and releases all caches
// queued tasks run before the backend is released, the heap is dumped when persistence is enabled
func (facade *Facade) Release() {
	logger := log.WithFields(log.Fields{
		"package":  "facade",
		"struct":   "Facade",
		"function": "Release",
	})

	defer utils.StackTraceFromPanic(logger)

	facade.mutex.Lock()
	defer facade.mutex.Unlock()

	if facade.released {
		return
	}

	if facade.scheduler != nil {
		facade.scheduler.Stop()
		facade.scheduler = nil
	}

	facade.pool.Stop()
	facade.factory.Release()

	if facade.sourceCache != nil {
		facade.sourceCache.Release()
	}

	facade.released = true
	facade.started = false
	logger.Info("Released image cache")
}
