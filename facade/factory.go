package facade

import (
	"sort"
	"sync"

	"github.com/cyverse/imagecache-common/cache"
	"github.com/cyverse/imagecache-common/cache/chunked"
	"github.com/cyverse/imagecache-common/cache/datagrid"
	"github.com/cyverse/imagecache-common/cache/filesystem"
	"github.com/cyverse/imagecache-common/cache/heap"
	"github.com/cyverse/imagecache-common/cache/objectstore"
	"github.com/cyverse/imagecache-common/cache/relational"
	"github.com/cyverse/imagecache-common/config"
	"github.com/cyverse/imagecache-common/utils"
	"github.com/cyverse/imagecache-common/worker"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

var (
	// ErrReleased is returned when the factory is used after Release
	ErrReleased = xerrors.New("factory is released")
)

// StoreConstructor creates the store of a derivative cache backend
type StoreConstructor func(config *config.Config, executor worker.Executor, metrics cache.Metrics) (cache.CacheStore, error)

func newFilesystemStore(config *config.Config, executor worker.Executor, metrics cache.Metrics) (cache.CacheStore, error) {
	return filesystem.NewFilesystemStore(config.Filesystem.Path, config.Filesystem.DirectoryDepth, config.Filesystem.DirectoryNameLength)
}

func newHeapStore(config *config.Config, executor worker.Executor, metrics cache.Metrics) (cache.CacheStore, error) {
	logger := log.WithFields(log.Fields{
		"package":  "facade",
		"function": "newHeapStore",
	})

	store := heap.NewHeapStore()
	if config.Heap.Persist {
		// a broken dump must not keep the cache from starting
		_, err := store.LoadFromFile(config.Heap.Path)
		if err != nil {
			logger.WithError(err).Warnf("failed to load heap dump %s", config.Heap.Path)
		}
	}
	return store, nil
}

func newChunkedStore(config *config.Config, executor worker.Executor, metrics cache.Metrics) (cache.CacheStore, error) {
	return chunked.NewChunkedStore(&chunked.ChunkedStoreConfig{
		Address:       config.Redis.Address,
		Password:      config.Redis.Password,
		DB:            config.Redis.DB,
		KeyPrefix:     config.Redis.KeyPrefix,
		MaxChunkBytes: config.Redis.MaxChunkBytes,
		MaxChunks:     config.Redis.MaxChunks,
	}, metrics)
}

func newObjectStore(config *config.Config, executor worker.Executor, metrics cache.Metrics) (cache.CacheStore, error) {
	return objectstore.NewObjectStore(&objectstore.ObjectStoreConfig{
		Endpoint:           config.S3.Endpoint,
		AccessKey:          config.S3.AccessKey,
		SecretKey:          config.S3.SecretKey,
		Bucket:             config.S3.Bucket,
		Region:             config.S3.Region,
		UseSSL:             config.S3.UseSSL,
		KeyPrefix:          config.S3.KeyPrefix,
		MultipartThreshold: config.S3.MultipartThreshold,
		PartSize:           config.S3.PartSize,
	}, executor, metrics)
}

func newRelationalStore(config *config.Config, executor worker.Executor, metrics cache.Metrics) (cache.CacheStore, error) {
	return relational.NewRelationalStore(&relational.RelationalStoreConfig{
		Dialect:        config.JDBC.Dialect,
		DSN:            config.JDBC.DSN,
		ImageTableName: config.JDBC.ImageTable,
		InfoTableName:  config.JDBC.InfoTable,
	})
}

func newDataGridStore(config *config.Config, executor worker.Executor, metrics cache.Metrics) (cache.CacheStore, error) {
	return datagrid.NewDataGridStore(&datagrid.DataGridStoreConfig{
		Host:     config.IRODS.Host,
		Port:     config.IRODS.Port,
		Zone:     config.IRODS.Zone,
		User:     config.IRODS.User,
		Password: config.IRODS.Password,
		Resource: config.IRODS.Resource,
		RootPath: config.IRODS.RootPath,
	}, executor, metrics)
}

// Factory creates the derivative cache of the configured backend
// the backend is re-created when the configured name changes.
type Factory struct {
	holder       *config.Holder
	executor     worker.Executor
	metrics      cache.Metrics
	constructors map[string]StoreConstructor

	currentName   string
	currentConfig *config.Config
	current       *cache.DerivativeCache
	released      bool
	mutex         sync.RWMutex
}

// NewFactory creates a new Factory with constructors of all backends
func NewFactory(holder *config.Holder, executor worker.Executor, metrics cache.Metrics) *Factory {
	if metrics == nil {
		metrics = cache.NopMetrics{}
	}

	return &Factory{
		holder:   holder,
		executor: executor,
		metrics:  metrics,
		constructors: map[string]StoreConstructor{
			"filesystem": newFilesystemStore,
			"heap":       newHeapStore,
			"redis":      newChunkedStore,
			"s3":         newObjectStore,
			"jdbc":       newRelationalStore,
			"irods":      newDataGridStore,
		},
	}
}

// Register replaces the constructor of the backend name
func (factory *Factory) Register(name string, constructor StoreConstructor) {
	factory.mutex.Lock()
	defer factory.mutex.Unlock()

	factory.constructors[name] = constructor
}

// GetBackendNames returns names of registered backends
func (factory *Factory) GetBackendNames() []string {
	factory.mutex.RLock()
	defer factory.mutex.RUnlock()

	names := []string{}
	for name := range factory.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetCurrentName returns the name of the current backend, empty before the first use
func (factory *Factory) GetCurrentName() string {
	factory.mutex.RLock()
	defer factory.mutex.RUnlock()

	return factory.currentName
}

// GetDerivativeCache returns the derivative cache of the configured backend, nil if it is disabled
func (factory *Factory) GetDerivativeCache() (*cache.DerivativeCache, error) {
	logger := log.WithFields(log.Fields{
		"package":  "facade",
		"struct":   "Factory",
		"function": "GetDerivativeCache",
	})

	defer utils.StackTraceFromPanic(logger)

	cfg := factory.holder.Get()
	if cfg == nil {
		return nil, xerrors.Errorf("configuration is not given")
	}

	name := cfg.DerivativeCache

	factory.mutex.RLock()
	if factory.currentName == name {
		current := factory.current
		factory.mutex.RUnlock()
		return current, nil
	}
	factory.mutex.RUnlock()

	factory.mutex.Lock()
	defer factory.mutex.Unlock()

	if factory.released {
		return nil, xerrors.Errorf("failed to get derivative cache %q: %w", name, ErrReleased)
	}

	// someone else may have switched while we waited for the lock
	if factory.currentName == name {
		return factory.current, nil
	}

	var derivativeCache *cache.DerivativeCache
	if name != config.CacheNone {
		constructor, ok := factory.constructors[name]
		if !ok {
			return nil, xerrors.Errorf("unknown derivative cache %q", name)
		}

		store, err := constructor(cfg, factory.executor, factory.metrics)
		if err != nil {
			return nil, xerrors.Errorf("failed to create derivative cache %q: %w", name, err)
		}

		derivativeCache = cache.NewDerivativeCache(store, cache.NewInvalidationPolicy(cfg.GetTTL()), factory.executor, factory.metrics)
		derivativeCache.SetPurgeGrace(cfg.GetPurgeGrace())
	}

	if factory.current != nil {
		logger.Infof("Switching derivative cache from %s to %s", factory.currentName, name)
		releaseDerivativeCache(factory.current, factory.currentConfig)
	}

	factory.currentName = name
	factory.currentConfig = cfg
	factory.current = derivativeCache
	return derivativeCache, nil
}

// GetHeapStore returns the store of the current backend if it is the heap
func (factory *Factory) GetHeapStore() *heap.HeapStore {
	factory.mutex.RLock()
	defer factory.mutex.RUnlock()

	if factory.current == nil {
		return nil
	}

	if store, ok := factory.current.GetStore().(*heap.HeapStore); ok {
		return store
	}
	return nil
}

// Release releases the current backend
func (factory *Factory) Release() {
	factory.mutex.Lock()
	defer factory.mutex.Unlock()

	if factory.current != nil {
		releaseDerivativeCache(factory.current, factory.currentConfig)
	}

	factory.currentName = ""
	factory.currentConfig = nil
	factory.current = nil
	factory.released = true
}

func releaseDerivativeCache(derivativeCache *cache.DerivativeCache, cfg *config.Config) {
	logger := log.WithFields(log.Fields{
		"package":  "facade",
		"function": "releaseDerivativeCache",
	})

	if store, ok := derivativeCache.GetStore().(*heap.HeapStore); ok && cfg != nil && cfg.Heap.Persist {
		_, err := store.DumpToFile(cfg.Heap.Path)
		if err != nil {
			logger.WithError(err).Errorf("failed to dump heap to %s", cfg.Heap.Path)
		}
	}

	derivativeCache.Release()
}
