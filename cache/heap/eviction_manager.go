package heap

import (
	"github.com/cyverse/imagecache-common/cache"
	"github.com/cyverse/imagecache-common/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// TargetSizeFunc returns the current target size string, e.g., "512M"
type TargetSizeFunc func() string

// EvictionManager keeps a HeapStore at or below a target size
// the target is re-read on every run so that configuration changes apply without restart.
type EvictionManager struct {
	store      *HeapStore
	targetSize TargetSizeFunc
	metrics    cache.Metrics
}

// NewEvictionManager creates a new EvictionManager
func NewEvictionManager(store *HeapStore, targetSize TargetSizeFunc, metrics cache.Metrics) *EvictionManager {
	if metrics == nil {
		metrics = cache.NopMetrics{}
	}

	return &EvictionManager{
		store:      store,
		targetSize: targetSize,
		metrics:    metrics,
	}
}

// GetTargetSize returns the parsed target size
func (manager *EvictionManager) GetTargetSize() (int64, error) {
	target := manager.targetSize()
	size, err := utils.ParseByteSize(target)
	if err != nil {
		return 0, xerrors.Errorf("failed to parse heap target size: %w", err)
	}
	return size, nil
}

// EvictExcess evicts least recently accessed entries above the target size
// returns the number of evicted entries.
func (manager *EvictionManager) EvictExcess() (int, error) {
	logger := log.WithFields(log.Fields{
		"package":  "heap",
		"struct":   "EvictionManager",
		"function": "EvictExcess",
	})

	defer utils.StackTraceFromPanic(logger)

	target, err := manager.GetTargetSize()
	if err != nil {
		return 0, err
	}

	evicted, evictedBytes := manager.store.EvictToSize(target)
	if evicted > 0 {
		logger.Infof("Evicted %d entries (%s) from heap, target %s", evicted, utils.MakeByteSizeString(evictedBytes), utils.MakeByteSizeString(target))
		manager.metrics.Evict(StoreName, cache.EvictCapacity, evicted)
	}

	manager.metrics.Size(StoreName, manager.store.GetEntryCount(), manager.store.GetSize())
	return evicted, nil
}

// Run runs EvictExcess, it is meant for periodic scheduling
func (manager *EvictionManager) Run() {
	logger := log.WithFields(log.Fields{
		"package":  "heap",
		"struct":   "EvictionManager",
		"function": "Run",
	})

	_, err := manager.EvictExcess()
	if err != nil {
		logger.WithError(err).Error("failed to evict heap entries")
	}
}
