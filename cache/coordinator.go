package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// WriteLease marks an in-flight write of a key
type WriteLease struct {
	coordinator *WriteCoordinator
	key         Key
	done        chan struct{}
	once        sync.Once
}

// GetKey returns key
func (lease *WriteLease) GetKey() Key {
	return lease.key
}

// Release releases the lease and wakes up waiters, it can be called multiple times
func (lease *WriteLease) Release() {
	lease.once.Do(func() {
		lease.coordinator.release(lease)
	})
}

// WriteCoordinator tracks in-flight writes of a backend instance and guards whole-cache purges
type WriteCoordinator struct {
	leases map[Key]*WriteLease
	mutex  sync.Mutex

	purging   atomic.Bool
	purgeLock sync.RWMutex
}

// NewWriteCoordinator creates a new WriteCoordinator
func NewWriteCoordinator() *WriteCoordinator {
	return &WriteCoordinator{
		leases: map[Key]*WriteLease{},
	}
}

// BeginWrite registers a lease for the key
// returns false if a write of the key is in flight or a global purge is running
func (coordinator *WriteCoordinator) BeginWrite(key Key) (*WriteLease, bool) {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	if coordinator.purging.Load() {
		return nil, false
	}

	if _, ok := coordinator.leases[key]; ok {
		return nil, false
	}

	lease := &WriteLease{
		coordinator: coordinator,
		key:         key,
		done:        make(chan struct{}),
	}
	coordinator.leases[key] = lease
	return lease, true
}

// IsWriting checks if a write of the key is in flight
func (coordinator *WriteCoordinator) IsWriting(key Key) bool {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	_, ok := coordinator.leases[key]
	return ok
}

// GetActiveLeases returns the number of in-flight writes
func (coordinator *WriteCoordinator) GetActiveLeases() int {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	return len(coordinator.leases)
}

// WaitForWrite blocks until the in-flight write of the key, if any, completes
func (coordinator *WriteCoordinator) WaitForWrite(ctx context.Context, key Key) error {
	coordinator.mutex.Lock()
	lease, ok := coordinator.leases[key]
	coordinator.mutex.Unlock()

	if !ok {
		return nil
	}

	select {
	case <-lease.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsPurging checks if a global purge is running
func (coordinator *WriteCoordinator) IsPurging() bool {
	return coordinator.purging.Load()
}

// BeginGlobalPurge starts a global purge
// returns false immediately if another global purge is running.
// new writes are refused, in-flight writes are given up to grace to finish,
// then per-key operations are excluded until the returned end func is called.
func (coordinator *WriteCoordinator) BeginGlobalPurge(ctx context.Context, grace time.Duration) (func(), bool) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "WriteCoordinator",
		"function": "BeginGlobalPurge",
	})

	if !coordinator.purging.CompareAndSwap(false, true) {
		return nil, false
	}

	coordinator.waitForLeases(ctx, grace, logger)

	coordinator.purgeLock.Lock()

	end := func() {
		coordinator.purgeLock.Unlock()
		coordinator.purging.Store(false)
	}
	return end, true
}

// BeginKeyOperation marks a per-key read or purge, it blocks while a global purge holds the backend
func (coordinator *WriteCoordinator) BeginKeyOperation() func() {
	coordinator.purgeLock.RLock()
	return coordinator.purgeLock.RUnlock
}

func (coordinator *WriteCoordinator) waitForLeases(ctx context.Context, grace time.Duration, logger *log.Entry) {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	for {
		coordinator.mutex.Lock()
		waits := make([]chan struct{}, 0, len(coordinator.leases))
		for _, lease := range coordinator.leases {
			waits = append(waits, lease.done)
		}
		coordinator.mutex.Unlock()

		if len(waits) == 0 {
			return
		}

		logger.Debugf("Waiting for %d in-flight writes", len(waits))

		for _, wait := range waits {
			select {
			case <-wait:
			case <-deadline.C:
				logger.Warnf("Grace period %v passed with in-flight writes", grace)
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (coordinator *WriteCoordinator) release(lease *WriteLease) {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	if current, ok := coordinator.leases[lease.key]; ok && current == lease {
		delete(coordinator.leases, lease.key)
	}
	close(lease.done)
}
