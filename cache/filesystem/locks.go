package filesystem

import "sync"

type keyedRWMutexEntry struct {
	mutex sync.RWMutex
	refs  int
}

// keyedRWMutex is a set of reader/writer locks, one per key, created on demand
type keyedRWMutex struct {
	entries map[string]*keyedRWMutexEntry
	mutex   sync.Mutex
}

func newKeyedRWMutex() *keyedRWMutex {
	return &keyedRWMutex{
		entries: map[string]*keyedRWMutexEntry{},
	}
}

func (locks *keyedRWMutex) acquire(key string) *keyedRWMutexEntry {
	locks.mutex.Lock()
	defer locks.mutex.Unlock()

	entry, ok := locks.entries[key]
	if !ok {
		entry = &keyedRWMutexEntry{}
		locks.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (locks *keyedRWMutex) drop(key string) {
	locks.mutex.Lock()
	defer locks.mutex.Unlock()

	if entry, ok := locks.entries[key]; ok {
		entry.refs--
		if entry.refs <= 0 {
			delete(locks.entries, key)
		}
	}
}

// Lock locks the key for writing, the returned func unlocks
func (locks *keyedRWMutex) Lock(key string) func() {
	entry := locks.acquire(key)
	entry.mutex.Lock()

	return func() {
		entry.mutex.Unlock()
		locks.drop(key)
	}
}

// RLock locks the key for reading, the returned func unlocks
func (locks *keyedRWMutex) RLock(key string) func() {
	entry := locks.acquire(key)
	entry.mutex.RLock()

	return func() {
		entry.mutex.RUnlock()
		locks.drop(key)
	}
}

// Len returns the number of keys having lock holders or waiters
func (locks *keyedRWMutex) Len() int {
	locks.mutex.Lock()
	defer locks.mutex.Unlock()

	return len(locks.entries)
}
