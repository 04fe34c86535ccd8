package cache

// EvictReason is a reason of entry removal
type EvictReason int

const (
	// EvictTTL is for entries older than the time-to-live
	EvictTTL EvictReason = iota
	// EvictCapacity is for entries evicted to stay within a size or entry limit
	EvictCapacity
	// EvictPurge is for entries deleted by an explicit purge
	EvictPurge
)

// String returns a stable label value
func (reason EvictReason) String() string {
	switch reason {
	case EvictTTL:
		return "ttl"
	case EvictCapacity:
		return "capacity"
	default:
		return "purge"
	}
}

// DropReason is a reason of not caching a written payload
type DropReason int

const (
	// DropConcurrentWrite is for a payload lost to another writer of the same key
	DropConcurrentWrite DropReason = iota
	// DropCapacityExceeded is for a payload larger than the store accepts
	DropCapacityExceeded
	// DropIncomplete is for a writer closed without being marked complete
	DropIncomplete
	// DropAsyncFailure is for a background upload that failed after Close
	DropAsyncFailure
)

// String returns a stable label value
func (reason DropReason) String() string {
	switch reason {
	case DropConcurrentWrite:
		return "concurrent_write"
	case DropCapacityExceeded:
		return "capacity_exceeded"
	case DropIncomplete:
		return "incomplete"
	default:
		return "async_failure"
	}
}

// Metrics receives cache events, tier is a store name or "memory" for the in-process info tier
type Metrics interface {
	Hit(tier string)
	Miss(tier string)
	Evict(tier string, reason EvictReason, entries int)
	Drop(tier string, reason DropReason)
	Size(tier string, entries int, bytes int64)
}

// NopMetrics discards all events
type NopMetrics struct{}

// Hit discards a hit event
func (NopMetrics) Hit(tier string) {}

// Miss discards a miss event
func (NopMetrics) Miss(tier string) {}

// Evict discards an eviction event
func (NopMetrics) Evict(tier string, reason EvictReason, entries int) {}

// Drop discards a drop event
func (NopMetrics) Drop(tier string, reason DropReason) {}

// Size discards a size sample
func (NopMetrics) Size(tier string, entries int, bytes int64) {}
