package cache

import (
	"time"
)

// InvalidationPolicy decides whether a stored entry is stale
type InvalidationPolicy struct {
	ttl   time.Duration
	clock func() time.Time
}

// NewInvalidationPolicy creates a new InvalidationPolicy, ttl <= 0 means entries never expire
func NewInvalidationPolicy(ttl time.Duration) *InvalidationPolicy {
	return NewInvalidationPolicyWithClock(ttl, time.Now)
}

// NewInvalidationPolicyWithClock creates a new InvalidationPolicy with a custom clock
func NewInvalidationPolicyWithClock(ttl time.Duration, clock func() time.Time) *InvalidationPolicy {
	if clock == nil {
		clock = time.Now
	}

	return &InvalidationPolicy{
		ttl:   ttl,
		clock: clock,
	}
}

// GetTTL returns TTL
func (policy *InvalidationPolicy) GetTTL() time.Duration {
	return policy.ttl
}

// IsExpiring checks if entries can expire
func (policy *InvalidationPolicy) IsExpiring() bool {
	return policy.ttl > 0
}

// GetCutoff returns the time before which entries are stale
func (policy *InvalidationPolicy) GetCutoff() time.Time {
	return policy.clock().Add(-policy.ttl)
}

// IsValid checks if an entry with the timestamp is still valid
func (policy *InvalidationPolicy) IsValid(timestamp time.Time) bool {
	if !policy.IsExpiring() {
		return true
	}
	return !timestamp.Before(policy.GetCutoff())
}

// IsEntryValid checks if the entry is still valid
func (policy *InvalidationPolicy) IsEntryValid(stat *EntryStat) bool {
	if stat == nil {
		return false
	}
	return policy.IsValid(stat.GetValidityTime())
}
