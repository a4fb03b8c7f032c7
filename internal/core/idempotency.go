package core

import (
	"CollateralVault/internal/observability"
	"container/list"
	"sync"
)

// IdempotencyChecker implements two-tier request deduplication.
//
// Tier 1 is an in-memory LRU of request ids that committed. Tier 2 is the
// store's processed_requests table, consulted through Tx.ClaimRequest inside
// the operation's own transaction, so a request id is claimed if and only
// if its operation committed.
type IdempotencyChecker struct {
	lru     *IdempotencyLRU
	metrics *observability.Metrics
}

func NewIdempotencyChecker(capacity int, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:     NewIdempotencyLRU(capacity),
		metrics: metrics,
	}
}

// IsDuplicate is the tier 1 check.
func (ic *IdempotencyChecker) IsDuplicate(operation, requestID string) bool {
	if requestID == "" {
		return false
	}
	if ic.lru.Contains(requestID) {
		ic.RecordDuplicate(operation, "lru")
		return true
	}
	return false
}

// RecordDuplicate counts a duplicate caught at the given tier.
func (ic *IdempotencyChecker) RecordDuplicate(operation, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(operation, tier).Inc()
	}
}

// MarkProcessed adds requestID to the LRU after its transaction committed.
func (ic *IdempotencyChecker) MarkProcessed(requestID string) {
	if requestID == "" {
		return
	}
	evicted := ic.lru.Add(requestID)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
		if evicted {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	}
}

// Warm preloads recently committed request ids.
func (ic *IdempotencyChecker) Warm(requestIDs []string) {
	ic.lru.WarmFromKeys(requestIDs)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is a mutex-guarded LRU set of request ids.
type IdempotencyLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists). Reports whether an entry was evicted.
func (lru *IdempotencyLRU) Add(key string) bool {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.addLocked(key)
}

func (lru *IdempotencyLRU) addLocked(key string) bool {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return false
	}

	elem := lru.lruList.PushFront(key)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
		return true
	}
	return false
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
	}
}

// WarmFromKeys loads keys given newest first, so the newest end up most
// recently used.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	for i := len(keys) - 1; i >= 0; i-- {
		lru.addLocked(keys[i])
	}
}

func (lru *IdempotencyLRU) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.lruList.Len()
}
