package core

import (
	"SettlementLedger/internal/observability"
	"SettlementLedger/internal/settlement"
	"SettlementLedger/internal/storage"
	"container/list"
	"context"
	"sync"
)

// RecordedSet implements two-tier duplicate detection for settlement
// addresses. Tier 1 is an in-memory LRU of addresses known to be recorded;
// tier 2 is the storage transaction itself. Records are never deleted, so a
// positive answer can be cached indefinitely and negatives are never cached.
type RecordedSet struct {
	mu      sync.Mutex
	lru     *addressLRU
	metrics *observability.Metrics
}

func NewRecordedSet(capacity int, metrics *observability.Metrics) *RecordedSet {
	return &RecordedSet{
		lru:     newAddressLRU(capacity),
		metrics: metrics,
	}
}

// IsRecorded checks the LRU, then tx. A storage hit is promoted into the LRU.
func (s *RecordedSet) IsRecorded(ctx context.Context, tx storage.Tx, addr settlement.Pubkey) (bool, error) {
	s.mu.Lock()
	hit := s.lru.Contains(addr)
	s.mu.Unlock()
	if hit {
		s.recordHit("lru")
		return true, nil
	}

	exists, err := tx.Exists(ctx, addr)
	if err != nil {
		return false, err
	}
	if exists {
		s.recordHit("storage")
		s.MarkRecorded(addr)
	}
	return exists, nil
}

// MarkRecorded adds addr after its record was committed.
func (s *RecordedSet) MarkRecorded(addr settlement.Pubkey) {
	s.mu.Lock()
	evicted := s.lru.Add(addr)
	size := s.lru.Size()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IdempotencyLRUSize.Set(float64(size))
		if evicted {
			s.metrics.IdempotencyEvictions.Inc()
		}
	}
}

// Size returns the number of cached addresses.
func (s *RecordedSet) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Size()
}

func (s *RecordedSet) recordHit(tier string) {
	if s.metrics != nil {
		s.metrics.IdempotencyHits.WithLabelValues(tier).Inc()
	}
}

// --- LRU Implementation ---

// addressLRU is not thread-safe; RecordedSet guards it.
type addressLRU struct {
	capacity int
	cache    map[settlement.Pubkey]*list.Element
	lruList  *list.List
}

func newAddressLRU(capacity int) *addressLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &addressLRU{
		capacity: capacity,
		cache:    make(map[settlement.Pubkey]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if addr exists (promotes to front)
func (lru *addressLRU) Contains(addr settlement.Pubkey) bool {
	elem, exists := lru.cache[addr]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts addr (or promotes it) and reports whether an entry was evicted.
func (lru *addressLRU) Add(addr settlement.Pubkey) bool {
	if elem, exists := lru.cache[addr]; exists {
		lru.lruList.MoveToFront(elem)
		return false
	}

	lru.cache[addr] = lru.lruList.PushFront(addr)

	if lru.lruList.Len() > lru.capacity {
		oldest := lru.lruList.Back()
		lru.lruList.Remove(oldest)
		delete(lru.cache, oldest.Value.(settlement.Pubkey))
		return true
	}
	return false
}

func (lru *addressLRU) Size() int {
	return lru.lruList.Len()
}
