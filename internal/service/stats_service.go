// Package service contains application services.
package service

import (
	"sync"
	"sync/atomic"
)

// StatsService tracks admission statistics using lock-free atomic counters.
// All counter operations are safe for concurrent access from multiple goroutines.
type StatsService struct {
	allowed          atomic.Int64
	denied           atomic.Int64
	fallback         atomic.Int64
	storeUnavailable atomic.Int64
	storeInternal    atomic.Int64
	missingConfig    atomic.Int64

	// Per-operation check counts (mutex-protected map).
	mu              sync.Mutex
	operationCounts map[string]int64
}

// NewStatsService creates a new StatsService with all counters initialized to zero.
func NewStatsService() *StatsService {
	return &StatsService{
		operationCounts: make(map[string]int64),
	}
}

// RecordAllow increments the allowed counter.
func (s *StatsService) RecordAllow() {
	s.allowed.Add(1)
}

// RecordDeny increments the denied counter.
func (s *StatsService) RecordDeny() {
	s.denied.Add(1)
}

// RecordFallback increments the counter of checks answered by the local
// store while a distributed store is configured.
func (s *StatsService) RecordFallback() {
	s.fallback.Add(1)
}

// RecordStoreUnavailable increments the transport/timeout error counter.
func (s *StatsService) RecordStoreUnavailable() {
	s.storeUnavailable.Add(1)
}

// RecordStoreInternal increments the unexpected store error counter.
func (s *StatsService) RecordStoreInternal() {
	s.storeInternal.Add(1)
}

// RecordMissingConfig increments the fail-open counter.
func (s *StatsService) RecordMissingConfig() {
	s.missingConfig.Add(1)
}

// RecordOperation increments the check counter for the given operation.
// Empty names are skipped.
func (s *StatsService) RecordOperation(operation string) {
	if operation == "" {
		return
	}
	s.mu.Lock()
	s.operationCounts[operation]++
	s.mu.Unlock()
}

// CounterSnapshot holds a snapshot of all counters at a point in time.
type CounterSnapshot struct {
	Allowed          int64            `json:"allowed"`
	Denied           int64            `json:"denied"`
	Fallback         int64            `json:"fallback"`
	StoreUnavailable int64            `json:"store_unavailable"`
	StoreInternal    int64            `json:"store_internal"`
	MissingConfig    int64            `json:"missing_config"`
	OperationCounts  map[string]int64 `json:"operation_counts"`
}

// GetStats returns a snapshot of all counters.
// The snapshot is consistent per-counter but not atomically across all counters.
func (s *StatsService) GetStats() CounterSnapshot {
	s.mu.Lock()
	oc := make(map[string]int64, len(s.operationCounts))
	for k, v := range s.operationCounts {
		oc[k] = v
	}
	s.mu.Unlock()

	return CounterSnapshot{
		Allowed:          s.allowed.Load(),
		Denied:           s.denied.Load(),
		Fallback:         s.fallback.Load(),
		StoreUnavailable: s.storeUnavailable.Load(),
		StoreInternal:    s.storeInternal.Load(),
		MissingConfig:    s.missingConfig.Load(),
		OperationCounts:  oc,
	}
}

// Reset sets all counters to zero.
func (s *StatsService) Reset() {
	s.allowed.Store(0)
	s.denied.Store(0)
	s.fallback.Store(0)
	s.storeUnavailable.Store(0)
	s.storeInternal.Store(0)
	s.missingConfig.Store(0)

	s.mu.Lock()
	s.operationCounts = make(map[string]int64)
	s.mu.Unlock()
}
