package metrics

import (
	"sync"
)

// Metrics tracks pipeline counters for this process
type Metrics struct {
	mu sync.RWMutex

	enqueuedJobs  int64
	completedJobs int64
	retriedJobs   int64
	droppedJobs   int64
	noDataJobs    int64

	cacheHits   int64
	poolServes  int64
	cacheMisses int64

	budgetDenials int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncrementEnqueuedJobs increments the enqueued jobs counter
func (m *Metrics) IncrementEnqueuedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueuedJobs++
}

// IncrementCompletedJobs increments the completed jobs counter
func (m *Metrics) IncrementCompletedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completedJobs++
}

// IncrementRetriedJobs increments the retried jobs counter
func (m *Metrics) IncrementRetriedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retriedJobs++
}

// IncrementDroppedJobs counts jobs dropped after exhausting retries
func (m *Metrics) IncrementDroppedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.droppedJobs++
}

// IncrementNoDataJobs counts recomputes that found an empty window
func (m *Metrics) IncrementNoDataJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noDataJobs++
}

// IncrementCacheHits counts direct cache hits
func (m *Metrics) IncrementCacheHits() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits++
}

// IncrementPoolServes counts reads degraded to a pooled average
func (m *Metrics) IncrementPoolServes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poolServes++
}

// IncrementCacheMisses counts full cache misses
func (m *Metrics) IncrementCacheMisses() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheMisses++
}

// IncrementBudgetDenials counts operations deferred by the budget ledger
func (m *Metrics) IncrementBudgetDenials() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budgetDenials++
}

// GetSnapshot returns a snapshot of all metrics
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"enqueued_jobs":  m.enqueuedJobs,
		"completed_jobs": m.completedJobs,
		"retried_jobs":   m.retriedJobs,
		"dropped_jobs":   m.droppedJobs,
		"no_data_jobs":   m.noDataJobs,
		"cache_hits":     m.cacheHits,
		"pool_serves":    m.poolServes,
		"cache_misses":   m.cacheMisses,
		"budget_denials": m.budgetDenials,
	}
}
