package metrics

import (
	"sync"
	"testing"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.IncrementEnqueuedJobs()
	m.IncrementEnqueuedJobs()
	m.IncrementCompletedJobs()
	m.IncrementRetriedJobs()
	m.IncrementDroppedJobs()
	m.IncrementNoDataJobs()
	m.IncrementCacheHits()
	m.IncrementPoolServes()
	m.IncrementCacheMisses()
	m.IncrementBudgetDenials()

	snapshot := m.GetSnapshot()

	want := map[string]int64{
		"enqueued_jobs":  2,
		"completed_jobs": 1,
		"retried_jobs":   1,
		"dropped_jobs":   1,
		"no_data_jobs":   1,
		"cache_hits":     1,
		"pool_serves":    1,
		"cache_misses":   1,
		"budget_denials": 1,
	}
	for key, expected := range want {
		if snapshot[key] != expected {
			t.Errorf("expected %s=%d, got %d", key, expected, snapshot[key])
		}
	}
}

func TestMetrics_SnapshotIsCopy(t *testing.T) {
	m := NewMetrics()
	m.IncrementCompletedJobs()

	snapshot := m.GetSnapshot()
	snapshot["completed_jobs"] = 100

	if got := m.GetSnapshot()["completed_jobs"]; got != 1 {
		t.Errorf("expected snapshot mutation to be isolated, got %d", got)
	}
}

func TestMetrics_ConcurrentAccess(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementEnqueuedJobs()
			m.IncrementCompletedJobs()
			m.IncrementCacheHits()
			_ = m.GetSnapshot()
		}()
	}
	wg.Wait()

	snapshot := m.GetSnapshot()
	if snapshot["enqueued_jobs"] != 50 {
		t.Errorf("expected 50 enqueued, got %d", snapshot["enqueued_jobs"])
	}
	if snapshot["completed_jobs"] != 50 {
		t.Errorf("expected 50 completed, got %d", snapshot["completed_jobs"])
	}
	if snapshot["cache_hits"] != 50 {
		t.Errorf("expected 50 cache hits, got %d", snapshot["cache_hits"])
	}
}
