package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"aoer-pipeline/internal/models"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client), mr
}

func testJob(tenantID string, priority models.Priority) *models.RecomputeJob {
	now := time.Now()
	return &models.RecomputeJob{
		ID:          "job-" + tenantID,
		TenantID:    tenantID,
		Priority:    priority,
		ScheduledAt: now,
		MaxRetries:  3,
		CreatedAt:   now,
	}
}

func TestQueue_PushPop(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Push(ctx, testJob("tenant-1", models.PriorityMedium)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	job, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.TenantID != "tenant-1" {
		t.Errorf("expected tenant-1, got %s", job.TenantID)
	}
	if job.Raw == "" {
		t.Error("expected popped job to carry its raw encoding")
	}
}

func TestQueue_PopEmpty(t *testing.T) {
	q, _ := newTestQueue(t)

	job, err := q.Pop(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if job != nil {
		t.Errorf("expected nil job from empty queue, got %+v", job)
	}
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// Enqueue low first: urgent must still come out ahead of it.
	if err := q.Push(ctx, testJob("tenant-low", models.PriorityLow)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := q.Push(ctx, testJob("tenant-urgent", models.PriorityUrgent)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := q.Push(ctx, testJob("tenant-high", models.PriorityHigh)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	want := []string{"tenant-urgent", "tenant-high", "tenant-low"}
	for _, expected := range want {
		job, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if job == nil {
			t.Fatalf("expected job for %s, queue was empty", expected)
		}
		if job.TenantID != expected {
			t.Errorf("expected %s, got %s", expected, job.TenantID)
		}
	}
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, tenant := range []string{"first", "second", "third"} {
		if err := q.Push(ctx, testJob(tenant, models.PriorityMedium)); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}

	for _, expected := range []string{"first", "second", "third"} {
		job, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if job.TenantID != expected {
			t.Errorf("expected %s, got %s", expected, job.TenantID)
		}
	}
}

func TestQueue_PopMovesToInFlight(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Push(ctx, testJob("tenant-1", models.PriorityMedium)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	job, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if depth.InFlight != 1 {
		t.Errorf("expected 1 in-flight job, got %d", depth.InFlight)
	}
	if depth.Pending[models.PriorityMedium] != 0 {
		t.Errorf("expected empty pending queue, got %d", depth.Pending[models.PriorityMedium])
	}

	// A second pop must not return the same job instance.
	second, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if second != nil {
		t.Errorf("expected nil, got duplicate claim of %s", second.TenantID)
	}

	_ = job
}

func TestQueue_AckClearsInFlightAndCounts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Push(ctx, testJob("tenant-1", models.PriorityMedium)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	job, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := q.Ack(ctx, job); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if depth.InFlight != 0 {
		t.Errorf("expected 0 in-flight jobs, got %d", depth.InFlight)
	}
	if depth.Completed != 1 {
		t.Errorf("expected 1 completed job, got %d", depth.Completed)
	}
}

func TestQueue_DiscardClearsInFlightWithoutCompleting(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Push(ctx, testJob("tenant-1", models.PriorityMedium)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	job, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := q.Discard(ctx, job); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if depth.InFlight != 0 {
		t.Errorf("expected 0 in-flight jobs, got %d", depth.InFlight)
	}
	if depth.Completed != 0 {
		t.Errorf("expected 0 completed jobs, got %d", depth.Completed)
	}
}

func TestQueue_ScheduledJobNotVisibleUntilDue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := testJob("tenant-1", models.PriorityMedium)
	job.ScheduledAt = time.Now().Add(1 * time.Hour)
	if err := q.Push(ctx, job); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	popped, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if popped != nil {
		t.Fatalf("future-dated job popped early: %+v", popped)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if depth.Scheduled != 1 {
		t.Errorf("expected 1 scheduled job, got %d", depth.Scheduled)
	}

	// A shortly-due job lands in the scheduled set and is promoted
	// once its time passes.
	due := testJob("tenant-2", models.PriorityMedium)
	due.ScheduledAt = time.Now().Add(150 * time.Millisecond)
	if err := q.Push(ctx, due); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	time.Sleep(250 * time.Millisecond)

	popped, err = q.Pop(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if popped == nil {
		t.Fatal("expected due job to be promoted and popped")
	}
	if popped.TenantID != "tenant-2" {
		t.Errorf("expected tenant-2, got %s", popped.TenantID)
	}
}

func TestQueue_DepthDoesNotMutate(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Push(ctx, testJob("tenant-1", models.PriorityUrgent)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	for i := 0; i < 3; i++ {
		depth, err := q.Depth(ctx)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if depth.Pending[models.PriorityUrgent] != 1 {
			t.Errorf("expected 1 pending urgent job, got %d", depth.Pending[models.PriorityUrgent])
		}
	}
}
