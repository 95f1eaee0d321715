package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"aoer-pipeline/internal/aggregator"
	"aoer-pipeline/internal/budget"
	"aoer-pipeline/internal/cache"
	"aoer-pipeline/internal/metrics"
	"aoer-pipeline/internal/models"
	"aoer-pipeline/internal/queue"
	"aoer-pipeline/internal/repository"
)

var (
	ErrEmptyTenant     = errors.New("tenant id is required")
	ErrInvalidPriority = errors.New("invalid job priority")
)

const (
	defaultMaxRetries    = 3
	defaultWindowDays    = 30
	defaultPollInterval  = 5 * time.Second
	defaultErrorInterval = 10 * time.Second
	defaultJobTimeout    = 2 * time.Minute

	// How long a budget-deferred job waits before becoming eligible
	// again. Not a retry: the job keeps its retry count.
	budgetDeferDelay = 30 * time.Minute
)

// Orchestrator owns the RecomputeJob lifecycle: it is the only
// component that enqueues, claims, retries, and drops jobs, and the
// sole writer of AOER results. Multiple orchestrator processes can run
// against the same queue; the queue's atomic pop keeps them from
// claiming the same job instance.
type Orchestrator struct {
	queue   *queue.Queue
	store   repository.Store
	ledger  *budget.Ledger
	cache   *cache.Cache
	metrics *metrics.Metrics

	windowDays    int
	pollInterval  time.Duration
	errorInterval time.Duration
	jobTimeout    time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWindowDays sets the trailing signal window used for recomputes.
func WithWindowDays(days int) Option {
	return func(o *Orchestrator) { o.windowDays = days }
}

// WithPollInterval sets the idle sleep between empty polls.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.pollInterval = d }
}

// WithErrorInterval sets the longer sleep after an unexpected error,
// a crude backpressure valve against systemic failure.
func WithErrorInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.errorInterval = d }
}

// WithJobTimeout bounds the aggregate-and-persist step so a hung
// storage call cannot stall a worker indefinitely.
func WithJobTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.jobTimeout = d }
}

// WithLedger gates recomputes behind the budget ledger. Optional: with
// no ledger every job runs unmetered.
func WithLedger(l *budget.Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithCache publishes fresh results into the value cache (and the
// tenant's market pool) after each successful recompute.
func WithCache(c *cache.Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// New creates an orchestrator over a queue and a store.
func New(q *queue.Queue, store repository.Store, m *metrics.Metrics, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queue:         q,
		store:         store,
		metrics:       m,
		windowDays:    defaultWindowDays,
		pollInterval:  defaultPollInterval,
		errorInterval: defaultErrorInterval,
		jobTimeout:    defaultJobTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enqueue pushes a new recompute job for the tenant. Not idempotent:
// duplicate enqueues for the same tenant may coexist in the queue,
// which is an accepted tradeoff since the recompute itself is
// idempotent.
func (o *Orchestrator) Enqueue(ctx context.Context, tenantID string, priority models.Priority) (*models.RecomputeJob, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return nil, ErrInvalidPriority
	}

	now := time.Now()
	job := &models.RecomputeJob{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Priority:    priority,
		ScheduledAt: now,
		RetryCount:  0,
		MaxRetries:  defaultMaxRetries,
		CreatedAt:   now,
	}

	if err := o.queue.Push(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	o.metrics.IncrementEnqueuedJobs()
	log.Printf("job_id=%s: recompute enqueued, tenant_id=%s priority=%s", job.ID, tenantID, priority)
	return job, nil
}

// Run is the long-lived worker loop. It polls the queue, sleeping
// between empty polls and sleeping longer after unexpected errors so a
// storage outage does not become a hot loop. On cancellation it
// finishes the job currently in flight, then returns ctx.Err().
func (o *Orchestrator) Run(ctx context.Context) error {
	log.Printf("worker started, window_days=%d poll_interval=%s", o.windowDays, o.pollInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			job, err := o.queue.Pop(ctx)
			if err != nil {
				log.Printf("error popping job: %v", err)
				sleepCtx(ctx, o.errorInterval)
				continue
			}

			if job == nil {
				// No jobs eligible
				sleepCtx(ctx, o.pollInterval)
				continue
			}

			log.Printf("job_id=%s: job claimed, tenant_id=%s priority=%s attempt=%d",
				job.ID, job.TenantID, job.Priority, job.RetryCount+1)

			o.processJob(job)
		}
	}
}

// processJob runs one claimed job to a terminal state. The in-flight
// marker is always cleared on the way out, whatever happens. The job
// itself runs detached from the loop context so a shutdown signal lets
// it finish; only the per-job timeout cancels it.
func (o *Orchestrator) processJob(job *models.RecomputeJob) {
	cleared := false
	defer func() {
		if !cleared {
			if err := o.queue.Discard(context.Background(), job); err != nil {
				log.Printf("job_id=%s: error clearing in-flight marker: %v", job.ID, err)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), o.jobTimeout)
	defer cancel()

	if o.ledger != nil {
		decision, err := o.ledger.CanMakeQuery(ctx)
		if err != nil {
			o.handleFailure(job, fmt.Errorf("budget check failed: %w", err))
			return
		}
		if !decision.Allowed {
			// Not a failure: defer the job without consuming a retry.
			o.deferForBudget(job, decision.Reason)
			return
		}
	}

	window, err := o.store.SignalWindow(ctx, job.TenantID, o.windowDays)
	if err != nil {
		o.handleFailure(job, fmt.Errorf("failed to read signal window: %w", err))
		return
	}

	result, err := aggregator.Compute(job.TenantID, window)
	if errors.Is(err, aggregator.ErrNoData) {
		// Nothing to score; any last-known-good result stays in place.
		o.metrics.IncrementNoDataJobs()
		log.Printf("job_id=%s: no signal data for tenant_id=%s, skipping recompute", job.ID, job.TenantID)
		o.ack(job)
		cleared = true
		return
	}
	if err != nil {
		o.handleFailure(job, fmt.Errorf("aggregation failed: %w", err))
		return
	}

	// A job that computed but did not persist has not succeeded.
	if err := o.store.UpsertResult(ctx, result); err != nil {
		o.handleFailure(job, fmt.Errorf("failed to persist result: %w", err))
		return
	}

	event := &models.AuditEvent{
		ID:             uuid.New().String(),
		TenantID:       job.TenantID,
		JobID:          job.ID,
		AOERScore:      result.AOERScore,
		VisibilityRisk: result.VisibilityRisk,
		DataPoints:     result.Metrics.DataPoints,
		RecordedAt:     time.Now(),
	}
	if err := o.store.AppendAuditEvent(ctx, event); err != nil {
		o.handleFailure(job, fmt.Errorf("failed to record audit event: %w", err))
		return
	}

	o.publishResult(ctx, result)

	if o.ledger != nil {
		// Exactly once per recompute that actually ran.
		if err := o.ledger.RecordQuery(ctx, "aggregator", 0); err != nil {
			log.Printf("job_id=%s: error recording budget consumption: %v", job.ID, err)
		}
	}

	o.ack(job)
	cleared = true
	o.metrics.IncrementCompletedJobs()
	log.Printf("job_id=%s: recompute completed, tenant_id=%s score=%.2f risk=%.2f data_points=%d",
		job.ID, job.TenantID, result.AOERScore, result.VisibilityRisk, result.Metrics.DataPoints)
}

// handleFailure re-enqueues with exponential backoff until retries are
// exhausted, then records a permanent failure. Jobs are never dropped
// without a trace.
func (o *Orchestrator) handleFailure(job *models.RecomputeJob, cause error) {
	if job.RetryCount < job.MaxRetries {
		backoff := time.Duration(math.Pow(2, float64(job.RetryCount))) * time.Minute

		retry := *job
		retry.RetryCount++
		retry.ScheduledAt = time.Now().Add(backoff)
		retry.Raw = ""

		if err := o.queue.Push(context.Background(), &retry); err != nil {
			log.Printf("job_id=%s: error re-enqueueing job: %v", job.ID, err)
			return
		}

		o.metrics.IncrementRetriedJobs()
		log.Printf("job_id=%s: job failed, retrying in %s (attempt %d/%d), reason: %v",
			job.ID, backoff, retry.RetryCount, job.MaxRetries, cause)
		return
	}

	if err := o.store.RecordPermanentFailure(context.Background(), job, cause.Error()); err != nil {
		log.Printf("job_id=%s: error recording permanent failure: %v", job.ID, err)
	}

	o.metrics.IncrementDroppedJobs()
	log.Printf("job_id=%s: job dropped after %d attempts, tenant_id=%s, reason: %v",
		job.ID, job.RetryCount+1, job.TenantID, cause)
}

// deferForBudget pushes the job back with a future eligibility time,
// keeping its retry count. Budget exhaustion is control flow, not an
// error.
func (o *Orchestrator) deferForBudget(job *models.RecomputeJob, reason string) {
	deferred := *job
	deferred.ScheduledAt = time.Now().Add(budgetDeferDelay)
	deferred.Raw = ""

	if err := o.queue.Push(context.Background(), &deferred); err != nil {
		log.Printf("job_id=%s: error deferring job: %v", job.ID, err)
		return
	}
	log.Printf("job_id=%s: recompute deferred %s, reason: %s", job.ID, budgetDeferDelay, reason)
}

// publishResult pushes the fresh result into the value cache, folding
// it into the tenant's market pool so cache misses elsewhere can be
// served a pooled average. Cache trouble never fails the job.
func (o *Orchestrator) publishResult(ctx context.Context, result *models.AOERResult) {
	if o.cache == nil {
		return
	}

	value := map[string]float64{
		"aoer_score":      result.AOERScore,
		"visibility_risk": result.VisibilityRisk,
		"volatility":      result.Metrics.Volatility,
	}
	opts := cache.Options{}
	if result.Market != "" {
		opts.PoolID = "market:" + result.Market
	}
	if err := o.cache.Set(ctx, ResultCacheKey(result.TenantID), value, opts); err != nil {
		log.Printf("error caching result for tenant_id=%s: %v", result.TenantID, err)
	}
}

// ScheduleBulkRecompute enqueues a low-priority refresh for every
// tenant with recent activity. The steady-state refresh mechanism,
// intended to run hourly; returns how many jobs were enqueued.
func (o *Orchestrator) ScheduleBulkRecompute(ctx context.Context) (int, error) {
	since := time.Now().AddDate(0, 0, -o.windowDays)
	tenants, err := o.store.ActiveTenants(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate active tenants: %w", err)
	}

	if o.ledger != nil && len(tenants) > 0 {
		decision, err := o.ledger.CanAffordBatch(ctx, len(tenants))
		if err != nil {
			return 0, fmt.Errorf("budget check failed: %w", err)
		}
		if !decision.Allowed {
			log.Printf("bulk recompute skipped: %s", decision.Reason)
			return 0, nil
		}
	}

	enqueued := 0
	for _, tenantID := range tenants {
		if _, err := o.Enqueue(ctx, tenantID, models.PriorityLow); err != nil {
			log.Printf("error enqueueing bulk recompute for tenant_id=%s: %v", tenantID, err)
			continue
		}
		enqueued++
	}

	log.Printf("bulk recompute scheduled for %d tenants", enqueued)
	return enqueued, nil
}

// QueueDepth reports pending/in-flight/completed counts. Read-only.
func (o *Orchestrator) QueueDepth(ctx context.Context) (*queue.Depth, error) {
	return o.queue.Depth(ctx)
}

// ResultCacheKey is the direct-cache key for a tenant's result.
func ResultCacheKey(tenantID string) string {
	return "result:" + tenantID
}

func (o *Orchestrator) ack(job *models.RecomputeJob) {
	if err := o.queue.Ack(context.Background(), job); err != nil {
		log.Printf("job_id=%s: error acking job: %v", job.ID, err)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
