package repository

import (
	"context"
	"time"

	"aoer-pipeline/internal/models"
)

// Store defines the persistence the pipeline needs: a read-only view
// of raw signals, an upsert-only view of results, an append-only audit
// trail, and the dead-letter records for permanently failed jobs.
type Store interface {
	// SignalWindow returns the tenant's observations from the trailing
	// window, ordered by date descending.
	SignalWindow(ctx context.Context, tenantID string, days int) ([]models.SignalObservation, error)

	// UpsertResult writes the tenant's current result, overwriting any
	// previous one. Repeated writes for the same tenant never append.
	UpsertResult(ctx context.Context, result *models.AOERResult) error

	// GetResult returns the tenant's current result, or nil when none
	// has been computed yet.
	GetResult(ctx context.Context, tenantID string) (*models.AOERResult, error)

	// AppendAuditEvent records one recompute occurrence.
	AppendAuditEvent(ctx context.Context, event *models.AuditEvent) error

	// ActiveTenants returns distinct tenants with any observation since
	// the given time.
	ActiveTenants(ctx context.Context, since time.Time) ([]string, error)

	// RecordPermanentFailure stores a dead-letter record for a job that
	// exhausted its retries.
	RecordPermanentFailure(ctx context.Context, job *models.RecomputeJob, failureReason string) error

	// ListPermanentFailures returns all dead-letter records.
	ListPermanentFailures(ctx context.Context) ([]*models.DeadLetterJob, error)

	// InsertSignal stores one raw observation. The pipeline itself
	// never writes signals; this exists for ingestion and tests.
	InsertSignal(ctx context.Context, obs *models.SignalObservation) error
}
