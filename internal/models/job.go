package models

import "time"

// Priority controls which pending queue a job lands in. Higher
// priorities are always drained before lower ones.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// RecomputeJob is one request to recompute a tenant's AOER result.
// Jobs are at-least-once: duplicate jobs for the same tenant may
// coexist in the queue, which is safe because the recompute is
// idempotent (last writer wins on the tenant's result row).
type RecomputeJob struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Priority    Priority  `json:"priority"`
	ScheduledAt time.Time `json:"scheduled_at"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	CreatedAt   time.Time `json:"created_at"`

	// Raw holds the exact queue encoding of this job instance so the
	// in-flight marker can be cleared with a list remove. Set on pop,
	// never serialized.
	Raw string `json:"-"`
}

// DeadLetterJob records a job that exhausted its retries. Permanent
// failures are kept for diagnostics rather than silently dropped.
type DeadLetterJob struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	TenantID      string    `json:"tenant_id"`
	FailureReason string    `json:"failure_reason"`
	RetryCount    int       `json:"retry_count"`
	FailedAt      time.Time `json:"failed_at"`
}
