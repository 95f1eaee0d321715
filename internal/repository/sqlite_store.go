package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"aoer-pipeline/internal/models"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// initSchema initializes the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS signals (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		market TEXT,
		signal_a REAL NOT NULL DEFAULT 0,
		signal_b REAL NOT NULL DEFAULT 0,
		signal_c REAL NOT NULL DEFAULT 0,
		observed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_signals_tenant_date ON signals(tenant_id, observed_at);
	CREATE INDEX IF NOT EXISTS idx_signals_observed_at ON signals(observed_at);

	CREATE TABLE IF NOT EXISTS aoer_results (
		tenant_id TEXT PRIMARY KEY,
		aoer_score REAL NOT NULL,
		visibility_risk REAL NOT NULL,
		market TEXT,
		avg_signal_a REAL NOT NULL DEFAULT 0,
		avg_signal_b REAL NOT NULL DEFAULT 0,
		avg_signal_c REAL NOT NULL DEFAULT 0,
		volatility REAL NOT NULL DEFAULT 0,
		data_points INTEGER NOT NULL DEFAULT 0,
		last_updated INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		aoer_score REAL NOT NULL,
		visibility_risk REAL NOT NULL,
		data_points INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_tenant_id ON audit_events(tenant_id);

	CREATE TABLE IF NOT EXISTS dead_letter_jobs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		failure_reason TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		failed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dlq_tenant_id ON dead_letter_jobs(tenant_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SignalWindow returns a tenant's observations from the trailing window, newest first
func (s *SQLiteStore) SignalWindow(ctx context.Context, tenantID string, days int) ([]models.SignalObservation, error) {
	query := `
		SELECT tenant_id, market, signal_a, signal_b, signal_c, observed_at
		FROM signals
		WHERE tenant_id = ? AND observed_at >= ?
		ORDER BY observed_at DESC
	`

	cutoff := time.Now().AddDate(0, 0, -days).Unix()

	rows, err := s.db.QueryContext(ctx, query, tenantID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var window []models.SignalObservation
	for rows.Next() {
		var obs models.SignalObservation
		var market sql.NullString
		var observedAt int64

		if err := rows.Scan(&obs.TenantID, &market, &obs.SignalA, &obs.SignalB, &obs.SignalC, &observedAt); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}

		if market.Valid {
			obs.Market = market.String
		}
		obs.ObservedAt = time.Unix(observedAt, 0)
		window = append(window, obs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate signals: %w", err)
	}

	return window, nil
}

// UpsertResult writes the tenant's current result, keyed uniquely by tenant
func (s *SQLiteStore) UpsertResult(ctx context.Context, result *models.AOERResult) error {
	query := `
		INSERT INTO aoer_results (tenant_id, aoer_score, visibility_risk, market,
			avg_signal_a, avg_signal_b, avg_signal_c, volatility, data_points, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			aoer_score = excluded.aoer_score,
			visibility_risk = excluded.visibility_risk,
			market = excluded.market,
			avg_signal_a = excluded.avg_signal_a,
			avg_signal_b = excluded.avg_signal_b,
			avg_signal_c = excluded.avg_signal_c,
			volatility = excluded.volatility,
			data_points = excluded.data_points,
			last_updated = excluded.last_updated
	`

	var market interface{}
	if result.Market != "" {
		market = result.Market
	}

	_, err := s.db.ExecContext(ctx, query,
		result.TenantID,
		result.AOERScore,
		result.VisibilityRisk,
		market,
		result.Metrics.AvgSignalA,
		result.Metrics.AvgSignalB,
		result.Metrics.AvgSignalC,
		result.Metrics.Volatility,
		result.Metrics.DataPoints,
		result.LastUpdated.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert result: %w", err)
	}

	return nil
}

// GetResult retrieves a tenant's current result, nil when absent
func (s *SQLiteStore) GetResult(ctx context.Context, tenantID string) (*models.AOERResult, error) {
	query := `
		SELECT tenant_id, aoer_score, visibility_risk, market,
		       avg_signal_a, avg_signal_b, avg_signal_c, volatility, data_points, last_updated
		FROM aoer_results
		WHERE tenant_id = ?
	`

	var result models.AOERResult
	var market sql.NullString
	var lastUpdated int64

	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&result.TenantID,
		&result.AOERScore,
		&result.VisibilityRisk,
		&market,
		&result.Metrics.AvgSignalA,
		&result.Metrics.AvgSignalB,
		&result.Metrics.AvgSignalC,
		&result.Metrics.Volatility,
		&result.Metrics.DataPoints,
		&lastUpdated,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	if market.Valid {
		result.Market = market.String
	}
	result.LastUpdated = time.Unix(lastUpdated, 0)

	return &result, nil
}

// AppendAuditEvent records one recompute occurrence
func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	query := `
		INSERT INTO audit_events (id, tenant_id, job_id, aoer_score, visibility_risk, data_points, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	id := event.ID
	if id == "" {
		id = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, query,
		id,
		event.TenantID,
		event.JobID,
		event.AOERScore,
		event.VisibilityRisk,
		event.DataPoints,
		event.RecordedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}

	return nil
}

// ActiveTenants returns distinct tenants with observations since the given time
func (s *SQLiteStore) ActiveTenants(ctx context.Context, since time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT tenant_id
		FROM signals
		WHERE observed_at >= ?
		ORDER BY tenant_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query active tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenantID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tenants: %w", err)
	}

	return tenants, nil
}

// RecordPermanentFailure stores a dead-letter record for a job that exhausted its retries
func (s *SQLiteStore) RecordPermanentFailure(ctx context.Context, job *models.RecomputeJob, failureReason string) error {
	query := `
		INSERT INTO dead_letter_jobs (id, job_id, tenant_id, failure_reason, retry_count, failed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		uuid.New().String(),
		job.ID,
		job.TenantID,
		failureReason,
		job.RetryCount,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record permanent failure: %w", err)
	}

	return nil
}

// ListPermanentFailures retrieves all dead-letter records
func (s *SQLiteStore) ListPermanentFailures(ctx context.Context) ([]*models.DeadLetterJob, error) {
	query := `
		SELECT id, job_id, tenant_id, failure_reason, retry_count, failed_at
		FROM dead_letter_jobs
		ORDER BY failed_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letter jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.DeadLetterJob
	for rows.Next() {
		var job models.DeadLetterJob
		var failedAt int64

		if err := rows.Scan(&job.ID, &job.JobID, &job.TenantID, &job.FailureReason, &job.RetryCount, &failedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter job: %w", err)
		}

		job.FailedAt = time.Unix(failedAt, 0)
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letter jobs: %w", err)
	}

	return jobs, nil
}

// InsertSignal stores one raw observation
func (s *SQLiteStore) InsertSignal(ctx context.Context, obs *models.SignalObservation) error {
	query := `
		INSERT INTO signals (id, tenant_id, market, signal_a, signal_b, signal_c, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	var market interface{}
	if obs.Market != "" {
		market = obs.Market
	}

	_, err := s.db.ExecContext(ctx, query,
		uuid.New().String(),
		obs.TenantID,
		market,
		obs.SignalA,
		obs.SignalB,
		obs.SignalC,
		obs.ObservedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}

	return nil
}
