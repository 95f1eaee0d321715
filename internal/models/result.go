package models

import "time"

// SignalObservation is one raw visibility measurement for a tenant.
// The three components are normalized upstream; a zero or negative
// component means "not measured", not a measured zero.
type SignalObservation struct {
	TenantID   string    `json:"tenant_id"`
	Market     string    `json:"market,omitempty"`
	SignalA    float64   `json:"signal_a"`
	SignalB    float64   `json:"signal_b"`
	SignalC    float64   `json:"signal_c"`
	ObservedAt time.Time `json:"observed_at"`
}

// ResultMetrics carries the component breakdown behind a score, kept
// for transparency and debugging.
type ResultMetrics struct {
	AvgSignalA float64 `json:"avg_signal_a"`
	AvgSignalB float64 `json:"avg_signal_b"`
	AvgSignalC float64 `json:"avg_signal_c"`
	Volatility float64 `json:"volatility"`
	DataPoints int     `json:"data_points"`
}

// AOERResult is a tenant's current composite exposure score. One row
// per tenant; recomputes overwrite, they never append.
type AOERResult struct {
	TenantID       string        `json:"tenant_id"`
	AOERScore      float64       `json:"aoer_score"`
	VisibilityRisk float64       `json:"visibility_risk"`
	Market         string        `json:"market,omitempty"`
	Metrics        ResultMetrics `json:"metrics"`
	LastUpdated    time.Time     `json:"last_updated"`
}

// AuditEvent records one recompute occurrence and its result summary.
type AuditEvent struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	JobID          string    `json:"job_id"`
	AOERScore      float64   `json:"aoer_score"`
	VisibilityRisk float64   `json:"visibility_risk"`
	DataPoints     int       `json:"data_points"`
	RecordedAt     time.Time `json:"recorded_at"`
}
