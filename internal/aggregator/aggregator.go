package aggregator

import (
	"errors"
	"math"
	"time"

	"aoer-pipeline/internal/models"
)

// ErrNoData is returned when a tenant has no observations in the
// window. Callers must treat this distinctly from a low score: 0 is a
// valid score, "no data" is not.
var ErrNoData = errors.New("no signal observations in window")

// Component weights for the composite score.
const (
	weightA = 0.40
	weightB = 0.35
	weightC = 0.25
)

// Volatility penalty: the raw blend is scaled by
// 1 - min(volatility/volatilityScale, maxVolatilityPenalty), so noise
// can shave at most 30% off the score.
const (
	volatilityScale      = 20.0
	maxVolatilityPenalty = 0.30
)

// Risk classification thresholds, checked in order. The first match
// wins: data starvation dominates staleness, which dominates noise.
const (
	minObservations   = 5
	staleAfter        = 7 * 24 * time.Hour
	volatilityRiskBar = 15.0

	riskLow        = 0.2
	riskMedium     = 0.4
	riskMediumHigh = 0.6
	riskHigh       = 0.8
)

// Compute derives a tenant's composite exposure score from its signal
// window. Pure and deterministic: identical input produces identical
// output, and nothing is read or written anywhere.
func Compute(tenantID string, window []models.SignalObservation) (*models.AOERResult, error) {
	if len(window) == 0 {
		return nil, ErrNoData
	}

	valuesA := positiveValues(window, func(o models.SignalObservation) float64 { return o.SignalA })
	valuesB := positiveValues(window, func(o models.SignalObservation) float64 { return o.SignalB })
	valuesC := positiveValues(window, func(o models.SignalObservation) float64 { return o.SignalC })

	avgA := mean(valuesA)
	avgB := mean(valuesB)
	avgC := mean(valuesC)

	volatility := sampleStdDev(valuesA)

	blend := weightA*avgA + weightB*avgB + weightC*avgC
	penalty := 1 - math.Min(volatility/volatilityScale, maxVolatilityPenalty)

	score := blend * penalty
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return &models.AOERResult{
		TenantID:       tenantID,
		AOERScore:      round2(score),
		VisibilityRisk: round2(classifyRisk(window, volatility)),
		Market:         newestMarket(window),
		Metrics: models.ResultMetrics{
			AvgSignalA: round2(avgA),
			AvgSignalB: round2(avgB),
			AvgSignalC: round2(avgC),
			Volatility: round2(volatility),
			DataPoints: len(window),
		},
		LastUpdated: time.Now(),
	}, nil
}

// classifyRisk applies the escalation rules in order and stops at the
// first match.
func classifyRisk(window []models.SignalObservation, volatility float64) float64 {
	if len(window) < minObservations {
		return riskHigh
	}
	if time.Since(newestObservation(window)) > staleAfter {
		return riskMediumHigh
	}
	if volatility > volatilityRiskBar {
		return riskMedium
	}
	return riskLow
}

// positiveValues extracts one component across the window, keeping
// only strictly positive values. Missing or zero components are
// excluded from that component's average, not treated as zero.
func positiveValues(window []models.SignalObservation, pick func(models.SignalObservation) float64) []float64 {
	var out []float64
	for _, obs := range window {
		if v := pick(obs); v > 0 {
			out = append(out, v)
		}
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// sampleStdDev uses the n-1 denominator; 0 when n <= 1.
func sampleStdDev(values []float64) float64 {
	if len(values) <= 1 {
		return 0
	}
	m := mean(values)
	var sumSquares float64
	for _, v := range values {
		d := v - m
		sumSquares += d * d
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

func newestObservation(window []models.SignalObservation) time.Time {
	newest := window[0].ObservedAt
	for _, obs := range window[1:] {
		if obs.ObservedAt.After(newest) {
			newest = obs.ObservedAt
		}
	}
	return newest
}

// newestMarket returns the market of the most recent observation that
// carries one, used as the tenant's pool bucket.
func newestMarket(window []models.SignalObservation) string {
	var market string
	var at time.Time
	for _, obs := range window {
		if obs.Market != "" && (market == "" || obs.ObservedAt.After(at)) {
			market = obs.Market
			at = obs.ObservedAt
		}
	}
	return market
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
