package aggregator

import (
	"errors"
	"testing"
	"time"

	"aoer-pipeline/internal/models"
)

func constantWindow(n int, a, b, c float64) []models.SignalObservation {
	window := make([]models.SignalObservation, 0, n)
	for i := 0; i < n; i++ {
		window = append(window, models.SignalObservation{
			TenantID:   "tenant-1",
			SignalA:    a,
			SignalB:    b,
			SignalC:    c,
			ObservedAt: time.Now().Add(-time.Duration(i) * 24 * time.Hour),
		})
	}
	return window
}

func TestCompute_EmptyWindow(t *testing.T) {
	result, err := Compute("tenant-1", nil)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result for empty window, got %+v", result)
	}
}

func TestCompute_ConstantSignals(t *testing.T) {
	// 10 daily observations, A=80 B=70 C=60: volatility 0, no penalty,
	// score = 0.40*80 + 0.35*70 + 0.25*60 = 71.5
	result, err := Compute("tenant-1", constantWindow(10, 80, 70, 60))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if result.AOERScore != 71.5 {
		t.Errorf("expected score 71.5, got %v", result.AOERScore)
	}
	if result.Metrics.Volatility != 0 {
		t.Errorf("expected volatility 0, got %v", result.Metrics.Volatility)
	}
	if result.VisibilityRisk != 0.2 {
		t.Errorf("expected risk 0.2, got %v", result.VisibilityRisk)
	}
	if result.Metrics.DataPoints != 10 {
		t.Errorf("expected 10 data points, got %d", result.Metrics.DataPoints)
	}
}

func TestCompute_FewObservationsAlwaysHighRisk(t *testing.T) {
	// Same strong averages but only 3 observations: data starvation
	// dominates everything else.
	result, err := Compute("tenant-1", constantWindow(3, 80, 70, 60))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if result.VisibilityRisk != 0.8 {
		t.Errorf("expected risk 0.8 for sparse data, got %v", result.VisibilityRisk)
	}
}

func TestCompute_StaleDataMediumHighRisk(t *testing.T) {
	window := constantWindow(10, 80, 70, 60)
	for i := range window {
		window[i].ObservedAt = window[i].ObservedAt.Add(-10 * 24 * time.Hour)
	}

	result, err := Compute("tenant-1", window)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if result.VisibilityRisk != 0.6 {
		t.Errorf("expected risk 0.6 for stale data, got %v", result.VisibilityRisk)
	}
}

func TestCompute_VolatileDataMediumRisk(t *testing.T) {
	// Alternating A values with stddev well over 15, fresh and plentiful.
	window := constantWindow(10, 80, 70, 60)
	for i := range window {
		if i%2 == 0 {
			window[i].SignalA = 30
		} else {
			window[i].SignalA = 90
		}
	}

	result, err := Compute("tenant-1", window)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if result.VisibilityRisk != 0.4 {
		t.Errorf("expected risk 0.4 for volatile data, got %v", result.VisibilityRisk)
	}
	if result.Metrics.Volatility <= 15 {
		t.Errorf("expected volatility above 15, got %v", result.Metrics.Volatility)
	}
}

func TestCompute_ZeroComponentsExcludedFromAverage(t *testing.T) {
	// A is 80 on half the observations and 0 (unmeasured) on the rest;
	// the zeros must not drag the average down.
	window := constantWindow(10, 80, 70, 60)
	for i := range window {
		if i%2 == 0 {
			window[i].SignalA = 0
		}
	}

	result, err := Compute("tenant-1", window)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if result.Metrics.AvgSignalA != 80 {
		t.Errorf("expected avg A 80 with zeros excluded, got %v", result.Metrics.AvgSignalA)
	}
}

func TestCompute_VolatilityPenaltyMonotonic(t *testing.T) {
	// Increasing volatility while holding averages constant never
	// increases the score.
	steady, err := Compute("tenant-1", constantWindow(10, 80, 70, 60))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	noisy := constantWindow(10, 80, 70, 60)
	for i := range noisy {
		if i%2 == 0 {
			noisy[i].SignalA = 70
		} else {
			noisy[i].SignalA = 90
		}
	}
	noisyResult, err := Compute("tenant-1", noisy)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if noisyResult.AOERScore > steady.AOERScore {
		t.Errorf("noisy score %v exceeds steady score %v", noisyResult.AOERScore, steady.AOERScore)
	}
}

func TestCompute_PenaltyCappedAt30Percent(t *testing.T) {
	// Extreme volatility: penalty factor must floor at 0.70.
	window := constantWindow(10, 80, 70, 60)
	for i := range window {
		if i%2 == 0 {
			window[i].SignalA = 10
		} else {
			window[i].SignalA = 150
		}
	}

	result, err := Compute("tenant-1", window)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	avgA := result.Metrics.AvgSignalA
	blend := 0.40*avgA + 0.35*70 + 0.25*60
	floor := blend * 0.70

	if result.AOERScore < floor-0.01 {
		t.Errorf("score %v fell below the 30%% penalty floor %v", result.AOERScore, floor)
	}
}

func TestCompute_ScoreAndRiskBounds(t *testing.T) {
	windows := [][]models.SignalObservation{
		constantWindow(1, 0.5, 0.1, 0.2),
		constantWindow(10, 100, 100, 100),
		constantWindow(4, 250, 250, 250),
		constantWindow(12, 1, 0, 0),
	}

	for i, window := range windows {
		result, err := Compute("tenant-1", window)
		if err != nil {
			t.Fatalf("window %d: expected no error, got %v", i, err)
		}
		if result.AOERScore < 0 || result.AOERScore > 100 {
			t.Errorf("window %d: score %v out of [0,100]", i, result.AOERScore)
		}
		if result.VisibilityRisk < 0 || result.VisibilityRisk > 1 {
			t.Errorf("window %d: risk %v out of [0,1]", i, result.VisibilityRisk)
		}
	}
}

func TestCompute_Deterministic(t *testing.T) {
	window := constantWindow(8, 55.5, 44.4, 33.3)

	first, err := Compute("tenant-1", window)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	second, err := Compute("tenant-1", window)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if first.AOERScore != second.AOERScore || first.VisibilityRisk != second.VisibilityRisk {
		t.Errorf("identical input produced different output: %+v vs %+v", first, second)
	}
}

func TestCompute_MarketFromNewestObservation(t *testing.T) {
	window := constantWindow(6, 80, 70, 60)
	window[0].Market = "us-southeast"
	window[3].Market = "us-midwest"

	result, err := Compute("tenant-1", window)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if result.Market != "us-southeast" {
		t.Errorf("expected market from newest observation, got %q", result.Market)
	}
}
