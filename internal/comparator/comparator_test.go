package comparator

import (
	"math"
	"testing"
	"time"

	"github.com/quantpilot/rollout-engine/internal/repo"
)

func perfWith(trades, wins int, returns []float64) *repo.CohortPerformance {
	net := 0.0
	for _, r := range returns {
		net += r
	}
	return &repo.CohortPerformance{
		TradeCount: trades,
		Wins:       wins,
		Losses:     trades - wins,
		Returns:    returns,
		NetReturn:  net,
	}
}

func flatReturns(n int, base float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		// Small alternating jitter so variance is non-zero.
		out[i] = base + float64(i%2)*0.001 - 0.0005
	}
	return out
}

func TestSnapshotDerivesRates(t *testing.T) {
	now := time.Now()
	snap := Snapshot(perfWith(40, 26, flatReturns(40, 0.01)), now)

	if snap.TradeCount != 40 {
		t.Fatalf("expected 40 trades, got %d", snap.TradeCount)
	}
	if math.Abs(snap.WinRate-0.65) > 1e-9 {
		t.Fatalf("expected win rate 0.65, got %v", snap.WinRate)
	}
	if snap.RiskAdjustedReturn <= 0 {
		t.Fatalf("expected positive risk-adjusted return, got %v", snap.RiskAdjustedReturn)
	}
}

func TestCompareEquivalentCohorts(t *testing.T) {
	c := New(nil, 30, 2.0)
	returns := flatReturns(50, 0.01)

	cmp := c.Compare(perfWith(50, 30, returns), perfWith(50, 30, returns), time.Now())

	if math.Abs(cmp.DegradationScore) > 1e-9 {
		t.Fatalf("expected zero degradation for identical cohorts, got %v", cmp.DegradationScore)
	}
	if !cmp.Sufficient {
		t.Fatalf("expected sufficient comparison")
	}
	if cmp.Significant {
		t.Fatalf("identical cohorts should not be significant")
	}
}

func TestCompareDegradedTreatment(t *testing.T) {
	c := New(nil, 30, 2.0)

	control := perfWith(60, 40, flatReturns(60, 0.02))
	treatment := perfWith(60, 24, flatReturns(60, -0.01))

	cmp := c.Compare(control, treatment, time.Now())

	if cmp.DegradationScore >= 0 {
		t.Fatalf("expected negative degradation score, got %v", cmp.DegradationScore)
	}
	if cmp.WinRateDelta >= 0 {
		t.Fatalf("expected negative win rate delta, got %v", cmp.WinRateDelta)
	}
	if !cmp.Sufficient {
		t.Fatalf("expected sufficient comparison")
	}
	if !cmp.Significant {
		t.Fatalf("expected clearly degraded treatment to be significant, t=%v", cmp.TStatistic)
	}
	if cmp.TStatistic >= 0 {
		t.Fatalf("expected negative t-statistic, got %v", cmp.TStatistic)
	}
}

func TestCompareInsufficientSamples(t *testing.T) {
	c := New(nil, 30, 2.0)

	control := perfWith(50, 30, flatReturns(50, 0.02))
	treatment := perfWith(10, 2, flatReturns(10, -0.05))

	cmp := c.Compare(control, treatment, time.Now())

	if cmp.Sufficient {
		t.Fatalf("expected insufficient comparison with 10 treatment trades")
	}
	if cmp.Significant {
		t.Fatalf("insufficient comparisons must never be significant")
	}
	// The score is still computed for the kill switch path.
	if cmp.DegradationScore >= 0 {
		t.Fatalf("expected negative score, got %v", cmp.DegradationScore)
	}
}

func TestWelchTKnownValues(t *testing.T) {
	control := []float64{0.01, 0.02, 0.015, 0.012, 0.018}
	treatment := []float64{-0.01, -0.02, -0.015, -0.012, -0.018}

	got, ok := welchT(control, treatment)
	if !ok {
		t.Fatalf("expected computable t-statistic")
	}
	if got >= 0 {
		t.Fatalf("expected negative t for worse treatment, got %v", got)
	}
	if math.Abs(got) < 5 {
		t.Fatalf("expected strongly separated samples, |t|=%v", math.Abs(got))
	}
}

func TestWelchTZeroVariance(t *testing.T) {
	same := []float64{0.01, 0.01, 0.01}
	if _, ok := welchT(same, same); ok {
		t.Fatalf("expected no t-statistic for zero variance samples")
	}
	if _, ok := welchT([]float64{0.01}, []float64{0.02, 0.03}); ok {
		t.Fatalf("expected no t-statistic for single-element sample")
	}
}
