package comparator

import (
	"log/slog"
	"math"
	"time"

	"github.com/quantpilot/rollout-engine/internal/models"
	"github.com/quantpilot/rollout-engine/internal/repo"
)

// Comparator evaluates a treatment cohort against its control and
// produces a signed degradation score. Negative scores mean the
// treatment underperforms.
type Comparator struct {
	logger        *slog.Logger
	minSampleSize int
	significanceT float64
}

// New constructs a Comparator. minSampleSize is the trade count each
// cohort needs before a comparison counts as sufficient; significanceT
// is the absolute Welch t-statistic treated as significant.
func New(logger *slog.Logger, minSampleSize int, significanceT float64) *Comparator {
	if logger == nil {
		logger = slog.Default()
	}
	if minSampleSize <= 0 {
		minSampleSize = 30
	}
	if significanceT <= 0 {
		significanceT = 2.0
	}
	return &Comparator{logger: logger, minSampleSize: minSampleSize, significanceT: significanceT}
}

// Snapshot converts a raw cohort aggregate into a performance snapshot.
func Snapshot(perf *repo.CohortPerformance, at time.Time) models.PerformanceSnapshot {
	snap := models.PerformanceSnapshot{
		TradeCount:  perf.TradeCount,
		NetReturn:   perf.NetReturn,
		MaxDrawdown: perf.MaxDrawdown,
		CapturedAt:  at,
	}
	if perf.TradeCount > 0 {
		snap.WinRate = float64(perf.Wins) / float64(perf.TradeCount)
	}
	if len(perf.Returns) > 1 {
		m := mean(perf.Returns)
		sd := sampleStdDev(perf.Returns, m)
		if sd > 0 {
			snap.RiskAdjustedReturn = m / sd
		}
	}
	return snap
}

// Compare evaluates treatment against control. The comparison is
// marked insufficient when either cohort has fewer trades than the
// minimum sample size; the degradation score is still computed so the
// drawdown kill switch can act on it.
func (c *Comparator) Compare(control, treatment *repo.CohortPerformance, at time.Time) models.CohortComparison {
	cs := Snapshot(control, at)
	ts := Snapshot(treatment, at)

	cmp := models.CohortComparison{
		Control:      cs,
		Treatment:    ts,
		WinRateDelta: ts.WinRate - cs.WinRate,
		ReturnDelta:  ts.RiskAdjustedReturn - cs.RiskAdjustedReturn,
		Sufficient:   control.TradeCount >= c.minSampleSize && treatment.TradeCount >= c.minSampleSize,
		CapturedAt:   at,
	}

	cmp.DegradationScore = degradationScore(cs, ts)

	t, ok := welchT(control.Returns, treatment.Returns)
	if ok {
		cmp.TStatistic = t
		cmp.Significant = cmp.Sufficient && math.Abs(t) >= c.significanceT
	}

	c.logger.Debug("cohort comparison",
		"degradation_score", cmp.DegradationScore,
		"win_rate_delta", cmp.WinRateDelta,
		"t_statistic", cmp.TStatistic,
		"sufficient", cmp.Sufficient)
	return cmp
}

// degradationScore blends the relative win-rate and risk-adjusted
// return deltas. Each component is clamped to [-1, 1] so one extreme
// metric cannot swamp the other.
func degradationScore(control, treatment models.PerformanceSnapshot) float64 {
	winComponent := clamp(relativeDelta(control.WinRate, treatment.WinRate))
	returnComponent := clamp(relativeDelta(control.RiskAdjustedReturn, treatment.RiskAdjustedReturn))
	return 0.4*winComponent + 0.6*returnComponent
}

// relativeDelta is (treatment-control)/|control|, falling back to the
// absolute delta when the control value is near zero.
func relativeDelta(control, treatment float64) float64 {
	if math.Abs(control) < 1e-9 {
		return treatment - control
	}
	return (treatment - control) / math.Abs(control)
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// welchT computes Welch's t-statistic for two unequal-variance return
// samples. ok is false when either sample is too small or both
// variances are zero.
func welchT(control, treatment []float64) (float64, bool) {
	n1, n2 := len(control), len(treatment)
	if n1 < 2 || n2 < 2 {
		return 0, false
	}

	m1, m2 := mean(control), mean(treatment)
	v1 := sampleVariance(control, m1)
	v2 := sampleVariance(treatment, m2)

	denom := math.Sqrt(v1/float64(n1) + v2/float64(n2))
	if denom == 0 {
		return 0, false
	}
	return (m2 - m1) / denom, true
}

func mean(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func sampleVariance(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		diff := v - mean
		sum += diff * diff
	}
	return sum / float64(len(values)-1)
}

func sampleStdDev(values []float64, mean float64) float64 {
	return math.Sqrt(sampleVariance(values, mean))
}
