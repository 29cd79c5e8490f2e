package guard

import (
	"fmt"
	"log/slog"

	"github.com/quantpilot/rollout-engine/internal/models"
)

// Rule names reported in rollback reasons and metrics labels.
const (
	RuleDegradation   = "degradation_threshold"
	RuleDrawdown      = "drawdown_kill_switch"
	RuleEmergencyStop = "emergency_stop"
)

// Verdict is the guard's decision for one comparison.
type Verdict struct {
	Rollback bool
	Rule     string
	Reason   string
}

// Guard decides whether a test must be rolled back based on the latest
// cohort comparison. Its thresholds are snapshots of the pipeline
// settings and are replaced wholesale on config reload.
type Guard struct {
	logger             *slog.Logger
	rollbackThreshold  float64
	drawdownKillSwitch float64
}

// New constructs a Guard. rollbackThreshold must be negative;
// drawdownKillSwitch is an absolute drawdown fraction.
func New(logger *slog.Logger, rollbackThreshold, drawdownKillSwitch float64) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		logger:             logger,
		rollbackThreshold:  rollbackThreshold,
		drawdownKillSwitch: drawdownKillSwitch,
	}
}

// Check evaluates the comparison against both rollback rules.
//
// The degradation rule fires only on sufficient comparisons: a noisy
// small sample must not kill a test. The drawdown kill switch fires
// regardless of sample size; capital loss is not a statistics problem.
func (g *Guard) Check(cmp models.CohortComparison) Verdict {
	if cmp.Treatment.MaxDrawdown >= g.drawdownKillSwitch {
		reason := fmt.Sprintf("treatment drawdown %.4f breached kill switch %.4f",
			cmp.Treatment.MaxDrawdown, g.drawdownKillSwitch)
		g.logger.Warn("rollback triggered", "rule", RuleDrawdown, "reason", reason)
		return Verdict{Rollback: true, Rule: RuleDrawdown, Reason: reason}
	}

	if cmp.Sufficient && cmp.DegradationScore <= g.rollbackThreshold {
		reason := fmt.Sprintf("degradation score %.4f breached threshold %.4f (win rate delta %.4f, t=%.2f)",
			cmp.DegradationScore, g.rollbackThreshold, cmp.WinRateDelta, cmp.TStatistic)
		g.logger.Warn("rollback triggered", "rule", RuleDegradation, "reason", reason)
		return Verdict{Rollback: true, Rule: RuleDegradation, Reason: reason}
	}

	return Verdict{}
}
