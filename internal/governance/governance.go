package governance

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/quantpilot/rollout-engine/internal/models"
	"github.com/quantpilot/rollout-engine/internal/utils"
)

// Gate enforces the human sign-off required before a test may advance
// past the configured review phase. Approvals are append-only; nothing
// here ever removes one.
type Gate struct {
	logger      *slog.Logger
	reviewPhase models.Phase
	disabled    bool
}

// New constructs a Gate. reviewPhase names the first phase a high-risk
// test may not enter without approval; "none" disables the gate
// entirely.
func New(logger *slog.Logger, reviewPhase string) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		logger:      logger,
		reviewPhase: models.Phase(reviewPhase),
		disabled:    reviewPhase == "none",
	}
}

// RequiresReview reports whether entering next needs a human approval
// first. Only high-risk tests cross the review boundary; lower risk
// levels advance unattended.
func (g *Gate) RequiresReview(next models.Phase, risk models.RiskLevel) bool {
	if g.disabled || risk != models.RiskHigh {
		return false
	}
	idx := phaseIndex(next)
	return idx >= 0 && idx >= phaseIndex(g.reviewPhase)
}

// Approve records a sign-off on a test parked at a review boundary and
// clears the review flag so the next cycle can advance it. Approving a
// test that is not awaiting review is a state inconsistency, not a
// no-op.
func (g *Gate) Approve(test *models.ImprovementTest, approver, reason string, now time.Time) error {
	if approver == "" {
		return utils.ValidationError("governance.Approve", "approver is required")
	}
	if !test.AwaitingApproval() {
		return utils.InvariantError("governance.Approve",
			fmt.Sprintf("test %s in phase %s is not awaiting approval", test.ID, test.Phase))
	}

	test.Approvals = append(test.Approvals, models.Approval{
		Approver: approver,
		Phase:    test.Phase,
		Reason:   reason,
		At:       now,
	})
	test.ReviewRequired = false

	g.logger.Info("phase advancement approved",
		"test_id", test.ID,
		"phase", test.Phase,
		"approver", approver)
	return nil
}

func phaseIndex(p models.Phase) int {
	switch p {
	case models.PhaseShadow:
		return 0
	case models.PhaseRollout10:
		return 1
	case models.PhaseRollout25:
		return 2
	case models.PhaseRollout50:
		return 3
	case models.PhaseRollout100:
		return 4
	}
	return -1
}
