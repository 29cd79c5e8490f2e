package models

import "time"

// Phase is the stage of a canary rollout. Progression is strictly
// ordered; ROLLED_BACK is reachable from any non-terminal phase.
type Phase string

const (
	PhaseShadow     Phase = "shadow"
	PhaseRollout10  Phase = "rollout_10"
	PhaseRollout25  Phase = "rollout_25"
	PhaseRollout50  Phase = "rollout_50"
	PhaseRollout100 Phase = "rollout_100"
	PhaseCompleted  Phase = "completed"
	PhaseRolledBack Phase = "rolled_back"
)

// Next returns the phase that follows p in the canary ladder. ok is
// false when p has no successor (ROLLOUT_100 finishes via completion,
// and terminal phases never advance).
func (p Phase) Next() (Phase, bool) {
	switch p {
	case PhaseShadow:
		return PhaseRollout10, true
	case PhaseRollout10:
		return PhaseRollout25, true
	case PhaseRollout25:
		return PhaseRollout50, true
	case PhaseRollout50:
		return PhaseRollout100, true
	}
	return "", false
}

// Terminal reports whether p is a final phase.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseRolledBack
}

// TrafficPercent returns the share of eligible accounts the treatment
// group receives in p. Shadow runs at zero live allocation.
func (p Phase) TrafficPercent() int {
	switch p {
	case PhaseRollout10:
		return 10
	case PhaseRollout25:
		return 25
	case PhaseRollout50:
		return 50
	case PhaseRollout100, PhaseCompleted:
		return 100
	}
	return 0
}

// GroupType distinguishes the two cohorts of a test.
type GroupType string

const (
	GroupControl   GroupType = "control"
	GroupTreatment GroupType = "treatment"
)

// TestGroup is one cohort of an active test. Account membership is
// fixed at phase entry and only changes on phase transition.
type TestGroup struct {
	Type          GroupType `json:"type"`
	Accounts      []string  `json:"accounts"`
	AllocationPct int       `json:"allocation_pct"`
	Changes       []Change  `json:"changes"`
}

// Approval records a human sign-off on a phase advancement. The
// approval log is append-only.
type Approval struct {
	Approver string    `json:"approver"`
	Phase    Phase     `json:"phase"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// ImprovementTest is a running (or finished) canary evaluation of one
// admitted suggestion.
type ImprovementTest struct {
	ID           string          `json:"id"`
	SuggestionID string          `json:"suggestion_id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Hypothesis   string          `json:"hypothesis"`
	Category     ImprovementType `json:"category"`
	RiskLevel    RiskLevel       `json:"risk_level"`
	Complexity   Complexity      `json:"complexity"`

	Control   TestGroup `json:"control"`
	Treatment TestGroup `json:"treatment"`

	Phase          Phase     `json:"phase"`
	StartedAt      time.Time `json:"started_at"`
	PhaseStartedAt time.Time `json:"phase_started_at"`

	Baseline *PerformanceSnapshot `json:"baseline,omitempty"`
	Current  *CohortComparison    `json:"current,omitempty"`

	ReviewRequired bool       `json:"review_required"`
	Approvals      []Approval `json:"approvals,omitempty"`
	RollbackReason string     `json:"rollback_reason,omitempty"`
}

// Active reports whether the test still participates in pipeline
// cycles.
func (t *ImprovementTest) Active() bool {
	return !t.Phase.Terminal()
}

// AwaitingApproval reports whether the test is parked at a phase
// boundary pending human sign-off.
func (t *ImprovementTest) AwaitingApproval() bool {
	return t.ReviewRequired && !t.Phase.Terminal()
}

// PerformanceSnapshot is an aggregated view of one cohort's trading
// results over an evaluation window.
type PerformanceSnapshot struct {
	TradeCount         int       `json:"trade_count"`
	WinRate            float64   `json:"win_rate"`
	RiskAdjustedReturn float64   `json:"risk_adjusted_return"`
	MaxDrawdown        float64   `json:"max_drawdown"`
	NetReturn          float64   `json:"net_return"`
	CapturedAt         time.Time `json:"captured_at"`
}

// CohortComparison is the result of one control-vs-treatment
// evaluation. DegradationScore is signed: negative means the
// treatment underperforms the control.
type CohortComparison struct {
	Control          PerformanceSnapshot `json:"control"`
	Treatment        PerformanceSnapshot `json:"treatment"`
	DegradationScore float64             `json:"degradation_score"`
	WinRateDelta     float64             `json:"win_rate_delta"`
	ReturnDelta      float64             `json:"return_delta"`
	TStatistic       float64             `json:"t_statistic"`
	Significant      bool                `json:"significant"`
	Sufficient       bool                `json:"sufficient"`
	CapturedAt       time.Time           `json:"captured_at"`
}
