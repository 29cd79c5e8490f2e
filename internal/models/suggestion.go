package models

import "time"

// Priority orders suggestions for admission.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// RiskLevel classifies how much capital a change could endanger.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether the risk level is a known value.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Complexity estimates implementation effort for a change.
type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// EvidenceStrength grades how well a suggestion is supported by data.
type EvidenceStrength string

const (
	EvidenceWeak     EvidenceStrength = "weak"
	EvidenceModerate EvidenceStrength = "moderate"
	EvidenceStrong   EvidenceStrength = "strong"
)

// ImprovementType enumerates the categories of strategy changes the
// pipeline accepts.
type ImprovementType string

const (
	ImprovementParameterTuning ImprovementType = "parameter_tuning"
	ImprovementRiskLimit       ImprovementType = "risk_limit"
	ImprovementSignalWeight    ImprovementType = "signal_weight"
	ImprovementExecution       ImprovementType = "execution"
)

// Valid reports whether the improvement type is a known value.
func (t ImprovementType) Valid() bool {
	switch t {
	case ImprovementParameterTuning, ImprovementRiskLimit, ImprovementSignalWeight, ImprovementExecution:
		return true
	}
	return false
}

// SuggestionStatus tracks a suggestion through its lifecycle:
// PENDING → TESTING → {IMPLEMENTED | REJECTED}.
type SuggestionStatus string

const (
	SuggestionPending     SuggestionStatus = "pending"
	SuggestionTesting     SuggestionStatus = "testing"
	SuggestionImplemented SuggestionStatus = "implemented"
	SuggestionRejected    SuggestionStatus = "rejected"
)

// Suggestion is a proposed change to a live strategy's parameters,
// produced by an external generator. Only the controller mutates its
// status; suggestions are archived, never deleted.
type Suggestion struct {
	ID               string           `json:"id"`
	Title            string           `json:"title"`
	Description      string           `json:"description"`
	Rationale        string           `json:"rationale"`
	Category         ImprovementType  `json:"category"`
	Priority         Priority         `json:"priority"`
	PriorityScore    float64          `json:"priority_score"`
	RiskLevel        RiskLevel        `json:"risk_level"`
	Effort           Complexity       `json:"implementation_effort"`
	Evidence         EvidenceStrength `json:"evidence_strength"`
	Status           SuggestionStatus `json:"status"`
	EstimatedBenefit float64          `json:"estimated_benefit"`
	Changes          []Change         `json:"changes"`
	FailedChecks     []string         `json:"failed_checks,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Change is one atomic modification within a test. Immutable once
// attached to a test group.
type Change struct {
	Component   string `json:"component"`
	Description string `json:"description"`
	ChangeType  string `json:"change_type"`
	OldValue    string `json:"old_value"`
	NewValue    string `json:"new_value"`
}
