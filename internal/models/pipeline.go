package models

import "time"

// PipelineMetrics summarizes finished tests. Rates are recomputed from
// counters on every change, never incrementally adjusted.
type PipelineMetrics struct {
	SuccessfulDeployments int     `json:"successful_deployments"`
	Rollbacks             int     `json:"rollbacks"`
	SuccessRate           float64 `json:"success_rate"`
	RollbackRate          float64 `json:"rollback_rate"`
}

// Recompute derives the rates from the counters. With no finished
// tests both rates are zero.
func (m *PipelineMetrics) Recompute() {
	total := m.SuccessfulDeployments + m.Rollbacks
	if total == 0 {
		m.SuccessRate = 0
		m.RollbackRate = 0
		return
	}
	m.SuccessRate = float64(m.SuccessfulDeployments) / float64(total)
	m.RollbackRate = float64(m.Rollbacks) / float64(total)
}

// PipelineStatus is the operator-facing view of the whole pipeline.
type PipelineStatus struct {
	ActiveTests        []*ImprovementTest `json:"active_tests"`
	PendingSuggestions int                `json:"pending_suggestions"`
	Metrics            PipelineMetrics    `json:"metrics"`
	LastCycleAt        time.Time          `json:"last_cycle_at,omitempty"`
	LastCycle          *CycleResult       `json:"last_cycle,omitempty"`
}

// CycleResult reports what one pipeline cycle did.
type CycleResult struct {
	Success      bool          `json:"success"`
	StartedTests []string      `json:"started_tests,omitempty"`
	UpdatedTests []string      `json:"updated_tests,omitempty"`
	Duration     time.Duration `json:"duration"`
	Errors       []string      `json:"errors,omitempty"`
}
