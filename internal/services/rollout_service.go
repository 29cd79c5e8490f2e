package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/quantpilot/rollout-engine/internal/config"
	"github.com/quantpilot/rollout-engine/internal/controller"
	"github.com/quantpilot/rollout-engine/internal/intake"
	"github.com/quantpilot/rollout-engine/internal/metrics"
	"github.com/quantpilot/rollout-engine/internal/models"
	"github.com/quantpilot/rollout-engine/internal/patterns"
	"github.com/quantpilot/rollout-engine/internal/reporting"
	"github.com/quantpilot/rollout-engine/internal/store"
	"github.com/quantpilot/rollout-engine/internal/utils"
)

// AuditReader exposes the audit trail to the API layer.
type AuditReader interface {
	RecentAudit(limit int) ([]store.AuditEvent, error)
}

// RolloutService is the facade the HTTP API talks to. It ties together
// suggestion intake, the pipeline controller, and outcome reporting.
type RolloutService struct {
	logger     *slog.Logger
	intake     *intake.Intake
	controller *controller.Controller
	reporter   *reporting.Reporter
	miner      *patterns.Miner
	audit      AuditReader
	latencies  *utils.LatencyTracker
}

// NewRolloutService constructs the service facade.
func NewRolloutService(logger *slog.Logger, in *intake.Intake, ctrl *controller.Controller, reporter *reporting.Reporter, audit AuditReader) *RolloutService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RolloutService{
		logger:     logger,
		intake:     in,
		controller: ctrl,
		reporter:   reporter,
		audit:      audit,
		latencies:  utils.NewLatencyTracker(1024),
	}
}

// WithMiner attaches a rollback pattern miner to the service.
func (s *RolloutService) WithMiner(miner *patterns.Miner) *RolloutService {
	s.miner = miner
	return s
}

// SubmitSuggestion validates and stores a new improvement suggestion.
func (s *RolloutService) SubmitSuggestion(ctx context.Context, sug *models.Suggestion) (*models.Suggestion, error) {
	start := time.Now()
	stored, err := s.intake.Submit(ctx, sug)
	duration := time.Since(start)
	if err != nil {
		return nil, err
	}

	s.latencies.Observe(duration)
	metrics.SuggestionProcessed(string(models.SuggestionPending))
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		p95 := s.latencies.Percentile(95)
		s.logger.Info("suggestion intake latency", slog.Duration("p95", p95), slog.Int("samples", count))
	}
	return stored, nil
}

// PendingSuggestions lists suggestions awaiting admission, highest
// priority first.
func (s *RolloutService) PendingSuggestions(ctx context.Context) ([]*models.Suggestion, error) {
	return s.intake.Pending(ctx)
}

// ActiveTests lists tests in non-terminal phases.
func (s *RolloutService) ActiveTests(ctx context.Context) ([]*models.ImprovementTest, error) {
	return s.controller.ActiveTests(ctx)
}

// GetTest returns one test by ID.
func (s *RolloutService) GetTest(ctx context.Context, id string) (*models.ImprovementTest, error) {
	return s.controller.Test(ctx, id)
}

// ApproveTest records a human approval on a test awaiting review.
func (s *RolloutService) ApproveTest(ctx context.Context, id, approver, reason string) (*models.ImprovementTest, error) {
	return s.controller.ApproveTestAdvancement(ctx, id, approver, reason)
}

// EmergencyStop rolls a test back immediately.
func (s *RolloutService) EmergencyStop(ctx context.Context, id, operator, reason string) (*models.ImprovementTest, error) {
	return s.controller.EmergencyStopTest(ctx, id, operator, reason)
}

// PipelineStatus assembles the operator dashboard view.
func (s *RolloutService) PipelineStatus(ctx context.Context) (*models.PipelineStatus, error) {
	return s.controller.Status(ctx)
}

// Settings returns the pipeline settings currently in effect.
func (s *RolloutService) Settings() config.PipelineConfig {
	return s.controller.Settings()
}

// UpdateSettings validates and applies new pipeline settings.
func (s *RolloutService) UpdateSettings(cfg config.PipelineConfig) error {
	return s.controller.ApplySettings(cfg)
}

// CategoryOutcomes reports finished-test outcomes grouped by category.
func (s *RolloutService) CategoryOutcomes(ctx context.Context) ([]reporting.CategoryOutcome, error) {
	return s.reporter.CategoryOutcomes(ctx)
}

// RollbackPatterns mines recurring rollback patterns from the test
// history. Returns nil when no miner is configured.
func (s *RolloutService) RollbackPatterns(ctx context.Context) ([]patterns.RollbackPattern, error) {
	if s.miner == nil {
		return nil, nil
	}
	return s.miner.Mine(ctx)
}

// RecentAudit returns the newest audit events.
func (s *RolloutService) RecentAudit(limit int) ([]store.AuditEvent, error) {
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.RecentAudit(limit)
}
