package intake

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quantpilot/rollout-engine/internal/models"
	"github.com/quantpilot/rollout-engine/internal/utils"
)

// Store is the persistence surface the intake needs.
type Store interface {
	SaveSuggestion(ctx context.Context, s *models.Suggestion) error
	PendingSuggestions(ctx context.Context) ([]*models.Suggestion, error)
}

// Intake validates and records incoming improvement suggestions.
type Intake struct {
	logger *slog.Logger
	store  Store
}

// New constructs an Intake.
func New(logger *slog.Logger, store Store) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{logger: logger, store: store}
}

// Submit validates a suggestion, stamps identity and lifecycle fields,
// and persists it as PENDING. The caller's ID, status, and timestamps
// are ignored.
func (i *Intake) Submit(ctx context.Context, s *models.Suggestion) (*models.Suggestion, error) {
	if err := validate(s); err != nil {
		return nil, err
	}

	s.ID = uuid.NewString()
	s.Status = models.SuggestionPending
	s.CreatedAt = time.Now().UTC()
	s.FailedChecks = nil

	if err := i.store.SaveSuggestion(ctx, s); err != nil {
		return nil, utils.NewAppError("intake.Submit", utils.KindDependency, "persist suggestion", err)
	}

	i.logger.Info("suggestion received",
		"suggestion_id", s.ID,
		"category", s.Category,
		"priority", s.Priority,
		"priority_score", s.PriorityScore)
	return s, nil
}

// Pending returns PENDING suggestions ordered by priority score
// descending, ties broken by submission time (oldest first).
func (i *Intake) Pending(ctx context.Context) ([]*models.Suggestion, error) {
	pending, err := i.store.PendingSuggestions(ctx)
	if err != nil {
		return nil, utils.NewAppError("intake.Pending", utils.KindDependency, "load pending suggestions", err)
	}
	sort.SliceStable(pending, func(a, b int) bool {
		if pending[a].PriorityScore != pending[b].PriorityScore {
			return pending[a].PriorityScore > pending[b].PriorityScore
		}
		return pending[a].CreatedAt.Before(pending[b].CreatedAt)
	})
	return pending, nil
}

func validate(s *models.Suggestion) error {
	if s == nil {
		return utils.ValidationError("intake.Submit", "suggestion is required")
	}
	if s.Title == "" {
		return utils.ValidationError("intake.Submit", "title is required")
	}
	if !s.Category.Valid() {
		return utils.ValidationError("intake.Submit", fmt.Sprintf("unknown category %q", s.Category))
	}
	if !s.Priority.Valid() {
		return utils.ValidationError("intake.Submit", fmt.Sprintf("unknown priority %q", s.Priority))
	}
	if !s.RiskLevel.Valid() {
		return utils.ValidationError("intake.Submit", fmt.Sprintf("unknown risk level %q", s.RiskLevel))
	}
	if s.PriorityScore < 0 || s.PriorityScore > 100 {
		return utils.ValidationError("intake.Submit", fmt.Sprintf("priority score %v outside [0,100]", s.PriorityScore))
	}
	if len(s.Changes) == 0 {
		return utils.ValidationError("intake.Submit", "at least one change is required")
	}
	for idx, ch := range s.Changes {
		if ch.Component == "" {
			return utils.ValidationError("intake.Submit", fmt.Sprintf("change %d missing component", idx))
		}
	}
	return nil
}
