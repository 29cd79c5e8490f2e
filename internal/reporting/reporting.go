package reporting

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/quantpilot/rollout-engine/internal/models"
	"github.com/quantpilot/rollout-engine/internal/utils"
)

// Store abstracts persistence for outcome reporting.
type Store interface {
	FinishedTests(ctx context.Context) ([]*models.ImprovementTest, error)
}

// CategoryOutcome aggregates finished tests of one improvement type.
type CategoryOutcome struct {
	Category           models.ImprovementType `json:"category"`
	Completed          int                    `json:"completed"`
	RolledBack         int                    `json:"rolled_back"`
	SuccessRate        float64                `json:"success_rate"`
	AvgDurationMinutes float64                `json:"avg_duration_minutes"`
	LastFinished       time.Time              `json:"last_finished"`
	RollbackReasons    []string               `json:"rollback_reasons,omitempty"`
}

// Reporter summarises finished tests so operators can see which kinds
// of improvement survive canary testing.
type Reporter struct {
	store  Store
	logger *slog.Logger
}

// NewReporter constructs a Reporter.
func NewReporter(logger *slog.Logger, store Store) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{store: store, logger: logger}
}

// CategoryOutcomes aggregates all finished tests by category, ordered
// by volume descending.
func (r *Reporter) CategoryOutcomes(ctx context.Context) ([]CategoryOutcome, error) {
	finished, err := r.store.FinishedTests(ctx)
	if err != nil {
		return nil, err
	}
	if len(finished) == 0 {
		return nil, nil
	}

	byCategory := make(map[models.ImprovementType]*categoryAggregate)
	for _, test := range finished {
		agg, ok := byCategory[test.Category]
		if !ok {
			agg = &categoryAggregate{}
			byCategory[test.Category] = agg
		}

		switch test.Phase {
		case models.PhaseCompleted:
			agg.completed++
		case models.PhaseRolledBack:
			agg.rolledBack++
			if test.RollbackReason != "" && len(agg.reasons) < 5 {
				agg.reasons = append(agg.reasons, test.RollbackReason)
			}
		}

		finishedAt := test.PhaseStartedAt
		if test.Current != nil && !test.Current.CapturedAt.IsZero() {
			finishedAt = test.Current.CapturedAt
		}
		if finishedAt.After(agg.lastFinished) {
			agg.lastFinished = finishedAt
		}
		agg.totalMinutes += utils.DurationMinutes(test.StartedAt, finishedAt)
	}

	outcomes := make([]CategoryOutcome, 0, len(byCategory))
	for category, agg := range byCategory {
		total := agg.completed + agg.rolledBack
		if total == 0 {
			continue
		}
		outcomes = append(outcomes, CategoryOutcome{
			Category:           category,
			Completed:          agg.completed,
			RolledBack:         agg.rolledBack,
			SuccessRate:        float64(agg.completed) / float64(total),
			AvgDurationMinutes: agg.totalMinutes / float64(total),
			LastFinished:       agg.lastFinished,
			RollbackReasons:    agg.reasons,
		})
	}

	sort.Slice(outcomes, func(i, j int) bool {
		ti := outcomes[i].Completed + outcomes[i].RolledBack
		tj := outcomes[j].Completed + outcomes[j].RolledBack
		if ti != tj {
			return ti > tj
		}
		return outcomes[i].Category < outcomes[j].Category
	})

	r.logger.Debug("category outcomes computed", "categories", len(outcomes), "tests", len(finished))
	return outcomes, nil
}

type categoryAggregate struct {
	completed    int
	rolledBack   int
	totalMinutes float64
	lastFinished time.Time
	reasons      []string
}
