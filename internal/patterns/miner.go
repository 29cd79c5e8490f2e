package patterns

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/quantpilot/rollout-engine/internal/models"
)

// Store abstracts the test history the miner reads.
type Store interface {
	FinishedTests(ctx context.Context) ([]*models.ImprovementTest, error)
}

// RollbackPattern is an aggregated view of rollbacks touching one
// strategy component. Operators use it to spot components whose
// changes keep failing canary evaluation.
type RollbackPattern struct {
	Component     string    `json:"component"`
	Rollbacks     int       `json:"rollbacks"`
	Completed     int       `json:"completed"`
	Prevalence    float64   `json:"prevalence"`
	Categories    []string  `json:"categories"`
	LastSeen      time.Time `json:"last_seen"`
	WorstScore    float64   `json:"worst_degradation_score"`
	RecentReasons []string  `json:"recent_reasons,omitempty"`
}

// Miner mines frequency-based rollback patterns from finished tests.
type Miner struct {
	store  Store
	logger *slog.Logger
}

// NewMiner constructs a Miner over the test history.
func NewMiner(logger *slog.Logger, store Store) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{store: store, logger: logger}
}

// Mine aggregates finished tests into per-component rollback patterns.
// Components that never rolled back are omitted.
func (m *Miner) Mine(ctx context.Context) ([]RollbackPattern, error) {
	finished, err := m.store.FinishedTests(ctx)
	if err != nil {
		return nil, err
	}
	if len(finished) == 0 {
		return nil, nil
	}

	stats := make(map[string]*componentAggregate)
	for _, test := range finished {
		rolledBack := test.Phase == models.PhaseRolledBack
		seen := make(map[string]struct{})
		for _, change := range test.Treatment.Changes {
			if change.Component == "" {
				continue
			}
			// A test may carry several changes to one component.
			if _, dup := seen[change.Component]; dup {
				continue
			}
			seen[change.Component] = struct{}{}

			agg := ensureAggregate(stats, change.Component)
			if !rolledBack {
				agg.completed++
				continue
			}
			agg.rollbacks++
			agg.categories[change.ChangeType] = struct{}{}
			if at := finishedAt(test); at.After(agg.lastSeen) {
				agg.lastSeen = at
			}
			if test.Current != nil && test.Current.DegradationScore < agg.worstScore {
				agg.worstScore = test.Current.DegradationScore
			}
			if test.RollbackReason != "" && len(agg.reasons) < maxReasons {
				agg.reasons = append(agg.reasons, test.RollbackReason)
			}
		}
	}

	patterns := make([]RollbackPattern, 0, len(stats))
	for component, agg := range stats {
		if agg.rollbacks == 0 {
			continue
		}
		total := agg.rollbacks + agg.completed
		patterns = append(patterns, RollbackPattern{
			Component:     component,
			Rollbacks:     agg.rollbacks,
			Completed:     agg.completed,
			Prevalence:    float64(agg.rollbacks) / float64(total),
			Categories:    sortedKeys(agg.categories),
			LastSeen:      agg.lastSeen,
			WorstScore:    agg.worstScore,
			RecentReasons: agg.reasons,
		})
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Rollbacks != patterns[j].Rollbacks {
			return patterns[i].Rollbacks > patterns[j].Rollbacks
		}
		return patterns[i].Component < patterns[j].Component
	})

	m.logger.Debug("rollback patterns mined",
		"finished_tests", len(finished),
		"patterns", len(patterns))
	return patterns, nil
}

const maxReasons = 5

type componentAggregate struct {
	rollbacks  int
	completed  int
	categories map[string]struct{}
	lastSeen   time.Time
	worstScore float64
	reasons    []string
}

func ensureAggregate(stats map[string]*componentAggregate, component string) *componentAggregate {
	agg, ok := stats[component]
	if !ok {
		agg = &componentAggregate{categories: make(map[string]struct{})}
		stats[component] = agg
	}
	return agg
}

func finishedAt(test *models.ImprovementTest) time.Time {
	if test.Current != nil && !test.Current.CapturedAt.IsZero() {
		return test.Current.CapturedAt
	}
	return test.PhaseStartedAt
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
