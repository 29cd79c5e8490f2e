package intake

import (
	"context"
	"testing"
	"time"

	"github.com/quantpilot/rollout-engine/internal/models"
	"github.com/quantpilot/rollout-engine/internal/utils"
)

type memStore struct {
	suggestions map[string]*models.Suggestion
}

func newMemStore() *memStore {
	return &memStore{suggestions: make(map[string]*models.Suggestion)}
}

func (m *memStore) SaveSuggestion(_ context.Context, s *models.Suggestion) error {
	copied := *s
	m.suggestions[s.ID] = &copied
	return nil
}

func (m *memStore) PendingSuggestions(_ context.Context) ([]*models.Suggestion, error) {
	var out []*models.Suggestion
	for _, s := range m.suggestions {
		if s.Status == models.SuggestionPending {
			out = append(out, s)
		}
	}
	return out, nil
}

func validSuggestion() *models.Suggestion {
	return &models.Suggestion{
		Title:         "Widen stop distance on BTC momentum",
		Category:      models.ImprovementParameterTuning,
		Priority:      models.PriorityHigh,
		PriorityScore: 85,
		RiskLevel:     models.RiskMedium,
		Changes: []models.Change{
			{Component: "momentum-btc", ChangeType: "parameter", OldValue: "1.5", NewValue: "2.0"},
		},
	}
}

func TestSubmitStampsLifecycleFields(t *testing.T) {
	store := newMemStore()
	in := New(nil, store)

	s := validSuggestion()
	s.ID = "caller-chosen"
	s.Status = models.SuggestionImplemented

	stored, err := in.Submit(context.Background(), s)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if stored.ID == "caller-chosen" || stored.ID == "" {
		t.Fatalf("expected server-assigned id, got %q", stored.ID)
	}
	if stored.Status != models.SuggestionPending {
		t.Fatalf("expected PENDING status, got %s", stored.Status)
	}
	if stored.CreatedAt.IsZero() {
		t.Fatalf("expected created timestamp")
	}
	if _, ok := store.suggestions[stored.ID]; !ok {
		t.Fatalf("suggestion not persisted")
	}
}

func TestSubmitValidation(t *testing.T) {
	in := New(nil, newMemStore())

	cases := []struct {
		name   string
		mutate func(*models.Suggestion)
	}{
		{"missing title", func(s *models.Suggestion) { s.Title = "" }},
		{"unknown category", func(s *models.Suggestion) { s.Category = "refactor" }},
		{"unknown priority", func(s *models.Suggestion) { s.Priority = "urgent" }},
		{"unknown risk level", func(s *models.Suggestion) { s.RiskLevel = "extreme" }},
		{"score below range", func(s *models.Suggestion) { s.PriorityScore = -1 }},
		{"score above range", func(s *models.Suggestion) { s.PriorityScore = 101 }},
		{"no changes", func(s *models.Suggestion) { s.Changes = nil }},
		{"change missing component", func(s *models.Suggestion) { s.Changes[0].Component = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validSuggestion()
			tc.mutate(s)
			_, err := in.Submit(context.Background(), s)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if utils.KindOf(err) != utils.KindValidation {
				t.Fatalf("expected validation kind, got %v", err)
			}
		})
	}
}

func TestPendingOrderedByScore(t *testing.T) {
	store := newMemStore()
	in := New(nil, store)
	ctx := context.Background()

	base := time.Now().UTC()
	scores := []float64{70, 95, 80}
	for i, score := range scores {
		s := validSuggestion()
		s.PriorityScore = score
		stored, err := in.Submit(ctx, s)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		// Force distinct creation times for a stable tiebreak.
		store.suggestions[stored.ID].CreatedAt = base.Add(time.Duration(i) * time.Second)
	}

	pending, err := in.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	if pending[0].PriorityScore != 95 || pending[1].PriorityScore != 80 || pending[2].PriorityScore != 70 {
		t.Fatalf("unexpected order: %v %v %v",
			pending[0].PriorityScore, pending[1].PriorityScore, pending[2].PriorityScore)
	}
}
