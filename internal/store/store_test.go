package store

import (
	"context"
	"testing"
	"time"

	"github.com/quantpilot/rollout-engine/internal/config"
	"github.com/quantpilot/rollout-engine/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.StoreConfig{InMemory: true}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return s
}

func TestSuggestionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sug := &models.Suggestion{
		ID:            "sug-1",
		Title:         "Tighten entry filter",
		Category:      models.ImprovementSignalWeight,
		Priority:      models.PriorityHigh,
		PriorityScore: 88,
		RiskLevel:     models.RiskLow,
		Status:        models.SuggestionPending,
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.SaveSuggestion(ctx, sug); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetSuggestion(ctx, "sug-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != sug.Title || got.PriorityScore != 88 {
		t.Fatalf("unexpected suggestion: %+v", got)
	}

	if _, err := s.GetSuggestion(ctx, "missing"); !ErrNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestPendingSuggestionsFiltersStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, tc := range []struct {
		id     string
		status models.SuggestionStatus
	}{
		{"sug-1", models.SuggestionPending},
		{"sug-2", models.SuggestionTesting},
		{"sug-3", models.SuggestionPending},
		{"sug-4", models.SuggestionRejected},
	} {
		if err := s.SaveSuggestion(ctx, &models.Suggestion{ID: tc.id, Status: tc.status}); err != nil {
			t.Fatalf("save %s: %v", tc.id, err)
		}
	}

	pending, err := s.PendingSuggestions(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
}

func TestActiveAndFinishedTests(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, tc := range []struct {
		id    string
		phase models.Phase
	}{
		{"test-1", models.PhaseShadow},
		{"test-2", models.PhaseRollout50},
		{"test-3", models.PhaseCompleted},
		{"test-4", models.PhaseRolledBack},
	} {
		if err := s.SaveTest(ctx, &models.ImprovementTest{ID: tc.id, Phase: tc.phase}); err != nil {
			t.Fatalf("save %s: %v", tc.id, err)
		}
	}

	active, err := s.ActiveTests(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active tests, got %d", len(active))
	}

	finished, err := s.FinishedTests(ctx)
	if err != nil {
		t.Fatalf("finished: %v", err)
	}
	if len(finished) != 2 {
		t.Fatalf("expected 2 finished tests, got %d", len(finished))
	}
}

func TestMetricsDefaultsToZero(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m, err := s.GetMetrics(ctx)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	if m.SuccessfulDeployments != 0 || m.Rollbacks != 0 {
		t.Fatalf("expected zero metrics, got %+v", m)
	}

	m.SuccessfulDeployments = 3
	m.Rollbacks = 1
	m.Recompute()
	if err := s.SaveMetrics(ctx, m); err != nil {
		t.Fatalf("save metrics: %v", err)
	}

	got, err := s.GetMetrics(ctx)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	if got.SuccessRate != 0.75 || got.RollbackRate != 0.25 {
		t.Fatalf("unexpected rates: %+v", got)
	}
}

func TestAuditTrailOrdering(t *testing.T) {
	s := openTestStore(t)

	s.Audit(AuditEvent{Type: AuditTestStarted, TestID: "test-1"})
	s.Audit(AuditEvent{Type: AuditPhaseAdvanced, TestID: "test-1", Detail: "shadow -> rollout_10"})
	s.Audit(AuditEvent{Type: AuditTestRolledBack, Actor: "ops-oncall", TestID: "test-1"})

	// The writer is asynchronous; give it a moment to drain.
	deadline := time.Now().Add(2 * time.Second)
	var events []AuditEvent
	for time.Now().Before(deadline) {
		var err error
		events, err = s.RecentAudit(10)
		if err != nil {
			t.Fatalf("recent audit: %v", err)
		}
		if len(events) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 audit events, got %d", len(events))
	}
	// Newest first.
	if events[0].Type != AuditTestRolledBack || events[2].Type != AuditTestStarted {
		t.Fatalf("unexpected ordering: %v %v %v", events[0].Type, events[1].Type, events[2].Type)
	}
	if events[0].Seq <= events[2].Seq {
		t.Fatalf("sequence numbers must increase: %d vs %d", events[0].Seq, events[2].Seq)
	}
	// Every record names its actor; unattributed events default to the
	// pipeline itself.
	if events[0].Actor != "ops-oncall" {
		t.Fatalf("expected operator actor, got %q", events[0].Actor)
	}
	if events[2].Actor != ActorSystem {
		t.Fatalf("expected system actor, got %q", events[2].Actor)
	}
}
