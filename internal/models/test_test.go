package models

import "testing"

func TestPhaseNext(t *testing.T) {
	cases := []struct {
		phase  Phase
		want   Phase
		wantOK bool
	}{
		{PhaseShadow, PhaseRollout10, true},
		{PhaseRollout10, PhaseRollout25, true},
		{PhaseRollout25, PhaseRollout50, true},
		{PhaseRollout50, PhaseRollout100, true},
		{PhaseRollout100, "", false},
		{PhaseCompleted, "", false},
		{PhaseRolledBack, "", false},
	}
	for _, tc := range cases {
		got, ok := tc.phase.Next()
		if got != tc.want || ok != tc.wantOK {
			t.Fatalf("Next(%s) = %q, %v, want %q, %v", tc.phase, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestPhaseTrafficPercent(t *testing.T) {
	cases := []struct {
		phase Phase
		want  int
	}{
		{PhaseShadow, 0},
		{PhaseRollout10, 10},
		{PhaseRollout25, 25},
		{PhaseRollout50, 50},
		{PhaseRollout100, 100},
		{PhaseCompleted, 100},
		{PhaseRolledBack, 0},
	}
	for _, tc := range cases {
		if got := tc.phase.TrafficPercent(); got != tc.want {
			t.Fatalf("TrafficPercent(%s) = %d, want %d", tc.phase, got, tc.want)
		}
	}
}

func TestPhaseTerminal(t *testing.T) {
	for _, phase := range []Phase{PhaseShadow, PhaseRollout10, PhaseRollout25, PhaseRollout50, PhaseRollout100} {
		if phase.Terminal() {
			t.Fatalf("%s must not be terminal", phase)
		}
	}
	for _, phase := range []Phase{PhaseCompleted, PhaseRolledBack} {
		if !phase.Terminal() {
			t.Fatalf("%s must be terminal", phase)
		}
	}
}
