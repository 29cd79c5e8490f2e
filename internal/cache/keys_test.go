package cache

import (
	"testing"
	"time"
)

func TestCohortPerformanceKeyOrderInsensitive(t *testing.T) {
	start := time.Unix(1700000000, 0)
	end := time.Unix(1700600000, 0)

	a := CohortPerformanceKey([]string{"acct-1", "acct-2", "acct-3"}, start, end)
	b := CohortPerformanceKey([]string{"acct-3", "acct-1", "acct-2"}, start, end)
	if a != b {
		t.Fatalf("expected identical keys for reordered accounts: %s vs %s", a, b)
	}

	c := CohortPerformanceKey([]string{"acct-1", "acct-2"}, start, end)
	if a == c {
		t.Fatalf("expected different key for a different cohort")
	}

	d := CohortPerformanceKey([]string{"acct-1", "acct-2", "acct-3"}, start, end.Add(time.Hour))
	if a == d {
		t.Fatalf("expected different key for a different window")
	}
}
