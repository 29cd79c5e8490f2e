package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/quantpilot/rollout-engine/internal/cache"
	"github.com/quantpilot/rollout-engine/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(rt roundTripFunc) *http.Client {
	return &http.Client{Transport: rt}
}

type stubCache struct {
	mu    sync.Mutex
	store map[string][]byte
}

func newStubCache() *stubCache {
	return &stubCache{store: make(map[string][]byte)}
}

func (s *stubCache) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.store[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return append([]byte(nil), value...), nil
}

func (s *stubCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[key] = append([]byte(nil), value...)
	return nil
}

func (s *stubCache) SetNX(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.store[key]; exists {
		return false, nil
	}
	s.store[key] = append([]byte(nil), value...)
	return true, nil
}

func (s *stubCache) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.store, key)
	return nil
}

func (s *stubCache) Close() error { return nil }

func jsonResponse(t *testing.T, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     make(http.Header),
	}
}

func TestFetchCohortPerformanceCachesResults(t *testing.T) {
	hits := 0
	client := NewPlatformClient("https://platform.example.com",
		"/api/v1/performance/cohort", "/validate", "/accounts",
		time.Second, newStubCache(), time.Minute, 0)
	client.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		hits++
		if req.URL.Path != "/api/v1/performance/cohort" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		return jsonResponse(t, map[string]any{
			"trade_count":  42,
			"wins":         25,
			"losses":       17,
			"returns":      []float64{0.01, -0.005, 0.02},
			"net_return":   0.031,
			"max_drawdown": 0.04,
		}), nil
	})

	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)
	end := start.Add(24 * time.Hour)
	accounts := []string{"acct-2", "acct-1"}

	perf, err := client.FetchCohortPerformance(ctx, accounts, start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if perf.TradeCount != 42 || perf.Wins != 25 {
		t.Fatalf("unexpected performance: %+v", perf)
	}
	if hits != 1 {
		t.Fatalf("expected one upstream request, got %d", hits)
	}

	// Same cohort in a different order hits the cache.
	cached, err := client.FetchCohortPerformance(ctx, []string{"acct-1", "acct-2"}, start, end)
	if err != nil {
		t.Fatalf("unexpected cached error: %v", err)
	}
	if hits != 1 {
		t.Fatalf("cache miss triggered network call; hits=%d", hits)
	}
	if cached.NetReturn != 0.031 {
		t.Fatalf("unexpected cached payload: %+v", cached)
	}
}

func TestFetchCohortPerformanceRejectsEmptyCohort(t *testing.T) {
	client := NewPlatformClient("https://platform.example.com", "/perf", "/validate", "/accounts", time.Second, nil, 0, 0)
	if _, err := client.FetchCohortPerformance(context.Background(), nil, time.Now().Add(-time.Hour), time.Now()); err == nil {
		t.Fatalf("expected error for empty cohort")
	}
}

func TestRunValidationReportsFailedChecks(t *testing.T) {
	client := NewPlatformClient("https://platform.example.com", "/perf", "/api/v1/validation/run", "/accounts", time.Second, nil, 0, 0)
	client.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/api/v1/validation/run" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["suggestion_id"] != "sug-1" {
			t.Fatalf("unexpected suggestion id: %v", body["suggestion_id"])
		}
		return jsonResponse(t, map[string]any{
			"passed": false,
			"checks": []map[string]any{
				{"name": "backtest_sharpe", "passed": true},
				{"name": "risk_limit_bounds", "passed": false, "detail": "stop width exceeds limit"},
			},
		}), nil
	})

	result, err := client.RunValidation(context.Background(), &models.Suggestion{
		ID:       "sug-1",
		Category: models.ImprovementParameterTuning,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Passed {
		t.Fatalf("expected validation failure")
	}
	failed := result.FailedChecks()
	if len(failed) != 1 || failed[0] != "risk_limit_bounds" {
		t.Fatalf("unexpected failed checks: %v", failed)
	}
}

func TestFetchEligibleAccounts(t *testing.T) {
	client := NewPlatformClient("https://platform.example.com", "/perf", "/validate", "/api/v1/accounts/eligible", time.Second, nil, 0, 0)
	client.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(t, map[string]any{
			"accounts": []string{"acct-1", "acct-2", "acct-3"},
		}), nil
	})

	accounts, err := client.FetchEligibleAccounts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(accounts) != 3 {
		t.Fatalf("expected 3 accounts, got %d", len(accounts))
	}
}

func TestFetchEligibleAccountsEmptyRoster(t *testing.T) {
	client := NewPlatformClient("https://platform.example.com", "/perf", "/validate", "/accounts", time.Second, nil, 0, 0)
	client.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(t, map[string]any{"accounts": []string{}}), nil
	})

	if _, err := client.FetchEligibleAccounts(context.Background()); err == nil {
		t.Fatalf("expected error for empty roster")
	}
}
