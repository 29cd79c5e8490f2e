package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"

	"github.com/quantpilot/rollout-engine/internal/config"
	"github.com/quantpilot/rollout-engine/internal/controller"
	"github.com/quantpilot/rollout-engine/internal/intake"
	"github.com/quantpilot/rollout-engine/internal/models"
	"github.com/quantpilot/rollout-engine/internal/patterns"
	"github.com/quantpilot/rollout-engine/internal/repo"
	"github.com/quantpilot/rollout-engine/internal/reporting"
	"github.com/quantpilot/rollout-engine/internal/services"
	"github.com/quantpilot/rollout-engine/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	mu          sync.Mutex
	suggestions map[string]*models.Suggestion
	tests       map[string]*models.ImprovementTest
	metrics     models.PipelineMetrics
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		suggestions: make(map[string]*models.Suggestion),
		tests:       make(map[string]*models.ImprovementTest),
	}
}

func (f *fakeStore) SaveSuggestion(_ context.Context, s *models.Suggestion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.suggestions[s.ID] = &cp
	return nil
}

func (f *fakeStore) GetSuggestion(_ context.Context, id string) (*models.Suggestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.suggestions[id]
	if !ok {
		return nil, fmt.Errorf("suggestion %s: %w", id, badger.ErrKeyNotFound)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) PendingSuggestions(_ context.Context) ([]*models.Suggestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Suggestion
	for _, s := range f.suggestions {
		if s.Status == models.SuggestionPending {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveTest(_ context.Context, t *models.ImprovementTest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.tests[t.ID] = &cp
	return nil
}

func (f *fakeStore) GetTest(_ context.Context, id string) (*models.ImprovementTest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tests[id]
	if !ok {
		return nil, fmt.Errorf("test %s: %w", id, badger.ErrKeyNotFound)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) ActiveTests(_ context.Context) ([]*models.ImprovementTest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ImprovementTest
	for _, t := range f.tests {
		if t.Active() {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) FinishedTests(_ context.Context) ([]*models.ImprovementTest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ImprovementTest
	for _, t := range f.tests {
		if t.Phase.Terminal() {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveMetrics(_ context.Context, m *models.PipelineMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = *m
	return nil
}

func (f *fakeStore) GetMetrics(_ context.Context) (*models.PipelineMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.metrics
	return &cp, nil
}

func (f *fakeStore) Audit(store.AuditEvent) {}

type fakePlatform struct{}

func (fakePlatform) FetchCohortPerformance(context.Context, []string, time.Time, time.Time) (*repo.CohortPerformance, error) {
	return &repo.CohortPerformance{}, nil
}

func (fakePlatform) RunValidation(context.Context, *models.Suggestion) (*repo.ValidationResult, error) {
	return &repo.ValidationResult{Passed: true}, nil
}

func (fakePlatform) FetchEligibleAccounts(context.Context) ([]string, error) {
	return []string{"acct-1", "acct-2"}, nil
}

func pipelineCfg() config.PipelineConfig {
	return config.PipelineConfig{
		CycleInterval:      time.Hour,
		MaxConcurrentTests: 3,
		AdmissionScore:     70,
		RollbackThreshold:  -0.10,
		DrawdownKillSwitch: 0.15,
		MinSampleSize:      30,
		MinPhaseDuration:   time.Hour,
		SignificanceTStat:  2.0,
		CallTimeout:        time.Second,
		ReviewPhase:        "rollout_50",
		AutoAdvance:        true,
		EvaluationWindow:   7 * 24 * time.Hour,
	}
}

func newTestRouter(st *fakeStore) *gin.Engine {
	ctrl := controller.New(nil, st, fakePlatform{}, nil, pipelineCfg())
	svc := services.NewRolloutService(nil, intake.New(nil, st), ctrl, reporting.NewReporter(nil, st), nil).
		WithMiner(patterns.NewMiner(nil, st))
	return NewHandlers(nil, svc).Router()
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v (body %q)", err, rec.Body.String())
	}
	return resp
}

func validSuggestionBody() map[string]any {
	return map[string]any{
		"title":          "Tighten entry filter",
		"category":       "parameter_tuning",
		"priority":       "high",
		"priority_score": 85.0,
		"risk_level":     "low",
		"changes": []map[string]any{
			{"component": "momentum-agent", "description": "RSI 70 -> 75", "change_type": "parameter_tuning"},
		},
	}
}

func TestSubmitSuggestionEndpoint(t *testing.T) {
	router := newTestRouter(newFakeStore())

	rec := doJSON(t, router, http.MethodPost, "/api/v1/suggestions", validSuggestionBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}

	var stored models.Suggestion
	if err := json.Unmarshal(rec.Body.Bytes(), &stored); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stored.ID == "" || stored.Status != models.SuggestionPending {
		t.Fatalf("stored = %+v, want generated ID and pending status", stored)
	}
}

func TestSubmitSuggestionValidationFailure(t *testing.T) {
	router := newTestRouter(newFakeStore())

	body := validSuggestionBody()
	body["changes"] = []map[string]any{}
	rec := doJSON(t, router, http.MethodPost, "/api/v1/suggestions", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "INVALID_REQUEST" {
		t.Fatalf("code = %q, want INVALID_REQUEST", resp.Code)
	}
}

func TestPendingSuggestionsEndpoint(t *testing.T) {
	router := newTestRouter(newFakeStore())

	if rec := doJSON(t, router, http.MethodPost, "/api/v1/suggestions", validSuggestionBody()); rec.Code != http.StatusCreated {
		t.Fatalf("seed suggestion: status %d", rec.Code)
	}

	rec := doJSON(t, router, http.MethodGet, "/api/v1/suggestions/pending", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var pending []*models.Suggestion
	if err := json.Unmarshal(rec.Body.Bytes(), &pending); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d entries, want 1", len(pending))
	}
}

func TestGetTestNotFound(t *testing.T) {
	router := newTestRouter(newFakeStore())

	rec := doJSON(t, router, http.MethodGet, "/api/v1/tests/test-missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "NOT_FOUND" {
		t.Fatalf("code = %q, want NOT_FOUND", resp.Code)
	}
}

func TestApproveWithoutPendingReviewConflicts(t *testing.T) {
	st := newFakeStore()
	st.tests["test-1"] = &models.ImprovementTest{
		ID:             "test-1",
		Phase:          models.PhaseRollout25,
		ReviewRequired: false,
	}
	router := newTestRouter(st)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tests/test-1/approve", ApprovalRequest{Approver: "risk-desk", Reason: "metrics look fine"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (body %s)", rec.Code, rec.Body.String())
	}
	if resp := decodeError(t, rec); resp.Code != "CONFLICT" {
		t.Fatalf("code = %q, want CONFLICT", resp.Code)
	}
}

func TestEmergencyStopRequiresOperator(t *testing.T) {
	st := newFakeStore()
	st.tests["test-1"] = &models.ImprovementTest{ID: "test-1", Phase: models.PhaseShadow}
	router := newTestRouter(st)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tests/test-1/emergency-stop", EmergencyStopRequest{Reason: "drawdown spike"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestEmergencyStopEndpoint(t *testing.T) {
	st := newFakeStore()
	st.suggestions["sug-1"] = &models.Suggestion{ID: "sug-1", Status: models.SuggestionTesting}
	st.tests["test-1"] = &models.ImprovementTest{ID: "test-1", SuggestionID: "sug-1", Phase: models.PhaseRollout10}
	router := newTestRouter(st)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tests/test-1/emergency-stop", EmergencyStopRequest{Operator: "ops-oncall", Reason: "fat finger"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var test models.ImprovementTest
	if err := json.Unmarshal(rec.Body.Bytes(), &test); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if test.Phase != models.PhaseRolledBack {
		t.Fatalf("phase = %q, want rolled_back", test.Phase)
	}
}

func TestPipelineStatusEndpoint(t *testing.T) {
	router := newTestRouter(newFakeStore())

	if rec := doJSON(t, router, http.MethodPost, "/api/v1/suggestions", validSuggestionBody()); rec.Code != http.StatusCreated {
		t.Fatalf("seed suggestion: status %d", rec.Code)
	}

	rec := doJSON(t, router, http.MethodGet, "/api/v1/pipeline/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var status models.PipelineStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if status.PendingSuggestions != 1 {
		t.Fatalf("PendingSuggestions = %d, want 1", status.PendingSuggestions)
	}
}

func TestUpdateConfigEndpoint(t *testing.T) {
	router := newTestRouter(newFakeStore())

	rec := doJSON(t, router, http.MethodPut, "/api/v1/pipeline/config", map[string]any{"max_concurrent_tests": 0})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for zero budget", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPut, "/api/v1/pipeline/config", map[string]any{"max_concurrent_tests": 5})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var cfg config.PipelineConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if cfg.MaxConcurrentTests != 5 {
		t.Fatalf("MaxConcurrentTests = %d, want 5", cfg.MaxConcurrentTests)
	}
	if cfg.AdmissionScore != 70 {
		t.Fatalf("AdmissionScore = %v, want untouched default 70", cfg.AdmissionScore)
	}
}

func TestRollbackPatternsEndpoint(t *testing.T) {
	st := newFakeStore()
	st.tests["test-1"] = &models.ImprovementTest{
		ID:    "test-1",
		Phase: models.PhaseRolledBack,
		Treatment: models.TestGroup{
			Type:    models.GroupTreatment,
			Changes: []models.Change{{Component: "momentum-agent", ChangeType: "parameter_tuning"}},
		},
		RollbackReason: "degradation beyond threshold",
	}
	router := newTestRouter(st)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/reports/rollback-patterns", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var mined []patterns.RollbackPattern
	if err := json.Unmarshal(rec.Body.Bytes(), &mined); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(mined) != 1 || mined[0].Component != "momentum-agent" {
		t.Fatalf("mined = %+v, want one momentum-agent pattern", mined)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	router := newTestRouter(newFakeStore())

	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
