package controller

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantpilot/rollout-engine/internal/config"
	"github.com/quantpilot/rollout-engine/internal/metrics"
	"github.com/quantpilot/rollout-engine/internal/models"
	"github.com/quantpilot/rollout-engine/internal/store"
)

// ExecuteCycle runs one pipeline pass: admit pending suggestions up to
// the concurrency budget, then evaluate every active test. Cycles are
// serialized; a second caller blocks until the first finishes.
func (c *Controller) ExecuteCycle(ctx context.Context) (*models.CycleResult, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	started := time.Now()
	cfg := c.settings()
	result := &models.CycleResult{}

	c.repairFinished(ctx, result)

	active, err := c.store.ActiveTests(ctx)
	if err != nil {
		c.finishCycle(result, started, err)
		return result, err
	}

	// Admission. Failures here degrade the cycle but never abort it;
	// running tests still need their evaluation below.
	if len(active) < cfg.MaxConcurrentTests {
		admitted := c.admit(ctx, cfg.MaxConcurrentTests-len(active), result)
		active = append(active, admitted...)
	}

	// Evaluate tests concurrently. Each test runs under its own lock
	// so manual operations on other tests are not held up.
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, test := range active {
		test := test
		g.Go(func() error {
			updated, err := c.evaluateTest(gctx, test)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("test %s: %v", test.ID, err))
				return nil
			}
			if updated {
				result.UpdatedTests = append(result.UpdatedTests, test.ID)
			}
			return nil
		})
	}
	_ = g.Wait()

	remaining, err := c.store.ActiveTests(ctx)
	if err == nil {
		metrics.SetActiveTests(len(remaining))
	}

	c.finishCycle(result, started, nil)
	return result, nil
}

func (c *Controller) finishCycle(result *models.CycleResult, started time.Time, fatal error) {
	result.Duration = time.Since(started)
	result.Success = fatal == nil && len(result.Errors) == 0

	outcome := metrics.OutcomeSuccess
	if !result.Success {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveCycle(result.Duration, outcome)

	c.stateMu.Lock()
	c.lastCycle = result
	c.lastCycleAt = time.Now()
	c.stateMu.Unlock()

	c.logger.Info("pipeline cycle finished",
		"duration", result.Duration,
		"started_tests", len(result.StartedTests),
		"updated_tests", len(result.UpdatedTests),
		"errors", len(result.Errors))
}

// admit starts tests for qualifying pending suggestions in priority
// order, up to the number of free slots.
func (c *Controller) admit(ctx context.Context, slots int, result *models.CycleResult) []*models.ImprovementTest {
	cfg := c.settings()

	pending, err := c.store.PendingSuggestions(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("load pending suggestions: %v", err))
		return nil
	}
	sortByPriority(pending)

	var startedTests []*models.ImprovementTest
	for _, sug := range pending {
		if slots <= 0 {
			break
		}
		if !admissible(sug, cfg.AdmissionScore) {
			continue
		}

		test, err := c.startTest(ctx, sug)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("admit suggestion %s: %v", sug.ID, err))
			continue
		}
		if test == nil {
			// Suggestion failed validation and was rejected.
			continue
		}
		slots--
		startedTests = append(startedTests, test)
		result.StartedTests = append(result.StartedTests, test.ID)
	}
	return startedTests
}

// startTest runs pre-admission validation and, on success, creates a
// shadow-phase test for the suggestion. A nil test with nil error
// means the suggestion was rejected by validation.
func (c *Controller) startTest(ctx context.Context, sug *models.Suggestion) (*models.ImprovementTest, error) {
	cfg := c.settings()

	vctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	validation, err := c.platform.RunValidation(vctx, sug)
	cancel()
	if err != nil {
		// Validation unavailable: the suggestion stays pending for the
		// next cycle rather than being rejected on a dependency error.
		return nil, err
	}
	if !validation.Passed {
		sug.Status = models.SuggestionRejected
		sug.FailedChecks = validation.FailedChecks()
		if err := c.store.SaveSuggestion(ctx, sug); err != nil {
			return nil, err
		}
		metrics.SuggestionProcessed(string(models.SuggestionRejected))
		c.store.Audit(store.AuditEvent{
			Type:         store.AuditSuggestionRejected,
			SuggestionID: sug.ID,
			Detail:       "validation failed: " + strings.Join(sug.FailedChecks, ", "),
		})
		c.logger.Info("suggestion rejected by validation",
			"suggestion_id", sug.ID,
			"failed_checks", sug.FailedChecks)
		return nil, nil
	}

	actx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	eligible, err := c.platform.FetchEligibleAccounts(actx)
	cancel()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	test := &models.ImprovementTest{
		ID:           "test-" + sug.ID,
		SuggestionID: sug.ID,
		Name:         sug.Title,
		Description:  sug.Description,
		Hypothesis:   sug.Rationale,
		Category:     sug.Category,
		RiskLevel:    sug.RiskLevel,
		Complexity:   sug.Effort,
		Phase:        models.PhaseShadow,
		StartedAt:    now,
	}

	control, treatment, err := c.allocator.Allocate(test.ID, eligible, models.PhaseShadow, nil, nil)
	if err != nil {
		return nil, err
	}
	test.Control = models.TestGroup{Type: models.GroupControl, Accounts: control}
	test.Treatment = models.TestGroup{
		Type:          models.GroupTreatment,
		Accounts:      treatment,
		AllocationPct: models.PhaseShadow.TrafficPercent(),
		Changes:       sug.Changes,
	}
	test.PhaseStartedAt = now

	if err := c.store.SaveTest(ctx, test); err != nil {
		c.allocator.Release(test.ID)
		return nil, err
	}

	sug.Status = models.SuggestionTesting
	if err := c.store.SaveSuggestion(ctx, sug); err != nil {
		return nil, err
	}

	metrics.SuggestionProcessed(string(models.SuggestionTesting))
	c.store.Audit(store.AuditEvent{
		Type:         store.AuditTestStarted,
		TestID:       test.ID,
		SuggestionID: sug.ID,
		Detail:       fmt.Sprintf("shadow test started with %d control / %d treatment accounts", len(control), len(treatment)),
	})
	c.logger.Info("test started",
		"test_id", test.ID,
		"suggestion_id", sug.ID,
		"control_accounts", len(control),
		"treatment_accounts", len(treatment))
	return test, nil
}

// evaluateTest compares the cohorts of one active test and applies
// guard, governance, and advancement rules. Returns true when the
// stored test changed.
func (c *Controller) evaluateTest(ctx context.Context, test *models.ImprovementTest) (bool, error) {
	unlock := c.tests.lock(test.ID)
	defer unlock()

	// A manual operation may have finished the test since the cycle
	// listed it.
	current, err := c.store.GetTest(ctx, test.ID)
	if err != nil {
		return false, err
	}
	if current.Phase.Terminal() {
		return false, nil
	}
	*test = *current

	cfg := c.settings()
	cmp, grd, gate := c.components()

	now := time.Now().UTC()
	windowStart := now.Add(-cfg.EvaluationWindow)
	if test.PhaseStartedAt.After(windowStart) {
		windowStart = test.PhaseStartedAt
	}

	fctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	controlPerf, err := c.platform.FetchCohortPerformance(fctx, test.Control.Accounts, windowStart, now)
	cancel()
	if err != nil {
		return false, err
	}
	fctx, cancel = context.WithTimeout(ctx, cfg.CallTimeout)
	treatmentPerf, err := c.platform.FetchCohortPerformance(fctx, test.Treatment.Accounts, windowStart, now)
	cancel()
	if err != nil {
		return false, err
	}

	comparison := cmp.Compare(controlPerf, treatmentPerf, now)
	test.Current = &comparison
	if test.Baseline == nil {
		snapshot := comparison.Control
		test.Baseline = &snapshot
	}

	if verdict := grd.Check(comparison); verdict.Rollback {
		return true, c.rollBack(ctx, test, verdict.Rule, verdict.Reason)
	}

	if c.shouldAdvance(test, comparison, cfg, now) {
		next, _ := test.Phase.Next()
		if gate.RequiresReview(next, test.RiskLevel) && !approvedFor(test, test.Phase) {
			if !test.ReviewRequired {
				test.ReviewRequired = true
				c.logger.Info("test parked for review",
					"test_id", test.ID,
					"phase", test.Phase)
			}
		} else {
			return true, c.advance(ctx, test, now)
		}
	}

	return true, c.store.SaveTest(ctx, test)
}

// shouldAdvance applies the advancement conditions: auto-advance on,
// minimum phase duration served, sufficient data, and a treatment that
// is not degrading.
func (c *Controller) shouldAdvance(test *models.ImprovementTest, comparison models.CohortComparison, cfg config.PipelineConfig, now time.Time) bool {
	if !cfg.AutoAdvance {
		return false
	}
	if now.Sub(test.PhaseStartedAt) < cfg.MinPhaseDuration {
		return false
	}
	if !comparison.Sufficient {
		return false
	}
	return comparison.DegradationScore > cfg.RollbackThreshold
}

// advance moves the test to its next phase, or completes it from the
// final rollout phase.
func (c *Controller) advance(ctx context.Context, test *models.ImprovementTest, now time.Time) error {
	next, ok := test.Phase.Next()
	if !ok {
		return c.complete(ctx, test)
	}

	cfg := c.settings()
	actx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	eligible, err := c.platform.FetchEligibleAccounts(actx)
	cancel()
	if err != nil {
		return err
	}

	control, treatment, err := c.allocator.Allocate(test.ID, eligible, next,
		test.Control.Accounts, test.Treatment.Accounts)
	if err != nil {
		return err
	}

	prev := test.Phase
	test.Phase = next
	test.PhaseStartedAt = now
	test.ReviewRequired = false
	test.Control.Accounts = control
	test.Treatment.Accounts = treatment
	test.Treatment.AllocationPct = next.TrafficPercent()

	if err := c.store.SaveTest(ctx, test); err != nil {
		return err
	}

	c.store.Audit(store.AuditEvent{
		Type:   store.AuditPhaseAdvanced,
		TestID: test.ID,
		Detail: fmt.Sprintf("%s -> %s", prev, next),
	})
	c.logger.Info("test advanced",
		"test_id", test.ID,
		"from", prev,
		"to", next,
		"treatment_pct", test.Treatment.AllocationPct)
	return nil
}

// complete finishes a test successfully from the final rollout phase.
func (c *Controller) complete(ctx context.Context, test *models.ImprovementTest) error {
	test.Phase = models.PhaseCompleted
	test.ReviewRequired = false
	if err := c.store.SaveTest(ctx, test); err != nil {
		return err
	}
	c.allocator.Release(test.ID)

	if err := c.finishTest(ctx, test, models.SuggestionImplemented); err != nil {
		c.markForRepair(test.ID)
		return err
	}

	metrics.TestFinished(string(models.PhaseCompleted))
	c.store.Audit(store.AuditEvent{
		Type:         store.AuditTestCompleted,
		TestID:       test.ID,
		SuggestionID: test.SuggestionID,
	})
	c.logger.Info("test completed", "test_id", test.ID)
	return nil
}

// rollBack terminates a test and reverts its suggestion. Used by both
// the guard and the emergency stop.
func (c *Controller) rollBack(ctx context.Context, test *models.ImprovementTest, rule, reason string) error {
	test.Phase = models.PhaseRolledBack
	test.RollbackReason = reason
	test.ReviewRequired = false
	if err := c.store.SaveTest(ctx, test); err != nil {
		return err
	}
	c.allocator.Release(test.ID)

	if err := c.finishTest(ctx, test, models.SuggestionRejected); err != nil {
		c.markForRepair(test.ID)
		return err
	}

	metrics.TestFinished(string(models.PhaseRolledBack))
	metrics.RollbackTriggered(rule)
	c.store.Audit(store.AuditEvent{
		Type:         store.AuditTestRolledBack,
		TestID:       test.ID,
		SuggestionID: test.SuggestionID,
		Detail:       reason,
	})
	c.logger.Warn("test rolled back",
		"test_id", test.ID,
		"rule", rule,
		"reason", reason)
	return nil
}

func (c *Controller) updateSuggestionStatus(ctx context.Context, id string, status models.SuggestionStatus) error {
	sug, err := c.store.GetSuggestion(ctx, id)
	if err != nil {
		return err
	}
	if sug.Status == status {
		return nil
	}
	sug.Status = status
	if err := c.store.SaveSuggestion(ctx, sug); err != nil {
		return err
	}
	metrics.SuggestionProcessed(string(status))
	return nil
}

// finishTest runs the follow-up writes of a terminal transition: the
// suggestion status flip and the pipeline counters. Every step is
// idempotent so a failed transition can be retried.
func (c *Controller) finishTest(ctx context.Context, test *models.ImprovementTest, status models.SuggestionStatus) error {
	if err := c.updateSuggestionStatus(ctx, test.SuggestionID, status); err != nil {
		return err
	}
	return c.recordFinished(ctx)
}

// markForRepair remembers a test whose terminal phase was persisted
// but whose follow-up writes failed, so the next cycle retries them.
func (c *Controller) markForRepair(testID string) {
	c.stateMu.Lock()
	c.needsRepair[testID] = true
	c.stateMu.Unlock()
}

// repairFinished retries the follow-up writes of terminal transitions
// that failed part-way, so a test is never left terminal with a stale
// suggestion or missing counters.
func (c *Controller) repairFinished(ctx context.Context, result *models.CycleResult) {
	c.stateMu.Lock()
	ids := make([]string, 0, len(c.needsRepair))
	for id := range c.needsRepair {
		ids = append(ids, id)
	}
	c.stateMu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		test, err := c.store.GetTest(ctx, id)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("repair test %s: %v", id, err))
			continue
		}
		status := models.SuggestionImplemented
		if test.Phase == models.PhaseRolledBack {
			status = models.SuggestionRejected
		}
		if err := c.finishTest(ctx, test, status); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("repair test %s: %v", id, err))
			continue
		}
		c.stateMu.Lock()
		delete(c.needsRepair, id)
		c.stateMu.Unlock()
		c.logger.Info("repaired terminal transition", "test_id", id)
	}
}

// recordFinished recounts the pipeline counters from the finished test
// history and persists them. Counting from storage instead of
// incrementing keeps the counters correct when a transition is
// retried.
func (c *Controller) recordFinished(ctx context.Context) error {
	finished, err := c.store.FinishedTests(ctx)
	if err != nil {
		return err
	}
	completed, rolledBack := 0, 0
	for _, test := range finished {
		if test.Phase == models.PhaseRolledBack {
			rolledBack++
		} else {
			completed++
		}
	}

	c.stateMu.Lock()
	c.pipeMetrics.SuccessfulDeployments = completed
	c.pipeMetrics.Rollbacks = rolledBack
	c.pipeMetrics.Recompute()
	snapshot := c.pipeMetrics
	c.stateMu.Unlock()

	return c.store.SaveMetrics(ctx, &snapshot)
}

// admissible reports whether a suggestion qualifies for a test slot.
// High-priority suggestions are admitted regardless of score.
func admissible(sug *models.Suggestion, admissionScore float64) bool {
	return sug.PriorityScore >= admissionScore || sug.Priority == models.PriorityHigh
}

func sortByPriority(pending []*models.Suggestion) {
	sort.SliceStable(pending, func(a, b int) bool {
		if pending[a].PriorityScore != pending[b].PriorityScore {
			return pending[a].PriorityScore > pending[b].PriorityScore
		}
		return pending[a].CreatedAt.Before(pending[b].CreatedAt)
	})
}

// approvedFor reports whether the approval log contains a sign-off
// recorded at the given phase.
func approvedFor(test *models.ImprovementTest, phase models.Phase) bool {
	for _, a := range test.Approvals {
		if a.Phase == phase {
			return true
		}
	}
	return false
}
