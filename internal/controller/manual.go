package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/quantpilot/rollout-engine/internal/guard"
	"github.com/quantpilot/rollout-engine/internal/models"
	"github.com/quantpilot/rollout-engine/internal/store"
	"github.com/quantpilot/rollout-engine/internal/utils"
)

// ApproveTestAdvancement records a human sign-off on a test parked at
// a review boundary. The next cycle advances the test.
func (c *Controller) ApproveTestAdvancement(ctx context.Context, testID, approver, reason string) (*models.ImprovementTest, error) {
	unlock := c.tests.lock(testID)
	defer unlock()

	test, err := c.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	_, _, gate := c.components()
	if err := gate.Approve(test, approver, reason, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := c.store.SaveTest(ctx, test); err != nil {
		return nil, err
	}

	c.store.Audit(store.AuditEvent{
		Type:   store.AuditApprovalRecorded,
		Actor:  approver,
		TestID: test.ID,
		Detail: fmt.Sprintf("approved at %s", test.Phase),
	})
	return test, nil
}

// EmergencyStopTest rolls a test back immediately, bypassing sample
// size requirements, phase duration, and the governance gate. Stopping
// a test that already reached a terminal phase is a no-op.
func (c *Controller) EmergencyStopTest(ctx context.Context, testID, operator, reason string) (*models.ImprovementTest, error) {
	if operator == "" {
		return nil, utils.ValidationError("controller.EmergencyStopTest", "operator is required")
	}

	unlock := c.tests.lock(testID)
	defer unlock()

	test, err := c.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	if test.Phase.Terminal() {
		return test, nil
	}

	full := fmt.Sprintf("Emergency stop: %s (operator %s)", reason, operator)
	if reason == "" {
		full = fmt.Sprintf("Emergency stop: requested by operator %s", operator)
	}

	if err := c.rollBack(ctx, test, guard.RuleEmergencyStop, full); err != nil {
		return nil, err
	}

	c.store.Audit(store.AuditEvent{
		Type:   store.AuditEmergencyStop,
		Actor:  operator,
		TestID: test.ID,
		Detail: full,
	})
	return test, nil
}

// Test returns one test by ID.
func (c *Controller) Test(ctx context.Context, testID string) (*models.ImprovementTest, error) {
	return c.store.GetTest(ctx, testID)
}

// ActiveTests lists tests in non-terminal phases.
func (c *Controller) ActiveTests(ctx context.Context) ([]*models.ImprovementTest, error) {
	return c.store.ActiveTests(ctx)
}
