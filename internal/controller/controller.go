package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quantpilot/rollout-engine/internal/allocator"
	"github.com/quantpilot/rollout-engine/internal/comparator"
	"github.com/quantpilot/rollout-engine/internal/config"
	"github.com/quantpilot/rollout-engine/internal/governance"
	"github.com/quantpilot/rollout-engine/internal/guard"
	"github.com/quantpilot/rollout-engine/internal/intake"
	"github.com/quantpilot/rollout-engine/internal/metrics"
	"github.com/quantpilot/rollout-engine/internal/models"
	"github.com/quantpilot/rollout-engine/internal/repo"
	"github.com/quantpilot/rollout-engine/internal/store"
	"github.com/quantpilot/rollout-engine/internal/utils"
)

// Platform defines the trading-platform client behaviour the
// controller depends on.
type Platform interface {
	FetchCohortPerformance(ctx context.Context, accounts []string, start, end time.Time) (*repo.CohortPerformance, error)
	RunValidation(ctx context.Context, suggestion *models.Suggestion) (*repo.ValidationResult, error)
	FetchEligibleAccounts(ctx context.Context) ([]string, error)
}

// Store describes the persistence operations the controller uses.
type Store interface {
	intake.Store
	GetSuggestion(ctx context.Context, id string) (*models.Suggestion, error)
	SaveTest(ctx context.Context, test *models.ImprovementTest) error
	GetTest(ctx context.Context, id string) (*models.ImprovementTest, error)
	ActiveTests(ctx context.Context) ([]*models.ImprovementTest, error)
	FinishedTests(ctx context.Context) ([]*models.ImprovementTest, error)
	SaveMetrics(ctx context.Context, m *models.PipelineMetrics) error
	Audit(event store.AuditEvent)
}

// Controller drives the improvement pipeline: admitting suggestions,
// evaluating active tests, advancing phases, and rolling back failures.
// Cycles are serialized; manual operations share per-test locks with
// the cycle so a test is never mutated concurrently.
type Controller struct {
	logger    *slog.Logger
	store     Store
	platform  Platform
	allocator *allocator.Allocator

	cfgMu sync.RWMutex
	cfg   config.PipelineConfig
	cmp   *comparator.Comparator
	guard *guard.Guard
	gate  *governance.Gate

	cycleMu sync.Mutex
	tests   keyedMutex

	stateMu     sync.Mutex
	pipeMetrics models.PipelineMetrics
	lastCycle   *models.CycleResult
	lastCycleAt time.Time

	// Tests whose terminal phase was persisted but whose suggestion or
	// counter updates failed. Retried at the start of each cycle.
	needsRepair map[string]bool
}

// New constructs a Controller with the given pipeline settings.
func New(logger *slog.Logger, st Store, platform Platform, alloc *allocator.Allocator, cfg config.PipelineConfig) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if alloc == nil {
		alloc = allocator.New(logger)
	}
	c := &Controller{
		logger:      logger,
		store:       st,
		platform:    platform,
		allocator:   alloc,
		needsRepair: make(map[string]bool),
	}
	c.applySettings(cfg)
	return c
}

// Rebuild restores in-memory state from storage: account reservations
// for active tests and the pipeline counters, recounted from the
// finished test history. A terminal transition interrupted before its
// suggestion update was persisted is repaired here.
func (c *Controller) Rebuild(ctx context.Context) error {
	active, err := c.store.ActiveTests(ctx)
	if err != nil {
		return err
	}
	for _, test := range active {
		accounts := append(append([]string(nil), test.Control.Accounts...), test.Treatment.Accounts...)
		if err := c.allocator.Reserve(test.ID, accounts); err != nil {
			return err
		}
	}

	finished, err := c.store.FinishedTests(ctx)
	if err != nil {
		return err
	}
	for _, test := range finished {
		status := models.SuggestionImplemented
		if test.Phase == models.PhaseRolledBack {
			status = models.SuggestionRejected
		}
		sug, err := c.store.GetSuggestion(ctx, test.SuggestionID)
		if err != nil {
			if store.ErrNotFound(err) {
				continue
			}
			return err
		}
		if sug.Status != models.SuggestionTesting {
			continue
		}
		sug.Status = status
		if err := c.store.SaveSuggestion(ctx, sug); err != nil {
			return err
		}
		c.logger.Warn("repaired suggestion status for finished test",
			"test_id", test.ID,
			"suggestion_id", sug.ID,
			"status", status)
	}
	if err := c.recordFinished(ctx); err != nil {
		return err
	}

	metrics.SetActiveTests(len(active))
	c.logger.Info("controller state rebuilt", "active_tests", len(active))
	return nil
}

// Run executes cycles until ctx is cancelled. The first cycle starts
// immediately; later cycles follow the configured interval.
func (c *Controller) Run(ctx context.Context) error {
	interval := c.settings().CycleInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := c.ExecuteCycle(ctx); err != nil {
		c.logger.Error("pipeline cycle failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.ExecuteCycle(ctx); err != nil {
				c.logger.Error("pipeline cycle failed", "error", err)
			}
			// Pick up interval changes from config reloads.
			if next := c.settings().CycleInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// ApplySettings swaps in new pipeline settings after validating them.
// Called from the config watcher and the settings API; running cycles
// finish under the settings they started with.
func (c *Controller) ApplySettings(cfg config.PipelineConfig) error {
	probe := config.Config{Pipeline: cfg, Store: config.StoreConfig{InMemory: true}}
	if err := probe.Validate(); err != nil {
		return utils.NewAppError("controller.ApplySettings", utils.KindValidation, "invalid pipeline settings", err)
	}
	c.applySettings(cfg)
	c.store.Audit(store.AuditEvent{Type: store.AuditConfigReloaded})
	c.logger.Info("pipeline settings applied",
		"rollback_threshold", cfg.RollbackThreshold,
		"max_concurrent_tests", cfg.MaxConcurrentTests,
		"auto_advance", cfg.AutoAdvance)
	return nil
}

func (c *Controller) applySettings(cfg config.PipelineConfig) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg = cfg
	c.cmp = comparator.New(c.logger, cfg.MinSampleSize, cfg.SignificanceTStat)
	c.guard = guard.New(c.logger, cfg.RollbackThreshold, cfg.DrawdownKillSwitch)
	c.gate = governance.New(c.logger, cfg.ReviewPhase)
}

// Settings returns the pipeline settings currently in effect.
func (c *Controller) Settings() config.PipelineConfig {
	return c.settings()
}

func (c *Controller) settings() config.PipelineConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

func (c *Controller) components() (*comparator.Comparator, *guard.Guard, *governance.Gate) {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cmp, c.guard, c.gate
}

// Status assembles the operator-facing pipeline view.
func (c *Controller) Status(ctx context.Context) (*models.PipelineStatus, error) {
	active, err := c.store.ActiveTests(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := c.store.PendingSuggestions(ctx)
	if err != nil {
		return nil, err
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return &models.PipelineStatus{
		ActiveTests:        active,
		PendingSuggestions: len(pending),
		Metrics:            c.pipeMetrics,
		LastCycleAt:        c.lastCycleAt,
		LastCycle:          c.lastCycle,
	}, nil
}

// keyedMutex hands out one mutex per test ID.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
