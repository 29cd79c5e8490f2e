package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/quantpilot/rollout-engine/internal/config"
	"github.com/quantpilot/rollout-engine/internal/models"
	"github.com/quantpilot/rollout-engine/internal/utils"
)

const (
	suggestionPrefix = "suggestion/"
	testPrefix       = "test/"
	metricsKey       = "pipeline/metrics"
)

// Store persists suggestions, tests, and pipeline metrics in an
// embedded Badger database. Values are JSON; keys are type-prefixed.
type Store struct {
	db      *badger.DB
	logger  *slog.Logger
	auditor *auditor
	gcStop  chan struct{}
	gcDone  chan struct{}
}

// Open opens (or creates) the database described by cfg.
func Open(cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, utils.NewAppError("store.Open", utils.KindFatal, "store path is required", nil)
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, utils.NewAppError("store.Open", utils.KindFatal, "create store directory", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, utils.NewAppError("store.Open", utils.KindFatal, "open badger database", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	auditor, err := newAuditor(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.auditor = auditor

	if !cfg.InMemory && cfg.GCInterval > 0 {
		go s.runGC(cfg.GCInterval)
	} else {
		close(s.gcDone)
	}
	return s, nil
}

// Close flushes the audit writer, stops GC, and closes the database.
func (s *Store) Close() error {
	close(s.gcStop)
	<-s.gcDone
	s.auditor.close()
	return s.db.Close()
}

// SaveSuggestion writes (or overwrites) a suggestion.
func (s *Store) SaveSuggestion(_ context.Context, sug *models.Suggestion) error {
	return s.putJSON(suggestionPrefix+sug.ID, sug)
}

// GetSuggestion loads one suggestion by ID.
func (s *Store) GetSuggestion(_ context.Context, id string) (*models.Suggestion, error) {
	var sug models.Suggestion
	if err := s.getJSON(suggestionPrefix+id, &sug); err != nil {
		return nil, err
	}
	return &sug, nil
}

// PendingSuggestions returns every suggestion still awaiting admission.
func (s *Store) PendingSuggestions(ctx context.Context) ([]*models.Suggestion, error) {
	all, err := s.listSuggestions(ctx)
	if err != nil {
		return nil, err
	}
	var pending []*models.Suggestion
	for _, sug := range all {
		if sug.Status == models.SuggestionPending {
			pending = append(pending, sug)
		}
	}
	return pending, nil
}

func (s *Store) listSuggestions(_ context.Context) ([]*models.Suggestion, error) {
	var out []*models.Suggestion
	err := s.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, suggestionPrefix, func(data []byte) error {
			var sug models.Suggestion
			if err := json.Unmarshal(data, &sug); err != nil {
				return err
			}
			out = append(out, &sug)
			return nil
		})
	})
	if err != nil {
		return nil, utils.NewAppError("store.listSuggestions", utils.KindDependency, "scan suggestions", err)
	}
	return out, nil
}

// SaveTest writes (or overwrites) a test.
func (s *Store) SaveTest(_ context.Context, test *models.ImprovementTest) error {
	return s.putJSON(testPrefix+test.ID, test)
}

// GetTest loads one test by ID.
func (s *Store) GetTest(_ context.Context, id string) (*models.ImprovementTest, error) {
	var test models.ImprovementTest
	if err := s.getJSON(testPrefix+id, &test); err != nil {
		return nil, err
	}
	return &test, nil
}

// ActiveTests returns tests that have not reached a terminal phase.
// The controller rebuilds its in-memory state from this at startup.
func (s *Store) ActiveTests(ctx context.Context) ([]*models.ImprovementTest, error) {
	return s.listTests(ctx, func(t *models.ImprovementTest) bool { return t.Active() })
}

// FinishedTests returns completed and rolled-back tests.
func (s *Store) FinishedTests(ctx context.Context) ([]*models.ImprovementTest, error) {
	return s.listTests(ctx, func(t *models.ImprovementTest) bool { return t.Phase.Terminal() })
}

func (s *Store) listTests(_ context.Context, keep func(*models.ImprovementTest) bool) ([]*models.ImprovementTest, error) {
	var out []*models.ImprovementTest
	err := s.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, testPrefix, func(data []byte) error {
			var test models.ImprovementTest
			if err := json.Unmarshal(data, &test); err != nil {
				return err
			}
			if keep(&test) {
				out = append(out, &test)
			}
			return nil
		})
	})
	if err != nil {
		return nil, utils.NewAppError("store.listTests", utils.KindDependency, "scan tests", err)
	}
	return out, nil
}

// SaveMetrics persists the pipeline counters.
func (s *Store) SaveMetrics(_ context.Context, m *models.PipelineMetrics) error {
	return s.putJSON(metricsKey, m)
}

// GetMetrics loads the pipeline counters, returning zero metrics when
// none have been stored yet.
func (s *Store) GetMetrics(_ context.Context) (*models.PipelineMetrics, error) {
	var m models.PipelineMetrics
	err := s.getJSON(metricsKey, &m)
	if err != nil {
		if isNotFound(err) {
			return &models.PipelineMetrics{}, nil
		}
		return nil, err
	}
	return &m, nil
}

// Audit queues an audit event for asynchronous persistence.
func (s *Store) Audit(event AuditEvent) {
	s.auditor.enqueue(event)
}

// RecentAudit returns up to limit audit events, newest first.
func (s *Store) RecentAudit(limit int) ([]AuditEvent, error) {
	return s.auditor.recent(limit)
}

// ErrNotFound reports whether err came from a missing key.
func ErrNotFound(err error) bool { return isNotFound(err) }

func isNotFound(err error) bool {
	return errors.Is(err, badger.ErrKeyNotFound)
}

func (s *Store) putJSON(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return utils.NewAppError("store.putJSON", utils.KindDependency, fmt.Sprintf("marshal %s", key), err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return utils.NewAppError("store.putJSON", utils.KindDependency, fmt.Sprintf("write %s", key), err)
	}
	return nil
}

func (s *Store) getJSON(key string, out any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(data []byte) error {
			return json.Unmarshal(data, out)
		})
	})
	if err != nil {
		return utils.NewAppError("store.getJSON", utils.KindDependency, fmt.Sprintf("read %s", key), err)
	}
	return nil
}

func iteratePrefix(txn *badger.Txn, prefix string, fn func([]byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		err := it.Item().Value(func(data []byte) error {
			return fn(data)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// Badger asks for repeated calls until it reports nothing
			// left to collect.
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		}
	}
}

// badgerLogger adapts slog to Badger's logger interface, demoting its
// chatty info output to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
