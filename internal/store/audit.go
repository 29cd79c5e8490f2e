package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/quantpilot/rollout-engine/internal/utils"
)

const auditPrefix = "audit/"

// Audit event types.
const (
	AuditSuggestionReceived = "suggestion_received"
	AuditSuggestionRejected = "suggestion_rejected"
	AuditTestStarted        = "test_started"
	AuditPhaseAdvanced      = "phase_advanced"
	AuditTestCompleted      = "test_completed"
	AuditTestRolledBack     = "test_rolled_back"
	AuditApprovalRecorded   = "approval_recorded"
	AuditEmergencyStop      = "emergency_stop"
	AuditConfigReloaded     = "config_reloaded"
)

// ActorSystem is the actor recorded on audit events emitted by the
// pipeline itself rather than a human operator.
const ActorSystem = "system"

// AuditEvent is one immutable entry in the pipeline's audit trail.
// Actor names who caused the event: ActorSystem for pipeline cycles,
// otherwise the approver or operator.
type AuditEvent struct {
	Seq          uint64    `json:"seq"`
	At           time.Time `json:"at"`
	Type         string    `json:"type"`
	Actor        string    `json:"actor"`
	TestID       string    `json:"test_id,omitempty"`
	SuggestionID string    `json:"suggestion_id,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// auditor writes audit events asynchronously so pipeline cycles never
// block on the audit trail. Events carry monotonically increasing
// sequence numbers from a Badger sequence.
type auditor struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger
	events chan AuditEvent
	done   chan struct{}
}

func newAuditor(db *badger.DB, logger *slog.Logger) (*auditor, error) {
	seq, err := db.GetSequence([]byte("audit-seq"), 64)
	if err != nil {
		return nil, utils.NewAppError("store.newAuditor", utils.KindFatal, "acquire audit sequence", err)
	}
	a := &auditor{
		db:     db,
		seq:    seq,
		logger: logger,
		events: make(chan AuditEvent, 256),
		done:   make(chan struct{}),
	}
	go a.run()
	return a, nil
}

func (a *auditor) enqueue(event AuditEvent) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if event.Actor == "" {
		event.Actor = ActorSystem
	}
	select {
	case a.events <- event:
	default:
		// A full queue means storage is struggling; losing an audit
		// entry is preferable to stalling the pipeline.
		a.logger.Warn("audit queue full, dropping event", "type", event.Type, "test_id", event.TestID)
	}
}

func (a *auditor) run() {
	defer close(a.done)
	for event := range a.events {
		if err := a.write(event); err != nil {
			a.logger.Error("audit write failed", "type", event.Type, "error", err)
		}
	}
}

func (a *auditor) write(event AuditEvent) error {
	n, err := a.seq.Next()
	if err != nil {
		return err
	}
	event.Seq = n

	data, err := json.Marshal(&event)
	if err != nil {
		return err
	}
	key := []byte(fmt.Sprintf("%s%020d", auditPrefix, n))
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// recent returns up to limit events, newest first.
func (a *auditor) recent(limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []AuditEvent
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(auditPrefix)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must seek past the last key in the prefix.
		seek := append([]byte(auditPrefix), 0xFF)
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			err := it.Item().Value(func(data []byte) error {
				var event AuditEvent
				if err := json.Unmarshal(data, &event); err != nil {
					return err
				}
				out = append(out, event)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, utils.NewAppError("store.recentAudit", utils.KindDependency, "scan audit trail", err)
	}
	return out, nil
}

func (a *auditor) close() {
	close(a.events)
	<-a.done
	if err := a.seq.Release(); err != nil {
		a.logger.Warn("release audit sequence", "error", err)
	}
}
