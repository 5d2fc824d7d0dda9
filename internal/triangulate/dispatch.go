// Package triangulate escalates low-confidence relationships into
// triangulated re-analysis sessions.
//
// The dispatcher only opens sessions and enqueues work; the actual
// multi-model re-analysis is an external consumer of the
// triangulated-analysis queue. RecordDecision is the consumer's hook
// for closing a session.
package triangulate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/steveyegge/cartograph/internal/queue"
	"github.com/steveyegge/cartograph/internal/storage"
	"github.com/steveyegge/cartograph/internal/types"
)

// Priority cutoffs: below urgent everything is on fire, below high it
// still jumps the line, the rest waits its turn.
const (
	urgentBelow = 0.2
	highBelow   = 0.35
)

// ErrDisabled is returned by Dispatch when triangulation is turned off.
var ErrDisabled = errors.New("triangulate: disabled")

// Dispatcher opens triangulation sessions for escalated relationships.
type Dispatcher struct {
	store   storage.Storage
	queue   queue.Queue
	log     *slog.Logger
	enabled bool
}

// Config controls dispatcher behavior.
type Config struct {
	Enabled bool
}

// NewDispatcher creates a dispatcher. logger may be nil.
func NewDispatcher(store storage.Storage, q queue.Queue, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, queue: q, log: logger, enabled: cfg.Enabled}
}

// PriorityFor buckets a confidence into a queue priority.
func PriorityFor(confidence float64) types.TriangulationPriority {
	switch {
	case confidence < urgentBelow:
		return types.PriorityUrgent
	case confidence < highBelow:
		return types.PriorityHigh
	default:
		return types.PriorityNormal
	}
}

// Dispatch opens a session for the relationship and enqueues a
// triangulation job. The session row is written through the supplied
// transaction so it commits atomically with whatever triggered the
// escalation; the enqueue happens immediately after and is at-least-once.
func (d *Dispatcher) Dispatch(ctx context.Context, tx storage.Transaction, rel *types.Relationship, confidence float64) (int64, error) {
	if !d.enabled {
		return 0, ErrDisabled
	}
	if rel.ID == 0 {
		return 0, storage.Categorize(storage.CategoryValidation, "persist the relationship before dispatching",
			errors.New("triangulate: relationship has no id"))
	}

	session := &types.TriangulationSession{
		RelationshipID: rel.ID,
		RunID:          rel.RunID,
		Status:         types.TriStatusQueued,
	}
	id, err := tx.InsertTriangulationSession(ctx, session)
	if err != nil {
		return 0, fmt.Errorf("insert triangulation session: %w", err)
	}

	priority := PriorityFor(confidence)
	job := types.TriangulationJob{
		RunID:          rel.RunID,
		RelationshipID: rel.ID,
		SessionID:      id,
		Confidence:     confidence,
		Priority:       priority,
	}
	if err := d.queue.Enqueue(ctx, types.QueueTriangulation, "triangulated-analysis", job); err != nil {
		// The session row stands; a sweep or operator requeue can
		// re-drive it. Losing the enqueue must not fail the caller's
		// transaction.
		d.log.Warn("triangulation enqueue failed, session left queued",
			"session_id", id, "relationship_id", rel.ID, "error", err)
	}

	d.log.Debug("dispatched triangulation",
		"session_id", id, "relationship_id", rel.ID,
		"confidence", confidence, "priority", priority)
	return id, nil
}

// RecordDecision closes a session and applies the consensus outcome to
// the relationship. Accept promotes the relationship to validated with
// the consensus confidence; reject marks it failed; defer leaves the
// relationship untouched but still closes the session.
func (d *Dispatcher) RecordDecision(ctx context.Context, sessionID int64, decision types.TriangulationDecision, consensus float64) error {
	session, err := d.store.GetTriangulationSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %d: %w", sessionID, err)
	}
	if session.Status == types.TriStatusDecided {
		// Idempotent under consumer redelivery.
		return nil
	}

	if err := d.store.UpdateTriangulationSession(ctx, sessionID, types.TriStatusDecided, decision, consensus); err != nil {
		return fmt.Errorf("close session %d: %w", sessionID, err)
	}

	if decision == types.DecisionDefer {
		return nil
	}

	status := types.RelStatusValidated
	reason := "triangulated consensus accept"
	if decision == types.DecisionReject {
		status = types.RelStatusFailed
		reason = "triangulated consensus reject"
	}
	return d.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.UpdateRelationship(ctx, session.RelationshipID, status, types.ClampConfidence(consensus), reason)
	})
}
