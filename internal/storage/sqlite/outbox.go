package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/steveyegge/cartograph/internal/types"
)

const outboxColumns = `id, run_id, event_type, payload, status, error_message, created_at`

func scanOutboxEvent(row interface{ Scan(...interface{}) error }) (*types.OutboxEvent, error) {
	ev := &types.OutboxEvent{}
	var payload string
	err := row.Scan(&ev.ID, &ev.RunID, &ev.EventType, &payload, &ev.Status,
		&ev.Error, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	ev.Payload = []byte(payload)
	return ev, nil
}

// InsertOutboxEvent appends a pending event to the outbox. Workers call
// this inside the same transaction as their own writes; the publisher and
// tests use this direct form.
func (s *Store) InsertOutboxEvent(ctx context.Context, ev *types.OutboxEvent) (int64, error) {
	if ev.Status == "" {
		ev.Status = types.OutboxPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (run_id, event_type, payload, status) VALUES (?, ?, ?, ?)`,
		ev.RunID, ev.EventType, string(ev.Payload), ev.Status)
	if err != nil {
		return 0, wrapDBError("insert outbox event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapDBError("insert outbox event", err)
	}
	ev.ID = id
	return id, nil
}

// PendingOutboxEvents returns up to limit pending events ordered by id.
// Ordering by id keeps event processing roughly arrival-ordered; the
// publisher reorders by event class on top of this.
func (s *Store) PendingOutboxEvents(ctx context.Context, limit int) ([]*types.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox
		 WHERE status = 'pending' ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, wrapDBError("pending outbox events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, wrapDBError("scan outbox event", err)
		}
		events = append(events, ev)
	}
	return events, wrapDBError("pending outbox events", rows.Err())
}

// PendingCountByType counts pending events of the given types for a run.
// The global-phase trigger uses this to verify no file or relationship
// findings remain before enqueueing cross-file analysis.
func (s *Store) PendingCountByType(ctx context.Context, runID string, eventTypes ...types.EventType) (int, error) {
	if len(eventTypes) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(eventTypes))
	placeholders = placeholders[:len(placeholders)-1]
	args := []interface{}{runID}
	for _, et := range eventTypes {
		args = append(args, et)
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox
		 WHERE run_id = ? AND status = 'pending' AND event_type IN (`+placeholders+`)`,
		args...).Scan(&n)
	if err != nil {
		return 0, wrapDBError("pending count by type", err)
	}
	return n, nil
}

// OutboxCounts returns event counts grouped by status.
func (s *Store) OutboxCounts(ctx context.Context) (map[types.OutboxStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, wrapDBError("outbox counts", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[types.OutboxStatus]int{
		types.OutboxPending:   0,
		types.OutboxPublished: 0,
		types.OutboxFailed:    0,
	}
	for rows.Next() {
		var status types.OutboxStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapDBError("scan outbox count", err)
		}
		counts[status] = n
	}
	return counts, wrapDBError("outbox counts", rows.Err())
}

// ActiveRunIDs returns the distinct run ids present in the outbox.
func (s *Store) ActiveRunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT run_id FROM outbox ORDER BY run_id`)
	if err != nil {
		return nil, wrapDBError("active run ids", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("scan run id", err)
		}
		runs = append(runs, id)
	}
	return runs, wrapDBError("active run ids", rows.Err())
}

// RequeueFailed moves failed outbox rows back to pending so the publisher
// picks them up again. This is the one sanctioned backward transition and
// is only reachable from the operator CLI. An empty runID requeues across
// all runs.
func (s *Store) RequeueFailed(ctx context.Context, runID string) (int, error) {
	query := `UPDATE outbox SET status = 'pending', error_message = '' WHERE status = 'failed'`
	args := []interface{}{}
	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, wrapDBError("requeue failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError("requeue failed", err)
	}
	return int(n), nil
}

// MarkGlobalPhase records that the global cross-file phase has been
// triggered for a run. The marker is what makes the trigger once-only.
func (s *Store) MarkGlobalPhase(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, 'started')
		 ON CONFLICT(key) DO NOTHING`, globalPhaseKey(runID))
	return wrapDBError("mark global phase", err)
}

// GlobalPhaseStarted reports whether the global phase was already
// triggered for a run.
func (s *Store) GlobalPhaseStarted(ctx context.Context, runID string) (bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM metadata WHERE key = ?`, globalPhaseKey(runID)).Scan(&v)
	if err != nil {
		if isNotFoundErr(err) {
			return false, nil
		}
		return false, wrapDBError("global phase started", err)
	}
	return true, nil
}

func globalPhaseKey(runID string) string {
	return fmt.Sprintf("global_phase:%s", runID)
}
