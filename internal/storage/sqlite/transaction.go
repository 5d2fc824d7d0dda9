package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steveyegge/cartograph/internal/storage"
	"github.com/steveyegge/cartograph/internal/types"
)

// Verify txStore implements storage.Transaction at compile time
var _ storage.Transaction = (*txStore)(nil)

// txStore implements storage.Transaction over a dedicated connection with
// an active transaction.
type txStore struct {
	conn *sql.Conn
}

// RunInTransaction executes fn within a database transaction.
//
// The transaction uses BEGIN IMMEDIATE to acquire the write lock early,
// with bounded retry on SQLITE_BUSY. On error or panic the transaction is
// rolled back; the panic is re-raised after rollback.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return wrapDBError("begin transaction", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even if ctx is cancelled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&txStore{conn: conn}); err != nil {
		return err // rollback happens in defer
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return wrapDBError("commit transaction", err)
	}
	committed = true
	return nil
}

// GetOrCreateFile returns the file row for path, creating it as pending on
// first reference.
func (t *txStore) GetOrCreateFile(ctx context.Context, path string) (*types.File, error) {
	if _, err := t.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO files (file_path, status) VALUES (?, 'pending')`,
		path); err != nil {
		return nil, wrapDBError("create file", err)
	}
	f := &types.File{}
	err := t.conn.QueryRowContext(ctx,
		`SELECT id, file_path, status FROM files WHERE file_path = ?`, path).
		Scan(&f.ID, &f.FilePath, &f.Status)
	if err != nil {
		return nil, wrapDBError("get file", err)
	}
	return f, nil
}

// InsertPOI inserts a POI with INSERT OR IGNORE semantics: the hash is
// unique per run, so a duplicate insert is a no-op and the existing row id
// is returned. POIs are immutable after insertion.
func (t *txStore) InsertPOI(ctx context.Context, poi *types.POI) (int64, error) {
	if err := poi.Validate(); err != nil {
		return 0, storage.Categorize(storage.CategoryValidation, "", err)
	}
	if poi.Hash == "" {
		poi.Hash = poi.ComputeHash()
	}

	res, err := t.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO pois
		 (file_id, file_path, name, type, start_line, end_line, description,
		  is_exported, semantic_id, llm_output, hash, run_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		poi.FileID, poi.FilePath, poi.Name, poi.Type, poi.StartLine, poi.EndLine,
		poi.Description, poi.IsExported, poi.SemanticID, poi.LLMOutput,
		poi.Hash, poi.RunID)
	if err != nil {
		return 0, wrapDBError("insert poi", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, wrapDBError("insert poi", err)
		}
		poi.ID = id
		return id, nil
	}

	// Duplicate: fetch the existing row id.
	var id int64
	err = t.conn.QueryRowContext(ctx,
		`SELECT id FROM pois WHERE run_id = ? AND hash = ?`, poi.RunID, poi.Hash).
		Scan(&id)
	if err != nil {
		return 0, wrapDBError("lookup existing poi", err)
	}
	poi.ID = id
	return id, nil
}

// InsertRelationship inserts a relationship with INSERT OR IGNORE
// semantics keyed on (source, target, type). The relationship is
// normalized first: type upper-cased, confidence clamped, reason defaulted.
func (t *txStore) InsertRelationship(ctx context.Context, rel *types.Relationship) (int64, error) {
	rel.Normalize()
	if err := rel.Validate(); err != nil {
		return 0, storage.Categorize(storage.CategoryValidation, "", err)
	}

	res, err := t.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO relationships
		 (source_poi_id, target_poi_id, type, file_path, status, confidence, reason, run_id, cross_file)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rel.SourcePOIID, rel.TargetPOIID, rel.Type, rel.FilePath, rel.Status,
		rel.Confidence, rel.Reason, rel.RunID, rel.CrossFile)
	if err != nil {
		return 0, wrapDBError("insert relationship", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, wrapDBError("insert relationship", err)
		}
		rel.ID = id
		return id, nil
	}

	var id int64
	err = t.conn.QueryRowContext(ctx,
		`SELECT id FROM relationships
		 WHERE source_poi_id = ? AND target_poi_id = ? AND type = ?`,
		rel.SourcePOIID, rel.TargetPOIID, rel.Type).Scan(&id)
	if err != nil {
		return 0, wrapDBError("lookup existing relationship", err)
	}
	rel.ID = id
	return id, nil
}

// UpdateRelationship transitions a relationship's status and confidence.
// The update is idempotent: applying it twice leaves the row stable.
func (t *txStore) UpdateRelationship(ctx context.Context, id int64, status types.RelationshipStatus, confidence float64, reason string) error {
	_, err := t.conn.ExecContext(ctx,
		`UPDATE relationships SET status = ?, confidence = ?, reason = ? WHERE id = ?`,
		status, types.ClampConfidence(confidence), reason, id)
	return wrapDBError("update relationship", err)
}

// UpsertDirectorySummary inserts or replaces a directory summary.
func (t *txStore) UpsertDirectorySummary(ctx context.Context, ds *types.DirectorySummary) error {
	_, err := t.conn.ExecContext(ctx,
		`INSERT INTO directory_summaries (run_id, directory_path, summary_text)
		 VALUES (?, ?, ?)
		 ON CONFLICT(run_id, directory_path) DO UPDATE SET summary_text = excluded.summary_text`,
		ds.RunID, ds.DirectoryPath, ds.Summary)
	return wrapDBError("upsert directory summary", err)
}

// BumpEvidence upserts the evidence tracker row for (runID, hash), adding
// the deltas. The counter is additive and keyed by relationship hash, so a
// duplicate fan-out inflates expected_count rather than corrupting it.
func (t *txStore) BumpEvidence(ctx context.Context, runID, relationshipHash string, expectedDelta, actualDelta int) error {
	_, err := t.conn.ExecContext(ctx,
		`INSERT INTO relationship_evidence_tracking
		 (run_id, relationship_hash, expected_count, actual_count, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(run_id, relationship_hash) DO UPDATE SET
		   expected_count = expected_count + excluded.expected_count,
		   actual_count = actual_count + excluded.actual_count,
		   updated_at = CURRENT_TIMESTAMP`,
		runID, relationshipHash, expectedDelta, actualDelta)
	return wrapDBError("bump evidence", err)
}

// UpdateOutboxStatus transitions an outbox row out of pending. The guard
// on the current status makes the pending -> {published,failed} transition
// monotonic: a row that already left pending is never moved again.
func (t *txStore) UpdateOutboxStatus(ctx context.Context, id int64, status types.OutboxStatus, errMsg string) error {
	_, err := t.conn.ExecContext(ctx,
		`UPDATE outbox SET status = ?, error_message = ?
		 WHERE id = ? AND (status = 'pending' OR status = ?)`,
		status, errMsg, id, status)
	return wrapDBError("update outbox status", err)
}

// InsertOutboxEvent appends a pending event within the transaction, so a
// worker's findings and its outbox record commit atomically.
func (t *txStore) InsertOutboxEvent(ctx context.Context, ev *types.OutboxEvent) (int64, error) {
	if ev.Status == "" {
		ev.Status = types.OutboxPending
	}
	res, err := t.conn.ExecContext(ctx,
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

// InsertTriangulationSession creates a queued session row for an escalated
// relationship.
func (t *txStore) InsertTriangulationSession(ctx context.Context, sess *types.TriangulationSession) (int64, error) {
	if sess.Status == "" {
		sess.Status = types.TriStatusQueued
	}
	res, err := t.conn.ExecContext(ctx,
		`INSERT INTO triangulated_analysis_sessions
		 (relationship_id, run_id, status, final_decision, weighted_consensus)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.RelationshipID, sess.RunID, sess.Status, sess.FinalDecision,
		sess.WeightedConsensus)
	if err != nil {
		return 0, wrapDBError("insert triangulation session", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapDBError("insert triangulation session", err)
	}
	sess.ID = id
	return id, nil
}
