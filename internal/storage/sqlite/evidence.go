package sqlite

import (
	"context"
	"database/sql"

	"github.com/steveyegge/cartograph/internal/types"
)

// EvidenceCounts returns the evidence tracker rows for a run.
func (s *Store) EvidenceCounts(ctx context.Context, runID string) ([]*types.EvidenceCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, relationship_hash, expected_count, actual_count, updated_at
		 FROM relationship_evidence_tracking WHERE run_id = ? ORDER BY relationship_hash`,
		runID)
	if err != nil {
		return nil, wrapDBError("evidence counts", err)
	}
	defer func() { _ = rows.Close() }()

	var counts []*types.EvidenceCount
	for rows.Next() {
		ec := &types.EvidenceCount{}
		if err := rows.Scan(&ec.RunID, &ec.RelationshipHash,
			&ec.ExpectedCount, &ec.ActualCount, &ec.UpdatedAt); err != nil {
			return nil, wrapDBError("scan evidence count", err)
		}
		counts = append(counts, ec)
	}
	return counts, wrapDBError("evidence counts", rows.Err())
}

// GetTriangulationSession returns one session row.
func (s *Store) GetTriangulationSession(ctx context.Context, id int64) (*types.TriangulationSession, error) {
	sess := &types.TriangulationSession{}
	var consensus sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, relationship_id, run_id, status, final_decision, weighted_consensus, created_at
		 FROM triangulated_analysis_sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.RelationshipID, &sess.RunID, &sess.Status,
			&sess.FinalDecision, &consensus, &sess.CreatedAt)
	if err != nil {
		return nil, wrapDBError("get triangulation session", err)
	}
	if consensus.Valid {
		sess.WeightedConsensus = consensus.Float64
	}
	return sess, nil
}

// UpdateTriangulationSession records the outcome of a triangulated
// re-analysis. The external consumer calls this through the dispatcher.
func (s *Store) UpdateTriangulationSession(ctx context.Context, id int64, status types.TriangulationStatus, decision types.TriangulationDecision, consensus float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE triangulated_analysis_sessions
		 SET status = ?, final_decision = ?, weighted_consensus = ? WHERE id = ?`,
		status, decision, consensus, id)
	return wrapDBError("update triangulation session", err)
}

// GetDirectorySummary returns the summary for one directory in a run.
func (s *Store) GetDirectorySummary(ctx context.Context, runID, dirPath string) (*types.DirectorySummary, error) {
	ds := &types.DirectorySummary{}
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, directory_path, summary_text FROM directory_summaries
		 WHERE run_id = ? AND directory_path = ?`, runID, dirPath).
		Scan(&ds.RunID, &ds.DirectoryPath, &ds.Summary)
	if err != nil {
		return nil, wrapDBError("get directory summary", err)
	}
	return ds, nil
}
