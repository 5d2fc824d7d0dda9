package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/steveyegge/cartograph/internal/types"
)

// GetFile returns the file row for path.
func (s *Store) GetFile(ctx context.Context, filePath string) (*types.File, error) {
	f := &types.File{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, file_path, status FROM files WHERE file_path = ?`, filePath).
		Scan(&f.ID, &f.FilePath, &f.Status)
	if err != nil {
		return nil, wrapDBError("get file", err)
	}
	return f, nil
}

// UpdateFileStatus transitions a file's status.
func (s *Store) UpdateFileStatus(ctx context.Context, id int64, status types.FileStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = ? WHERE id = ?`, status, id)
	return wrapDBError("update file status", err)
}

// FileCount returns the number of distinct files with POIs in the run.
func (s *Store) FileCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT file_id) FROM pois WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, wrapDBError("file count", err)
	}
	return n, nil
}

const poiColumns = `id, file_id, file_path, name, type, start_line, end_line,
	description, is_exported, semantic_id, llm_output, hash, run_id`

func scanPOI(row interface{ Scan(...interface{}) error }) (*types.POI, error) {
	p := &types.POI{}
	err := row.Scan(&p.ID, &p.FileID, &p.FilePath, &p.Name, &p.Type,
		&p.StartLine, &p.EndLine, &p.Description, &p.IsExported,
		&p.SemanticID, &p.LLMOutput, &p.Hash, &p.RunID)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetPOI returns the POI with the given id.
func (s *Store) GetPOI(ctx context.Context, id int64) (*types.POI, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+poiColumns+` FROM pois WHERE id = ?`, id)
	p, err := scanPOI(row)
	if err != nil {
		return nil, wrapDBError("get poi", err)
	}
	return p, nil
}

// ResolvePOI maps a finding token to a POI within a run. Semantic ids are
// preferred; plain names are the fallback. Either lookup may match several
// rows (LLMs reuse names across files); the lowest id wins deterministically.
func (s *Store) ResolvePOI(ctx context.Context, runID, token string) (*types.POI, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+poiColumns+` FROM pois
		 WHERE run_id = ? AND semantic_id = ? ORDER BY id LIMIT 1`, runID, token)
	p, err := scanPOI(row)
	if err == nil {
		return p, nil
	}
	if err != sql.ErrNoRows {
		return nil, wrapDBError("resolve poi by semantic_id", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT `+poiColumns+` FROM pois
		 WHERE run_id = ? AND name = ? ORDER BY id LIMIT 1`, runID, token)
	p, err = scanPOI(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("resolve poi %q", token), err)
	}
	return p, nil
}

// POIsByFile returns all POIs extracted from one file in a run.
func (s *Store) POIsByFile(ctx context.Context, runID, filePath string) ([]*types.POI, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+poiColumns+` FROM pois
		 WHERE run_id = ? AND file_path = ? ORDER BY start_line`, runID, filePath)
	if err != nil {
		return nil, wrapDBError("pois by file", err)
	}
	defer func() { _ = rows.Close() }()

	var pois []*types.POI
	for rows.Next() {
		p, err := scanPOI(rows)
		if err != nil {
			return nil, wrapDBError("scan poi", err)
		}
		pois = append(pois, p)
	}
	return pois, wrapDBError("pois by file", rows.Err())
}

// DistinctDirectories returns the sorted set of directories containing POIs
// in the run. SQLite has no dirname function, so paths are reduced in Go.
func (s *Store) DistinctDirectories(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT file_path FROM pois WHERE run_id = ?`, runID)
	if err != nil {
		return nil, wrapDBError("distinct directories", err)
	}
	defer func() { _ = rows.Close() }()

	seen := make(map[string]bool)
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, wrapDBError("scan file path", err)
		}
		seen[path.Dir(strings.ReplaceAll(fp, "\\", "/"))] = true
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("distinct directories", err)
	}

	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs, nil
}

const relColumns = `id, source_poi_id, target_poi_id, type, file_path, status,
	confidence, reason, run_id, cross_file`

func scanRelationship(row interface{ Scan(...interface{}) error }) (*types.Relationship, error) {
	r := &types.Relationship{}
	err := row.Scan(&r.ID, &r.SourcePOIID, &r.TargetPOIID, &r.Type, &r.FilePath,
		&r.Status, &r.Confidence, &r.Reason, &r.RunID, &r.CrossFile)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetRelationship returns the relationship with the given id.
func (s *Store) GetRelationship(ctx context.Context, id int64) (*types.Relationship, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+relColumns+` FROM relationships WHERE id = ?`, id)
	r, err := scanRelationship(row)
	if err != nil {
		return nil, wrapDBError("get relationship", err)
	}
	return r, nil
}

// RelationshipsByRun returns relationships for a run, optionally filtered
// by status (empty status matches all).
func (s *Store) RelationshipsByRun(ctx context.Context, runID string, status types.RelationshipStatus) ([]*types.Relationship, error) {
	query := `SELECT ` + relColumns + ` FROM relationships WHERE run_id = ?`
	args := []interface{}{runID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("relationships by run", err)
	}
	defer func() { _ = rows.Close() }()

	var rels []*types.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, wrapDBError("scan relationship", err)
		}
		rels = append(rels, r)
	}
	return rels, wrapDBError("relationships by run", rows.Err())
}
