// Package storage provides shared types for pipeline persistence.
//
// The concrete implementation lives in the sqlite sub-package. This package
// holds the interface and value types referenced by both the sqlite
// implementation and its consumers (the batched writer, the outbox
// publisher, cmd/carto).
package storage

import (
	"context"
	"errors"

	"github.com/steveyegge/cartograph/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a unique constraint violation or conflicting state.
var ErrConflict = errors.New("conflict")

// Storage is the interface satisfied by *sqlite.Store. Consumers depend on
// this interface rather than on the concrete type so that mocks and
// proxies can be substituted.
type Storage interface {
	// Files
	GetFile(ctx context.Context, path string) (*types.File, error)
	UpdateFileStatus(ctx context.Context, id int64, status types.FileStatus) error
	FileCount(ctx context.Context, runID string) (int, error)

	// POIs
	GetPOI(ctx context.Context, id int64) (*types.POI, error)
	// ResolvePOI maps a finding token to a POI within a run: semantic_id
	// first, then name. Returns ErrNotFound for unresolvable tokens.
	ResolvePOI(ctx context.Context, runID, token string) (*types.POI, error)
	POIsByFile(ctx context.Context, runID, filePath string) ([]*types.POI, error)
	DistinctDirectories(ctx context.Context, runID string) ([]string, error)

	// Relationships
	GetRelationship(ctx context.Context, id int64) (*types.Relationship, error)
	RelationshipsByRun(ctx context.Context, runID string, status types.RelationshipStatus) ([]*types.Relationship, error)

	// Outbox
	InsertOutboxEvent(ctx context.Context, ev *types.OutboxEvent) (int64, error)
	PendingOutboxEvents(ctx context.Context, limit int) ([]*types.OutboxEvent, error)
	PendingCountByType(ctx context.Context, runID string, eventTypes ...types.EventType) (int, error)
	OutboxCounts(ctx context.Context) (map[types.OutboxStatus]int, error)
	ActiveRunIDs(ctx context.Context) ([]string, error)
	// RequeueFailed moves failed outbox rows back to pending. This is the
	// one sanctioned backward transition, reserved for operator use.
	RequeueFailed(ctx context.Context, runID string) (int, error)

	// Evidence tracking
	EvidenceCounts(ctx context.Context, runID string) ([]*types.EvidenceCount, error)

	// Triangulation sessions
	GetTriangulationSession(ctx context.Context, id int64) (*types.TriangulationSession, error)
	UpdateTriangulationSession(ctx context.Context, id int64, status types.TriangulationStatus, decision types.TriangulationDecision, consensus float64) error

	// Global phase bookkeeping
	MarkGlobalPhase(ctx context.Context, runID string) error
	GlobalPhaseStarted(ctx context.Context, runID string) (bool, error)

	// Directory summaries
	GetDirectorySummary(ctx context.Context, runID, dirPath string) (*types.DirectorySummary, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Checkpoint(ctx context.Context) error
	Close() error
}

// Transaction exposes the mutating operations that execute within a single
// database transaction. The batched writer flushes whole batches through
// one transaction so that an outbox row marked published always has its
// derived rows durable in the same commit.
type Transaction interface {
	GetOrCreateFile(ctx context.Context, path string) (*types.File, error)
	// InsertPOI inserts a POI, ignoring duplicates by hash. Returns the
	// row id (existing id when the insert was a duplicate).
	InsertPOI(ctx context.Context, poi *types.POI) (int64, error)
	// InsertRelationship inserts a relationship, ignoring duplicates by
	// (source, target, type). Returns the row id.
	InsertRelationship(ctx context.Context, rel *types.Relationship) (int64, error)
	UpdateRelationship(ctx context.Context, id int64, status types.RelationshipStatus, confidence float64, reason string) error
	UpsertDirectorySummary(ctx context.Context, ds *types.DirectorySummary) error
	// BumpEvidence upserts the evidence counter row for (runID, hash),
	// adding the deltas to expected_count and actual_count.
	BumpEvidence(ctx context.Context, runID, relationshipHash string, expectedDelta, actualDelta int) error
	UpdateOutboxStatus(ctx context.Context, id int64, status types.OutboxStatus, errMsg string) error
	InsertOutboxEvent(ctx context.Context, ev *types.OutboxEvent) (int64, error)
	InsertTriangulationSession(ctx context.Context, s *types.TriangulationSession) (int64, error)
}
