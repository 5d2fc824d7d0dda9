// Package cartograph provides a minimal public API for extending carto
// with custom analysis stages.
//
// Most extensions should enqueue work by inserting outbox events through
// the storage layer. This package exports only the essential types and
// functions needed for Go-based extensions that want to use carto's
// storage programmatically.
package cartograph

import (
	"context"

	"github.com/steveyegge/cartograph/internal/storage"
	"github.com/steveyegge/cartograph/internal/storage/sqlite"
	"github.com/steveyegge/cartograph/internal/types"
)

// Core types for working with analysis runs
type (
	POI          = types.POI
	Relationship = types.Relationship
	OutboxEvent  = types.OutboxEvent
	EventType    = types.EventType
	OutboxStatus = types.OutboxStatus
)

// Event class constants, in publishing order
const (
	EventFileAnalysis       = types.EventFileAnalysis
	EventDirectoryAnalysis  = types.EventDirectoryAnalysis
	EventRelationship       = types.EventRelationship
	EventGlobalRelationship = types.EventGlobalRelationship
	EventEscalation         = types.EventEscalation
)

// Outbox status constants
const (
	OutboxPending   = types.OutboxPending
	OutboxPublished = types.OutboxPublished
	OutboxFailed    = types.OutboxFailed
)

// Storage provides the minimal interface for extension orchestration
type Storage = storage.Storage

// NewSQLiteStorage opens a carto SQLite database for programmatic access.
// Extensions typically use this to insert outbox events that the running
// publisher will pick up on its next poll.
func NewSQLiteStorage(ctx context.Context, dbPath string) (Storage, error) {
	return sqlite.New(ctx, dbPath)
}
