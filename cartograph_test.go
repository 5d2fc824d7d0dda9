package cartograph_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/steveyegge/cartograph"
)

func TestNewSQLiteStorage(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "carto.db")

	ctx := context.Background()
	store, err := cartograph.NewSQLiteStorage(ctx, dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStorage failed: %v", err)
	}
	defer store.Close()

	// A fresh database has no pending events.
	events, err := store.PendingOutboxEvents(ctx, 10)
	if err != nil {
		t.Fatalf("PendingOutboxEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected empty outbox, got %d events", len(events))
	}
}

func TestEventClassConstants(t *testing.T) {
	got := []cartograph.EventType{
		cartograph.EventFileAnalysis,
		cartograph.EventDirectoryAnalysis,
		cartograph.EventRelationship,
		cartograph.EventGlobalRelationship,
		cartograph.EventEscalation,
	}
	want := []string{
		"file-analysis-finding",
		"directory-analysis-finding",
		"relationship-analysis-finding",
		"global-relationship-analysis-finding",
		"relationship-confidence-escalation",
	}
	for i, ev := range got {
		if string(ev) != want[i] {
			t.Errorf("event class %d = %q, want %q", i, ev, want[i])
		}
	}
}

func TestInsertAndReadOutboxEvent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "carto.db")

	ctx := context.Background()
	store, err := cartograph.NewSQLiteStorage(ctx, dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStorage failed: %v", err)
	}
	defer store.Close()

	id, err := store.InsertOutboxEvent(ctx, &cartograph.OutboxEvent{
		RunID:     "run-1",
		EventType: cartograph.EventFileAnalysis,
		Payload:   []byte(`{"runId":"run-1","filePath":"src/a.js"}`),
	})
	if err != nil {
		t.Fatalf("InsertOutboxEvent failed: %v", err)
	}
	if id == 0 {
		t.Error("expected non-zero event id")
	}

	events, err := store.PendingOutboxEvents(ctx, 10)
	if err != nil {
		t.Fatalf("PendingOutboxEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Status != cartograph.OutboxPending {
		t.Errorf("unexpected pending events: %+v", events)
	}
}
