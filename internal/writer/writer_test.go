package writer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/cartograph/internal/storage"
	"github.com/steveyegge/cartograph/internal/storage/sqlite"
	"github.com/steveyegge/cartograph/internal/types"
)

func newTestWriter(t *testing.T, cfg Config) (*Writer, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "w.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	w := New(store, cfg, nil)
	t.Cleanup(func() { _ = w.Shutdown(context.Background()) })
	return w, store
}

func testPOI(runID, file, name string) *types.POI {
	return &types.POI{
		FilePath:  file,
		Name:      name,
		Type:      types.POIFunction,
		StartLine: 1,
		EndLine:   2,
		RunID:     runID,
	}
}

func TestFlushDrainsBuffers(t *testing.T) {
	w, store := newTestWriter(t, Config{FlushInterval: time.Hour})
	ctx := context.Background()

	poi := testPOI("r1", "src/a.js", "f")
	if err := w.AddPOIInsert(poi); err != nil {
		t.Fatalf("add poi: %v", err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if poi.ID == 0 {
		t.Error("flush did not backfill the POI id")
	}
	got, err := store.GetPOI(ctx, poi.ID)
	if err != nil {
		t.Fatalf("get poi: %v", err)
	}
	if got.Name != "f" {
		t.Errorf("wrong poi persisted: %+v", got)
	}
}

func TestTimerFlush(t *testing.T) {
	w, store := newTestWriter(t, Config{FlushInterval: 20 * time.Millisecond})
	ctx := context.Background()

	poi := testPOI("r1", "src/a.js", "f")
	if err := w.AddPOIInsert(poi); err != nil {
		t.Fatalf("add poi: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := store.FileCount(ctx, "r1"); n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timer flush never persisted the POI")
}

func TestBatchSizeTriggersEarlyFlush(t *testing.T) {
	w, store := newTestWriter(t, Config{BatchSize: 3, FlushInterval: time.Hour})
	ctx := context.Background()

	for i, name := range []string{"a", "b", "c"} {
		poi := testPOI("r1", "src/a.js", name)
		poi.StartLine = i + 1
		poi.EndLine = i + 1
		if err := w.AddPOIInsert(poi); err != nil {
			t.Fatalf("add poi: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pois, _ := store.POIsByFile(ctx, "r1", "src/a.js")
		if len(pois) == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("batch-size flush never fired")
}

func TestPOIDedupWithinBuffer(t *testing.T) {
	w, store := newTestWriter(t, Config{FlushInterval: time.Hour})
	ctx := context.Background()

	if err := w.AddPOIInsert(testPOI("r1", "src/a.js", "f")); err != nil {
		t.Fatal(err)
	}
	if err := w.AddPOIInsert(testPOI("r1", "src/a.js", "f")); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pois, err := store.POIsByFile(ctx, "r1", "src/a.js")
	if err != nil {
		t.Fatal(err)
	}
	if len(pois) != 1 {
		t.Errorf("expected 1 POI after dedup, got %d", len(pois))
	}
}

func TestCausalDurability(t *testing.T) {
	// An outbox row marked published in a flush must have its derived rows
	// committed in the same transaction, so after Flush both are visible.
	w, store := newTestWriter(t, Config{FlushInterval: time.Hour})
	ctx := context.Background()

	evID, err := store.InsertOutboxEvent(ctx, &types.OutboxEvent{
		RunID: "r1", EventType: types.EventFileAnalysis, Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	poi := testPOI("r1", "src/a.js", "f")
	if err := w.AddPOIInsert(poi); err != nil {
		t.Fatal(err)
	}
	if err := w.AddOutboxStatusUpdate(evID, types.OutboxPublished, ""); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	counts, _ := store.OutboxCounts(ctx)
	if counts[types.OutboxPublished] != 1 {
		t.Fatalf("event not published: %v", counts)
	}
	if n, _ := store.FileCount(ctx, "r1"); n != 1 {
		t.Error("published event without durable derived rows")
	}
}

func TestRelationshipInsertValidation(t *testing.T) {
	w, _ := newTestWriter(t, Config{FlushInterval: time.Hour})

	err := w.AddRelationshipInsert(&types.Relationship{Type: "CALLS", RunID: "r1"})
	if err == nil {
		t.Fatal("relationship without endpoint ids must be rejected at add time")
	}
	if storage.CategoryOf(err) != storage.CategoryValidation {
		t.Errorf("expected validation category, got %v", storage.CategoryOf(err))
	}
}

func TestShutdownDrains(t *testing.T) {
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "w.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	w := New(store, Config{FlushInterval: time.Hour}, nil)
	ctx := context.Background()

	if err := w.AddPOIInsert(testPOI("r1", "src/a.js", "f")); err != nil {
		t.Fatal(err)
	}
	if err := w.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if n, _ := store.FileCount(ctx, "r1"); n != 1 {
		t.Error("shutdown dropped buffered rows without a loss report")
	}

	if err := w.AddPOIInsert(testPOI("r1", "src/b.js", "g")); err != ErrShutdown {
		t.Errorf("expected ErrShutdown after shutdown, got %v", err)
	}
}

func TestDoubleStatusUpdateStable(t *testing.T) {
	w, store := newTestWriter(t, Config{FlushInterval: time.Hour})
	ctx := context.Background()

	evID, _ := store.InsertOutboxEvent(ctx, &types.OutboxEvent{
		RunID: "r1", EventType: types.EventFileAnalysis, Payload: []byte(`{}`),
	})

	if err := w.AddOutboxStatusBatch([]int64{evID}, types.OutboxPublished); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.AddOutboxStatusBatch([]int64{evID}, types.OutboxPublished); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	counts, _ := store.OutboxCounts(ctx)
	if counts[types.OutboxPublished] != 1 {
		t.Errorf("double update not stable: %v", counts)
	}
}
