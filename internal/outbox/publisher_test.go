package outbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/cartograph/internal/confidence"
	"github.com/steveyegge/cartograph/internal/queue"
	"github.com/steveyegge/cartograph/internal/storage/sqlite"
	"github.com/steveyegge/cartograph/internal/triangulate"
	"github.com/steveyegge/cartograph/internal/types"
	"github.com/steveyegge/cartograph/internal/writer"
)

type fixture struct {
	store *sqlite.Store
	w     *writer.Writer
	q     *queue.Memory
	pub   *Publisher
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	w := writer.New(store, writer.Config{FlushInterval: time.Hour}, nil)
	t.Cleanup(func() { _ = w.Shutdown(ctx) })

	q := queue.NewMemory(nil)
	t.Cleanup(func() { _ = q.Close() })

	d := triangulate.NewDispatcher(store, q, triangulate.Config{Enabled: true}, nil)
	pub := New(store, w, q, confidence.New(), d, Config{}, nil)
	return &fixture{store: store, w: w, q: q, pub: pub}
}

func seedEvent(t *testing.T, f *fixture, eventType types.EventType, payload any) int64 {
	t.Helper()
	raw, err := types.EncodePayload(payload)
	if err != nil {
		t.Fatal(err)
	}
	runID := ""
	switch p := payload.(type) {
	case types.FileAnalysisPayload:
		runID = p.RunID
	case types.DirectoryAnalysisPayload:
		runID = p.RunID
	case types.RelationshipAnalysisPayload:
		runID = p.RunID
	case types.GlobalRelationshipPayload:
		runID = p.RunID
	case types.EscalationPayload:
		runID = p.RunID
	}
	id, err := f.store.InsertOutboxEvent(context.Background(), &types.OutboxEvent{
		RunID: runID, EventType: eventType, Payload: raw,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func eventStatus(t *testing.T, f *fixture, wantPublished, wantFailed int) {
	t.Helper()
	counts, err := f.store.OutboxCounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts[types.OutboxPublished] != wantPublished || counts[types.OutboxFailed] != wantFailed {
		t.Errorf("outbox counts = %v, want %d published / %d failed", counts, wantPublished, wantFailed)
	}
}

// Scenario: a file finding with two POIs yields two poi rows, one
// resolution job, and a published outbox row.
func TestHappyPOIFlow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seedEvent(t, f, types.EventFileAnalysis, types.FileAnalysisPayload{
		RunID:    "r1",
		FilePath: "src/auth.js",
		POIs: []types.POIFinding{
			{Name: "validateCredentials", Type: types.POIFunction, StartLine: 10, EndLine: 30, SemanticID: "auth_func_validate"},
			{Name: "dbUrl", Type: types.POIVariable, StartLine: 3, EndLine: 3, SemanticID: "auth_var_db_url"},
		},
	})

	if err := f.pub.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	pois, err := f.store.POIsByFile(ctx, "r1", "src/auth.js")
	if err != nil {
		t.Fatal(err)
	}
	if len(pois) != 2 {
		t.Fatalf("expected 2 POIs, got %d", len(pois))
	}

	n, _ := f.q.Len(ctx, types.QueueRelationshipResolution)
	if n != 1 {
		t.Errorf("expected 1 resolution job, got %d", n)
	}
	eventStatus(t, f, 1, 0)
}

// Scenario: a relationship finding that references a POI introduced by a
// file finding in the same poll resolves without a warning skip.
func TestEventClassOrderingWithinPoll(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seedEvent(t, f, types.EventFileAnalysis, types.FileAnalysisPayload{
		RunID:    "r1",
		FilePath: "src/auth.js",
		POIs: []types.POIFinding{
			{Name: "validate", Type: types.POIFunction, StartLine: 10, EndLine: 30, SemanticID: "auth_func_validate"},
			{Name: "dbUrl", Type: types.POIVariable, StartLine: 3, EndLine: 3, SemanticID: "auth_var_db_url"},
		},
	})
	conf := 0.9
	seedEvent(t, f, types.EventRelationship, types.RelationshipAnalysisPayload{
		RunID:    "r1",
		FilePath: "src/auth.js",
		Relationships: []types.RelationshipFinding{
			{From: "auth_func_validate", To: "auth_var_db_url", Type: "uses", Reason: "reads connection string", Confidence: &conf},
		},
	})

	if err := f.pub.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	rels, err := f.store.RelationshipsByRun(ctx, "r1", types.RelStatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 1 {
		t.Fatalf("expected 1 relationship, got %d", len(rels))
	}
	if rels[0].Type != "USES" {
		t.Errorf("type not normalized: %s", rels[0].Type)
	}
	eventStatus(t, f, 2, 0)

	// Validation fan-out carries the persisted id and the hash.
	if n, _ := f.q.Len(ctx, types.QueueValidation); n != 1 {
		t.Errorf("expected 1 validation batch, got %d", n)
	}

	// Evidence expected counter bumped for the finding's hash.
	counts, err := f.store.EvidenceCounts(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 1 || counts[0].ExpectedCount != 1 {
		t.Errorf("evidence counters wrong: %+v", counts)
	}
}

// A low-confidence relationship passes through the gate into a
// triangulation session with a queued job.
func TestLowConfidenceEscalatesToTriangulation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seedEvent(t, f, types.EventFileAnalysis, types.FileAnalysisPayload{
		RunID:    "r1",
		FilePath: "src/a.js",
		POIs: []types.POIFinding{
			{Name: "f", Type: types.POIFunction, StartLine: 1, EndLine: 5, SemanticID: "a_func_f"},
			{Name: "g", Type: types.POIFunction, StartLine: 10, EndLine: 15, SemanticID: "a_func_g"},
		},
	})
	low := 0.3
	seedEvent(t, f, types.EventRelationship, types.RelationshipAnalysisPayload{
		RunID:    "r1",
		FilePath: "src/a.js",
		Relationships: []types.RelationshipFinding{
			{From: "a_func_f", To: "a_func_g", Type: "calls", Confidence: &low},
		},
	})

	if err := f.pub.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if n, _ := f.q.Len(ctx, types.QueueTriangulation); n != 1 {
		t.Errorf("expected 1 triangulation job, got %d", n)
	}
}

// Unresolved endpoints are skipped with a warning; the event itself
// still publishes.
func TestUnresolvedEndpointSkipsRelationship(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	conf := 0.9
	seedEvent(t, f, types.EventRelationship, types.RelationshipAnalysisPayload{
		RunID:    "r1",
		FilePath: "src/a.js",
		Relationships: []types.RelationshipFinding{
			{From: "ghost_func", To: "phantom_var", Type: "uses", Confidence: &conf},
		},
	})

	if err := f.pub.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	eventStatus(t, f, 1, 0)

	rels, _ := f.store.RelationshipsByRun(ctx, "r1", types.RelStatusPending)
	if len(rels) != 0 {
		t.Errorf("unresolved relationship was persisted: %+v", rels)
	}
}

// Scenario: a two-file run with a drained backlog gets exactly one
// global-analysis job per directory, once ever.
func TestGlobalPhaseGating(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, file := range []string{"src/auth/a.js", "src/db/b.js"} {
		seedEvent(t, f, types.EventFileAnalysis, types.FileAnalysisPayload{
			RunID:    "r1",
			FilePath: file,
			POIs: []types.POIFinding{
				{Name: "f", Type: types.POIFunction, StartLine: 1, EndLine: 2},
			},
		})
	}

	// First poll processes the file events; the run still has pending
	// rows during class processing, so no global job yet.
	if err := f.pub.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.q.Len(ctx, types.QueueGlobalAnalysis); n != 0 {
		t.Fatalf("global phase fired while backlog pending")
	}

	// Second poll sees an empty backlog: one job per directory.
	if err := f.pub.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.q.Len(ctx, types.QueueGlobalAnalysis); n != 2 {
		t.Errorf("expected 2 global jobs (one per directory), got %d", n)
	}

	started, _ := f.store.GlobalPhaseStarted(ctx, "r1")
	if !started {
		t.Error("global phase marker not set")
	}

	// Third poll must not re-enqueue.
	if err := f.pub.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.q.Len(ctx, types.QueueGlobalAnalysis); n != 2 {
		t.Errorf("global phase re-fired: %d jobs", n)
	}
}

func TestSingleFileRunNeverTriggersGlobalPhase(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seedEvent(t, f, types.EventFileAnalysis, types.FileAnalysisPayload{
		RunID:    "r1",
		FilePath: "src/a.js",
		POIs:     []types.POIFinding{{Name: "f", Type: types.POIFunction, StartLine: 1, EndLine: 2}},
	})

	for i := 0; i < 3; i++ {
		if err := f.pub.Poll(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := f.q.Len(ctx, types.QueueGlobalAnalysis); n != 0 {
		t.Errorf("global phase fired for a single-file run: %d jobs", n)
	}
}

// Cross-file findings persist directly as cross_file_validated.
func TestGlobalFindingPersistsValidated(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seedEvent(t, f, types.EventFileAnalysis, types.FileAnalysisPayload{
		RunID:    "r1",
		FilePath: "src/auth/a.js",
		POIs:     []types.POIFinding{{Name: "f", Type: types.POIFunction, StartLine: 1, EndLine: 2, SemanticID: "auth_func_f"}},
	})
	seedEvent(t, f, types.EventFileAnalysis, types.FileAnalysisPayload{
		RunID:    "r1",
		FilePath: "src/db/b.js",
		POIs:     []types.POIFinding{{Name: "g", Type: types.POIFunction, StartLine: 1, EndLine: 2, SemanticID: "db_func_g"}},
	})
	if err := f.pub.Poll(ctx); err != nil {
		t.Fatal(err)
	}

	seedEvent(t, f, types.EventGlobalRelationship, types.GlobalRelationshipPayload{
		RunID: "r1",
		Relationships: []types.RelationshipFinding{
			{From: "auth_func_f", To: "db_func_g", Type: "calls", FromFile: "src/auth/a.js", ToFile: "src/db/b.js"},
		},
	})
	if err := f.pub.Poll(ctx); err != nil {
		t.Fatal(err)
	}

	rels, err := f.store.RelationshipsByRun(ctx, "r1", types.RelStatusCrossFileValidated)
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 1 {
		t.Fatalf("expected 1 cross-file relationship, got %d", len(rels))
	}
	if !rels[0].CrossFile {
		t.Error("cross_file flag not set")
	}
}

// An escalation event opens a triangulation session for its target.
func TestEscalationEventDispatches(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seedEvent(t, f, types.EventFileAnalysis, types.FileAnalysisPayload{
		RunID:    "r1",
		FilePath: "src/a.js",
		POIs: []types.POIFinding{
			{Name: "f", Type: types.POIFunction, StartLine: 1, EndLine: 2, SemanticID: "a_f"},
			{Name: "g", Type: types.POIFunction, StartLine: 5, EndLine: 6, SemanticID: "a_g"},
		},
	})
	conf := 0.9
	seedEvent(t, f, types.EventRelationship, types.RelationshipAnalysisPayload{
		RunID:    "r1",
		FilePath: "src/a.js",
		Relationships: []types.RelationshipFinding{
			{From: "a_f", To: "a_g", Type: "calls", Confidence: &conf},
		},
	})
	if err := f.pub.Poll(ctx); err != nil {
		t.Fatal(err)
	}

	rels, _ := f.store.RelationshipsByRun(ctx, "r1", types.RelStatusPending)
	if len(rels) != 1 {
		t.Fatalf("setup: expected 1 relationship, got %d", len(rels))
	}

	seedEvent(t, f, types.EventEscalation, types.EscalationPayload{
		RunID:            "r1",
		RelationshipID:   rels[0].ID,
		Confidence:       0.25,
		EscalationReason: "factor below floor",
	})
	if err := f.pub.Poll(ctx); err != nil {
		t.Fatal(err)
	}

	if n, _ := f.q.Len(ctx, types.QueueTriangulation); n != 1 {
		t.Errorf("expected 1 triangulation job from escalation, got %d", n)
	}
}

// Unknown event types with no configured route are failed with a reason
// and surfaced on the failed-jobs queue.
func TestUnroutedEventFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.store.InsertOutboxEvent(ctx, &types.OutboxEvent{
		RunID: "r1", EventType: "mystery-event", Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.pub.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	eventStatus(t, f, 0, 1)

	if n, _ := f.q.Len(ctx, types.QueueFailedJobs); n != 1 {
		t.Errorf("expected 1 failed-jobs message, got %d", n)
	}
}

// Re-polling a drained backlog is a no-op.
func TestRepollIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seedEvent(t, f, types.EventFileAnalysis, types.FileAnalysisPayload{
		RunID:    "r1",
		FilePath: "src/a.js",
		POIs:     []types.POIFinding{{Name: "f", Type: types.POIFunction, StartLine: 1, EndLine: 2}},
	})
	if err := f.pub.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	before, _ := f.q.Len(ctx, types.QueueRelationshipResolution)

	if err := f.pub.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	after, _ := f.q.Len(ctx, types.QueueRelationshipResolution)
	if after != before {
		t.Errorf("re-poll produced new fan-out: %d -> %d", before, after)
	}
	eventStatus(t, f, 1, 0)
}
