package resolution

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/cartograph/internal/confidence"
	"github.com/steveyegge/cartograph/internal/llm"
	"github.com/steveyegge/cartograph/internal/pool"
	"github.com/steveyegge/cartograph/internal/queue"
	"github.com/steveyegge/cartograph/internal/storage"
	"github.com/steveyegge/cartograph/internal/storage/sqlite"
	"github.com/steveyegge/cartograph/internal/types"
)

func newTestWorker(t *testing.T, client llm.Client, cfg Config) (Worker, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "res.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	p := pool.New(10, nil)
	t.Cleanup(func() { _ = p.Shutdown(context.Background(), time.Second) })

	w := NewWorker(client, p, store, confidence.New(), cfg, nil)
	if err := w.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return w, store
}

func resolutionJob(t *testing.T, rj types.ResolutionJob) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(rj)
	if err != nil {
		t.Fatal(err)
	}
	return &queue.Job{ID: "j1", Queue: types.QueueRelationshipResolution, Type: "resolve-relationships", Payload: raw}
}

func llmJSON(rels ...map[string]any) string {
	raw, _ := json.Marshal(map[string]any{"relationships": rels})
	return string(raw)
}

func pendingEvents(t *testing.T, store *sqlite.Store) []*types.OutboxEvent {
	t.Helper()
	events, err := store.PendingOutboxEvents(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	return events
}

// Three relationships with stub evidence landing high, mid and low:
// the high and the (enhanced) mid are emitted, the low one is dropped
// and escalated as a Class E event.
func TestConfidenceGatePartitionsBatch(t *testing.T) {
	client := llm.NewScripted(
		llm.ScriptedResponse{Text: llmJSON(
			map[string]any{"from": "auth_func_validate", "to": "auth_var_db_url", "type": "USES",
				"reason": "reads the connection string", "confidence": 0.92, "evidence": "db_url"},
			map[string]any{"from": "auth_func_validate", "to": "auth_func_hash", "type": "CALLS",
				"reason": "probably hashes the password", "confidence": 0.63, "evidence": "hash"},
			map[string]any{"from": "auth_func_validate", "to": "auth_const_salt", "type": "USES",
				"reason": "unclear", "confidence": 0.30, "evidence": ""},
		)},
		// Enhancement re-prompt for the 0.63 case.
		llm.ScriptedResponse{Text: llmJSON(
			map[string]any{"from": "auth_func_validate", "to": "auth_func_hash", "type": "CALLS",
				"reason": "invokes hashPassword on the credential", "confidence": 0.85, "evidence": "hashPassword("},
		)},
	)
	w, store := newTestWorker(t, client, Config{Enhancement: true})

	res, err := w.Process(context.Background(), resolutionJob(t, types.ResolutionJob{
		RunID:       "r1",
		FilePath:    "src/auth.js",
		SemanticIDs: []string{"auth_func_validate", "auth_var_db_url", "auth_func_hash", "auth_const_salt"},
	}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if res.OK != 2 || res.Filtered != 1 {
		t.Errorf("result = %+v, want 2 ok / 1 filtered", res)
	}
	if res.Escalated != 1 {
		t.Errorf("escalated = %d, want 1", res.Escalated)
	}
	// Base prompt plus exactly one enhancement call.
	if got := len(client.Prompts()); got != 2 {
		t.Errorf("llm calls = %d, want 2", got)
	}

	events := pendingEvents(t, store)
	var relEvents, escEvents int
	for _, ev := range events {
		switch ev.EventType {
		case types.EventRelationship:
			relEvents++
			decoded, err := types.DecodePayload(ev.EventType, ev.Payload)
			if err != nil {
				t.Fatal(err)
			}
			payload := decoded.(*types.RelationshipAnalysisPayload)
			if len(payload.Relationships) != 2 {
				t.Errorf("emitted %d relationships, want 2", len(payload.Relationships))
			}
		case types.EventEscalation:
			escEvents++
			decoded, _ := types.DecodePayload(ev.EventType, ev.Payload)
			payload := decoded.(*types.EscalationPayload)
			if payload.Finding == nil || payload.Finding.To != "auth_const_salt" {
				t.Errorf("escalation does not target the low-confidence finding: %+v", payload)
			}
		}
	}
	if relEvents != 1 || escEvents != 1 {
		t.Errorf("events = %d relationship / %d escalation, want 1 / 1", relEvents, escEvents)
	}
}

func TestEnhancementAttemptedAtMostOnce(t *testing.T) {
	client := llm.NewScripted(
		llm.ScriptedResponse{Text: llmJSON(
			map[string]any{"from": "a_func_f", "to": "a_func_g", "type": "CALLS",
				"reason": "maybe", "confidence": 0.60, "evidence": "g("},
		)},
		// Enhancement returns another mid-band score; no second attempt.
		llm.ScriptedResponse{Text: llmJSON(
			map[string]any{"from": "a_func_f", "to": "a_func_g", "type": "CALLS",
				"reason": "still maybe", "confidence": 0.62, "evidence": "g("},
		)},
	)
	w, _ := newTestWorker(t, client, Config{Enhancement: true})

	if _, err := w.Process(context.Background(), resolutionJob(t, types.ResolutionJob{
		RunID: "r1", FilePath: "src/a.js", SemanticIDs: []string{"a_func_f", "a_func_g"},
	})); err != nil {
		t.Fatal(err)
	}

	if got := len(client.Prompts()); got != 2 {
		t.Errorf("llm calls = %d, want exactly 2 (base + one enhancement)", got)
	}
}

func TestEnhancementFailureKeepsOriginal(t *testing.T) {
	client := llm.NewScripted(
		llm.ScriptedResponse{Text: llmJSON(
			map[string]any{"from": "a_func_f", "to": "a_func_g", "type": "CALLS",
				"reason": "maybe", "confidence": 0.60, "evidence": "g("},
		)},
		llm.ScriptedResponse{Text: "not json at all"},
	)
	w, store := newTestWorker(t, client, Config{Enhancement: true})

	res, err := w.Process(context.Background(), resolutionJob(t, types.ResolutionJob{
		RunID: "r1", FilePath: "src/a.js", SemanticIDs: []string{"a_func_f", "a_func_g"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	// Original mid-band score still clears the emit floor.
	if res.OK != 1 {
		t.Errorf("result = %+v, want 1 ok", res)
	}
	if len(pendingEvents(t, store)) != 1 {
		t.Error("emitted event missing")
	}
}

func TestMalformedItemsSkippedBatchContinues(t *testing.T) {
	client := llm.NewScripted(
		llm.ScriptedResponse{Text: llmJSON(
			map[string]any{"from": "", "to": "a_func_g", "type": "CALLS"},
			map[string]any{"from": "a_func_f", "to": "a_func_g", "type": ""},
			map[string]any{"from": "a_func_f", "to": "a_func_g", "type": "CALLS",
				"reason": "direct call", "confidence": 0.9, "evidence": "g()"},
		)},
	)
	w, _ := newTestWorker(t, client, Config{})

	res, err := w.Process(context.Background(), resolutionJob(t, types.ResolutionJob{
		RunID: "r1", FilePath: "src/a.js", SemanticIDs: []string{"a_func_f", "a_func_g"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 2 || res.OK != 1 {
		t.Errorf("result = %+v, want 2 skipped / 1 ok", res)
	}
}

func TestUnparseableResponseIsResolutionError(t *testing.T) {
	client := llm.NewScripted(llm.ScriptedResponse{Text: "I cannot answer that."})
	w, _ := newTestWorker(t, client, Config{})

	_, err := w.Process(context.Background(), resolutionJob(t, types.ResolutionJob{
		RunID: "r1", FilePath: "src/a.js", SemanticIDs: []string{"a_func_f"},
	}))
	if storage.CategoryOf(err) != storage.CategoryResolution {
		t.Errorf("expected resolution category, got %v", err)
	}
}

func TestFencedJSONAccepted(t *testing.T) {
	fenced := "```json\n" + llmJSON(
		map[string]any{"from": "a_func_f", "to": "a_func_g", "type": "CALLS",
			"reason": "call", "confidence": 0.9, "evidence": "g()"},
	) + "\n```"
	client := llm.NewScripted(llm.ScriptedResponse{Text: fenced})
	w, _ := newTestWorker(t, client, Config{})

	res, err := w.Process(context.Background(), resolutionJob(t, types.ResolutionJob{
		RunID: "r1", FilePath: "src/a.js", SemanticIDs: []string{"a_func_f", "a_func_g"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.OK != 1 {
		t.Errorf("result = %+v, want 1 ok", res)
	}
}

func TestRepeatedLLMFailuresOpenBreaker(t *testing.T) {
	transient := storage.Categorize(storage.CategoryTransient, "", errors.New("529 overloaded"))
	client := llm.NewScripted(
		llm.ScriptedResponse{Err: transient},
		llm.ScriptedResponse{Err: transient},
		llm.ScriptedResponse{Err: transient},
	)
	w, _ := newTestWorker(t, client, Config{FailureThreshold: 3, ResetTimeout: time.Minute})
	job := resolutionJob(t, types.ResolutionJob{
		RunID: "r1", FilePath: "src/a.js", SemanticIDs: []string{"a_func_f"},
	})

	for i := 0; i < 3; i++ {
		if _, err := w.Process(context.Background(), job); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}

	// Breaker open: the scripted client is exhausted, so reaching it
	// would return ErrScriptExhausted instead of ErrCircuitOpen.
	_, err := w.Process(context.Background(), job)
	if !errors.Is(err, pool.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestEmptyJobIsNoop(t *testing.T) {
	client := llm.NewScripted()
	w, store := newTestWorker(t, client, Config{})

	res, err := w.Process(context.Background(), resolutionJob(t, types.ResolutionJob{
		RunID: "r1", FilePath: "src/a.js",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.OK != 0 || len(client.Prompts()) != 0 {
		t.Errorf("empty job touched the model: %+v", res)
	}
	if len(pendingEvents(t, store)) != 0 {
		t.Error("empty job emitted events")
	}
}

func TestBasePromptNamesAllTokens(t *testing.T) {
	prompt, err := buildBasePrompt("src/auth.js", []string{"auth_func_validate", "auth_var_db_url"})
	if err != nil {
		t.Fatal(err)
	}
	for _, token := range []string{"src/auth.js", "auth_func_validate", "auth_var_db_url"} {
		if !strings.Contains(prompt, token) {
			t.Errorf("prompt missing %q", token)
		}
	}
}
