// Package resolution implements the relationship resolution worker: the
// consumer of relationship-resolution jobs that prompts the model over a
// batch of POIs, scores the parsed output, and feeds survivors back into
// the outbox as relationship findings.
package resolution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/steveyegge/cartograph/internal/confidence"
	"github.com/steveyegge/cartograph/internal/debug"
	"github.com/steveyegge/cartograph/internal/llm"
	"github.com/steveyegge/cartograph/internal/pool"
	"github.com/steveyegge/cartograph/internal/queue"
	"github.com/steveyegge/cartograph/internal/storage"
	"github.com/steveyegge/cartograph/internal/types"
)

const (
	// workerClass is the pool worker class all LLM calls run under.
	workerClass = types.QueueRelationshipResolution

	// DefaultJobTimeout bounds one LLM call.
	DefaultJobTimeout = 150 * time.Second

	// DefaultConcurrency is the class's base slot count.
	DefaultConcurrency = 4
)

// Thresholds for the emit/enhance decisions.
const (
	// confidenceThreshold is the emit floor: below it the relationship
	// is dropped and recorded as filtered.
	confidenceThreshold = 0.50
	// individualThreshold triggers one enhanced re-prompt for scores in
	// [confidenceThreshold, individualThreshold).
	individualThreshold = 0.70
)

// Worker is the lifecycle contract for pipeline workers.
type Worker interface {
	Initialize(ctx context.Context) error
	Process(ctx context.Context, job *queue.Job) (*Result, error)
	Shutdown(ctx context.Context) error
}

// Result partitions one job's items by outcome. Workers never abort a
// whole batch for one bad item.
type Result struct {
	OK        int
	Skipped   int
	Failed    int
	Filtered  int
	Escalated int
}

// Config controls the resolution worker.
type Config struct {
	Concurrency      int
	MaxConcurrency   int
	FailureThreshold uint32
	ResetTimeout     time.Duration
	JobTimeout       time.Duration
	// Enhancement enables the one-shot re-prompt for mid-range scores.
	Enhancement bool
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
}

// worker is the concrete resolution worker.
type worker struct {
	client llm.Client
	pool   *pool.Manager
	store  storage.Storage
	scorer *confidence.Scorer
	cfg    Config
	log    *slog.Logger
}

// NewWorker creates a resolution worker. logger may be nil.
func NewWorker(client llm.Client, p *pool.Manager, store storage.Storage, scorer *confidence.Scorer, cfg Config, logger *slog.Logger) Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &worker{client: client, pool: p, store: store, scorer: scorer, cfg: cfg, log: logger}
}

// Initialize registers the worker class with the pool.
func (w *worker) Initialize(ctx context.Context) error {
	return w.pool.RegisterWorker(workerClass, pool.WorkerConfig{
		Concurrency:      w.cfg.Concurrency,
		MaxConcurrency:   w.cfg.MaxConcurrency,
		FailureThreshold: w.cfg.FailureThreshold,
		ResetTimeout:     w.cfg.ResetTimeout,
		JobTimeout:       w.cfg.JobTimeout,
	})
}

// Shutdown is a no-op: the pool owns slot draining and the queue owns
// redelivery of in-flight jobs.
func (w *worker) Shutdown(ctx context.Context) error {
	return nil
}

// Process resolves one relationship-resolution job end to end.
func (w *worker) Process(ctx context.Context, job *queue.Job) (*Result, error) {
	var rj types.ResolutionJob
	if err := job.Decode(&rj); err != nil {
		return nil, storage.Categorize(storage.CategoryValidation, "drop the job, the envelope is malformed", err)
	}
	if len(rj.SemanticIDs) == 0 {
		return &Result{}, nil
	}

	prompt, err := buildBasePrompt(rj.FilePath, rj.SemanticIDs)
	if err != nil {
		return nil, err
	}
	raw, err := w.query(ctx, prompt)
	if err != nil {
		return nil, err
	}

	items, err := parseResponse(raw)
	if err != nil {
		// Unparseable batch output is a resolution failure: the job is
		// spent, the service is healthy.
		return nil, storage.Categorize(storage.CategoryResolution, "inspect the model output format", err)
	}

	res := &Result{}
	var emitted []types.RelationshipFinding
	var escalations []types.EscalationPayload

	for _, item := range items {
		finding, score, outcome := w.resolveItem(ctx, rj, item)
		switch outcome {
		case outcomeSkipped:
			res.Skipped++
		case outcomeFiltered:
			res.Filtered++
			w.log.Debug("relationship filtered",
				"from", item.From, "to", item.To, "final", score.Final)
			if score.Escalate {
				res.Escalated++
				escalations = append(escalations, escalationFor(rj, finding, score))
			}
		case outcomeEmitted:
			res.OK++
			emitted = append(emitted, finding)
			if score.Escalate {
				res.Escalated++
				escalations = append(escalations, escalationFor(rj, finding, score))
			}
		}
	}

	if err := w.emit(ctx, rj, emitted, escalations); err != nil {
		res.Failed += len(emitted)
		res.OK = 0
		return res, err
	}
	debug.LogEventWithContext("RESOLUTION_BATCH", rj.RunID, "", "",
		fmt.Sprintf("file=%s ok=%d skipped=%d filtered=%d escalated=%d",
			rj.FilePath, res.OK, res.Skipped, res.Filtered, res.Escalated))
	return res, nil
}

type itemOutcome int

const (
	outcomeSkipped itemOutcome = iota
	outcomeFiltered
	outcomeEmitted
)

// resolveItem scores one parsed relationship, running the one-shot
// enhancement when the score lands in the uncertain band.
func (w *worker) resolveItem(ctx context.Context, rj types.ResolutionJob, item llmRelationship) (types.RelationshipFinding, confidence.Result, itemOutcome) {
	if item.From == "" || item.To == "" || item.Type == "" {
		w.log.Warn("skipping malformed relationship item",
			"file", rj.FilePath, "from", item.From, "to", item.To, "type", item.Type)
		return types.RelationshipFinding{}, confidence.Result{}, outcomeSkipped
	}

	conf := confidenceOf(item)
	rel := &types.Relationship{Type: item.Type, RunID: rj.RunID}
	evidence := buildEvidence(item, conf)
	score := w.scorer.Score(rel, evidence)

	if w.cfg.Enhancement && score.Final >= confidenceThreshold && score.Final < individualThreshold {
		enhanced, ok := w.enhance(ctx, rj, item, score)
		if ok {
			item = enhanced
			conf = confidenceOf(item)
			evidence = append(buildEvidence(item, conf), confidence.EvidenceItem{
				Factor:   score.WeakestFactor,
				Source:   "enhanced-reprompt",
				Text:     item.Reason,
				Strength: conf,
			})
			score = w.scorer.Score(rel, evidence)
		}
	}

	finding := types.RelationshipFinding{
		From:       item.From,
		To:         item.To,
		Type:       item.Type,
		Reason:     item.Reason,
		Confidence: &score.Final,
	}
	if score.Final < confidenceThreshold {
		return finding, score, outcomeFiltered
	}
	return finding, score, outcomeEmitted
}

// enhance runs the targeted re-prompt. Attempted at most once per
// relationship; any failure keeps the original item.
func (w *worker) enhance(ctx context.Context, rj types.ResolutionJob, item llmRelationship, score confidence.Result) (llmRelationship, bool) {
	prompt := buildEnhancedPrompt(rj.FilePath, item, score.FocusArea())
	raw, err := w.query(ctx, prompt)
	if err != nil {
		w.log.Warn("enhancement re-prompt failed, keeping original score",
			"from", item.From, "to", item.To, "error", err)
		return item, false
	}
	items, err := parseResponse(raw)
	if err != nil || len(items) == 0 {
		w.log.Warn("enhancement response unparseable, keeping original score",
			"from", item.From, "to", item.To, "error", err)
		return item, false
	}
	return items[0], true
}

// query runs one LLM call under the pool's slot, breaker and timeout
// management.
func (w *worker) query(ctx context.Context, prompt string) (string, error) {
	var raw string
	err := w.pool.ExecuteWithManagement(ctx, workerClass, func(ctx context.Context) error {
		var qerr error
		raw, qerr = w.client.Query(ctx, prompt)
		return qerr
	})
	return raw, err
}

func escalationFor(rj types.ResolutionJob, finding types.RelationshipFinding, score confidence.Result) types.EscalationPayload {
	reason := ""
	if len(score.EscalationReasons) > 0 {
		reason = score.EscalationReasons[0]
	}
	return types.EscalationPayload{
		RunID:            rj.RunID,
		Source:           "relationship-resolution-worker",
		Finding:          &finding,
		FilePath:         rj.FilePath,
		Confidence:       score.Final,
		ConfidenceLevel:  string(score.Level),
		EscalationReason: reason,
	}
}

// emit writes the job's outbox events in one transaction.
func (w *worker) emit(ctx context.Context, rj types.ResolutionJob, findings []types.RelationshipFinding, escalations []types.EscalationPayload) error {
	if len(findings) == 0 && len(escalations) == 0 {
		return nil
	}
	return w.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if len(findings) > 0 {
			payload, err := types.EncodePayload(types.RelationshipAnalysisPayload{
				RunID:         rj.RunID,
				Source:        "relationship-resolution-worker",
				FilePath:      rj.FilePath,
				Relationships: findings,
			})
			if err != nil {
				return err
			}
			if _, err := tx.InsertOutboxEvent(ctx, &types.OutboxEvent{
				RunID:     rj.RunID,
				EventType: types.EventRelationship,
				Payload:   payload,
			}); err != nil {
				return fmt.Errorf("emit relationship event: %w", err)
			}
		}
		for _, esc := range escalations {
			payload, err := types.EncodePayload(esc)
			if err != nil {
				return err
			}
			if _, err := tx.InsertOutboxEvent(ctx, &types.OutboxEvent{
				RunID:     rj.RunID,
				EventType: types.EventEscalation,
				Payload:   payload,
			}); err != nil {
				return fmt.Errorf("emit escalation event: %w", err)
			}
		}
		return nil
	})
}

// Consume wires the worker onto its queue. Handler errors requeue per
// the queue's redelivery policy, except validation errors, which drop.
func Consume(q queue.Queue, w Worker, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	return q.Consume(types.QueueRelationshipResolution, func(ctx context.Context, job *queue.Job) error {
		res, err := w.Process(ctx, job)
		if err != nil {
			if storage.CategoryOf(err) == storage.CategoryValidation {
				logger.Warn("dropping malformed resolution job", "job_id", job.ID, "error", err)
				return nil
			}
			// Breaker-open, saturation and transient errors all go back
			// through redelivery.
			return err
		}
		logger.Debug("resolution job complete",
			"job_id", job.ID, "ok", res.OK, "skipped", res.Skipped,
			"failed", res.Failed, "filtered", res.Filtered, "escalated", res.Escalated)
		return nil
	})
}
