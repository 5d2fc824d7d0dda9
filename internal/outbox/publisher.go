// Package outbox implements the transactional outbox publisher, the
// pipeline's central state machine.
//
// The publisher polls pending outbox rows and converts them into durable
// derived rows (through the batched writer) and downstream queue work,
// honoring event-class ordering within each poll: file findings first,
// then directory summaries, then relationships, then global results,
// then escalations. An event is marked published only after its side
// effects are durable; queue deliveries are at-least-once and consumers
// absorb duplicates.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/cartograph/internal/confidence"
	"github.com/steveyegge/cartograph/internal/debug"
	"github.com/steveyegge/cartograph/internal/queue"
	"github.com/steveyegge/cartograph/internal/storage"
	"github.com/steveyegge/cartograph/internal/triangulate"
	"github.com/steveyegge/cartograph/internal/types"
	"github.com/steveyegge/cartograph/internal/writer"
)

const (
	// DefaultPollInterval is the pause between polls.
	DefaultPollInterval = 1 * time.Second
	// DefaultBatchLimit caps pending rows fetched per poll.
	DefaultBatchLimit = 100
	// DefaultResolutionBatchSize caps POIs per relationship-resolution job.
	DefaultResolutionBatchSize = 5
)

// Config controls publisher pacing and routing.
type Config struct {
	PollInterval        time.Duration
	BatchLimit          int
	ResolutionBatchSize int
	// Routes maps event types outside the core classes to a queue name.
	// Events with no route are marked failed.
	Routes map[types.EventType]string
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	if c.ResolutionBatchSize <= 0 {
		c.ResolutionBatchSize = DefaultResolutionBatchSize
	}
}

// Publisher drives outbox events to their effects. One instance per
// process; the poll loop is single-flight and re-entry guarded.
type Publisher struct {
	store      storage.Storage
	writer     *writer.Writer
	queue      queue.Queue
	scorer     *confidence.Scorer
	dispatcher *triangulate.Dispatcher
	cfg        Config
	log        *slog.Logger

	polling atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// New creates a publisher. logger may be nil.
func New(store storage.Storage, w *writer.Writer, q queue.Queue, scorer *confidence.Scorer, d *triangulate.Dispatcher, cfg Config, logger *slog.Logger) *Publisher {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		store:      store,
		writer:     w,
		queue:      q,
		scorer:     scorer,
		dispatcher: d,
		cfg:        cfg,
		log:        logger,
		done:       make(chan struct{}),
	}
}

// Start begins the poll loop. Stop with Stop.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.Poll(ctx); err != nil {
					p.log.Error("outbox poll failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the poll loop and waits for an in-flight poll to finish.
func (p *Publisher) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// failure records one event that could not be processed.
type failure struct {
	id     int64
	runID  string
	reason string
}

// Poll runs one publishing cycle. Safe to call directly (the loop and
// tests share it); overlapping calls collapse to one.
func (p *Publisher) Poll(ctx context.Context) error {
	if !p.polling.CompareAndSwap(false, true) {
		return nil
	}
	defer p.polling.Store(false)

	events, err := p.store.PendingOutboxEvents(ctx, p.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("fetch pending events: %w", err)
	}

	var published []int64
	var failures []failure

	classes := partition(events)

	// Class A: persist POIs, flush so later classes can resolve ids,
	// then fan out relationship-resolution work.
	var fileBatches []resolutionBatch
	for _, ev := range classes.files {
		batches, err := p.handleFileEvent(ctx, ev)
		if outcome := p.record(ev, err, &published, &failures); outcome {
			fileBatches = append(fileBatches, batches...)
		}
	}
	if len(classes.files) > 0 {
		if err := p.writer.Flush(ctx); err != nil {
			return fmt.Errorf("flush after file events: %w", err)
		}
		p.fanOutResolution(ctx, fileBatches)
	}

	// Class B: directory summaries.
	for _, ev := range classes.dirs {
		err := p.handleDirectoryEvent(ctx, ev)
		p.record(ev, err, &published, &failures)
	}
	if len(classes.dirs) > 0 {
		if err := p.writer.Flush(ctx); err != nil {
			return fmt.Errorf("flush after directory events: %w", err)
		}
	}

	// Class C: relationships, batched across the whole poll.
	candidates := p.handleRelationshipEvents(ctx, classes.rels, &published, &failures)
	if len(candidates) > 0 {
		if err := p.writer.Flush(ctx); err != nil {
			return fmt.Errorf("flush after relationship events: %w", err)
		}
		p.gateAndFanOut(ctx, candidates)
	}

	// Class D: cross-file results arrive pre-validated.
	for _, ev := range classes.globals {
		err := p.handleGlobalEvent(ctx, ev)
		p.record(ev, err, &published, &failures)
	}

	// Class E: escalations.
	for _, ev := range classes.escalations {
		err := p.handleEscalationEvent(ctx, ev)
		p.record(ev, err, &published, &failures)
	}

	// Other: route by configuration or fail.
	for _, ev := range classes.other {
		err := p.routeOther(ctx, ev)
		p.record(ev, err, &published, &failures)
	}

	if err := p.triggerGlobalPhase(ctx); err != nil {
		p.log.Error("global phase trigger failed", "error", err)
	}

	if debug.Enabled() {
		debug.Logf("outbox: poll handled %d events (%d published, %d failed)\n",
			len(events), len(published), len(failures))
	}
	return p.finalize(ctx, published, failures)
}

// record books the outcome of one event. Transient errors leave the row
// pending for the next poll. Returns true when the event succeeded.
func (p *Publisher) record(ev *types.OutboxEvent, err error, published *[]int64, failures *[]failure) bool {
	if err == nil {
		*published = append(*published, ev.ID)
		return true
	}
	if storage.IsTransient(err) {
		p.log.Warn("event deferred to next poll",
			"event_id", ev.ID, "event_type", ev.EventType, "error", err)
		return false
	}
	p.log.Error("event failed",
		"event_id", ev.ID, "event_type", ev.EventType, "error", err)
	debug.LogEvent("OUTBOX_EVENT_FAILED", ev.RunID,
		fmt.Sprintf("id=%d type=%s reason=%s", ev.ID, ev.EventType, err))
	*failures = append(*failures, failure{id: ev.ID, runID: ev.RunID, reason: err.Error()})
	return false
}

// finalize batch-updates processed rows and emits failed-jobs context.
func (p *Publisher) finalize(ctx context.Context, published []int64, failures []failure) error {
	if len(published) == 0 && len(failures) == 0 {
		return nil
	}
	if len(published) > 0 {
		if err := p.writer.AddOutboxStatusBatch(published, types.OutboxPublished); err != nil {
			return fmt.Errorf("buffer published statuses: %w", err)
		}
	}
	for _, f := range failures {
		if err := p.writer.AddOutboxStatusUpdate(f.id, types.OutboxFailed, f.reason); err != nil {
			return fmt.Errorf("buffer failed status: %w", err)
		}
		job := types.FailedJob{
			RunID:       f.runID,
			ItemID:      f.id,
			Category:    storage.CategoryOf(errors.New(f.reason)).String(),
			Error:       f.reason,
			Remediation: "inspect the outbox row and requeue after fixing the cause",
		}
		if err := p.queue.Enqueue(ctx, types.QueueFailedJobs, "outbox-event-failed", job); err != nil {
			p.log.Warn("failed-jobs enqueue failed", "event_id", f.id, "error", err)
		}
	}
	if err := p.writer.Flush(ctx); err != nil {
		return fmt.Errorf("flush status updates: %w", err)
	}
	return nil
}

// classified holds one poll's events partitioned by class, in id order
// within each class.
type classified struct {
	files       []*types.OutboxEvent
	dirs        []*types.OutboxEvent
	rels        []*types.OutboxEvent
	globals     []*types.OutboxEvent
	escalations []*types.OutboxEvent
	other       []*types.OutboxEvent
}

func partition(events []*types.OutboxEvent) classified {
	var c classified
	for _, ev := range events {
		switch ev.EventType {
		case types.EventFileAnalysis:
			c.files = append(c.files, ev)
		case types.EventDirectoryAnalysis:
			c.dirs = append(c.dirs, ev)
		case types.EventRelationship:
			c.rels = append(c.rels, ev)
		case types.EventGlobalRelationship:
			c.globals = append(c.globals, ev)
		case types.EventEscalation:
			c.escalations = append(c.escalations, ev)
		default:
			c.other = append(c.other, ev)
		}
	}
	return c
}

// triggerGlobalPhase starts the cross-file phase for every run that has
// drained its file and relationship backlog. Fires once per run, ever.
func (p *Publisher) triggerGlobalPhase(ctx context.Context) error {
	runs, err := p.store.ActiveRunIDs(ctx)
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}
	for _, runID := range runs {
		ready, err := p.runReady(ctx, runID)
		if err != nil {
			return fmt.Errorf("run %s readiness: %w", runID, err)
		}
		if !ready {
			continue
		}
		dirs, err := p.store.DistinctDirectories(ctx, runID)
		if err != nil {
			return fmt.Errorf("run %s directories: %w", runID, err)
		}
		// Directory jobs are independent of each other, so the fan-out can
		// run concurrently. The ordering guarantee only covers event classes.
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for _, dir := range dirs {
			g.Go(func() error {
				job := types.GlobalAnalysisJob{RunID: runID, DirectoryPath: dir}
				if err := p.queue.Enqueue(gctx, types.QueueGlobalAnalysis, "global-relationship-analysis", job); err != nil {
					return fmt.Errorf("enqueue global analysis for %s: %w", dir, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := p.store.MarkGlobalPhase(ctx, runID); err != nil {
			return fmt.Errorf("mark global phase for %s: %w", runID, err)
		}
		p.log.Info("global phase started", "run_id", runID, "directories", len(dirs))
		debug.LogEvent("GLOBAL_PHASE_START", runID, fmt.Sprintf("directories=%d", len(dirs)))
	}
	return nil
}

// runReady holds when no file or relationship findings are pending, the
// run spans more than one file, and the phase has not already started.
func (p *Publisher) runReady(ctx context.Context, runID string) (bool, error) {
	pending, err := p.store.PendingCountByType(ctx, runID, types.EventFileAnalysis, types.EventRelationship)
	if err != nil {
		return false, err
	}
	if pending > 0 {
		return false, nil
	}
	files, err := p.store.FileCount(ctx, runID)
	if err != nil {
		return false, err
	}
	if files <= 1 {
		return false, nil
	}
	started, err := p.store.GlobalPhaseStarted(ctx, runID)
	if err != nil {
		return false, err
	}
	return !started, nil
}
