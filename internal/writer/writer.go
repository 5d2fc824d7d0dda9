// Package writer implements the batched database writer.
//
// Workers and the outbox publisher never touch the store directly for
// mutation; they enqueue typed insert/update requests here. The writer
// groups requests per type and commits whole groups in one transaction,
// either when a buffer reaches the batch size or when the flush interval
// elapses, whichever comes first.
//
// Inside a single flush the commit order is fixed: POIs, then
// relationships, then evidence counters, then outbox status updates. An
// outbox row marked published therefore always has its derived rows
// durable in the same commit.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/steveyegge/cartograph/internal/storage"
	"github.com/steveyegge/cartograph/internal/types"
)

// ErrShutdown is returned by Add operations after Shutdown has begun.
var ErrShutdown = errors.New("writer: shut down")

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 500 * time.Millisecond
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = 250 * time.Millisecond
)

// Config controls batching and retry behavior.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}

// DefaultConfig returns the stock batching policy.
func DefaultConfig() Config {
	return Config{
		BatchSize:     DefaultBatchSize,
		FlushInterval: DefaultFlushInterval,
		MaxRetries:    DefaultMaxRetries,
		RetryDelay:    DefaultRetryDelay,
	}
}

type relUpdate struct {
	id         int64
	status     types.RelationshipStatus
	confidence float64
	reason     string
}

type evidenceBump struct {
	runID    string
	hash     string
	expected int
	actual   int
}

type statusUpdate struct {
	id     int64
	status types.OutboxStatus
	errMsg string
}

// batch holds one flush's worth of buffered requests.
type batch struct {
	pois       []*types.POI
	rels       []*types.Relationship
	relUpdates []relUpdate
	dirs       []*types.DirectorySummary
	evidence   []evidenceBump
	outbox     []statusUpdate
}

func (b *batch) size() int {
	return len(b.pois) + len(b.rels) + len(b.relUpdates) +
		len(b.dirs) + len(b.evidence) + len(b.outbox)
}

func (b *batch) empty() bool { return b.size() == 0 }

// LossReport describes rows dropped because a flush failed terminally.
type LossReport struct {
	Dropped int
	LastErr error
}

func (l *LossReport) Error() string {
	return fmt.Sprintf("writer: dropped %d buffered rows (last error: %v)", l.Dropped, l.LastErr)
}

// Writer is the batched database writer. Safe for concurrent use; all
// buffers live behind one mutex and at most one flush transaction is in
// flight at a time.
type Writer struct {
	store  storage.Storage
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	buf      batch
	seenPOIs map[string]bool // run_id+hash dedup within the buffer
	closed   bool
	loss     LossReport

	flushMu sync.Mutex // serializes flush transactions

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a writer and starts its flush timer.
func New(store storage.Storage, cfg Config, logger *slog.Logger) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		seenPOIs: make(map[string]bool),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Writer) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
		case <-w.kick:
		}
		if err := w.Flush(context.Background()); err != nil {
			w.logger.Error("writer: flush failed", "error", err)
		}
	}
}

// add appends to the buffer under lock and kicks an early flush when any
// buffer crosses the batch size.
func (w *Writer) add(fn func(*batch)) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrShutdown
	}
	fn(&w.buf)
	full := w.buf.size() >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// AddPOIInsert buffers a POI insert, deduplicated by (run_id, hash).
func (w *Writer) AddPOIInsert(poi *types.POI) error {
	if err := poi.Validate(); err != nil {
		return storage.Categorize(storage.CategoryValidation, "", err)
	}
	if poi.Hash == "" {
		poi.Hash = poi.ComputeHash()
	}
	key := poi.RunID + ":" + poi.Hash
	return w.add(func(b *batch) {
		if w.seenPOIs[key] {
			return
		}
		w.seenPOIs[key] = true
		b.pois = append(b.pois, poi)
	})
}

// AddRelationshipInsert buffers a relationship insert. Both endpoint ids
// must already be resolved; normalization (upper-case type, confidence
// clamp, reason default) happens here so validation errors surface to the
// producer, not the flush timer.
func (w *Writer) AddRelationshipInsert(rel *types.Relationship) error {
	rel.Normalize()
	if err := rel.Validate(); err != nil {
		return storage.Categorize(storage.CategoryValidation, "", err)
	}
	return w.add(func(b *batch) { b.rels = append(b.rels, rel) })
}

// AddRelationshipUpdate buffers a status/confidence update.
func (w *Writer) AddRelationshipUpdate(id int64, status types.RelationshipStatus, confidence float64, reason string) error {
	return w.add(func(b *batch) {
		b.relUpdates = append(b.relUpdates, relUpdate{id, status, confidence, reason})
	})
}

// AddDirectoryUpsert buffers a directory summary upsert.
func (w *Writer) AddDirectoryUpsert(runID, dirPath, summary string) error {
	return w.add(func(b *batch) {
		b.dirs = append(b.dirs, &types.DirectorySummary{
			RunID: runID, DirectoryPath: dirPath, Summary: summary,
		})
	})
}

// AddEvidenceExpected buffers an expected-count increment for a
// relationship hash.
func (w *Writer) AddEvidenceExpected(runID, relationshipHash string, delta int) error {
	return w.add(func(b *batch) {
		b.evidence = append(b.evidence, evidenceBump{runID, relationshipHash, delta, 0})
	})
}

// AddEvidenceActual buffers an actual-count increment (validator side).
func (w *Writer) AddEvidenceActual(runID, relationshipHash string, delta int) error {
	return w.add(func(b *batch) {
		b.evidence = append(b.evidence, evidenceBump{runID, relationshipHash, 0, delta})
	})
}

// AddOutboxStatusUpdate buffers one outbox status transition.
func (w *Writer) AddOutboxStatusUpdate(id int64, status types.OutboxStatus, errMsg string) error {
	return w.add(func(b *batch) {
		b.outbox = append(b.outbox, statusUpdate{id, status, errMsg})
	})
}

// AddOutboxStatusBatch buffers many outbox status transitions at once.
func (w *Writer) AddOutboxStatusBatch(ids []int64, status types.OutboxStatus) error {
	return w.add(func(b *batch) {
		for _, id := range ids {
			b.outbox = append(b.outbox, statusUpdate{id, status, ""})
		}
	})
}

// Flush forces all buffered requests into one transaction, retrying
// transient failures. It returns when the transaction has committed (or
// definitively failed). Concurrent callers serialize; additions made
// during a flush accumulate for the next one.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	b := w.buf
	w.buf = batch{}
	w.seenPOIs = make(map[string]bool)
	w.mu.Unlock()

	if b.empty() {
		return nil
	}

	err := w.commitWithRetry(ctx, &b)
	if err == nil {
		return nil
	}

	if storage.IsTransient(err) {
		// Out of retries but recoverable: put the batch back for the
		// next tick rather than dropping rows.
		w.mu.Lock()
		w.buf = prepend(b, w.buf)
		w.mu.Unlock()
		return fmt.Errorf("writer: flush deferred: %w", err)
	}

	w.mu.Lock()
	w.loss.Dropped += b.size()
	w.loss.LastErr = err
	w.mu.Unlock()
	return fmt.Errorf("writer: flush failed, %d rows dropped: %w", b.size(), err)
}

func prepend(front, back batch) batch {
	return batch{
		pois:       append(front.pois, back.pois...),
		rels:       append(front.rels, back.rels...),
		relUpdates: append(front.relUpdates, back.relUpdates...),
		dirs:       append(front.dirs, back.dirs...),
		evidence:   append(front.evidence, back.evidence...),
		outbox:     append(front.outbox, back.outbox...),
	}
}

// commitWithRetry runs the batch transaction, retrying only transient
// failures with a fixed delay.
func (w *Writer) commitWithRetry(ctx context.Context, b *batch) error {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(w.cfg.RetryDelay), uint64(w.cfg.MaxRetries)),
		ctx)
	return backoff.Retry(func() error {
		err := w.commit(ctx, b)
		if err == nil {
			return nil
		}
		if storage.IsTransient(err) {
			w.logger.Warn("writer: transient flush error, retrying", "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

// commit applies one batch in a single transaction in the invariant
// order: POIs, relationships, evidence, directory summaries, outbox
// status updates.
func (w *Writer) commit(ctx context.Context, b *batch) error {
	return w.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		fileIDs := make(map[string]int64)
		for _, poi := range b.pois {
			if poi.FileID == 0 {
				id, ok := fileIDs[poi.FilePath]
				if !ok {
					f, err := tx.GetOrCreateFile(ctx, poi.FilePath)
					if err != nil {
						return err
					}
					id = f.ID
					fileIDs[poi.FilePath] = id
				}
				poi.FileID = id
			}
			if _, err := tx.InsertPOI(ctx, poi); err != nil {
				return err
			}
		}
		for _, rel := range b.rels {
			if _, err := tx.InsertRelationship(ctx, rel); err != nil {
				return err
			}
		}
		for _, eb := range b.evidence {
			if err := tx.BumpEvidence(ctx, eb.runID, eb.hash, eb.expected, eb.actual); err != nil {
				return err
			}
		}
		for _, ru := range b.relUpdates {
			if err := tx.UpdateRelationship(ctx, ru.id, ru.status, ru.confidence, ru.reason); err != nil {
				return err
			}
		}
		for _, ds := range b.dirs {
			if err := tx.UpsertDirectorySummary(ctx, ds); err != nil {
				return err
			}
		}
		for _, su := range b.outbox {
			if err := tx.UpdateOutboxStatus(ctx, su.id, su.status, su.errMsg); err != nil {
				return err
			}
		}
		return nil
	})
}

// Checkpoint compacts the write-ahead log.
func (w *Writer) Checkpoint(ctx context.Context) error {
	return w.store.Checkpoint(ctx)
}

// Shutdown stops the flush timer, drains remaining buffers, and reports
// any rows that were dropped during the writer's lifetime.
func (w *Writer) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()

	flushErr := w.Flush(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loss.Dropped > 0 {
		return &w.loss
	}
	return flushErr
}
