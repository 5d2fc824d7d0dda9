package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/cartograph/internal/storage"
	"github.com/steveyegge/cartograph/internal/types"
)

const storageScopeName = "github.com/steveyegge/cartograph/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in carto.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStorage struct {
	inner  storage.Storage
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("carto.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("carto.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("carto.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	return &InstrumentedStorage{
		inner:  s,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Files ───────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) GetFile(ctx context.Context, path string) (*types.File, error) {
	ctx, span, t := s.op(ctx, "GetFile")
	v, err := s.inner.GetFile(ctx, path)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) UpdateFileStatus(ctx context.Context, id int64, status types.FileStatus) error {
	attrs := []attribute.KeyValue{attribute.String("carto.file.status", string(status))}
	ctx, span, t := s.op(ctx, "UpdateFileStatus", attrs...)
	err := s.inner.UpdateFileStatus(ctx, id, status)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) FileCount(ctx context.Context, runID string) (int, error) {
	attrs := []attribute.KeyValue{attribute.String("carto.run.id", runID)}
	ctx, span, t := s.op(ctx, "FileCount", attrs...)
	v, err := s.inner.FileCount(ctx, runID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── POIs ────────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) GetPOI(ctx context.Context, id int64) (*types.POI, error) {
	ctx, span, t := s.op(ctx, "GetPOI")
	v, err := s.inner.GetPOI(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ResolvePOI(ctx context.Context, runID, token string) (*types.POI, error) {
	attrs := []attribute.KeyValue{attribute.String("carto.run.id", runID)}
	ctx, span, t := s.op(ctx, "ResolvePOI", attrs...)
	v, err := s.inner.ResolvePOI(ctx, runID, token)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) POIsByFile(ctx context.Context, runID, filePath string) ([]*types.POI, error) {
	ctx, span, t := s.op(ctx, "POIsByFile")
	v, err := s.inner.POIsByFile(ctx, runID, filePath)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) DistinctDirectories(ctx context.Context, runID string) ([]string, error) {
	ctx, span, t := s.op(ctx, "DistinctDirectories")
	v, err := s.inner.DistinctDirectories(ctx, runID)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Relationships ───────────────────────────────────────────────────────────

func (s *InstrumentedStorage) GetRelationship(ctx context.Context, id int64) (*types.Relationship, error) {
	ctx, span, t := s.op(ctx, "GetRelationship")
	v, err := s.inner.GetRelationship(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) RelationshipsByRun(ctx context.Context, runID string, status types.RelationshipStatus) ([]*types.Relationship, error) {
	attrs := []attribute.KeyValue{attribute.String("carto.relationship.status", string(status))}
	ctx, span, t := s.op(ctx, "RelationshipsByRun", attrs...)
	v, err := s.inner.RelationshipsByRun(ctx, runID, status)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Outbox ──────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) InsertOutboxEvent(ctx context.Context, ev *types.OutboxEvent) (int64, error) {
	attrs := []attribute.KeyValue{attribute.String("carto.event.type", string(ev.EventType))}
	ctx, span, t := s.op(ctx, "InsertOutboxEvent", attrs...)
	v, err := s.inner.InsertOutboxEvent(ctx, ev)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) PendingOutboxEvents(ctx context.Context, limit int) ([]*types.OutboxEvent, error) {
	ctx, span, t := s.op(ctx, "PendingOutboxEvents")
	v, err := s.inner.PendingOutboxEvents(ctx, limit)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) PendingCountByType(ctx context.Context, runID string, eventTypes ...types.EventType) (int, error) {
	ctx, span, t := s.op(ctx, "PendingCountByType")
	v, err := s.inner.PendingCountByType(ctx, runID, eventTypes...)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) OutboxCounts(ctx context.Context) (map[types.OutboxStatus]int, error) {
	ctx, span, t := s.op(ctx, "OutboxCounts")
	v, err := s.inner.OutboxCounts(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ActiveRunIDs(ctx context.Context) ([]string, error) {
	ctx, span, t := s.op(ctx, "ActiveRunIDs")
	v, err := s.inner.ActiveRunIDs(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) RequeueFailed(ctx context.Context, runID string) (int, error) {
	attrs := []attribute.KeyValue{attribute.String("carto.run.id", runID)}
	ctx, span, t := s.op(ctx, "RequeueFailed", attrs...)
	v, err := s.inner.RequeueFailed(ctx, runID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Evidence and triangulation ──────────────────────────────────────────────

func (s *InstrumentedStorage) EvidenceCounts(ctx context.Context, runID string) ([]*types.EvidenceCount, error) {
	ctx, span, t := s.op(ctx, "EvidenceCounts")
	v, err := s.inner.EvidenceCounts(ctx, runID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) GetTriangulationSession(ctx context.Context, id int64) (*types.TriangulationSession, error) {
	ctx, span, t := s.op(ctx, "GetTriangulationSession")
	v, err := s.inner.GetTriangulationSession(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) UpdateTriangulationSession(ctx context.Context, id int64, status types.TriangulationStatus, decision types.TriangulationDecision, consensus float64) error {
	attrs := []attribute.KeyValue{attribute.String("carto.triangulation.status", string(status))}
	ctx, span, t := s.op(ctx, "UpdateTriangulationSession", attrs...)
	err := s.inner.UpdateTriangulationSession(ctx, id, status, decision, consensus)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Global phase ────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) MarkGlobalPhase(ctx context.Context, runID string) error {
	attrs := []attribute.KeyValue{attribute.String("carto.run.id", runID)}
	ctx, span, t := s.op(ctx, "MarkGlobalPhase", attrs...)
	err := s.inner.MarkGlobalPhase(ctx, runID)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GlobalPhaseStarted(ctx context.Context, runID string) (bool, error) {
	ctx, span, t := s.op(ctx, "GlobalPhaseStarted")
	v, err := s.inner.GlobalPhaseStarted(ctx, runID)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Directory summaries ─────────────────────────────────────────────────────

func (s *InstrumentedStorage) GetDirectorySummary(ctx context.Context, runID, dirPath string) (*types.DirectorySummary, error) {
	ctx, span, t := s.op(ctx, "GetDirectorySummary")
	v, err := s.inner.GetDirectorySummary(ctx, runID, dirPath)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Transactions and lifecycle ──────────────────────────────────────────────

// RunInTransaction wraps the whole transaction in one span. Individual
// statements inside the transaction are not traced separately.
func (s *InstrumentedStorage) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.inner.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) Checkpoint(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Checkpoint")
	err := s.inner.Checkpoint(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
