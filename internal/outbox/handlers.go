package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/cartograph/internal/confidence"
	"github.com/steveyegge/cartograph/internal/storage"
	"github.com/steveyegge/cartograph/internal/triangulate"
	"github.com/steveyegge/cartograph/internal/types"
)

// resolutionBatch is one relationship-resolution job waiting on the
// post-flush id backfill.
type resolutionBatch struct {
	runID    string
	filePath string
	pois     []*types.POI
}

// handleFileEvent buffers the event's POIs into the writer and slices
// them into resolution batches. Invalid POIs are skipped item-level; the
// event still succeeds with the rest.
func (p *Publisher) handleFileEvent(ctx context.Context, ev *types.OutboxEvent) ([]resolutionBatch, error) {
	decoded, err := types.DecodePayload(ev.EventType, ev.Payload)
	if err != nil {
		return nil, storage.Categorize(storage.CategoryTerminal, "fix the producer and requeue", err)
	}
	payload := decoded.(*types.FileAnalysisPayload)

	var accepted []*types.POI
	for _, f := range payload.POIs {
		poi := &types.POI{
			FilePath:    payload.FilePath,
			Name:        f.Name,
			Type:        f.Type,
			StartLine:   f.StartLine,
			EndLine:     f.EndLine,
			Description: f.Description,
			IsExported:  f.IsExported,
			SemanticID:  f.SemanticID,
			RunID:       payload.RunID,
		}
		if err := p.writer.AddPOIInsert(poi); err != nil {
			if storage.CategoryOf(err) == storage.CategoryValidation {
				p.log.Warn("skipping invalid POI",
					"event_id", ev.ID, "file", payload.FilePath, "poi", f.Name, "error", err)
				continue
			}
			return nil, err
		}
		accepted = append(accepted, poi)
	}

	var batches []resolutionBatch
	for start := 0; start < len(accepted); start += p.cfg.ResolutionBatchSize {
		end := start + p.cfg.ResolutionBatchSize
		if end > len(accepted) {
			end = len(accepted)
		}
		batches = append(batches, resolutionBatch{
			runID:    payload.RunID,
			filePath: payload.FilePath,
			pois:     accepted[start:end],
		})
	}
	return batches, nil
}

// fanOutResolution enqueues relationship-resolution jobs. Runs after the
// flush so every POI carries its backfilled id.
func (p *Publisher) fanOutResolution(ctx context.Context, batches []resolutionBatch) {
	for _, b := range batches {
		job := types.ResolutionJob{RunID: b.runID, FilePath: b.filePath}
		for _, poi := range b.pois {
			job.POIIDs = append(job.POIIDs, poi.ID)
			token := poi.SemanticID
			if token == "" {
				token = poi.Name
			}
			job.SemanticIDs = append(job.SemanticIDs, token)
		}
		if err := p.queue.Enqueue(ctx, types.QueueRelationshipResolution, "resolve-relationships", job); err != nil {
			p.log.Warn("resolution enqueue failed",
				"run_id", b.runID, "file", b.filePath, "error", err)
		}
	}
}

func (p *Publisher) handleDirectoryEvent(ctx context.Context, ev *types.OutboxEvent) error {
	decoded, err := types.DecodePayload(ev.EventType, ev.Payload)
	if err != nil {
		return storage.Categorize(storage.CategoryTerminal, "fix the producer and requeue", err)
	}
	payload := decoded.(*types.DirectoryAnalysisPayload)
	return p.writer.AddDirectoryUpsert(payload.RunID, payload.DirectoryPath, payload.Summary)
}

// relCandidate is one persisted-relationship-in-waiting plus the finding
// it came from, carried through the flush for the confidence gate.
type relCandidate struct {
	rel     *types.Relationship
	finding types.RelationshipFinding
	runID   string
}

// handleRelationshipEvents buffers relationships from all Class C events
// in this poll. Endpoint resolution goes semantic-id first, then name,
// scoped to the run; unresolved endpoints are warned and skipped without
// failing the event. Evidence expected counters are bumped per finding.
func (p *Publisher) handleRelationshipEvents(ctx context.Context, events []*types.OutboxEvent, published *[]int64, failures *[]failure) []relCandidate {
	var candidates []relCandidate
	for _, ev := range events {
		evCandidates, err := p.bufferRelationships(ctx, ev)
		if p.record(ev, err, published, failures) {
			candidates = append(candidates, evCandidates...)
		}
	}
	return candidates
}

func (p *Publisher) bufferRelationships(ctx context.Context, ev *types.OutboxEvent) ([]relCandidate, error) {
	decoded, err := types.DecodePayload(ev.EventType, ev.Payload)
	if err != nil {
		return nil, storage.Categorize(storage.CategoryTerminal, "fix the producer and requeue", err)
	}
	payload := decoded.(*types.RelationshipAnalysisPayload)

	var candidates []relCandidate
	for _, f := range payload.Relationships {
		rel, err := p.resolveFinding(ctx, payload.RunID, payload.FilePath, f)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				p.log.Warn("unresolved relationship endpoint, skipping",
					"event_id", ev.ID, "from", f.From, "to", f.To, "type", f.Type)
				continue
			}
			return nil, err
		}
		if err := p.writer.AddRelationshipInsert(rel); err != nil {
			if storage.CategoryOf(err) == storage.CategoryValidation {
				p.log.Warn("skipping invalid relationship",
					"event_id", ev.ID, "from", f.From, "to", f.To, "error", err)
				continue
			}
			return nil, err
		}
		hash := types.RelationshipHash(f.From, f.To, f.Type)
		if err := p.writer.AddEvidenceExpected(payload.RunID, hash, 1); err != nil {
			return nil, err
		}
		candidates = append(candidates, relCandidate{rel: rel, finding: f, runID: payload.RunID})
	}
	return candidates, nil
}

func (p *Publisher) resolveFinding(ctx context.Context, runID, filePath string, f types.RelationshipFinding) (*types.Relationship, error) {
	from, err := p.store.ResolvePOI(ctx, runID, f.From)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", f.From, err)
	}
	to, err := p.store.ResolvePOI(ctx, runID, f.To)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", f.To, err)
	}
	rel := &types.Relationship{
		SourcePOIID: from.ID,
		TargetPOIID: to.ID,
		Type:        f.Type,
		FilePath:    filePath,
		Reason:      f.Reason,
		RunID:       runID,
		CrossFile:   f.FromFile != "" && f.ToFile != "" && f.FromFile != f.ToFile,
	}
	if f.Confidence != nil {
		rel.Confidence = *f.Confidence
	}
	return rel, nil
}

// gateAndFanOut runs the confidence gate over the poll's persisted
// relationships, escalates the low ones into triangulation, and fans out
// one validation batch per run.
func (p *Publisher) gateAndFanOut(ctx context.Context, candidates []relCandidate) {
	type validationAgg struct {
		ids    []int64
		hashes []string
	}
	byRun := make(map[string]*validationAgg)
	var escalations []relCandidate
	scores := make(map[int64]float64)

	for _, c := range candidates {
		if c.rel.ID == 0 {
			// Flush dropped it (terminal write error); nothing to gate.
			continue
		}
		res := p.scorer.Score(c.rel, gateEvidence(c))
		scores[c.rel.ID] = res.Final
		if res.Escalate {
			escalations = append(escalations, c)
		}
		agg := byRun[c.runID]
		if agg == nil {
			agg = &validationAgg{}
			byRun[c.runID] = agg
		}
		agg.ids = append(agg.ids, c.rel.ID)
		agg.hashes = append(agg.hashes, types.RelationshipHash(c.finding.From, c.finding.To, c.finding.Type))
	}

	if len(escalations) > 0 && p.dispatcher != nil {
		err := p.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			for _, c := range escalations {
				if _, err := p.dispatcher.Dispatch(ctx, tx, c.rel, scores[c.rel.ID]); err != nil {
					if errors.Is(err, triangulate.ErrDisabled) {
						return nil
					}
					return err
				}
			}
			return nil
		})
		if err != nil {
			p.log.Error("triangulation dispatch failed", "error", err)
		}
	}

	for runID, agg := range byRun {
		job := types.ValidationJob{
			RunID:              runID,
			RelationshipIDs:    agg.ids,
			RelationshipHashes: agg.hashes,
		}
		if err := p.queue.Enqueue(ctx, types.QueueValidation, "validate-relationships", job); err != nil {
			p.log.Warn("validation enqueue failed", "run_id", runID, "error", err)
		}
	}
}

// gateEvidence derives scoring evidence from what the publisher can see:
// resolved endpoints, the producer's reason and confidence, and file
// locality. Deep evidence synthesis belongs to the resolution worker.
func gateEvidence(c relCandidate) []confidence.EvidenceItem {
	items := []confidence.EvidenceItem{
		{Factor: confidence.FactorSyntactic, Source: "outbox-gate", Text: "both endpoints resolved to persisted POIs", Strength: c.rel.Confidence},
	}
	if c.finding.Reason != "" {
		items = append(items, confidence.EvidenceItem{
			Factor: confidence.FactorSemantic, Source: "outbox-gate",
			Text: c.finding.Reason, Strength: c.rel.Confidence,
		})
	}
	ctxStrength := 0.5
	if !c.rel.CrossFile {
		ctxStrength = 0.7
	}
	items = append(items, confidence.EvidenceItem{
		Factor: confidence.FactorContext, Source: "outbox-gate",
		Text: "file locality", Strength: ctxStrength,
	})
	return items
}

// handleGlobalEvent persists cross-file relationships pre-validated.
func (p *Publisher) handleGlobalEvent(ctx context.Context, ev *types.OutboxEvent) error {
	decoded, err := types.DecodePayload(ev.EventType, ev.Payload)
	if err != nil {
		return storage.Categorize(storage.CategoryTerminal, "fix the producer and requeue", err)
	}
	payload := decoded.(*types.GlobalRelationshipPayload)

	for _, f := range payload.Relationships {
		rel, err := p.resolveFinding(ctx, payload.RunID, f.FromFile, f)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				p.log.Warn("unresolved cross-file endpoint, skipping",
					"event_id", ev.ID, "from", f.From, "to", f.To)
				continue
			}
			return err
		}
		rel.Status = types.RelStatusCrossFileValidated
		rel.CrossFile = true
		if err := p.writer.AddRelationshipInsert(rel); err != nil {
			if storage.CategoryOf(err) == storage.CategoryValidation {
				p.log.Warn("skipping invalid cross-file relationship",
					"event_id", ev.ID, "from", f.From, "to", f.To, "error", err)
				continue
			}
			return err
		}
	}
	return nil
}

// handleEscalationEvent hands an existing relationship to triangulation.
func (p *Publisher) handleEscalationEvent(ctx context.Context, ev *types.OutboxEvent) error {
	decoded, err := types.DecodePayload(ev.EventType, ev.Payload)
	if err != nil {
		return storage.Categorize(storage.CategoryTerminal, "fix the producer and requeue", err)
	}
	payload := decoded.(*types.EscalationPayload)

	var rel *types.Relationship
	if payload.RelationshipID != 0 {
		rel, err = p.store.GetRelationship(ctx, payload.RelationshipID)
		if err != nil {
			return fmt.Errorf("load relationship %d: %w", payload.RelationshipID, err)
		}
	} else if payload.Finding != nil {
		// Escalated before persistence: persist the finding now so the
		// session has a real target.
		rel, err = p.resolveFinding(ctx, payload.RunID, payload.FilePath, *payload.Finding)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				p.log.Warn("escalation target unresolvable, dropping",
					"event_id", ev.ID, "from", payload.Finding.From, "to", payload.Finding.To)
				return nil
			}
			return err
		}
		rel.Confidence = payload.Confidence
		err = p.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			_, err := tx.InsertRelationship(ctx, rel)
			return err
		})
		if err != nil {
			return fmt.Errorf("persist escalated finding: %w", err)
		}
	} else {
		return storage.Categorize(storage.CategoryValidation, "",
			errors.New("escalation carries neither relationship id nor finding"))
	}
	if p.dispatcher == nil {
		return errors.New("escalation received but triangulation is not wired")
	}
	return p.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		_, err := p.dispatcher.Dispatch(ctx, tx, rel, payload.Confidence)
		if errors.Is(err, triangulate.ErrDisabled) {
			p.log.Warn("escalation dropped, triangulation disabled",
				"event_id", ev.ID, "relationship_id", rel.ID)
			return nil
		}
		return err
	})
}

// routeOther forwards unclassified events to their configured queue.
// Events with no route are a terminal failure.
func (p *Publisher) routeOther(ctx context.Context, ev *types.OutboxEvent) error {
	queueName, ok := p.cfg.Routes[ev.EventType]
	if !ok {
		return storage.Categorize(storage.CategoryTerminal, "add a route or stop producing this event type",
			fmt.Errorf("no route for event type %q", ev.EventType))
	}
	return p.queue.Enqueue(ctx, queueName, string(ev.EventType), ev.Payload)
}
