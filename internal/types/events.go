package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutboxStatus is the lifecycle state of an outbox event. Transitions are
// monotonic: pending moves to published or failed exactly once, and a
// non-pending row is never re-processed.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxPublished OutboxStatus = "published"
	OutboxFailed    OutboxStatus = "failed"
)

// EventType identifies an outbox event class. The publisher processes
// classes in a fixed order within one poll (POIs before relationships
// before global analysis).
type EventType string

const (
	EventFileAnalysis       EventType = "file-analysis-finding"
	EventDirectoryAnalysis  EventType = "directory-analysis-finding"
	EventRelationship       EventType = "relationship-analysis-finding"
	EventGlobalRelationship EventType = "global-relationship-analysis-finding"
	EventEscalation         EventType = "relationship-confidence-escalation"
)

// OutboxEvent is a durable record of a pending derived side effect.
// Workers write findings here in the same transaction as their own state;
// the publisher turns them into downstream work.
type OutboxEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	EventType EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Status    OutboxStatus    `json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// POIFinding is one extracted POI inside a file-analysis payload.
type POIFinding struct {
	Name        string  `json:"name"`
	Type        POIType `json:"type"`
	StartLine   int     `json:"start_line"`
	EndLine     int     `json:"end_line"`
	Description string  `json:"description,omitempty"`
	IsExported  bool    `json:"is_exported"`
	SemanticID  string  `json:"semantic_id,omitempty"`
}

// RelationshipFinding is one inferred relationship inside a
// relationship-analysis payload. From and To are semantic ids (preferred)
// or POI names; Confidence is optional and defaulted on persist.
type RelationshipFinding struct {
	From       string   `json:"from"`
	To         string   `json:"to"`
	Type       string   `json:"type"`
	Reason     string   `json:"reason,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	FromFile   string   `json:"fromFile,omitempty"`
	ToFile     string   `json:"toFile,omitempty"`
}

// FileAnalysisPayload carries POIs extracted from one file.
type FileAnalysisPayload struct {
	RunID    string       `json:"runId"`
	Source   string       `json:"source"`
	FilePath string       `json:"filePath"`
	POIs     []POIFinding `json:"pois"`
}

// DirectoryAnalysisPayload carries one directory summary.
type DirectoryAnalysisPayload struct {
	RunID         string `json:"runId"`
	Source        string `json:"source"`
	DirectoryPath string `json:"directoryPath"`
	Summary       string `json:"summary"`
}

// RelationshipAnalysisPayload carries relationships inferred within one file.
type RelationshipAnalysisPayload struct {
	RunID         string                `json:"runId"`
	Source        string                `json:"source"`
	FilePath      string                `json:"filePath"`
	Relationships []RelationshipFinding `json:"relationships"`
}

// GlobalRelationshipPayload carries cross-file relationships from the
// global analysis phase. Findings include fromFile/toFile.
type GlobalRelationshipPayload struct {
	RunID         string                `json:"runId"`
	Source        string                `json:"source"`
	Relationships []RelationshipFinding `json:"relationships"`
}

// EscalationPayload requests triangulated re-analysis of one relationship.
// RelationshipID references a persisted relationship; when the escalation
// fires before persistence (the resolution worker's filter path), Finding
// carries the raw finding and FilePath its origin so the publisher can
// persist it first.
type EscalationPayload struct {
	RunID            string               `json:"runId"`
	Source           string               `json:"source"`
	RelationshipID   int64                `json:"relationshipId,omitempty"`
	Finding          *RelationshipFinding `json:"finding,omitempty"`
	FilePath         string               `json:"filePath,omitempty"`
	Confidence       float64              `json:"confidence"`
	ConfidenceLevel  string               `json:"confidenceLevel"`
	EscalationReason string               `json:"escalationReason"`
}

// DecodePayload decodes an outbox payload into its concrete variant based
// on event type. The payload set is closed: unknown event types are an
// error, not a map.
func DecodePayload(eventType EventType, raw json.RawMessage) (interface{}, error) {
	var (
		v   interface{}
		err error
	)
	switch eventType {
	case EventFileAnalysis:
		p := &FileAnalysisPayload{}
		err = json.Unmarshal(raw, p)
		v = p
	case EventDirectoryAnalysis:
		p := &DirectoryAnalysisPayload{}
		err = json.Unmarshal(raw, p)
		v = p
	case EventRelationship:
		p := &RelationshipAnalysisPayload{}
		err = json.Unmarshal(raw, p)
		v = p
	case EventGlobalRelationship:
		p := &GlobalRelationshipPayload{}
		err = json.Unmarshal(raw, p)
		v = p
	case EventEscalation:
		p := &EscalationPayload{}
		err = json.Unmarshal(raw, p)
		v = p
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return v, nil
}

// EncodePayload marshals a payload variant for storage in the outbox.
func EncodePayload(v interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}
