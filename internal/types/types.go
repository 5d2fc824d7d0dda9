// Package types defines core data structures for the cartograph analysis pipeline.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// FileStatus tracks a source file through the pipeline.
type FileStatus string

const (
	FileStatusPending   FileStatus = "pending"
	FileStatusProcessed FileStatus = "processed"
	FileStatusFailed    FileStatus = "failed"
)

// File is a source file referenced by the pipeline. Files are created on
// first reference and never deleted by the core.
type File struct {
	ID       int64      `json:"id"`
	FilePath string     `json:"file_path"`
	Status   FileStatus `json:"status"`
}

// POIType is the kind of code entity a POI describes. The set is closed;
// unknown kinds are a validation error, not a new category.
type POIType string

const (
	POIFunction POIType = "function"
	POIMethod   POIType = "method"
	POIClass    POIType = "class"
	POIVariable POIType = "variable"
	POIConstant POIType = "constant"
	POIImport   POIType = "import"
	POIExport   POIType = "export"
	POIModule   POIType = "module"
)

// ValidPOIType reports whether t is one of the closed set of POI kinds.
func ValidPOIType(t POIType) bool {
	switch t {
	case POIFunction, POIMethod, POIClass, POIVariable,
		POIConstant, POIImport, POIExport, POIModule:
		return true
	}
	return false
}

// POI is a Point of Interest: a named code entity extracted from a source
// file. POIs are immutable after insertion; Hash is unique within a run.
type POI struct {
	ID          int64   `json:"id"`
	FileID      int64   `json:"file_id"`
	FilePath    string  `json:"file_path"`
	Name        string  `json:"name"`
	Type        POIType `json:"type"`
	StartLine   int     `json:"start_line"`
	EndLine     int     `json:"end_line"`
	Description string  `json:"description,omitempty"`
	IsExported  bool    `json:"is_exported"`
	// SemanticID is a short human-meaningful token (e.g.
	// "auth_func_validate_credentials") used in LLM prompts in lieu of
	// numeric ids.
	SemanticID string `json:"semantic_id,omitempty"`
	LLMOutput  string `json:"llm_output,omitempty"`
	Hash       string `json:"hash"`
	RunID      string `json:"run_id"`
}

// ComputeHash derives the POI identity hash from file path, name, type and
// start line. Identical POIs re-extracted in a later pass hash the same, so
// duplicate inserts collapse to one row.
func (p *POI) ComputeHash() string {
	h := sha256.New()
	h.Write([]byte(p.FilePath))
	h.Write([]byte{0})
	h.Write([]byte(p.Name))
	h.Write([]byte{0})
	h.Write([]byte(p.Type))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", p.StartLine)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Validate checks POI invariants before insertion.
func (p *POI) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("poi: name is required")
	}
	if !ValidPOIType(p.Type) {
		return fmt.Errorf("poi %q: unknown type %q", p.Name, p.Type)
	}
	if p.StartLine <= 0 {
		return fmt.Errorf("poi %q: start_line must be positive, got %d", p.Name, p.StartLine)
	}
	if p.EndLine < p.StartLine {
		return fmt.Errorf("poi %q: end_line %d precedes start_line %d", p.Name, p.EndLine, p.StartLine)
	}
	if p.FilePath == "" {
		return fmt.Errorf("poi %q: file_path is required", p.Name)
	}
	return nil
}

// RelationshipStatus tracks a relationship through validation.
type RelationshipStatus string

const (
	RelStatusPending            RelationshipStatus = "pending"
	RelStatusValidated          RelationshipStatus = "validated"
	RelStatusCrossFileValidated RelationshipStatus = "cross_file_validated"
	RelStatusFailed             RelationshipStatus = "failed"
)

// DefaultConfidence is assigned when the LLM omits a confidence value.
const DefaultConfidence = 0.8

// Relationship is a directed edge between two POIs. Both endpoints must
// resolve to existing POIs in the same run.
type Relationship struct {
	ID          int64              `json:"id"`
	SourcePOIID int64              `json:"source_poi_id"`
	TargetPOIID int64              `json:"target_poi_id"`
	Type        string             `json:"type"`
	FilePath    string             `json:"file_path"`
	Status      RelationshipStatus `json:"status"`
	Confidence  float64            `json:"confidence"`
	Reason      string             `json:"reason,omitempty"`
	RunID       string             `json:"run_id"`
	CrossFile   bool               `json:"cross_file,omitempty"`
}

// Normalize applies the relationship write invariants: type upper-cased,
// confidence clamped to [0,1] (defaulted when unset), reason defaulted.
func (r *Relationship) Normalize() {
	r.Type = strings.ToUpper(strings.TrimSpace(r.Type))
	if r.Confidence == 0 {
		r.Confidence = DefaultConfidence
	}
	r.Confidence = ClampConfidence(r.Confidence)
	if r.Reason == "" {
		r.Reason = "inferred by relationship analysis"
	}
	if r.Status == "" {
		r.Status = RelStatusPending
	}
}

// Validate checks relationship invariants. Call after Normalize.
func (r *Relationship) Validate() error {
	if r.SourcePOIID == 0 || r.TargetPOIID == 0 {
		return fmt.Errorf("relationship: both endpoint ids are required")
	}
	if r.Type == "" {
		return fmt.Errorf("relationship: type is required")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("relationship: confidence %v out of range [0,1]", r.Confidence)
	}
	return nil
}

// ClampConfidence forces c into [0,1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// RelationshipHash derives the identity hash used by the evidence tracker.
// It is computed from the semantic endpoints, not database ids, so producers
// and validators agree on the key without id resolution.
func RelationshipHash(from, to, relType string) string {
	h := sha256.New()
	h.Write([]byte(from))
	h.Write([]byte{0})
	h.Write([]byte(to))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToUpper(relType)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// EvidenceCount tracks expected vs. actual validation evidence for one
// relationship hash within a run. Expected is bumped on fan-out, actual by
// validators; the gap drives the "ready for global analysis" predicate.
type EvidenceCount struct {
	RunID            string    `json:"run_id"`
	RelationshipHash string    `json:"relationship_hash"`
	ExpectedCount    int       `json:"expected_count"`
	ActualCount      int       `json:"actual_count"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TriangulationStatus tracks a triangulated re-analysis session.
type TriangulationStatus string

const (
	TriStatusQueued  TriangulationStatus = "queued"
	TriStatusRunning TriangulationStatus = "running"
	TriStatusDecided TriangulationStatus = "decided"
	TriStatusFailed  TriangulationStatus = "failed"
)

// TriangulationDecision is the consensus outcome of a session.
type TriangulationDecision string

const (
	DecisionAccept TriangulationDecision = "accept"
	DecisionReject TriangulationDecision = "reject"
	DecisionDefer  TriangulationDecision = "defer"
)

// TriangulationSession is one escalated re-analysis of a low-confidence
// relationship. Created by the dispatcher, closed by the external consumer.
type TriangulationSession struct {
	ID                int64                 `json:"id"`
	RelationshipID    int64                 `json:"relationship_id"`
	RunID             string                `json:"run_id"`
	Status            TriangulationStatus   `json:"status"`
	FinalDecision     TriangulationDecision `json:"final_decision,omitempty"`
	WeightedConsensus float64               `json:"weighted_consensus,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
}

// DirectorySummary is an upsert-by-key description of one directory.
type DirectorySummary struct {
	RunID         string `json:"run_id"`
	DirectoryPath string `json:"directory_path"`
	Summary       string `json:"summary"`
}
