package types

// Queue names used by the pipeline. The core depends only on at-least-once
// delivery and per-queue named job types; the transport behind a queue is a
// deployment concern.
const (
	QueueRelationshipResolution = "relationship-resolution"
	QueueValidation             = "validation"
	QueueGlobalAnalysis         = "global-relationship-analysis"
	QueueTriangulation          = "triangulated-analysis"
	QueueFailedJobs             = "failed-jobs"
)

// ResolutionJob asks the resolution worker to infer relationships among a
// batch of POIs from one file.
type ResolutionJob struct {
	RunID    string `json:"runId"`
	FilePath string `json:"filePath"`
	POIIDs   []int64 `json:"poiIds"`
	// SemanticIDs mirrors POIIDs; the worker prompts with these tokens.
	SemanticIDs []string `json:"semanticIds"`
}

// ValidationJob asks a validator to confirm a batch of persisted
// relationships. Validators increment the evidence tracker's actual count
// and must guard against double-increment on redelivery.
type ValidationJob struct {
	RunID              string   `json:"runId"`
	RelationshipIDs    []int64  `json:"relationshipIds"`
	RelationshipHashes []string `json:"relationshipHashes"`
}

// GlobalAnalysisJob asks for cross-file analysis of one directory. Exactly
// one job per directory is created per run, and only after all file and
// intra-file relationship findings have drained.
type GlobalAnalysisJob struct {
	RunID         string `json:"runId"`
	DirectoryPath string `json:"directoryPath"`
}

// TriangulationPriority orders escalated re-analysis work.
type TriangulationPriority string

const (
	PriorityUrgent TriangulationPriority = "urgent"
	PriorityHigh   TriangulationPriority = "high"
	PriorityNormal TriangulationPriority = "normal"
)

// TriangulationJob asks the triangulation consumer to re-analyze one
// low-confidence relationship.
type TriangulationJob struct {
	RunID          string                `json:"runId"`
	RelationshipID int64                 `json:"relationshipId"`
	SessionID      int64                 `json:"sessionId"`
	Confidence     float64               `json:"confidence"`
	Priority       TriangulationPriority `json:"priority"`
}

// FailedJob carries context for an item that could not be processed, fanned
// out to the failed-jobs queue so operators can reconstruct the cause.
type FailedJob struct {
	RunID       string `json:"runId"`
	Queue       string `json:"queue,omitempty"`
	ItemID      int64  `json:"itemId,omitempty"`
	Category    string `json:"category"`
	Error       string `json:"error"`
	Remediation string `json:"remediation,omitempty"`
}
