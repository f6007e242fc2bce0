package types

import "time"

// DuplicateEdge is append-only history recording that DuplicateLogID was
// merged/considered a duplicate of OriginalLogID (spec §3). Edges are
// informational only and never affect issue queries.
type DuplicateEdge struct {
	OriginalLogID    ID        `json:"originalLogId"`
	DuplicateLogID   ID        `json:"duplicateLogId"`
	SimilarityScore  float64   `json:"similarityScore"`
	DetectedAt       time.Time `json:"detectedAt"`
}
