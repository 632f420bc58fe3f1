package types

import (
	"time"

	"github.com/google/uuid"
)

// Manuscript is metadata for an uploaded manuscript. The text itself is
// immutable once uploaded and lives in blob storage under
// "{manuscriptID}/source".
type Manuscript struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Title     string    `json:"title"`
	Genre     string    `json:"genre,omitempty"`
	WordCount int       `json:"word_count"`
	CreatedAt time.Time `json:"created_at"`
}

// BoundaryKind records which splitting rule produced a chunk.
type BoundaryKind string

// Chunk boundary kinds.
const (
	BoundaryChapter   BoundaryKind = "chapter"
	BoundaryParagraph BoundaryKind = "paragraph"
	BoundaryFallback  BoundaryKind = "fallback"
)

// Chunk is a contiguous, size-bounded slice of the manuscript text.
// Chunks for a manuscript are totally ordered, non-overlapping, and
// concatenating [Start:End) ranges in ordinal order reproduces the input.
type Chunk struct {
	Ordinal  int          `json:"ordinal"`
	Start    int          `json:"start"`
	End      int          `json:"end"`
	Tokens   int          `json:"tokens"`
	Boundary BoundaryKind `json:"boundary"`
}

// Content returns the chunk's slice of the original text.
func (c Chunk) Content(text string) string {
	return text[c.Start:c.End]
}

// Quota is the plan-derived resource envelope for one owner.
type Quota struct {
	OwnerID           uuid.UUID `json:"owner_id"`
	MaxActiveReports  int       `json:"max_active_reports"`
	MaxMonthlyCostUSD float64   `json:"max_monthly_cost_usd"`
	MaxCallsPerMinute int       `json:"max_calls_per_minute"`
}
