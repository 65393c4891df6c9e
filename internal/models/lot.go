package models

import "time"

// LotStatus is the lifecycle state of an upload lot.
type LotStatus string

const (
	LotStatusUploading      LotStatus = "uploading"
	LotStatusClassifying    LotStatus = "classifying"
	LotStatusExtracting     LotStatus = "extracting"
	LotStatusCompleted      LotStatus = "completed"
	LotStatusFailed         LotStatus = "failed"
	LotStatusPartialFailure LotStatus = "partial_failure"
)

// IsTerminal reports whether the status permits no further transitions.
func (s LotStatus) IsTerminal() bool {
	switch s {
	case LotStatusCompleted, LotStatusFailed, LotStatusPartialFailure:
		return true
	}
	return false
}

// Lot represents one upload transaction. Its status is derived from the
// aggregate page counts at each stage boundary; it is never set arbitrarily
// after creation.
type Lot struct {
	ID            string    `json:"id" badgerhold:"key"`
	TotalPages    int       `json:"total_pages"`
	Status        LotStatus `json:"status"`
	ProcessedIDs  []string  `json:"processed_ids"`
	FailedIDs     []string  `json:"failed_ids"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PageCounts is the aggregate page-status breakdown for a lot. The pipeline
// controller reads these counts to decide stage transitions; it never
// inspects individual pages.
type PageCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Classified int `json:"classified"`
	Extracted  int `json:"extracted"`
	Failed     int `json:"failed"`
}

// ClassificationDone reports whether every page has left the pending state.
func (c PageCounts) ClassificationDone() bool {
	return c.Pending == 0 && c.Classified+c.Failed+c.Extracted == c.Total
}

// ExtractionDone reports whether every page has reached a terminal state.
func (c PageCounts) ExtractionDone() bool {
	return c.Extracted+c.Failed == c.Total
}
