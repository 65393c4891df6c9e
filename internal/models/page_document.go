package models

import (
	"encoding/gob"
	"errors"
	"time"
)

// ErrPageSettled is returned by stage-result writes against a page that
// already moved past the target status. At-least-once delivery makes such
// writes routine; callers skip them instead of failing the page.
var ErrPageSettled = errors.New("page already settled")

func init() {
	// Extracted data holds arbitrary JSON shapes behind interface fields,
	// which the gob-based storage codec must know about.
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}

// PageStatus is the lifecycle state of a single page document.
type PageStatus string

const (
	PageStatusPending    PageStatus = "pending"
	PageStatusClassified PageStatus = "classified"
	PageStatusExtracted  PageStatus = "extracted"
	PageStatusFailed     PageStatus = "failed"
)

// IsTerminal reports whether the page can change state again.
func (s PageStatus) IsTerminal() bool {
	return s == PageStatusExtracted || s == PageStatusFailed
}

// CanTransitionTo enforces the forward-only page lifecycle:
// pending -> classified -> extracted, with failed reachable from any
// non-terminal state.
func (s PageStatus) CanTransitionTo(next PageStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case PageStatusClassified:
		return s == PageStatusPending
	case PageStatusExtracted:
		return s == PageStatusClassified
	case PageStatusFailed:
		return true
	}
	return false
}

// PageCategory is the handwriting classification verdict for a page.
type PageCategory string

const (
	CategoryHandwritten PageCategory = "handwritten"
	CategoryTyped       PageCategory = "typed"
	CategoryMixed       PageCategory = "mixed"
)

// ValidCategory reports whether the model returned a known category.
func ValidCategory(c PageCategory) bool {
	switch c {
	case CategoryHandwritten, CategoryTyped, CategoryMixed:
		return true
	}
	return false
}

// PageDocument represents one page extracted from a source PDF; the unit of
// work for classification and extraction.
type PageDocument struct {
	ID          string     `json:"id" badgerhold:"key"`
	LotID       string     `json:"lot_id" badgerhold:"index"`
	SourceID    string     `json:"source_id"`
	PageNumber  int        `json:"page_number"` // 1-based, unique within source document
	StoragePath string     `json:"storage_path"`
	FileSize    int64      `json:"file_size"`
	FileHash    string     `json:"file_hash"`
	Status      PageStatus `json:"status" badgerhold:"index"`

	// Classification results
	Classification PageCategory `json:"classification,omitempty"`
	AssignedModel  string       `json:"assigned_model,omitempty"`
	Confidence     float64      `json:"confidence,omitempty"`

	// Extraction results
	ExtractedData    map[string]interface{} `json:"extracted_data,omitempty"`
	FieldConfidences map[string]float64     `json:"field_confidences,omitempty"`

	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ClassificationResult carries a parsed classification verdict for one page.
type ClassificationResult struct {
	Category   PageCategory `json:"classification"`
	Confidence float64      `json:"confidence"`
	Model      string       `json:"assigned_model"`
}

// ExtractionResult carries parsed structured data for one page.
type ExtractionResult struct {
	PageID           string                 `json:"page_id"`
	Fields           map[string]interface{} `json:"fields"`
	Tables           []interface{}          `json:"tables"`
	Metadata         map[string]interface{} `json:"metadata"`
	Confidence       float64                `json:"confidence"`
	FieldConfidences map[string]float64     `json:"field_confidences"`
}

// PageResult reports the per-page outcome of a classification or extraction
// job so the worker can aggregate counts without re-querying storage.
type PageResult struct {
	PageID  string `json:"page_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
