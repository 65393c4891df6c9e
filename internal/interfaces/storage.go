package interfaces

import (
	"github.com/ternarybob/lectern/internal/models"
)

// LotStorage provides CRUD and status operations over lots.
type LotStorage interface {
	CreateLot(totalPages int) (*models.Lot, error)
	GetLot(id string) (*models.Lot, error)
	ListLots() ([]*models.Lot, error)
	// UpdateLotStatus records the status plus the processed/failed page id
	// lists captured at upload time.
	UpdateLotStatus(id string, status models.LotStatus, processedIDs, failedIDs []string) error
	// SetLotStatus performs a conditional transition: the write succeeds only
	// if the lot's current status equals expect. Returns (false, nil) when the
	// precondition does not hold. This is the compare-and-set primitive the
	// stage-completion check relies on to avoid double-dispatch.
	SetLotStatus(id string, expect, next models.LotStatus) (bool, error)
}

// SourceStorage persists original uploaded documents.
type SourceStorage interface {
	CreateSource(src *models.SourceDocument) error
	GetSource(id string) (*models.SourceDocument, error)
	GetSourcesByLot(lotID string) ([]*models.SourceDocument, error)
}

// PageStorage persists per-page documents and their stage results.
type PageStorage interface {
	CreatePage(page *models.PageDocument) error
	GetPage(id string) (*models.PageDocument, error)
	GetPages(ids []string) ([]*models.PageDocument, error)
	GetPagesByLot(lotID string) ([]*models.PageDocument, error)
	GetPagesByLotPaginated(lotID string, page, limit int) ([]*models.PageDocument, int, error)
	// CountByStatus returns the aggregate page-status breakdown for a lot.
	CountByStatus(lotID string) (models.PageCounts, error)
	// UpdatePageClassification marks a pending page classified. A page that
	// already left the pending state gets models.ErrPageSettled so
	// redelivered work cannot overwrite an earlier result.
	UpdatePageClassification(pageID string, result models.ClassificationResult) error
	// UpdatePageExtraction marks a classified page extracted. Terminal pages
	// get models.ErrPageSettled.
	UpdatePageExtraction(pageID string, result models.ExtractionResult) error
	// UpdatePageStatus moves a page to the given status with an optional
	// error message. Used for failure paths; transitions out of terminal
	// states are rejected silently (idempotent at-least-once writes).
	UpdatePageStatus(pageID string, status models.PageStatus, errorMessage string) error
}

// ObjectStorage stores binary artifacts: original PDFs and page documents.
type ObjectStorage interface {
	PutOriginal(lotID, fileHash string, data []byte) (string, error)
	PutPage(pageID string, data []byte) (string, error)
	GetPageBytes(pageID string) ([]byte, error)
}

// StorageManager aggregates the storage interfaces behind one handle.
type StorageManager interface {
	LotStorage() LotStorage
	SourceStorage() SourceStorage
	PageStorage() PageStorage
	Close() error
}
