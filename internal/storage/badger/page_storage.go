package badger

import (
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lectern/internal/interfaces"
	"github.com/ternarybob/lectern/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// PageStorage implements the PageStorage interface for Badger
type PageStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewPageStorage creates a new PageStorage instance
func NewPageStorage(db *BadgerDB, logger arbor.ILogger) interfaces.PageStorage {
	return &PageStorage{
		db:     db,
		logger: logger,
	}
}

func (s *PageStorage) CreatePage(page *models.PageDocument) error {
	if page.ID == "" {
		return fmt.Errorf("page document ID is required")
	}

	now := time.Now()
	if page.CreatedAt.IsZero() {
		page.CreatedAt = now
	}
	page.UpdatedAt = now
	if page.Status == "" {
		page.Status = models.PageStatusPending
	}

	if err := s.db.Store().Insert(page.ID, page); err != nil {
		return fmt.Errorf("failed to create page document: %w", err)
	}
	return nil
}

func (s *PageStorage) GetPage(id string) (*models.PageDocument, error) {
	var page models.PageDocument
	if err := s.db.Store().Get(id, &page); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("page document not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get page document: %w", err)
	}
	return &page, nil
}

func (s *PageStorage) GetPages(ids []string) ([]*models.PageDocument, error) {
	result := make([]*models.PageDocument, 0, len(ids))
	for _, id := range ids {
		page, err := s.GetPage(id)
		if err != nil {
			return nil, err
		}
		result = append(result, page)
	}
	return result, nil
}

func (s *PageStorage) GetPagesByLot(lotID string) ([]*models.PageDocument, error) {
	var pages []models.PageDocument
	if err := s.db.Store().Find(&pages, badgerhold.Where("LotID").Eq(lotID).Index("LotID").SortBy("PageNumber")); err != nil {
		return nil, fmt.Errorf("failed to get page documents for lot: %w", err)
	}

	result := make([]*models.PageDocument, len(pages))
	for i := range pages {
		result[i] = &pages[i]
	}
	return result, nil
}

func (s *PageStorage) GetPagesByLotPaginated(lotID string, page, limit int) ([]*models.PageDocument, int, error) {
	all, err := s.GetPagesByLot(lotID)
	if err != nil {
		return nil, 0, err
	}

	total := len(all)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	start := (page - 1) * limit
	if start >= total {
		return []*models.PageDocument{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// CountByStatus tallies every page in the lot into the per-status breakdown.
// The counts always sum to the total, which is what the completion checks
// compare against.
func (s *PageStorage) CountByStatus(lotID string) (models.PageCounts, error) {
	pages, err := s.GetPagesByLot(lotID)
	if err != nil {
		return models.PageCounts{}, err
	}

	counts := models.PageCounts{Total: len(pages)}
	for _, p := range pages {
		switch p.Status {
		case models.PageStatusPending:
			counts.Pending++
		case models.PageStatusClassified:
			counts.Classified++
		case models.PageStatusExtracted:
			counts.Extracted++
		case models.PageStatusFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

func (s *PageStorage) UpdatePageClassification(pageID string, result models.ClassificationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, err := s.GetPage(pageID)
	if err != nil {
		return err
	}

	if !page.Status.CanTransitionTo(models.PageStatusClassified) {
		// Every non-pending status is already at or past classification, so
		// a rejected write here means redelivered work, not an error.
		return fmt.Errorf("page %s in status %s: %w", pageID, page.Status, models.ErrPageSettled)
	}

	page.Status = models.PageStatusClassified
	page.Classification = result.Category
	page.Confidence = result.Confidence
	page.AssignedModel = result.Model
	page.UpdatedAt = time.Now()

	if err := s.db.Store().Update(pageID, page); err != nil {
		return fmt.Errorf("failed to update page classification: %w", err)
	}
	return nil
}

func (s *PageStorage) UpdatePageExtraction(pageID string, result models.ExtractionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, err := s.GetPage(pageID)
	if err != nil {
		return err
	}

	if !page.Status.CanTransitionTo(models.PageStatusExtracted) {
		if page.Status.IsTerminal() {
			return fmt.Errorf("page %s in status %s: %w", pageID, page.Status, models.ErrPageSettled)
		}
		return fmt.Errorf("page %s cannot be extracted in status %s", pageID, page.Status)
	}

	page.Status = models.PageStatusExtracted
	page.ExtractedData = map[string]interface{}{
		"fields":     result.Fields,
		"tables":     result.Tables,
		"metadata":   result.Metadata,
		"confidence": result.Confidence,
	}
	page.FieldConfidences = result.FieldConfidences
	page.UpdatedAt = time.Now()

	if err := s.db.Store().Update(pageID, page); err != nil {
		return fmt.Errorf("failed to update page extraction: %w", err)
	}
	return nil
}

// UpdatePageStatus is used for failure marking. Writes against a page that
// already reached a terminal state are ignored so redelivered work cannot
// overwrite a finished page.
func (s *PageStorage) UpdatePageStatus(pageID string, status models.PageStatus, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, err := s.GetPage(pageID)
	if err != nil {
		return err
	}

	if !page.Status.CanTransitionTo(status) {
		s.logger.Debug().
			Str("page_id", pageID).
			Str("current", string(page.Status)).
			Str("requested", string(status)).
			Msg("Ignoring page status write against settled page")
		return nil
	}

	page.Status = status
	page.ErrorMessage = errorMessage
	page.UpdatedAt = time.Now()

	if err := s.db.Store().Update(pageID, page); err != nil {
		return fmt.Errorf("failed to update page status: %w", err)
	}
	return nil
}
