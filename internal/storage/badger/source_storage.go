package badger

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lectern/internal/interfaces"
	"github.com/ternarybob/lectern/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// SourceStorage implements the SourceStorage interface for Badger
type SourceStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSourceStorage creates a new SourceStorage instance
func NewSourceStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SourceStorage {
	return &SourceStorage{
		db:     db,
		logger: logger,
	}
}

func (s *SourceStorage) CreateSource(src *models.SourceDocument) error {
	if src.ID == "" {
		return fmt.Errorf("source document ID is required")
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now()
	}

	if err := s.db.Store().Insert(src.ID, src); err != nil {
		return fmt.Errorf("failed to create source document: %w", err)
	}
	return nil
}

func (s *SourceStorage) GetSource(id string) (*models.SourceDocument, error) {
	var src models.SourceDocument
	if err := s.db.Store().Get(id, &src); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("source document not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get source document: %w", err)
	}
	return &src, nil
}

func (s *SourceStorage) GetSourcesByLot(lotID string) ([]*models.SourceDocument, error) {
	var sources []models.SourceDocument
	if err := s.db.Store().Find(&sources, badgerhold.Where("LotID").Eq(lotID).Index("LotID")); err != nil {
		return nil, fmt.Errorf("failed to get source documents for lot: %w", err)
	}

	result := make([]*models.SourceDocument, len(sources))
	for i := range sources {
		result[i] = &sources[i]
	}
	return result, nil
}
