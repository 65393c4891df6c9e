package badger

import (
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lectern/internal/common"
	"github.com/ternarybob/lectern/internal/interfaces"
	"github.com/ternarybob/lectern/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// LotStorage implements the LotStorage interface for Badger
type LotStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewLotStorage creates a new LotStorage instance
func NewLotStorage(db *BadgerDB, logger arbor.ILogger) interfaces.LotStorage {
	return &LotStorage{
		db:     db,
		logger: logger,
	}
}

func (s *LotStorage) CreateLot(totalPages int) (*models.Lot, error) {
	now := time.Now()
	lot := &models.Lot{
		ID:         common.NewLotID(),
		TotalPages: totalPages,
		Status:     models.LotStatusUploading,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.db.Store().Insert(lot.ID, lot); err != nil {
		return nil, fmt.Errorf("failed to create lot: %w", err)
	}

	s.logger.Debug().Str("lot_id", lot.ID).Int("total_pages", totalPages).Msg("Lot created")
	return lot, nil
}

func (s *LotStorage) GetLot(id string) (*models.Lot, error) {
	var lot models.Lot
	if err := s.db.Store().Get(id, &lot); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("lot not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get lot: %w", err)
	}
	return &lot, nil
}

func (s *LotStorage) ListLots() ([]*models.Lot, error) {
	var lots []models.Lot
	if err := s.db.Store().Find(&lots, badgerhold.Where("ID").Ne("").SortBy("CreatedAt").Reverse()); err != nil {
		return nil, fmt.Errorf("failed to list lots: %w", err)
	}

	result := make([]*models.Lot, len(lots))
	for i := range lots {
		result[i] = &lots[i]
	}
	return result, nil
}

func (s *LotStorage) UpdateLotStatus(id string, status models.LotStatus, processedIDs, failedIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lot models.Lot
	if err := s.db.Store().Get(id, &lot); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("lot not found: %s", id)
		}
		return fmt.Errorf("failed to get lot: %w", err)
	}

	lot.Status = status
	if processedIDs != nil {
		lot.ProcessedIDs = processedIDs
	}
	if failedIDs != nil {
		lot.FailedIDs = failedIDs
	}
	lot.UpdatedAt = time.Now()

	if err := s.db.Store().Update(id, &lot); err != nil {
		return fmt.Errorf("failed to update lot status: %w", err)
	}

	s.logger.Debug().Str("lot_id", id).Str("status", string(status)).Msg("Lot status updated")
	return nil
}

// SetLotStatus transitions the lot from expect to next. Returns false when
// the lot is no longer in the expected state, which signals the caller lost
// the race and must not dispatch.
func (s *LotStorage) SetLotStatus(id string, expect, next models.LotStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lot models.Lot
	if err := s.db.Store().Get(id, &lot); err != nil {
		if err == badgerhold.ErrNotFound {
			return false, fmt.Errorf("lot not found: %s", id)
		}
		return false, fmt.Errorf("failed to get lot: %w", err)
	}

	if lot.Status != expect {
		return false, nil
	}

	lot.Status = next
	lot.UpdatedAt = time.Now()

	if err := s.db.Store().Update(id, &lot); err != nil {
		return false, fmt.Errorf("failed to update lot status: %w", err)
	}

	s.logger.Debug().Str("lot_id", id).Str("from", string(expect)).Str("to", string(next)).Msg("Lot status transitioned")
	return true, nil
}
