// -----------------------------------------------------------------------
// Scheduler Service - Periodic sweep for stuck lots
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lectern/internal/common"
	"github.com/ternarybob/lectern/internal/interfaces"
	"github.com/ternarybob/lectern/internal/models"
	"github.com/ternarybob/lectern/internal/pipeline"
)

// Service periodically re-runs the stage-completion check on lots that have
// been in flight longer than the configured threshold. A lot only stalls when
// every message for it has been consumed without the final completion check
// landing, so the sweep is a safety net, not part of the hot path.
type Service struct {
	lots       interfaces.LotStorage
	controller *pipeline.Controller
	cron       *cron.Cron
	logger     arbor.ILogger
	schedule   string
	staleAfter time.Duration
	mu         sync.Mutex
	sweeping   bool
	running    bool
}

// NewService creates a new scheduler service
func NewService(lots interfaces.LotStorage, controller *pipeline.Controller, cfg *common.SchedulerConfig, logger arbor.ILogger) *Service {
	staleAfter, err := time.ParseDuration(cfg.StaleAfter)
	if err != nil || staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Service{
		lots:       lots,
		controller: controller,
		cron:       cron.New(),
		logger:     logger,
		schedule:   cfg.SweepSchedule,
		staleAfter: staleAfter,
	}
}

// Start registers the sweep with the cron scheduler and begins running it.
func (s *Service) Start() error {
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	schedule := s.schedule
	if schedule == "" {
		schedule = "@every 2m"
	}

	if _, err := s.cron.AddFunc(schedule, s.runSweep); err != nil {
		return fmt.Errorf("failed to add sweep to cron: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", schedule).
		Str("stale_after", s.staleAfter.String()).
		Msg("Stale-lot sweep started")
	return nil
}

// Stop halts the scheduler.
func (s *Service) Stop() error {
	if !s.running {
		return nil
	}
	s.cron.Stop()
	s.running = false
	s.logger.Info().Msg("Stale-lot sweep stopped")
	return nil
}

func (s *Service) runSweep() {
	// Skip the cycle if the previous sweep is still going.
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		return
	}
	s.sweeping = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.sweeping = false
		s.mu.Unlock()
	}()

	if err := s.SweepStaleLots(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("Stale-lot sweep failed")
	}
}

// SweepStaleLots re-checks stage completion for every in-flight lot that has
// not been updated recently. The completion check is idempotent, so rechecking
// a lot that is still legitimately working is harmless.
func (s *Service) SweepStaleLots(ctx context.Context) error {
	lots, err := s.lots.ListLots()
	if err != nil {
		return fmt.Errorf("failed to list lots: %w", err)
	}

	cutoff := time.Now().Add(-s.staleAfter)
	checked := 0
	for _, lot := range lots {
		var stage models.Stage
		switch lot.Status {
		case models.LotStatusClassifying:
			stage = models.StageClassification
		case models.LotStatusExtracting:
			stage = models.StageExtraction
		default:
			continue
		}
		if lot.UpdatedAt.After(cutoff) {
			continue
		}

		s.logger.Warn().
			Str("lot_id", lot.ID).
			Str("status", string(lot.Status)).
			Str("updated_at", lot.UpdatedAt.Format(time.RFC3339)).
			Msg("Re-checking stale lot")

		if err := s.controller.CheckStageCompletion(ctx, lot.ID, stage); err != nil {
			s.logger.Error().Err(err).Str("lot_id", lot.ID).Msg("Stale lot re-check failed")
			continue
		}
		checked++
	}

	if checked > 0 {
		s.logger.Info().Int("count", checked).Msg("Stale lots re-checked")
	}
	return nil
}
