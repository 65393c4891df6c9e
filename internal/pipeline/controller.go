package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lectern/internal/common"
	"github.com/ternarybob/lectern/internal/interfaces"
	"github.com/ternarybob/lectern/internal/models"
)

// Enqueuer is the queue surface the controller needs: durable enqueue, plus
// delayed enqueue for scheduled work.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg models.QueueMessage) error
	EnqueueDelayed(ctx context.Context, msg models.QueueMessage, delay time.Duration) error
}

// Controller owns the lot state machine. It decides per lot whether work
// goes down the immediate path or the bulk path, and advances lot status as
// stage-completion conditions are met. It never writes page results itself,
// only aggregate counts drive its decisions.
type Controller struct {
	lots      interfaces.LotStorage
	pages     interfaces.PageStorage
	classifyQ Enqueuer
	extractQ  Enqueuer
	batchQ    Enqueuer
	config    *common.Config
	logger    arbor.ILogger
	lotLocks  sync.Map
}

// NewController creates the pipeline controller
func NewController(lots interfaces.LotStorage, pages interfaces.PageStorage, classifyQ, extractQ, batchQ Enqueuer, config *common.Config, logger arbor.ILogger) *Controller {
	return &Controller{
		lots:      lots,
		pages:     pages,
		classifyQ: classifyQ,
		extractQ:  extractQ,
		batchQ:    batchQ,
		config:    config,
		logger:    logger,
	}
}

// lockFor returns the mutex serializing completion checks for one lot.
func (c *Controller) lockFor(lotID string) *sync.Mutex {
	v, _ := c.lotLocks.LoadOrStore(lotID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// OnLotUploaded moves a freshly uploaded lot into classification. The
// conditional status write makes duplicate upload notifications harmless.
func (c *Controller) OnLotUploaded(ctx context.Context, lotID string) error {
	ok, err := c.lots.SetLotStatus(lotID, models.LotStatusUploading, models.LotStatusClassifying)
	if err != nil {
		return err
	}
	if !ok {
		c.logger.Warn().Str("lot_id", lotID).Msg("Lot already dispatched, skipping")
		return nil
	}

	return c.dispatchStage(ctx, lotID, models.StageClassification)
}

// dispatchStage enqueues stage work for a lot, choosing the bulk path when
// the page count exceeds the configured threshold.
func (c *Controller) dispatchStage(ctx context.Context, lotID string, stage models.Stage) error {
	counts, err := c.pages.CountByStatus(lotID)
	if err != nil {
		return fmt.Errorf("failed to count pages for lot %s: %w", lotID, err)
	}

	if counts.Total > c.config.Pipeline.BatchThreshold {
		msg, err := models.NewQueueMessage(models.JobTypeBatchSubmit, models.BatchSubmitPayload{
			LotID: lotID,
			Stage: stage,
		})
		if err != nil {
			return err
		}
		if err := c.batchQ.Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("failed to enqueue batch submit for lot %s: %w", lotID, err)
		}

		c.logger.Info().
			Str("lot_id", lotID).
			Str("stage", string(stage)).
			Int("pages", counts.Total).
			Msg("Lot dispatched via bulk path")
		return nil
	}

	eligible, err := c.eligiblePageIDs(lotID, stage)
	if err != nil {
		return err
	}

	jobs := 0
	batchSize := c.config.Pipeline.JobBatchSize
	for start := 0; start < len(eligible); start += batchSize {
		end := start + batchSize
		if end > len(eligible) {
			end = len(eligible)
		}

		var msg models.QueueMessage
		switch stage {
		case models.StageClassification:
			msg, err = models.NewQueueMessage(models.JobTypeClassify, models.ClassifyPayload{
				LotID:   lotID,
				PageIDs: eligible[start:end],
			})
		case models.StageExtraction:
			msg, err = models.NewQueueMessage(models.JobTypeExtract, models.ExtractPayload{
				LotID:   lotID,
				PageIDs: eligible[start:end],
			})
		default:
			return fmt.Errorf("unknown stage: %s", stage)
		}
		if err != nil {
			return err
		}

		target := c.classifyQ
		if stage == models.StageExtraction {
			target = c.extractQ
		}
		if err := target.Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("failed to enqueue %s job for lot %s: %w", stage, lotID, err)
		}
		jobs++
	}

	c.logger.Info().
		Str("lot_id", lotID).
		Str("stage", string(stage)).
		Int("pages", len(eligible)).
		Int("jobs", jobs).
		Msg("Lot dispatched via immediate path")
	return nil
}

// eligiblePageIDs returns the pages a stage still has to process: pending
// for classification, classified for extraction.
func (c *Controller) eligiblePageIDs(lotID string, stage models.Stage) ([]string, error) {
	pages, err := c.pages.GetPagesByLot(lotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pages for lot %s: %w", lotID, err)
	}

	want := models.PageStatusPending
	if stage == models.StageExtraction {
		want = models.PageStatusClassified
	}

	var ids []string
	for _, p := range pages {
		if p.Status == want {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

// CheckStageCompletion runs the completion check appropriate to the stage
// that just made progress.
func (c *Controller) CheckStageCompletion(ctx context.Context, lotID string, stage models.Stage) error {
	switch stage {
	case models.StageClassification:
		return c.CheckClassificationComplete(ctx, lotID)
	case models.StageExtraction:
		return c.CheckExtractionComplete(ctx, lotID)
	default:
		return fmt.Errorf("unknown stage: %s", stage)
	}
}

// CheckClassificationComplete recounts the lot and, if every page left the
// pending state, either dispatches extraction or fails the lot. Serialized
// per lot; the conditional status write guarantees a single dispatch even
// when two workers finish at the same moment.
func (c *Controller) CheckClassificationComplete(ctx context.Context, lotID string) error {
	mu := c.lockFor(lotID)
	mu.Lock()
	defer mu.Unlock()

	counts, err := c.pages.CountByStatus(lotID)
	if err != nil {
		return fmt.Errorf("failed to count pages for lot %s: %w", lotID, err)
	}

	if !counts.ClassificationDone() {
		c.logger.Debug().
			Str("lot_id", lotID).
			Int("pending", counts.Pending).
			Int("classified", counts.Classified).
			Int("failed", counts.Failed).
			Msg("Classification stage not complete yet")
		return nil
	}

	if counts.Classified == 0 {
		ok, err := c.lots.SetLotStatus(lotID, models.LotStatusClassifying, models.LotStatusFailed)
		if err != nil {
			return err
		}
		if ok {
			c.recordPageLists(lotID, models.LotStatusFailed)
			c.logger.Warn().Str("lot_id", lotID).Int("failed", counts.Failed).Msg("Lot failed, no page classified")
		}
		return nil
	}

	ok, err := c.lots.SetLotStatus(lotID, models.LotStatusClassifying, models.LotStatusExtracting)
	if err != nil {
		return err
	}
	if !ok {
		// Another worker already advanced the lot.
		return nil
	}

	c.logger.Info().
		Str("lot_id", lotID).
		Int("classified", counts.Classified).
		Int("failed", counts.Failed).
		Msg("Classification complete, dispatching extraction")

	return c.dispatchStage(ctx, lotID, models.StageExtraction)
}

// CheckExtractionComplete recounts the lot and settles it into a terminal
// status once every page is extracted or failed.
func (c *Controller) CheckExtractionComplete(ctx context.Context, lotID string) error {
	mu := c.lockFor(lotID)
	mu.Lock()
	defer mu.Unlock()

	counts, err := c.pages.CountByStatus(lotID)
	if err != nil {
		return fmt.Errorf("failed to count pages for lot %s: %w", lotID, err)
	}

	if !counts.ExtractionDone() {
		c.logger.Debug().
			Str("lot_id", lotID).
			Int("extracted", counts.Extracted).
			Int("failed", counts.Failed).
			Int("total", counts.Total).
			Msg("Extraction stage not complete yet")
		return nil
	}

	var target models.LotStatus
	switch {
	case counts.Failed == 0:
		target = models.LotStatusCompleted
	case counts.Extracted == 0:
		target = models.LotStatusFailed
	default:
		target = models.LotStatusPartialFailure
	}

	ok, err := c.lots.SetLotStatus(lotID, models.LotStatusExtracting, target)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	c.recordPageLists(lotID, target)
	c.lotLocks.Delete(lotID)

	c.logger.Info().
		Str("lot_id", lotID).
		Str("status", string(target)).
		Int("extracted", counts.Extracted).
		Int("failed", counts.Failed).
		Msg("Lot reached terminal status")
	return nil
}

// recordPageLists captures the itemized processed/failed page id lists on
// the lot once it settles.
func (c *Controller) recordPageLists(lotID string, status models.LotStatus) {
	pages, err := c.pages.GetPagesByLot(lotID)
	if err != nil {
		c.logger.Warn().Err(err).Str("lot_id", lotID).Msg("Failed to load pages for lot summary")
		return
	}

	processed := make([]string, 0, len(pages))
	failed := make([]string, 0)
	for _, p := range pages {
		switch p.Status {
		case models.PageStatusExtracted:
			processed = append(processed, p.ID)
		case models.PageStatusFailed:
			failed = append(failed, p.ID)
		}
	}

	if err := c.lots.UpdateLotStatus(lotID, status, processed, failed); err != nil {
		c.logger.Warn().Err(err).Str("lot_id", lotID).Msg("Failed to record lot page lists")
	}
}
