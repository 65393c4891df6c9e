package pipeline

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lectern/internal/interfaces"
	"github.com/ternarybob/lectern/internal/models"
	"github.com/ternarybob/lectern/internal/queue"
)

// Handlers binds the pipeline components to queue messages. Each handler
// settles its pages as failed when the queue delivers the message for the
// last time, so no page is left in a non-terminal state by retry exhaustion.
type Handlers struct {
	classifier  *Classifier
	extractor   *Extractor
	coordinator *BatchCoordinator
	controller  *Controller
	pages       interfaces.PageStorage
	logger      arbor.ILogger
}

// NewHandlers creates the queue handler set
func NewHandlers(classifier *Classifier, extractor *Extractor, coordinator *BatchCoordinator, controller *Controller, pages interfaces.PageStorage, logger arbor.ILogger) *Handlers {
	return &Handlers{
		classifier:  classifier,
		extractor:   extractor,
		coordinator: coordinator,
		controller:  controller,
		pages:       pages,
		logger:      logger,
	}
}

// Register wires the handlers onto the worker pools: classification and
// extraction jobs on their own pools, bulk submit/poll on the batch pool.
func (h *Handlers) Register(classifyPool, extractPool, batchPool *queue.WorkerPool) {
	classifyPool.RegisterHandler(models.JobTypeClassify, h.HandleClassify)
	extractPool.RegisterHandler(models.JobTypeExtract, h.HandleExtract)
	batchPool.RegisterHandler(models.JobTypeBatchSubmit, h.HandleBatchSubmit)
	batchPool.RegisterHandler(models.JobTypeBatchPoll, h.HandleBatchPoll)
}

// HandleClassify runs one immediate-path classification job.
func (h *Handlers) HandleClassify(ctx context.Context, msg models.QueueMessage, lastAttempt bool) error {
	var payload models.ClassifyPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}

	results, err := h.classifier.ClassifyPages(ctx, payload.PageIDs)
	if err != nil {
		if lastAttempt {
			h.settleFailed(payload.PageIDs, models.StageClassification, fmt.Sprintf("classification job gave up: %v", err))
			return h.controller.CheckClassificationComplete(ctx, payload.LotID)
		}
		return err
	}

	succeeded, failed := tally(results)
	h.logger.Info().
		Str("lot_id", payload.LotID).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Msg("Classification job finished")

	return h.controller.CheckClassificationComplete(ctx, payload.LotID)
}

// HandleExtract runs one immediate-path extraction job.
func (h *Handlers) HandleExtract(ctx context.Context, msg models.QueueMessage, lastAttempt bool) error {
	var payload models.ExtractPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}

	results, err := h.extractor.ExtractPages(ctx, payload.PageIDs)
	if err != nil {
		if lastAttempt {
			h.settleFailed(payload.PageIDs, models.StageExtraction, fmt.Sprintf("extraction job gave up: %v", err))
			return h.controller.CheckExtractionComplete(ctx, payload.LotID)
		}
		return err
	}

	succeeded, failed := tally(results)
	h.logger.Info().
		Str("lot_id", payload.LotID).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Msg("Extraction job finished")

	return h.controller.CheckExtractionComplete(ctx, payload.LotID)
}

// HandleBatchSubmit submits the bulk jobs for one lot stage. Submission
// failures ride the queue's backoff; on the final attempt the stage's
// remaining pages are settled as failed so the lot cannot get stuck.
func (h *Handlers) HandleBatchSubmit(ctx context.Context, msg models.QueueMessage, lastAttempt bool) error {
	var payload models.BatchSubmitPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}

	if err := h.coordinator.Submit(ctx, payload.LotID, payload.Stage); err != nil {
		if lastAttempt {
			ids, idsErr := h.controller.eligiblePageIDs(payload.LotID, payload.Stage)
			if idsErr == nil {
				h.settleFailed(ids, payload.Stage, fmt.Sprintf("bulk submission gave up: %v", err))
			}
			return h.controller.CheckStageCompletion(ctx, payload.LotID, payload.Stage)
		}
		return err
	}
	return nil
}

// HandleBatchPoll advances one bulk job's poll loop.
func (h *Handlers) HandleBatchPoll(ctx context.Context, msg models.QueueMessage, lastAttempt bool) error {
	var payload models.BatchPollPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}

	if err := h.coordinator.Poll(ctx, payload); err != nil {
		if lastAttempt {
			h.settleFailed(payload.PageIDs, payload.Stage, fmt.Sprintf("bulk job polling gave up: %v", err))
			return h.controller.CheckStageCompletion(ctx, payload.LotID, payload.Stage)
		}
		return err
	}
	return nil
}

// HandleDrop settles the pages of a message the queue dropped with its
// delivery attempts exhausted. This is the crash-on-final-attempt path: the
// handler never got to settle its pages, so without this they would sit
// pending forever and the lot could never leave the stage.
func (h *Handlers) HandleDrop(msg models.QueueMessage) {
	ctx := context.Background()

	var lotID string
	var stage models.Stage
	var pageIDs []string

	switch msg.Type {
	case models.JobTypeClassify:
		var payload models.ClassifyPayload
		if err := msg.DecodePayload(&payload); err != nil {
			h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to decode dropped message")
			return
		}
		lotID, stage, pageIDs = payload.LotID, models.StageClassification, payload.PageIDs
	case models.JobTypeExtract:
		var payload models.ExtractPayload
		if err := msg.DecodePayload(&payload); err != nil {
			h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to decode dropped message")
			return
		}
		lotID, stage, pageIDs = payload.LotID, models.StageExtraction, payload.PageIDs
	case models.JobTypeBatchSubmit:
		var payload models.BatchSubmitPayload
		if err := msg.DecodePayload(&payload); err != nil {
			h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to decode dropped message")
			return
		}
		lotID, stage = payload.LotID, payload.Stage
		if ids, err := h.controller.eligiblePageIDs(payload.LotID, payload.Stage); err == nil {
			pageIDs = ids
		}
	case models.JobTypeBatchPoll:
		var payload models.BatchPollPayload
		if err := msg.DecodePayload(&payload); err != nil {
			h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to decode dropped message")
			return
		}
		lotID, stage, pageIDs = payload.LotID, payload.Stage, payload.PageIDs
	default:
		h.logger.Warn().Str("type", msg.Type).Msg("Dropped message of unknown type")
		return
	}

	h.logger.Warn().
		Str("lot_id", lotID).
		Str("type", msg.Type).
		Int("pages", len(pageIDs)).
		Msg("Settling pages of dropped message")

	h.settleFailed(pageIDs, stage, "delivery attempts exhausted")
	if err := h.controller.CheckStageCompletion(ctx, lotID, stage); err != nil {
		h.logger.Error().Err(err).Str("lot_id", lotID).Msg("Completion check after drop failed")
	}
}

// settleFailed fails the pages a gave-up job still owes a result for. Only
// pages still at the stage's entry status are touched; pages the job already
// advanced keep their result.
func (h *Handlers) settleFailed(pageIDs []string, stage models.Stage, message string) {
	entry := models.PageStatusPending
	if stage == models.StageExtraction {
		entry = models.PageStatusClassified
	}

	for _, id := range pageIDs {
		page, err := h.pages.GetPage(id)
		if err != nil {
			h.logger.Warn().Err(err).Str("page_id", id).Msg("Failed to load page for settlement")
			continue
		}
		if page.Status != entry {
			continue
		}
		h.pages.UpdatePageStatus(id, models.PageStatusFailed, message)
	}
}

func tally(results []models.PageResult) (succeeded, failed int) {
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}
