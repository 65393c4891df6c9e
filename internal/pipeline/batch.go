package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lectern/internal/common"
	"github.com/ternarybob/lectern/internal/interfaces"
	"github.com/ternarybob/lectern/internal/models"
)

// BatchCoordinator is the bulk-path alternative to the immediate Classifier
// and Extractor. It chunks large page sets into bulk jobs, submits them, and
// owns the poll-until-terminal loop plus result reconciliation.
type BatchCoordinator struct {
	pages      interfaces.PageStorage
	objects    interfaces.ObjectStorage
	gateway    interfaces.InferenceGateway
	controller *Controller
	batchQ     Enqueuer
	config     *common.Config
	logger     arbor.ILogger
	pollDelay  time.Duration
}

// NewBatchCoordinator creates the bulk-path coordinator
func NewBatchCoordinator(pages interfaces.PageStorage, objects interfaces.ObjectStorage, gateway interfaces.InferenceGateway, controller *Controller, batchQ Enqueuer, config *common.Config, logger arbor.ILogger) (*BatchCoordinator, error) {
	pollDelay, err := time.ParseDuration(config.Pipeline.PollDelay)
	if err != nil {
		return nil, fmt.Errorf("invalid poll_delay duration '%s': %w", config.Pipeline.PollDelay, err)
	}

	return &BatchCoordinator{
		pages:      pages,
		objects:    objects,
		gateway:    gateway,
		controller: controller,
		batchQ:     batchQ,
		config:     config,
		logger:     logger,
		pollDelay:  pollDelay,
	}, nil
}

// Submit reads all eligible pages for the stage, groups extraction work by
// routed model, chunks each group into bulk jobs, and enqueues one poll task
// per submitted job.
func (b *BatchCoordinator) Submit(ctx context.Context, lotID string, stage models.Stage) error {
	eligible, err := b.controller.eligiblePageIDs(lotID, stage)
	if err != nil {
		return err
	}
	if len(eligible) == 0 {
		b.logger.Warn().Str("lot_id", lotID).Str("stage", string(stage)).Msg("No eligible pages for bulk submission")
		return b.controller.CheckStageCompletion(ctx, lotID, stage)
	}

	loaded, failed := loadPageItems(b.pages, b.objects, b.config.Pipeline.PageMIMEType, eligible, b.logger)
	for _, f := range failed {
		b.pages.UpdatePageStatus(f.PageID, models.PageStatusFailed, f.Error)
	}

	groups := b.groupForStage(loaded, stage)

	submitted := 0
	chunkSize := b.config.Pipeline.BatchChunkSize
	for model, group := range groups {
		for start := 0; start < len(group); start += chunkSize {
			end := start + chunkSize
			if end > len(group) {
				end = len(group)
			}
			if err := b.submitChunk(ctx, lotID, stage, model, group[start:end]); err != nil {
				return err
			}
			submitted++
		}
	}

	b.logger.Info().
		Str("lot_id", lotID).
		Str("stage", string(stage)).
		Int("pages", len(loaded)).
		Int("jobs", submitted).
		Msg("Bulk jobs submitted")

	if len(failed) > 0 {
		// Pages that never made it into a job may already settle the stage.
		return b.controller.CheckStageCompletion(ctx, lotID, stage)
	}
	return nil
}

// groupForStage groups extraction work by routed model; classification has
// no model grouping and runs entirely on the triage model.
func (b *BatchCoordinator) groupForStage(loaded []pageItem, stage models.Stage) map[string][]pageItem {
	groups := make(map[string][]pageItem)
	if stage == models.StageClassification {
		if len(loaded) > 0 {
			groups[b.config.Gemini.TriageModel] = loaded
		}
		return groups
	}

	for _, p := range loaded {
		model := p.page.AssignedModel
		if model == "" {
			model = b.config.Gemini.FlashModel
		}
		groups[model] = append(groups[model], p)
	}
	return groups
}

func (b *BatchCoordinator) submitChunk(ctx context.Context, lotID string, stage models.Stage, model string, chunk []pageItem) error {
	items := make([]interfaces.InferenceItem, len(chunk))
	ids := make([]string, len(chunk))
	for i, p := range chunk {
		items[i] = p.item
		ids[i] = p.item.PageID
	}

	prompt := classificationPrompt(1)
	displayName := fmt.Sprintf("cls-%s-%d", lotID, time.Now().UnixMilli())
	if stage == models.StageExtraction {
		prompt = extractionPrompt(1)
		displayName = fmt.Sprintf("ext-%s-%d", lotID, time.Now().UnixMilli())
	}

	handle, err := b.gateway.SubmitBatch(ctx, model, displayName, prompt, items)
	if err != nil {
		return fmt.Errorf("failed to submit bulk job for lot %s: %w", lotID, err)
	}

	msg, err := models.NewQueueMessage(models.JobTypeBatchPoll, models.BatchPollPayload{
		JobHandle:   handle,
		LotID:       lotID,
		Stage:       stage,
		PageIDs:     ids,
		PollAttempt: 1,
	})
	if err != nil {
		return err
	}
	if err := b.batchQ.EnqueueDelayed(ctx, msg, b.pollDelay); err != nil {
		return fmt.Errorf("failed to enqueue poll task for job %s: %w", handle, err)
	}

	b.logger.Info().
		Str("lot_id", lotID).
		Str("job", handle).
		Str("model", model).
		Int("pages", len(ids)).
		Msg("Bulk job chunk submitted")
	return nil
}

// Poll checks one bulk job. Still-running jobs re-enqueue themselves with
// the poll delay; succeeded jobs are reconciled page by page; failed jobs
// mark every included page failed. Every terminal outcome ends with the
// stage-completion check.
func (b *BatchCoordinator) Poll(ctx context.Context, payload models.BatchPollPayload) error {
	job, err := b.gateway.GetBatchJob(ctx, payload.JobHandle)
	if err != nil {
		// Transport errors are transient; the queue's retry policy re-polls.
		return fmt.Errorf("failed to poll bulk job %s: %w", payload.JobHandle, err)
	}

	if !job.State.Terminal() {
		max := b.config.Pipeline.MaxPollAttempts
		if max > 0 && payload.PollAttempt >= max {
			b.failPages(payload.PageIDs, fmt.Sprintf("bulk job %s still %s after %d polls", payload.JobHandle, job.State, payload.PollAttempt))
			return b.controller.CheckStageCompletion(ctx, payload.LotID, payload.Stage)
		}

		next := payload
		next.PollAttempt++
		msg, err := models.NewQueueMessage(models.JobTypeBatchPoll, next)
		if err != nil {
			return err
		}
		if err := b.batchQ.EnqueueDelayed(ctx, msg, b.pollDelay); err != nil {
			return fmt.Errorf("failed to re-enqueue poll task for job %s: %w", payload.JobHandle, err)
		}

		b.logger.Debug().
			Str("job", payload.JobHandle).
			Str("state", string(job.State)).
			Int("attempt", payload.PollAttempt).
			Msg("Bulk job still in progress")
		return nil
	}

	if job.State != interfaces.BatchStateSucceeded {
		b.logger.Warn().
			Str("job", payload.JobHandle).
			Str("state", string(job.State)).
			Int("pages", len(payload.PageIDs)).
			Msg("Bulk job ended unsuccessfully")
		b.failPages(payload.PageIDs, fmt.Sprintf("bulk job terminal state: %s", job.State))
		return b.controller.CheckStageCompletion(ctx, payload.LotID, payload.Stage)
	}

	b.reconcile(payload, job.Responses)
	return b.controller.CheckStageCompletion(ctx, payload.LotID, payload.Stage)
}

// reconcile writes per-page results from a succeeded bulk job. Responses are
// matched by the documentId the model echoes; position is the fallback when
// the echo is missing.
func (b *BatchCoordinator) reconcile(payload models.BatchPollPayload, responses []interfaces.BatchResponse) {
	known := make(map[string]bool, len(payload.PageIDs))
	for _, id := range payload.PageIDs {
		known[id] = true
	}

	settled := make(map[string]bool, len(payload.PageIDs))
	for i, resp := range responses {
		// Submission order is the fallback identity when the echo is
		// missing or bogus.
		pageID := ""
		if i < len(payload.PageIDs) {
			pageID = payload.PageIDs[i]
		}

		if resp.Err != nil {
			if pageID != "" && !settled[pageID] {
				b.pages.UpdatePageStatus(pageID, models.PageStatusFailed, resp.Err.Error())
				settled[pageID] = true
			}
			continue
		}

		if payload.Stage == models.StageClassification {
			items, err := parseClassifications(resp.Text, 1)
			if err != nil {
				if pageID != "" && !settled[pageID] {
					b.pages.UpdatePageStatus(pageID, models.PageStatusFailed, fmt.Sprintf("classification parse failed: %v", err))
					settled[pageID] = true
				}
				continue
			}
			if known[items[0].DocumentID] {
				pageID = items[0].DocumentID
			}
			// A duplicate echoed id must not overwrite the result already
			// written in this pass.
			if pageID != "" && !settled[pageID] {
				b.writeClassification(pageID, items[0])
				settled[pageID] = true
			}
		} else {
			items, err := parseExtractions(resp.Text, 1)
			if err != nil {
				if pageID != "" && !settled[pageID] {
					b.pages.UpdatePageStatus(pageID, models.PageStatusFailed, fmt.Sprintf("extraction parse failed: %v", err))
					settled[pageID] = true
				}
				continue
			}
			if known[items[0].DocumentID] {
				pageID = items[0].DocumentID
			}
			if pageID != "" && !settled[pageID] {
				b.writeExtraction(pageID, items[0])
				settled[pageID] = true
			}
		}
	}

	// Pages the job never answered for still need a terminal state.
	for _, id := range payload.PageIDs {
		if !settled[id] {
			b.pages.UpdatePageStatus(id, models.PageStatusFailed, "no response in batch results")
		}
	}

	b.logger.Info().
		Str("job", payload.JobHandle).
		Str("lot_id", payload.LotID).
		Str("stage", string(payload.Stage)).
		Int("pages", len(payload.PageIDs)).
		Msg("Bulk job reconciled")
}

func (b *BatchCoordinator) writeClassification(pageID string, item classificationItem) {
	category := models.PageCategory(item.Classification)
	result := models.ClassificationResult{
		Category:   category,
		Confidence: item.Confidence,
		Model:      modelForCategory(category, &b.config.Gemini, b.config.Pipeline.RouteMixedToPro),
	}
	if err := b.pages.UpdatePageClassification(pageID, result); err != nil {
		if errors.Is(err, models.ErrPageSettled) {
			// Re-delivered poll of an already reconciled job.
			b.logger.Debug().Str("page_id", pageID).Msg("Page already classified, ignoring reconciled result")
			return
		}
		b.logger.Error().Err(err).Str("page_id", pageID).Msg("Failed to write classification")
		b.pages.UpdatePageStatus(pageID, models.PageStatusFailed, err.Error())
	}
}

func (b *BatchCoordinator) writeExtraction(pageID string, item extractionItem) {
	result := models.ExtractionResult{
		PageID:           pageID,
		Fields:           item.Fields,
		Tables:           item.Tables,
		Metadata:         item.Metadata,
		Confidence:       item.Confidence,
		FieldConfidences: item.FieldConfidences,
	}
	if err := b.pages.UpdatePageExtraction(pageID, result); err != nil {
		if errors.Is(err, models.ErrPageSettled) {
			b.logger.Debug().Str("page_id", pageID).Msg("Page already settled, ignoring reconciled result")
			return
		}
		b.logger.Error().Err(err).Str("page_id", pageID).Msg("Failed to write extraction")
		b.pages.UpdatePageStatus(pageID, models.PageStatusFailed, err.Error())
	}
}

func (b *BatchCoordinator) failPages(pageIDs []string, message string) {
	for _, id := range pageIDs {
		b.pages.UpdatePageStatus(id, models.PageStatusFailed, message)
	}
}
