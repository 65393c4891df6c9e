package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lectern/internal/common"
	"github.com/ternarybob/lectern/internal/interfaces"
	"github.com/ternarybob/lectern/internal/models"
)

// Extractor runs the immediate-path extraction stage. Pages are grouped by
// their routed model so handwritten pages hit the higher-capability model
// and typed pages stay on the cheaper one.
type Extractor struct {
	pages   interfaces.PageStorage
	objects interfaces.ObjectStorage
	gateway interfaces.InferenceGateway
	config  *common.Config
	logger  arbor.ILogger
}

// NewExtractor creates a new immediate-path extractor
func NewExtractor(pages interfaces.PageStorage, objects interfaces.ObjectStorage, gateway interfaces.InferenceGateway, config *common.Config, logger arbor.ILogger) *Extractor {
	return &Extractor{
		pages:   pages,
		objects: objects,
		gateway: gateway,
		config:  config,
		logger:  logger,
	}
}

// ExtractPages extracts structured data from the given classified pages and
// returns one result entry per page.
func (e *Extractor) ExtractPages(ctx context.Context, pageIDs []string) ([]models.PageResult, error) {
	results := make([]models.PageResult, 0, len(pageIDs))

	loaded, failed := loadPageItems(e.pages, e.objects, e.config.Pipeline.PageMIMEType, pageIDs, e.logger)
	for _, f := range failed {
		e.pages.UpdatePageStatus(f.PageID, models.PageStatusFailed, f.Error)
		results = append(results, f)
	}

	// Group by routed model. Unclassified pages have no assigned model and
	// cannot be extracted; settled pages on a redelivered job keep their
	// earlier result.
	byModel := make(map[string][]pageItem)
	for _, p := range loaded {
		if p.page.Status.IsTerminal() {
			e.logger.Debug().
				Str("page_id", p.item.PageID).
				Str("status", string(p.page.Status)).
				Msg("Skipping settled page on redelivered extraction job")
			results = append(results, models.PageResult{
				PageID:  p.item.PageID,
				Success: p.page.Status == models.PageStatusExtracted,
				Error:   p.page.ErrorMessage,
			})
			continue
		}
		if p.page.AssignedModel == "" {
			msg := "not classified yet, no assigned model"
			e.pages.UpdatePageStatus(p.item.PageID, models.PageStatusFailed, msg)
			results = append(results, models.PageResult{PageID: p.item.PageID, Success: false, Error: msg})
			continue
		}
		byModel[p.page.AssignedModel] = append(byModel[p.page.AssignedModel], p)
	}

	chunkSize := e.config.Pipeline.ExtractChunkSize
	for model, group := range byModel {
		for start := 0; start < len(group); start += chunkSize {
			end := start + chunkSize
			if end > len(group) {
				end = len(group)
			}
			results = append(results, e.extractChunk(ctx, model, group[start:end])...)
		}
	}

	return results, nil
}

func (e *Extractor) extractChunk(ctx context.Context, model string, chunk []pageItem) []models.PageResult {
	items := make([]interfaces.InferenceItem, len(chunk))
	ids := make([]string, len(chunk))
	for i, p := range chunk {
		items[i] = p.item
		ids[i] = p.item.PageID
	}

	text, err := e.gateway.GenerateSync(ctx, model, extractionPrompt(len(chunk)), items)
	if err != nil {
		return e.failChunk(ids, fmt.Sprintf("extraction request failed: %v", err))
	}

	parsed, err := parseExtractions(text, len(chunk))
	if err != nil {
		return e.failChunk(ids, fmt.Sprintf("extraction parse failed: %v", err))
	}

	byID := matchByID(parsed, func(it extractionItem) string { return it.DocumentID }, ids)

	results := make([]models.PageResult, 0, len(chunk))
	for _, id := range ids {
		item := byID[id]
		result := models.ExtractionResult{
			PageID:           id,
			Fields:           item.Fields,
			Tables:           item.Tables,
			Metadata:         item.Metadata,
			Confidence:       item.Confidence,
			FieldConfidences: item.FieldConfidences,
		}

		if err := e.pages.UpdatePageExtraction(id, result); err != nil {
			if errors.Is(err, models.ErrPageSettled) {
				e.logger.Debug().Str("page_id", id).Msg("Page already settled, ignoring redelivered result")
				results = append(results, models.PageResult{PageID: id, Success: true})
				continue
			}
			e.logger.Error().Err(err).Str("page_id", id).Msg("Failed to write extraction")
			e.pages.UpdatePageStatus(id, models.PageStatusFailed, err.Error())
			results = append(results, models.PageResult{PageID: id, Success: false, Error: err.Error()})
			continue
		}

		e.logger.Debug().
			Str("page_id", id).
			Str("model", model).
			Float64("confidence", item.Confidence).
			Msg("Page extracted")
		results = append(results, models.PageResult{PageID: id, Success: true})
	}

	return results
}

func (e *Extractor) failChunk(ids []string, message string) []models.PageResult {
	e.logger.Error().Int("pages", len(ids)).Str("error", message).Msg("Extraction chunk failed")

	results := make([]models.PageResult, 0, len(ids))
	for _, id := range ids {
		e.pages.UpdatePageStatus(id, models.PageStatusFailed, message)
		results = append(results, models.PageResult{PageID: id, Success: false, Error: message})
	}
	return results
}
