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

// Classifier runs the immediate-path classification stage: it loads page
// artifacts, sends them to the triage model in chunks, and writes one
// verdict per page back to storage.
type Classifier struct {
	pages   interfaces.PageStorage
	objects interfaces.ObjectStorage
	gateway interfaces.InferenceGateway
	config  *common.Config
	logger  arbor.ILogger
}

// NewClassifier creates a new immediate-path classifier
func NewClassifier(pages interfaces.PageStorage, objects interfaces.ObjectStorage, gateway interfaces.InferenceGateway, config *common.Config, logger arbor.ILogger) *Classifier {
	return &Classifier{
		pages:   pages,
		objects: objects,
		gateway: gateway,
		config:  config,
		logger:  logger,
	}
}

// ClassifyPages classifies the given pages and returns one result entry per
// page. Page-level failures are captured in the result list, never returned
// as an error; the error return is reserved for work that could not run at
// all.
func (c *Classifier) ClassifyPages(ctx context.Context, pageIDs []string) ([]models.PageResult, error) {
	results := make([]models.PageResult, 0, len(pageIDs))

	loaded, failed := loadPageItems(c.pages, c.objects, c.config.Pipeline.PageMIMEType, pageIDs, c.logger)
	for _, f := range failed {
		c.pages.UpdatePageStatus(f.PageID, models.PageStatusFailed, f.Error)
		results = append(results, f)
	}

	// Redelivered jobs carry pages that already settled; only pending pages
	// go back to the model.
	pending := make([]pageItem, 0, len(loaded))
	for _, p := range loaded {
		if p.page.Status != models.PageStatusPending {
			c.logger.Debug().
				Str("page_id", p.item.PageID).
				Str("status", string(p.page.Status)).
				Msg("Skipping settled page on redelivered classification job")
			results = append(results, models.PageResult{
				PageID:  p.item.PageID,
				Success: p.page.Status != models.PageStatusFailed,
				Error:   p.page.ErrorMessage,
			})
			continue
		}
		pending = append(pending, p)
	}

	chunkSize := c.config.Pipeline.ClassifyChunkSize
	for start := 0; start < len(pending); start += chunkSize {
		end := start + chunkSize
		if end > len(pending) {
			end = len(pending)
		}
		results = append(results, c.classifyChunk(ctx, pending[start:end])...)
	}

	return results, nil
}

// classifyChunk issues one gateway call for the chunk. A malformed response
// fails every page in the chunk; storage write failures stay per-page.
func (c *Classifier) classifyChunk(ctx context.Context, chunk []pageItem) []models.PageResult {
	items := make([]interfaces.InferenceItem, len(chunk))
	ids := make([]string, len(chunk))
	for i, p := range chunk {
		items[i] = p.item
		ids[i] = p.item.PageID
	}

	text, err := c.gateway.GenerateSync(ctx, c.config.Gemini.TriageModel, classificationPrompt(len(chunk)), items)
	if err != nil {
		return c.failChunk(ids, fmt.Sprintf("classification request failed: %v", err))
	}

	parsed, err := parseClassifications(text, len(chunk))
	if err != nil {
		return c.failChunk(ids, fmt.Sprintf("classification parse failed: %v", err))
	}

	byID := matchByID(parsed, func(it classificationItem) string { return it.DocumentID }, ids)

	results := make([]models.PageResult, 0, len(chunk))
	for _, id := range ids {
		item := byID[id]
		category := models.PageCategory(item.Classification)
		result := models.ClassificationResult{
			Category:   category,
			Confidence: item.Confidence,
			Model:      modelForCategory(category, &c.config.Gemini, c.config.Pipeline.RouteMixedToPro),
		}

		if err := c.pages.UpdatePageClassification(id, result); err != nil {
			if errors.Is(err, models.ErrPageSettled) {
				// Redelivered job, the page already holds its verdict.
				c.logger.Debug().Str("page_id", id).Msg("Page already classified, ignoring redelivered result")
				results = append(results, models.PageResult{PageID: id, Success: true})
				continue
			}
			c.logger.Error().Err(err).Str("page_id", id).Msg("Failed to write classification")
			c.pages.UpdatePageStatus(id, models.PageStatusFailed, err.Error())
			results = append(results, models.PageResult{PageID: id, Success: false, Error: err.Error()})
			continue
		}

		c.logger.Debug().
			Str("page_id", id).
			Str("classification", string(category)).
			Float64("confidence", item.Confidence).
			Str("model", result.Model).
			Msg("Page classified")
		results = append(results, models.PageResult{PageID: id, Success: true})
	}

	return results
}

func (c *Classifier) failChunk(ids []string, message string) []models.PageResult {
	c.logger.Error().Int("pages", len(ids)).Str("error", message).Msg("Classification chunk failed")

	results := make([]models.PageResult, 0, len(ids))
	for _, id := range ids {
		c.pages.UpdatePageStatus(id, models.PageStatusFailed, message)
		results = append(results, models.PageResult{PageID: id, Success: false, Error: message})
	}
	return results
}
