package pipeline

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lectern/internal/interfaces"
	"github.com/ternarybob/lectern/internal/models"
)

// pageItem pairs a page document with its ready-to-send request item.
type pageItem struct {
	page *models.PageDocument
	item interfaces.InferenceItem
}

// loadPageItems resolves page documents and their stored artifact bytes.
// Pages that cannot be loaded come back as failure results so the caller can
// settle them without aborting the rest.
func loadPageItems(pages interfaces.PageStorage, objects interfaces.ObjectStorage, mimeType string, pageIDs []string, logger arbor.ILogger) ([]pageItem, []models.PageResult) {
	var loaded []pageItem
	var failed []models.PageResult

	for _, id := range pageIDs {
		page, err := pages.GetPage(id)
		if err != nil {
			logger.Error().Err(err).Str("page_id", id).Msg("Failed to load page document")
			failed = append(failed, models.PageResult{PageID: id, Success: false, Error: err.Error()})
			continue
		}

		if page.StoragePath == "" {
			failed = append(failed, models.PageResult{PageID: id, Success: false, Error: "no storage path"})
			continue
		}

		data, err := objects.GetPageBytes(id)
		if err != nil {
			msg := fmt.Sprintf("failed to load page artifact: %v", err)
			logger.Error().Err(err).Str("page_id", id).Msg("Failed to load page artifact")
			failed = append(failed, models.PageResult{PageID: id, Success: false, Error: msg})
			continue
		}

		loaded = append(loaded, pageItem{
			page: page,
			item: interfaces.InferenceItem{PageID: id, MIMEType: mimeType, Data: data},
		})
	}

	return loaded, failed
}
