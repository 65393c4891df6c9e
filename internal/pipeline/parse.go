package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/lectern/internal/models"
)

// classificationItem is one model verdict in a classification response.
type classificationItem struct {
	DocumentID     string  `json:"documentId"`
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
}

// extractionItem is one model result in an extraction response.
type extractionItem struct {
	DocumentID       string                 `json:"documentId"`
	Fields           map[string]interface{} `json:"fields"`
	Tables           []interface{}          `json:"tables"`
	Metadata         map[string]interface{} `json:"metadata"`
	Confidence       float64                `json:"confidence"`
	FieldConfidences map[string]float64     `json:"field_confidences"`
}

// cleanResponse strips markdown code fences the model sometimes wraps around
// its JSON output.
func cleanResponse(text string) string {
	cleaned := strings.ReplaceAll(text, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	return strings.TrimSpace(cleaned)
}

// parseClassifications parses a response into exactly expectedCount verdicts.
// Wrong count or an invalid category is a hard failure for the whole chunk.
func parseClassifications(text string, expectedCount int) ([]classificationItem, error) {
	var items []classificationItem
	if err := json.Unmarshal([]byte(cleanResponse(text)), &items); err != nil {
		return nil, fmt.Errorf("response is not a JSON array: %w", err)
	}

	if len(items) != expectedCount {
		return nil, fmt.Errorf("expected %d classifications, got %d", expectedCount, len(items))
	}

	for i, item := range items {
		if !models.ValidCategory(models.PageCategory(item.Classification)) {
			return nil, fmt.Errorf("invalid classification at index %d: %q", i, item.Classification)
		}
	}

	return items, nil
}

// parseExtractions parses a response into exactly expectedCount results.
func parseExtractions(text string, expectedCount int) ([]extractionItem, error) {
	var items []extractionItem
	if err := json.Unmarshal([]byte(cleanResponse(text)), &items); err != nil {
		return nil, fmt.Errorf("response is not a JSON array: %w", err)
	}

	if len(items) != expectedCount {
		return nil, fmt.Errorf("expected %d extractions, got %d", expectedCount, len(items))
	}

	return items, nil
}

// matchByID pairs parsed items with the page ids the request was built from.
// The model echoes each documentId, so matching is by id; items whose id is
// missing or unrecognized fall back to their position. The response array
// length already equals len(pageIDs) when this is called.
func matchByID[T any](items []T, idOf func(T) string, pageIDs []string) map[string]T {
	known := make(map[string]bool, len(pageIDs))
	for _, id := range pageIDs {
		known[id] = true
	}

	matched := make(map[string]T, len(items))
	var unmatched []T
	for _, item := range items {
		id := idOf(item)
		if known[id] {
			if _, dup := matched[id]; !dup {
				matched[id] = item
				continue
			}
		}
		unmatched = append(unmatched, item)
	}

	// Positional fallback for whatever the model failed to label.
	i := 0
	for _, id := range pageIDs {
		if _, ok := matched[id]; ok {
			continue
		}
		if i < len(unmatched) {
			matched[id] = unmatched[i]
			i++
		}
	}

	return matched
}
