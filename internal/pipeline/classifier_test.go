package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/lectern/internal/interfaces"
	"github.com/ternarybob/lectern/internal/models"
)

func TestClassifier_RoutesByCategory(t *testing.T) {
	e := newEnv()
	_, ids := e.seedLot(3)

	responses := map[string]string{
		ids[0]: "handwritten",
		ids[1]: "typed",
		ids[2]: "mixed",
	}
	e.gateway.onGenerate = func(model, prompt string, items []interfaces.InferenceItem) (string, error) {
		out := "["
		for i, item := range items {
			if i > 0 {
				out += ","
			}
			out += fmt.Sprintf(`{"documentId":%q,"classification":%q,"confidence":0.9}`, item.PageID, responses[item.PageID])
		}
		return out + "]", nil
	}

	results, err := e.classifier.ClassifyPages(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success, "page %s", r.PageID)
	}

	handwritten, _ := e.pages.GetPage(ids[0])
	assert.Equal(t, e.config.Gemini.ProModel, handwritten.AssignedModel)

	typed, _ := e.pages.GetPage(ids[1])
	assert.Equal(t, e.config.Gemini.FlashModel, typed.AssignedModel)

	// Mixed routes to flash with the default setting.
	mixed, _ := e.pages.GetPage(ids[2])
	assert.Equal(t, e.config.Gemini.FlashModel, mixed.AssignedModel)
}

func TestClassifier_MixedRoutesToProWhenConfigured(t *testing.T) {
	e := newEnv()
	e.config.Pipeline.RouteMixedToPro = true
	_, ids := e.seedLot(1)

	e.gateway.onGenerate = func(model, prompt string, items []interfaces.InferenceItem) (string, error) {
		return classificationResponse([]string{items[0].PageID}, "mixed"), nil
	}

	_, err := e.classifier.ClassifyPages(context.Background(), ids)
	require.NoError(t, err)

	page, _ := e.pages.GetPage(ids[0])
	assert.Equal(t, e.config.Gemini.ProModel, page.AssignedModel)
}

func TestClassifier_ChunksLargeBatches(t *testing.T) {
	e := newEnv()
	_, ids := e.seedLot(25)

	e.gateway.onGenerate = func(model, prompt string, items []interfaces.InferenceItem) (string, error) {
		chunkIDs := make([]string, len(items))
		for i, it := range items {
			chunkIDs[i] = it.PageID
		}
		return classificationResponse(chunkIDs, "typed"), nil
	}

	results, err := e.classifier.ClassifyPages(context.Background(), ids)
	require.NoError(t, err)
	assert.Len(t, results, 25)

	// 25 pages at a chunk size of 10 is three requests.
	require.Len(t, e.gateway.syncCalls, 3)
	assert.Len(t, e.gateway.syncCalls[0].ids, 10)
	assert.Len(t, e.gateway.syncCalls[1].ids, 10)
	assert.Len(t, e.gateway.syncCalls[2].ids, 5)
	assert.Equal(t, e.config.Gemini.TriageModel, e.gateway.syncCalls[0].model)
}

func TestClassifier_ParseFailureIsolatedToChunk(t *testing.T) {
	e := newEnv()
	_, ids := e.seedLot(15)

	call := 0
	e.gateway.onGenerate = func(model, prompt string, items []interfaces.InferenceItem) (string, error) {
		call++
		if call == 1 {
			return "this is not json", nil
		}
		chunkIDs := make([]string, len(items))
		for i, it := range items {
			chunkIDs[i] = it.PageID
		}
		return classificationResponse(chunkIDs, "typed"), nil
	}

	results, err := e.classifier.ClassifyPages(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, results, 15)

	// The first chunk of 10 failed; the second chunk of 5 succeeded.
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
			assert.Contains(t, r.Error, "parse failed")
		}
	}
	assert.Equal(t, 10, failed)

	lotID := "lot_1"
	counts, err := e.pages.CountByStatus(lotID)
	require.NoError(t, err)
	assert.Equal(t, 10, counts.Failed)
	assert.Equal(t, 5, counts.Classified)
	assert.Equal(t, 0, counts.Pending)
}

func TestClassifier_MissingArtifactFailsOnlyThatPage(t *testing.T) {
	e := newEnv()
	_, ids := e.seedLot(3)
	delete(e.objects.data, ids[1])

	e.gateway.onGenerate = func(model, prompt string, items []interfaces.InferenceItem) (string, error) {
		chunkIDs := make([]string, len(items))
		for i, it := range items {
			chunkIDs[i] = it.PageID
		}
		return classificationResponse(chunkIDs, "typed"), nil
	}

	results, err := e.classifier.ClassifyPages(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, results, 3)

	page, _ := e.pages.GetPage(ids[1])
	assert.Equal(t, models.PageStatusFailed, page.Status)

	counts, _ := e.pages.CountByStatus("lot_1")
	assert.Equal(t, 2, counts.Classified)
	assert.Equal(t, 1, counts.Failed)
}

func TestClassifier_RedeliveredJobKeepsEarlierResults(t *testing.T) {
	e := newEnv()
	_, ids := e.seedLot(3)

	e.gateway.onGenerate = func(model, prompt string, items []interfaces.InferenceItem) (string, error) {
		chunkIDs := make([]string, len(items))
		for i, it := range items {
			chunkIDs[i] = it.PageID
		}
		return classificationResponse(chunkIDs, "typed"), nil
	}

	_, err := e.classifier.ClassifyPages(context.Background(), ids)
	require.NoError(t, err)

	counts, _ := e.pages.CountByStatus("lot_1")
	require.Equal(t, 3, counts.Classified)

	// The queue redelivers the same job after a visibility timeout. The
	// classified pages keep their verdicts and nothing goes back to the
	// model.
	calls := len(e.gateway.syncCalls)
	results, err := e.classifier.ClassifyPages(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success, "page %s", r.PageID)
	}
	assert.Len(t, e.gateway.syncCalls, calls)

	counts, _ = e.pages.CountByStatus("lot_1")
	assert.Equal(t, 3, counts.Classified)
	assert.Equal(t, 0, counts.Failed)
}

func TestClassifier_RedeliveredJobClassifiesOnlyRemainingPages(t *testing.T) {
	e := newEnv()
	_, ids := e.seedLot(3)
	e.classifyAll(ids[:2], models.CategoryTyped, e.config.Gemini.FlashModel)

	e.gateway.onGenerate = func(model, prompt string, items []interfaces.InferenceItem) (string, error) {
		chunkIDs := make([]string, len(items))
		for i, it := range items {
			chunkIDs[i] = it.PageID
		}
		return classificationResponse(chunkIDs, "handwritten"), nil
	}

	// A job interrupted after two pages comes back whole; only the third
	// page is still pending.
	results, err := e.classifier.ClassifyPages(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.Len(t, e.gateway.syncCalls, 1)
	assert.Equal(t, []string{ids[2]}, e.gateway.syncCalls[0].ids)

	first, _ := e.pages.GetPage(ids[0])
	assert.Equal(t, models.CategoryTyped, first.Classification)
	third, _ := e.pages.GetPage(ids[2])
	assert.Equal(t, models.CategoryHandwritten, third.Classification)
}

func TestExtractor_GroupsByRoutedModel(t *testing.T) {
	e := newEnv()
	_, ids := e.seedLot(4)
	e.classifyAll(ids[:2], models.CategoryHandwritten, e.config.Gemini.ProModel)
	e.classifyAll(ids[2:], models.CategoryTyped, e.config.Gemini.FlashModel)

	e.gateway.onGenerate = func(model, prompt string, items []interfaces.InferenceItem) (string, error) {
		chunkIDs := make([]string, len(items))
		for i, it := range items {
			chunkIDs[i] = it.PageID
		}
		return extractionResponse(chunkIDs), nil
	}

	results, err := e.extractor.ExtractPages(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.True(t, r.Success)
	}

	// One call per model group.
	require.Len(t, e.gateway.syncCalls, 2)
	modelsSeen := map[string]int{}
	for _, call := range e.gateway.syncCalls {
		modelsSeen[call.model] += len(call.ids)
	}
	assert.Equal(t, 2, modelsSeen[e.config.Gemini.ProModel])
	assert.Equal(t, 2, modelsSeen[e.config.Gemini.FlashModel])

	counts, _ := e.pages.CountByStatus("lot_1")
	assert.Equal(t, 4, counts.Extracted)
}

func TestExtractor_UnclassifiedPageFails(t *testing.T) {
	e := newEnv()
	_, ids := e.seedLot(2)
	e.classifyAll(ids[:1], models.CategoryTyped, e.config.Gemini.FlashModel)

	e.gateway.onGenerate = func(model, prompt string, items []interfaces.InferenceItem) (string, error) {
		chunkIDs := make([]string, len(items))
		for i, it := range items {
			chunkIDs[i] = it.PageID
		}
		return extractionResponse(chunkIDs), nil
	}

	results, err := e.extractor.ExtractPages(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, results, 2)

	unclassified, _ := e.pages.GetPage(ids[1])
	assert.Equal(t, models.PageStatusFailed, unclassified.Status)
	assert.Contains(t, unclassified.ErrorMessage, "no assigned model")
}

func TestExtractor_RedeliveredJobKeepsEarlierResults(t *testing.T) {
	e := newEnv()
	_, ids := e.seedLot(2)
	e.classifyAll(ids, models.CategoryTyped, e.config.Gemini.FlashModel)

	e.gateway.onGenerate = func(model, prompt string, items []interfaces.InferenceItem) (string, error) {
		chunkIDs := make([]string, len(items))
		for i, it := range items {
			chunkIDs[i] = it.PageID
		}
		return extractionResponse(chunkIDs), nil
	}

	_, err := e.extractor.ExtractPages(context.Background(), ids)
	require.NoError(t, err)

	counts, _ := e.pages.CountByStatus("lot_1")
	require.Equal(t, 2, counts.Extracted)

	calls := len(e.gateway.syncCalls)
	results, err := e.extractor.ExtractPages(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success, "page %s", r.PageID)
	}
	assert.Len(t, e.gateway.syncCalls, calls)

	counts, _ = e.pages.CountByStatus("lot_1")
	assert.Equal(t, 2, counts.Extracted)
	assert.Equal(t, 0, counts.Failed)
}
