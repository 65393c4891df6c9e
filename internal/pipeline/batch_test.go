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

// drainPoll decodes the next poll message off the batch queue.
func drainPoll(t *testing.T, q *memQueue) models.BatchPollPayload {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	require.NotEmpty(t, q.delayed, "expected a delayed poll message")
	msg := q.delayed[0]
	q.delayed = q.delayed[1:]
	require.Equal(t, models.JobTypeBatchPoll, msg.Type)
	var payload models.BatchPollPayload
	require.NoError(t, msg.DecodePayload(&payload))
	return payload
}

func TestBatchCoordinator_SubmitEnqueuesPollPerChunk(t *testing.T) {
	e := newEnv()
	e.config.Pipeline.BatchChunkSize = 20
	lot, _ := e.seedLot(50)
	e.lots.SetLotStatus(lot.ID, models.LotStatusUploading, models.LotStatusClassifying)

	jobSeq := 0
	e.gateway.onSubmit = func(model, displayName, prompt string, items []interfaces.InferenceItem) (string, error) {
		jobSeq++
		return fmt.Sprintf("batches/job-%d", jobSeq), nil
	}

	require.NoError(t, e.coord.Submit(context.Background(), lot.ID, models.StageClassification))

	// 50 pages at a bulk chunk size of 20 is three jobs, each with a poll.
	require.Len(t, e.gateway.submits, 3)
	assert.Equal(t, e.config.Gemini.TriageModel, e.gateway.submits[0].model)

	e.batchQ.mu.Lock()
	polls := len(e.batchQ.delayed)
	e.batchQ.mu.Unlock()
	assert.Equal(t, 3, polls)
}

func TestBatchCoordinator_ExtractionSubmitGroupsByModel(t *testing.T) {
	e := newEnv()
	lot, ids := e.seedLot(6)
	e.lots.SetLotStatus(lot.ID, models.LotStatusUploading, models.LotStatusClassifying)
	e.classifyAll(ids[:4], models.CategoryHandwritten, e.config.Gemini.ProModel)
	e.classifyAll(ids[4:], models.CategoryTyped, e.config.Gemini.FlashModel)
	e.lots.SetLotStatus(lot.ID, models.LotStatusClassifying, models.LotStatusExtracting)

	jobSeq := 0
	e.gateway.onSubmit = func(model, displayName, prompt string, items []interfaces.InferenceItem) (string, error) {
		jobSeq++
		return fmt.Sprintf("batches/job-%d", jobSeq), nil
	}

	require.NoError(t, e.coord.Submit(context.Background(), lot.ID, models.StageExtraction))

	require.Len(t, e.gateway.submits, 2)
	pagesByModel := map[string]int{}
	for _, s := range e.gateway.submits {
		pagesByModel[s.model] += len(s.ids)
	}
	assert.Equal(t, 4, pagesByModel[e.config.Gemini.ProModel])
	assert.Equal(t, 2, pagesByModel[e.config.Gemini.FlashModel])
}

func TestBatchCoordinator_PollRunningThenSucceeded(t *testing.T) {
	// A 50-page lot goes down the bulk path; polling sees "running" twice
	// before the job succeeds, then reconciliation settles all 50 pages in
	// one pass and the stage moves on.
	e := newEnv()
	lot, ids := e.seedLot(50)
	e.lots.SetLotStatus(lot.ID, models.LotStatusUploading, models.LotStatusClassifying)

	e.gateway.onSubmit = func(model, displayName, prompt string, items []interfaces.InferenceItem) (string, error) {
		return "batches/job-1", nil
	}

	states := []interfaces.BatchState{interfaces.BatchStateRunning, interfaces.BatchStateRunning, interfaces.BatchStateSucceeded}
	call := 0
	e.gateway.onGet = func(handle string) (*interfaces.BatchJob, error) {
		state := states[call]
		call++
		job := &interfaces.BatchJob{Handle: handle, State: state}
		if state == interfaces.BatchStateSucceeded {
			for _, id := range ids {
				job.Responses = append(job.Responses, interfaces.BatchResponse{
					Text: classificationResponse([]string{id}, "typed"),
				})
			}
		}
		return job, nil
	}

	require.NoError(t, e.coord.Submit(context.Background(), lot.ID, models.StageClassification))

	payload := drainPoll(t, e.batchQ)
	assert.Equal(t, 1, payload.PollAttempt)
	require.Len(t, payload.PageIDs, 50)

	// First poll: still running, re-enqueued with incremented attempt.
	require.NoError(t, e.coord.Poll(context.Background(), payload))
	payload = drainPoll(t, e.batchQ)
	assert.Equal(t, 2, payload.PollAttempt)

	// Second poll: still running.
	require.NoError(t, e.coord.Poll(context.Background(), payload))
	payload = drainPoll(t, e.batchQ)
	assert.Equal(t, 3, payload.PollAttempt)

	// Third poll: succeeded, everything reconciles at once.
	require.NoError(t, e.coord.Poll(context.Background(), payload))

	counts, _ := e.pages.CountByStatus(lot.ID)
	assert.Equal(t, 50, counts.Classified)
	assert.Equal(t, 0, counts.Pending)

	// The completion check advanced the lot and dispatched extraction once.
	got, _ := e.lots.GetLot(lot.ID)
	assert.Equal(t, models.LotStatusExtracting, got.Status)

	e.batchQ.mu.Lock()
	extractionSubmits := 0
	for _, msg := range e.batchQ.msgs {
		if msg.Type == models.JobTypeBatchSubmit {
			extractionSubmits++
		}
	}
	e.batchQ.mu.Unlock()
	assert.Equal(t, 1, extractionSubmits)
}

func TestBatchCoordinator_CancelledJobFailsItsPages(t *testing.T) {
	// Two chunks; one is cancelled, the other succeeds. Only the cancelled
	// chunk's pages fail and the lot settles as partial_failure.
	e := newEnv()
	e.config.Pipeline.BatchChunkSize = 25
	lot, ids := e.seedLot(50)
	e.lots.SetLotStatus(lot.ID, models.LotStatusUploading, models.LotStatusClassifying)

	jobSeq := 0
	e.gateway.onSubmit = func(model, displayName, prompt string, items []interfaces.InferenceItem) (string, error) {
		jobSeq++
		return fmt.Sprintf("batches/job-%d", jobSeq), nil
	}
	e.gateway.onGet = func(handle string) (*interfaces.BatchJob, error) {
		if handle == "batches/job-1" {
			return &interfaces.BatchJob{Handle: handle, State: interfaces.BatchStateCancelled}, nil
		}
		job := &interfaces.BatchJob{Handle: handle, State: interfaces.BatchStateSucceeded}
		for _, id := range ids[25:] {
			job.Responses = append(job.Responses, interfaces.BatchResponse{
				Text: classificationResponse([]string{id}, "handwritten"),
			})
		}
		return job, nil
	}

	require.NoError(t, e.coord.Submit(context.Background(), lot.ID, models.StageClassification))

	first := drainPoll(t, e.batchQ)
	second := drainPoll(t, e.batchQ)

	require.NoError(t, e.coord.Poll(context.Background(), first))
	require.NoError(t, e.coord.Poll(context.Background(), second))

	counts, _ := e.pages.CountByStatus(lot.ID)
	assert.Equal(t, 25, counts.Failed)
	assert.Equal(t, 25, counts.Classified)

	cancelled, _ := e.pages.GetPage(first.PageIDs[0])
	assert.Contains(t, cancelled.ErrorMessage, "cancelled")

	got, _ := e.lots.GetLot(lot.ID)
	assert.Equal(t, models.LotStatusExtracting, got.Status)
}

func TestBatchCoordinator_ReconcileMatchesByEchoedID(t *testing.T) {
	e := newEnv()
	lot, ids := e.seedLot(3)
	e.lots.SetLotStatus(lot.ID, models.LotStatusUploading, models.LotStatusClassifying)

	e.gateway.onSubmit = func(model, displayName, prompt string, items []interfaces.InferenceItem) (string, error) {
		return "batches/job-1", nil
	}
	e.gateway.onGet = func(handle string) (*interfaces.BatchJob, error) {
		// Responses arrive in reverse submission order; the echoed ids
		// must still land each result on the right page.
		job := &interfaces.BatchJob{Handle: handle, State: interfaces.BatchStateSucceeded}
		categories := map[string]string{ids[0]: "handwritten", ids[1]: "typed", ids[2]: "mixed"}
		for i := len(ids) - 1; i >= 0; i-- {
			job.Responses = append(job.Responses, interfaces.BatchResponse{
				Text: classificationResponse([]string{ids[i]}, categories[ids[i]]),
			})
		}
		return job, nil
	}

	require.NoError(t, e.coord.Submit(context.Background(), lot.ID, models.StageClassification))
	payload := drainPoll(t, e.batchQ)
	require.NoError(t, e.coord.Poll(context.Background(), payload))

	p0, _ := e.pages.GetPage(ids[0])
	assert.Equal(t, models.CategoryHandwritten, p0.Classification)
	assert.Equal(t, e.config.Gemini.ProModel, p0.AssignedModel)

	p1, _ := e.pages.GetPage(ids[1])
	assert.Equal(t, models.CategoryTyped, p1.Classification)

	p2, _ := e.pages.GetPage(ids[2])
	assert.Equal(t, models.CategoryMixed, p2.Classification)
}

func TestBatchCoordinator_RedeliveredPollKeepsReconciledResults(t *testing.T) {
	// A poll message released by a dying worker comes back after the job was
	// already reconciled. The second pass must leave the classified pages
	// untouched.
	e := newEnv()
	lot, ids := e.seedLot(3)
	e.lots.SetLotStatus(lot.ID, models.LotStatusUploading, models.LotStatusClassifying)

	e.gateway.onSubmit = func(model, displayName, prompt string, items []interfaces.InferenceItem) (string, error) {
		return "batches/job-1", nil
	}
	e.gateway.onGet = func(handle string) (*interfaces.BatchJob, error) {
		job := &interfaces.BatchJob{Handle: handle, State: interfaces.BatchStateSucceeded}
		for _, id := range ids {
			job.Responses = append(job.Responses, interfaces.BatchResponse{
				Text: classificationResponse([]string{id}, "typed"),
			})
		}
		return job, nil
	}

	require.NoError(t, e.coord.Submit(context.Background(), lot.ID, models.StageClassification))
	payload := drainPoll(t, e.batchQ)

	require.NoError(t, e.coord.Poll(context.Background(), payload))
	counts, _ := e.pages.CountByStatus(lot.ID)
	require.Equal(t, 3, counts.Classified)

	require.NoError(t, e.coord.Poll(context.Background(), payload))

	counts, _ = e.pages.CountByStatus(lot.ID)
	assert.Equal(t, 3, counts.Classified)
	assert.Equal(t, 0, counts.Failed)

	p0, _ := e.pages.GetPage(ids[0])
	assert.Equal(t, models.CategoryTyped, p0.Classification)
	assert.Empty(t, p0.ErrorMessage)
}

func TestBatchCoordinator_DuplicateEchoedIDKeepsFirstResult(t *testing.T) {
	e := newEnv()
	lot, ids := e.seedLot(2)
	e.lots.SetLotStatus(lot.ID, models.LotStatusUploading, models.LotStatusClassifying)

	e.gateway.onSubmit = func(model, displayName, prompt string, items []interfaces.InferenceItem) (string, error) {
		return "batches/job-1", nil
	}
	e.gateway.onGet = func(handle string) (*interfaces.BatchJob, error) {
		// The model echoes the first page's id twice; the second page gets
		// no answer at all.
		return &interfaces.BatchJob{
			Handle: handle,
			State:  interfaces.BatchStateSucceeded,
			Responses: []interfaces.BatchResponse{
				{Text: classificationResponse([]string{ids[0]}, "handwritten")},
				{Text: classificationResponse([]string{ids[0]}, "typed")},
			},
		}, nil
	}

	require.NoError(t, e.coord.Submit(context.Background(), lot.ID, models.StageClassification))
	payload := drainPoll(t, e.batchQ)
	require.NoError(t, e.coord.Poll(context.Background(), payload))

	// The first verdict stands, the unanswered page fails.
	p0, _ := e.pages.GetPage(ids[0])
	assert.Equal(t, models.PageStatusClassified, p0.Status)
	assert.Equal(t, models.CategoryHandwritten, p0.Classification)

	p1, _ := e.pages.GetPage(ids[1])
	assert.Equal(t, models.PageStatusFailed, p1.Status)
	assert.Contains(t, p1.ErrorMessage, "no response")
}

func TestBatchCoordinator_PerItemErrorFailsOnlyThatPage(t *testing.T) {
	e := newEnv()
	lot, ids := e.seedLot(3)
	e.lots.SetLotStatus(lot.ID, models.LotStatusUploading, models.LotStatusClassifying)

	e.gateway.onSubmit = func(model, displayName, prompt string, items []interfaces.InferenceItem) (string, error) {
		return "batches/job-1", nil
	}
	e.gateway.onGet = func(handle string) (*interfaces.BatchJob, error) {
		return &interfaces.BatchJob{
			Handle: handle,
			State:  interfaces.BatchStateSucceeded,
			Responses: []interfaces.BatchResponse{
				{Text: classificationResponse([]string{ids[0]}, "typed")},
				{Err: fmt.Errorf("batch item failed: internal error")},
				{Text: classificationResponse([]string{ids[2]}, "typed")},
			},
		}, nil
	}

	require.NoError(t, e.coord.Submit(context.Background(), lot.ID, models.StageClassification))
	payload := drainPoll(t, e.batchQ)
	require.NoError(t, e.coord.Poll(context.Background(), payload))

	counts, _ := e.pages.CountByStatus(lot.ID)
	assert.Equal(t, 2, counts.Classified)
	assert.Equal(t, 1, counts.Failed)

	failed, _ := e.pages.GetPage(ids[1])
	assert.Contains(t, failed.ErrorMessage, "internal error")
}

func TestBatchCoordinator_PollCapSettlesPages(t *testing.T) {
	e := newEnv()
	e.config.Pipeline.MaxPollAttempts = 3
	lot, ids := e.seedLot(2)
	e.lots.SetLotStatus(lot.ID, models.LotStatusUploading, models.LotStatusClassifying)

	e.gateway.onGet = func(handle string) (*interfaces.BatchJob, error) {
		return &interfaces.BatchJob{Handle: handle, State: interfaces.BatchStateRunning}, nil
	}

	payload := models.BatchPollPayload{
		JobHandle:   "batches/job-stuck",
		LotID:       lot.ID,
		Stage:       models.StageClassification,
		PageIDs:     ids,
		PollAttempt: 3,
	}
	require.NoError(t, e.coord.Poll(context.Background(), payload))

	counts, _ := e.pages.CountByStatus(lot.ID)
	assert.Equal(t, 2, counts.Failed)

	got, _ := e.lots.GetLot(lot.ID)
	assert.Equal(t, models.LotStatusFailed, got.Status)
}
