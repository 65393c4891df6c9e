package interfaces

import "context"

// BatchState describes the lifecycle of a bulk inference job.
type BatchState string

const (
	BatchStatePending   BatchState = "pending"
	BatchStateRunning   BatchState = "running"
	BatchStateSucceeded BatchState = "succeeded"
	BatchStateFailed    BatchState = "failed"
	BatchStateCancelled BatchState = "cancelled"
	BatchStateExpired   BatchState = "expired"
)

// Terminal reports whether the job will make no further progress.
func (s BatchState) Terminal() bool {
	switch s {
	case BatchStateSucceeded, BatchStateFailed, BatchStateCancelled, BatchStateExpired:
		return true
	}
	return false
}

// InferenceItem is one labeled document in a request: the page id goes into
// the request as a text label so the model can echo it back in its answer.
type InferenceItem struct {
	PageID   string
	MIMEType string
	Data     []byte
}

// BatchResponse is the per-item outcome of a finished bulk job, in
// submission order.
type BatchResponse struct {
	Text string
	Err  error
}

// BatchJob is a snapshot of a bulk job's progress.
type BatchJob struct {
	Handle    string
	State     BatchState
	Responses []BatchResponse
}

// InferenceGateway abstracts the model provider. Synchronous calls serve the
// immediate path; Submit/Get serve the bulk path.
type InferenceGateway interface {
	// GenerateSync sends all items in one request with a shared prompt and
	// returns the response text covering every item.
	GenerateSync(ctx context.Context, model, prompt string, items []InferenceItem) (string, error)
	// SubmitBatch submits one bulk job with one request per item, each
	// carrying the same single-document prompt. Returns an opaque job handle.
	SubmitBatch(ctx context.Context, model, displayName, prompt string, items []InferenceItem) (string, error)
	// GetBatchJob fetches job state; responses are populated only once the
	// job succeeded.
	GetBatchJob(ctx context.Context, handle string) (*BatchJob, error)
}
