package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// Stage identifies which pipeline stage a bulk job belongs to. It is a
// closed enum; code switching on it handles every constant explicitly.
type Stage string

const (
	StageClassification Stage = "classification"
	StageExtraction     Stage = "extraction"
)

// Valid reports whether the stage is one of the known constants.
func (s Stage) Valid() bool {
	return s == StageClassification || s == StageExtraction
}

// Job types routed by the worker pools.
const (
	JobTypeClassify    = "classify"
	JobTypeExtract     = "extract"
	JobTypeBatchSubmit = "batch_submit"
	JobTypeBatchPoll   = "batch_poll"
)

// QueueMessage is the envelope stored in the queue.
// Keep it simple - just enough to route the job.
type QueueMessage struct {
	Type    string          `json:"type"`    // Job type for handler routing
	Payload json.RawMessage `json:"payload"` // Job-specific data (passed through)
}

// DecodePayload unmarshals the payload into the given typed struct.
func (m QueueMessage) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// ClassifyPayload dispatches an immediate-path classification job for a
// sub-batch of a lot's pages.
type ClassifyPayload struct {
	LotID   string   `json:"lot_id"`
	PageIDs []string `json:"page_ids"`
}

// ExtractPayload dispatches an immediate-path extraction job.
type ExtractPayload struct {
	LotID   string   `json:"lot_id"`
	PageIDs []string `json:"page_ids"`
}

// BatchSubmitPayload asks the batch coordinator to submit bulk jobs for
// every eligible page of a lot at the given stage.
type BatchSubmitPayload struct {
	LotID string `json:"lot_id"`
	Stage Stage  `json:"stage"`
}

// BatchPollPayload tracks one submitted bulk job until it reaches a
// terminal state. PollAttempt counts deliveries of this payload so a
// defensive cap can be enforced.
type BatchPollPayload struct {
	JobHandle   string   `json:"job_handle"`
	LotID       string   `json:"lot_id"`
	Stage       Stage    `json:"stage"`
	PageIDs     []string `json:"page_ids"`
	PollAttempt int      `json:"poll_attempt"`
}

// NewQueueMessage wraps a typed payload in a queue envelope.
func NewQueueMessage(jobType string, payload interface{}) (QueueMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return QueueMessage{}, fmt.Errorf("failed to marshal %s payload: %w", jobType, err)
	}
	return QueueMessage{Type: jobType, Payload: data}, nil
}
