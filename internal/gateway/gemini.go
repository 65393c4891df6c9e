package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lectern/internal/common"
	"github.com/ternarybob/lectern/internal/interfaces"
	"google.golang.org/genai"
)

// GeminiGateway implements the InferenceGateway interface against the Gemini
// API. Synchronous generation serves the immediate path; the Batches API
// serves the bulk path.
type GeminiGateway struct {
	config  *common.GeminiConfig
	logger  arbor.ILogger
	client  *genai.Client
	timeout time.Duration
}

// NewGeminiGateway creates a new Gemini gateway instance
func NewGeminiGateway(config *common.GeminiConfig, logger arbor.ILogger) (*GeminiGateway, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required (set via LECTERN_GEMINI_API_KEY or gemini.api_key in config)")
	}

	timeout, err := time.ParseDuration(config.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid gemini timeout duration '%s': %w", config.Timeout, err)
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	logger.Info().
		Str("flash_model", config.FlashModel).
		Str("pro_model", config.ProModel).
		Dur("timeout", timeout).
		Msg("Gemini gateway initialized")

	return &GeminiGateway{
		config:  config,
		logger:  logger,
		client:  client,
		timeout: timeout,
	}, nil
}

// GenerateSync sends every item in one request, each preceded by its page id
// label, with the shared prompt last. Returns the response text.
func (g *GeminiGateway) GenerateSync(ctx context.Context, model, prompt string, items []interfaces.InferenceItem) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("cannot generate with no items")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	parts := make([]*genai.Part, 0, len(items)*2+1)
	for _, item := range items {
		parts = append(parts,
			genai.NewPartFromText(fmt.Sprintf("Document ID: %s", item.PageID)),
			genai.NewPartFromBytes(item.Data, item.MIMEType),
		)
	}
	parts = append(parts, genai.NewPartFromText(prompt))

	contents := []*genai.Content{{Role: genai.RoleUser, Parts: parts}}

	startTime := time.Now()
	resp, err := g.client.Models.GenerateContent(timeoutCtx, model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}

	text := extractText(resp)
	if text == "" {
		return "", fmt.Errorf("no response generated from model %s", model)
	}

	g.logger.Debug().
		Str("model", model).
		Int("items", len(items)).
		Int("response_length", len(text)).
		Dur("duration", time.Since(startTime)).
		Msg("Synchronous generation completed")

	return text, nil
}

// SubmitBatch submits one bulk job with one request per item and returns the
// job name as handle.
func (g *GeminiGateway) SubmitBatch(ctx context.Context, model, displayName, prompt string, items []interfaces.InferenceItem) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("cannot submit empty batch")
	}

	requests := make([]*genai.InlinedRequest, 0, len(items))
	for _, item := range items {
		requests = append(requests, &genai.InlinedRequest{
			Contents: []*genai.Content{
				{
					Role: genai.RoleUser,
					Parts: []*genai.Part{
						genai.NewPartFromText(fmt.Sprintf("Document ID: %s", item.PageID)),
						genai.NewPartFromBytes(item.Data, item.MIMEType),
						genai.NewPartFromText(prompt),
					},
				},
			},
		})
	}

	job, err := g.client.Batches.Create(ctx, model,
		&genai.BatchJobSource{InlinedRequests: requests},
		&genai.CreateBatchJobConfig{DisplayName: displayName})
	if err != nil {
		return "", fmt.Errorf("failed to submit batch job: %w", err)
	}

	g.logger.Info().
		Str("job", job.Name).
		Str("model", model).
		Int("requests", len(requests)).
		Msg("Batch job submitted")

	return job.Name, nil
}

// GetBatchJob fetches the current state of a bulk job. Per-item responses
// are populated once the job succeeded, in submission order.
func (g *GeminiGateway) GetBatchJob(ctx context.Context, handle string) (*interfaces.BatchJob, error) {
	job, err := g.client.Batches.Get(ctx, handle, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch job %s: %w", handle, err)
	}

	result := &interfaces.BatchJob{
		Handle: handle,
		State:  mapJobState(job.State),
	}

	if result.State == interfaces.BatchStateSucceeded && job.Dest != nil {
		result.Responses = make([]interfaces.BatchResponse, 0, len(job.Dest.InlinedResponses))
		for _, inlined := range job.Dest.InlinedResponses {
			var br interfaces.BatchResponse
			switch {
			case inlined.Error != nil:
				br.Err = fmt.Errorf("batch item failed: %s", inlined.Error.Message)
			case inlined.Response != nil:
				br.Text = extractText(inlined.Response)
				if br.Text == "" {
					br.Err = fmt.Errorf("batch item returned no text")
				}
			default:
				br.Err = fmt.Errorf("batch item returned neither response nor error")
			}
			result.Responses = append(result.Responses, br)
		}
	}

	return result, nil
}

func mapJobState(state genai.JobState) interfaces.BatchState {
	switch state {
	case genai.JobStateSucceeded:
		return interfaces.BatchStateSucceeded
	case genai.JobStateFailed:
		return interfaces.BatchStateFailed
	case genai.JobStateCancelled:
		return interfaces.BatchStateCancelled
	case genai.JobStateExpired:
		return interfaces.BatchStateExpired
	case genai.JobStateRunning:
		return interfaces.BatchStateRunning
	default:
		return interfaces.BatchStatePending
	}
}

// extractText iterates candidates until non-empty text is found
func extractText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	if resp != nil && len(resp.Candidates) > 0 {
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					text.WriteString(part.Text)
				}
			}
			if text.Len() > 0 {
				break
			}
		}
	}
	return text.String()
}
