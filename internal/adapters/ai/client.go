package ai

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Client talks to the internal AI service: reply generation and media
// analysis. Both calls are single attempts; the workflow owns retries.
type Client struct {
	httpClient *resty.Client
	baseURL    string
}

// NewClient creates a new AI service client.
func NewClient(baseURL, apiKey string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("AI service baseURL cannot be empty")
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(60 * time.Second)
	if apiKey != "" {
		httpClient.SetAuthToken(apiKey)
	}

	log.Info().Str("baseURL", baseURL).Msg("AI service client configured")

	return &Client{httpClient: httpClient, baseURL: baseURL}, nil
}

// GenerateReply asks the AI service for the next turn of a conversation.
// A transport-level failure is an error; a refusal from the model comes
// back as a GenerationResult with Success=false.
func (c *Client) GenerateReply(summary ChatSummary) (*GenerationResult, error) {
	resp, err := c.httpClient.R().
		SetBody(&generateRequest{Chat: summary}).
		SetResult(&GenerationResult{}).
		SetError(&apiError{}).
		Post("/v1/generate")
	if err != nil {
		return nil, fmt.Errorf("AI generate request failed: %w", err)
	}
	if resp.IsError() {
		apiErr := resp.Error().(*apiError)
		return nil, fmt.Errorf("AI generate error: status %s: %s", resp.Status(), apiErr.Error)
	}

	result := resp.Result().(*GenerationResult)
	log.Debug().
		Bool("success", result.Success).
		Bool("transferToHuman", result.Metadata.TransferToHuman).
		Bool("ticketCreated", result.Metadata.TicketCreated).
		Msg("AI generation result received")
	return result, nil
}

// AnalyzeMedia extracts a transcript and summary from stored media bytes.
func (c *Client) AnalyzeMedia(data []byte, mime, filename string) (*MediaAnalysis, error) {
	resp, err := c.httpClient.R().
		SetBody(&analyzeRequest{Data: data, Mime: mime, Filename: filename}).
		SetResult(&MediaAnalysis{}).
		SetError(&apiError{}).
		Post("/v1/media/analyze")
	if err != nil {
		return nil, fmt.Errorf("AI media analysis request failed: %w", err)
	}
	if resp.IsError() {
		apiErr := resp.Error().(*apiError)
		return nil, fmt.Errorf("AI media analysis error: status %s: %s", resp.Status(), apiErr.Error)
	}

	analysis := resp.Result().(*MediaAnalysis)
	log.Debug().Str("mime", mime).Int("transcriptLen", len(analysis.Transcript)).Msg("Media analysis received")
	return analysis, nil
}
