package invoker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"scenarioharness/internal/config"
	"scenarioharness/internal/logging"
	"scenarioharness/internal/retry"
)

// =============================================================================
// GOOGLE GENAI INVOKER
// =============================================================================

// GeminiInvoker generates text through the Gemini API.
type GeminiInvoker struct {
	client *genai.Client
}

// NewGeminiInvoker creates a Gemini invoker from provider config.
func NewGeminiInvoker(ctx context.Context, pc config.ProviderConfig) (*GeminiInvoker, error) {
	if pc.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}

	timeout := pc.GetTimeout()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  pc.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: pc.BaseURL,
			Timeout: &timeout,
		},
		HTTPClient: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiInvoker{client: client}, nil
}

// Invoke generates a single candidate for the prompt.
func (g *GeminiInvoker) Invoke(ctx context.Context, r Request) (Response, error) {
	startTime := time.Now()
	logging.APIDebug("[Gemini] Invoke: model=%s prompt_len=%d temperature=%v", r.Model, len(r.Prompt), r.Temperature)

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(r.Temperature)),
		MaxOutputTokens: int32(r.MaxTokens),
	}
	if r.TopP > 0 {
		cfg.TopP = genai.Ptr(float32(r.TopP))
	}

	resp, err := g.client.Models.GenerateContent(ctx, r.Model, genai.Text(r.Prompt), cfg)
	if err != nil {
		err = classifyGenAIError(err)
		if Classify(err) == retry.Transient {
			logging.API("[Gemini] Invoke: request failed, retryable: %v", err)
		} else {
			logging.APIError("[Gemini] Invoke: request failed: %v", err)
		}
		return Response{}, err
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return Response{}, &PermanentError{Err: fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason)}
	}

	out := Response{
		Text:      strings.TrimSpace(resp.Text()),
		RequestID: resp.ResponseID,
	}
	if len(resp.Candidates) > 0 {
		out.StopReason = string(resp.Candidates[0].FinishReason)
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	logging.APIDebug("[Gemini] Invoke: completed in %v response_len=%d", time.Since(startTime), len(out.Text))
	return out, nil
}

func classifyGenAIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return statusError(apiErr.Code, err)
	}
	return transportError(err)
}
