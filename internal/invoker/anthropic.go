package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"scenarioharness/internal/config"
	"scenarioharness/internal/logging"
	"scenarioharness/internal/retry"
)

// DefaultAnthropicBaseURL is the Messages API root.
const DefaultAnthropicBaseURL = "https://api.anthropic.com/v1"

// AnthropicRequest is the Messages API request body. Temperature is always
// sent because 0 is a meaningful setting. top_p is left out since some
// models reject requests that set both.
type AnthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []AnthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
}

// AnthropicMessage represents a message.
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicResponse represents the API response.
type AnthropicResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// AnthropicInvoker calls the Anthropic Messages API over HTTP.
type AnthropicInvoker struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewAnthropicInvoker creates an invoker from provider config.
func NewAnthropicInvoker(pc config.ProviderConfig) *AnthropicInvoker {
	baseURL := strings.TrimSuffix(pc.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultAnthropicBaseURL
	}
	return &AnthropicInvoker{
		apiKey:  pc.APIKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: pc.GetTimeout(),
		},
	}
}

// Invoke sends one message and returns the concatenated text blocks.
func (c *AnthropicInvoker) Invoke(ctx context.Context, r Request) (Response, error) {
	if c.apiKey == "" {
		return Response{}, &PermanentError{Err: fmt.Errorf("API key not configured")}
	}

	startTime := time.Now()
	logging.APIDebug("[Anthropic] Invoke: model=%s prompt_len=%d temperature=%v", r.Model, len(r.Prompt), r.Temperature)

	jsonData, err := json.Marshal(AnthropicRequest{
		Model:       r.Model,
		MaxTokens:   r.MaxTokens,
		Messages:    []AnthropicMessage{{Role: "user", Content: r.Prompt}},
		Temperature: r.Temperature,
	})
	if err != nil {
		return Response{}, &PermanentError{Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return Response{}, &PermanentError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logging.APIDebug("[Anthropic] Invoke: request failed: %v", err)
		return Response{}, transportError(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, transportError(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		err := statusError(resp.StatusCode, fmt.Errorf("API request failed: %s", truncate(string(body), 512)))
		if Classify(err) == retry.Transient {
			logging.API("[Anthropic] Invoke: API returned status %d, retryable", resp.StatusCode)
		} else {
			logging.APIError("[Anthropic] Invoke: API returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
		}
		return Response{}, err
	}

	var anthropicResp AnthropicResponse
	if err := json.Unmarshal(body, &anthropicResp); err != nil {
		return Response{}, &PermanentError{Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if anthropicResp.Error != nil {
		return Response{}, &PermanentError{Err: fmt.Errorf("API error: %s", anthropicResp.Error.Message)}
	}

	var text strings.Builder
	for _, block := range anthropicResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	out := Response{
		Text:         strings.TrimSpace(text.String()),
		StopReason:   anthropicResp.StopReason,
		InputTokens:  anthropicResp.Usage.InputTokens,
		OutputTokens: anthropicResp.Usage.OutputTokens,
		RequestID:    anthropicResp.ID,
	}
	logging.APIDebug("[Anthropic] Invoke: completed in %v response_len=%d", time.Since(startTime), len(out.Text))
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
