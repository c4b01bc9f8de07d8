// Package invoker sends a prompt to a model provider and returns its text.
//
// Errors are split into TransientError, which is worth retrying, and
// PermanentError, which is not. Classify maps them onto the outcomes of
// package retry.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"scenarioharness/internal/config"
	"scenarioharness/internal/retry"
)

// Invoker is a model-invocation transport.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Request is one generation call.
type Request struct {
	Model       string
	Prompt      string
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// Response is the provider's reply.
type Response struct {
	Text         string
	StopReason   string
	InputTokens  int
	OutputTokens int
	RequestID    string
}

// =============================================================================
// ERRORS
// =============================================================================

// TransientError is a failure expected to clear on retry: network errors,
// timeouts, rate limits and overload statuses.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failure that will not clear on retry, such as a 4xx
// response or a blocked prompt.
type PermanentError struct {
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("permanent error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransientStatus reports whether an HTTP status should be retried.
func IsTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		529: // Anthropic "overloaded"
		return true
	}
	return false
}

// statusError maps a non-2xx status to a typed error.
func statusError(code int, err error) error {
	if IsTransientStatus(code) {
		return &TransientError{StatusCode: code, Err: err}
	}
	return &PermanentError{StatusCode: code, Err: err}
}

// transportError maps a failed round trip to a typed error. Network errors
// and timeouts are transient; a cancelled caller is not.
func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return &PermanentError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}
	// Connection resets surface as plain errors from some transports.
	return &TransientError{Err: err}
}

// Classify maps an invocation error to a retry outcome. Unknown errors are
// permanent.
func Classify(err error) retry.Outcome {
	if err == nil {
		return retry.Success
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return retry.Transient
	}
	return retry.Permanent
}

// =============================================================================
// FACTORY
// =============================================================================

// NewTransport builds the bare invoker for a provider, without retries.
func NewTransport(ctx context.Context, pc config.ProviderConfig) (Invoker, error) {
	switch pc.Type {
	case config.ProviderAnthropic:
		return NewAnthropicInvoker(pc), nil
	case config.ProviderGemini:
		g, err := NewGeminiInvoker(ctx, pc)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", pc.Type)
	}
}
