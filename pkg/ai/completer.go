// Package ai wraps the external completion service. The model itself is an
// opaque collaborator: callers hand it a system instruction, prompt parts
// (text and optionally inline image data), and a generation preset, and get
// back raw text or an error.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Part is one element of a prompt. Exactly one of Text or InlineData is set.
type Part struct {
	Text       string
	InlineData *Blob
}

// Blob carries inline binary data, such as an attached image.
type Blob struct {
	MIMEType string
	Data     []byte
}

// TextPart builds a text-only part.
func TextPart(text string) Part { return Part{Text: text} }

// GenerationConfig holds sampling parameters for one request.
type GenerationConfig struct {
	Temperature     float32
	TopP            float32
	TopK            int32
	MaxOutputTokens int32
}

// Named presets. These are part of the observable behavior contract:
// extraction must be near-deterministic, persona writing creative, chat in
// between.
var (
	ExtractionConfig = GenerationConfig{Temperature: 0.2, TopP: 0.8, TopK: 40, MaxOutputTokens: 4096}
	PersonaConfig    = GenerationConfig{Temperature: 0.9, TopP: 0.95, TopK: 64, MaxOutputTokens: 4096}
	ChatConfig       = GenerationConfig{Temperature: 0.7, TopP: 0.9, TopK: 40, MaxOutputTokens: 2048}
)

// Completer is the completion-service contract.
type Completer interface {
	Complete(ctx context.Context, systemInstruction string, parts []Part, cfg GenerationConfig) (string, error)
}

// APIError is an upstream completion-service failure. RetryAfter carries
// the service-suggested delay when the response included one.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("completion service error (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("completion service error: %s", e.Message)
}

// IsRateLimit reports whether err should be treated as a rate-limit. Both a
// structured 429 and a bare "429" in the message count, matching how the
// upstream surfaces quota errors inconsistently.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
		return true
	}
	return strings.Contains(err.Error(), "429")
}

// RetryAfterHint extracts the service-suggested retry delay, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}
