package ai

import (
	"context"
	"errors"
	"fmt"
)

// TextGenerator produces narrative text from a system prompt and user
// prompt. Implementations issue exactly one provider call per invocation
// (at-most-once, no internal retry) and are safe for concurrent use.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ImageGenerator produces a provider-hosted image URL for a prompt. The
// returned URL is typically time-limited and must be persisted by the
// caller before it expires.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// ProviderError is an upstream text/image generation failure: a transport
// error, a non-2xx status, or a 2xx response missing the expected payload.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderError reports whether err is (or wraps) a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
