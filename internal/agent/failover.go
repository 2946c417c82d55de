package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/soyeahso/calldesk/internal/llm"
	"github.com/soyeahso/calldesk/internal/logging"
)

// FailoverClient wraps an LLM registry to try fallback providers on failure.
type FailoverClient struct {
	registry *llm.Registry
	log      *logging.Logger
}

// NewFailoverClient creates a client that tries the registry's primary
// provider first, then falls back through the rest on retryable errors
// (401, 429, 5xx).
func NewFailoverClient(registry *llm.Registry, log *logging.Logger) *FailoverClient {
	return &FailoverClient{
		registry: registry,
		log:      log.Sub("failover"),
	}
}

// Name returns the provider name.
func (f *FailoverClient) Name() string { return "failover" }

// Complete tries the primary provider, falling back on retryable errors.
// Each provider answers with its own configured model.
func (f *FailoverClient) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	chain := f.registry.Chain()
	if len(chain) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}

	req.Model = ""
	var lastErr error
	for _, client := range chain {
		resp, err := client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		if isRetryable(err) {
			f.log.Warn().
				Str("provider", client.Name()).
				Err(err).
				Msg("retryable error, trying next provider")
			continue
		}

		// Non-retryable error, don't try more providers
		return nil, err
	}

	return nil, lastErr
}

// isRetryable checks if the error suggests trying another provider.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var provErr *llm.ProviderError
	if errors.As(err, &provErr) {
		switch provErr.Code {
		case 401, 403, 429, 500, 502, 503, 529:
			return true
		}
	}

	msg := err.Error()
	return strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "capacity") ||
		strings.Contains(msg, "timeout")
}
