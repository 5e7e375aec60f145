// Package assistant implements the two LLM-backed features: conversational
// Q&A about a selected book and blended recommendations from a small
// selection. Both are request/forward/parse proxies with capped retries;
// they hold no state and never drive the bookshelf store.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"libris/pkg/ai"
)

const (
	maxAttempts = 3
	baseBackoff = time.Second

	chatTemperature = 0.7
)

// Assistant proxies conversations and recommendation requests to the LLM
// provider.
type Assistant struct {
	generator ai.ChatGenerator
	sleep     func(time.Duration)
}

// New builds an Assistant on the given generator.
func New(generator ai.ChatGenerator) *Assistant {
	return &Assistant{
		generator: generator,
		sleep:     time.Sleep,
	}
}

// generate runs one request with capped attempts and exponential backoff.
func (a *Assistant) generate(ctx context.Context, messages []ai.Message, opts ai.GenerateOptions) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		text, err := a.generator.GenerateChat(ctx, messages, opts)
		if err == nil {
			return text, nil
		}
		lastErr = err
		slog.Warn("assistant generation attempt failed", "attempt", attempt, "err", err)
		if attempt < maxAttempts {
			a.sleep(baseBackoff << (attempt - 1))
		}
	}
	return "", fmt.Errorf("assistant generation failed after %d attempts: %w", maxAttempts, lastErr)
}

func formatAuthors(authors []string) string {
	if len(authors) == 0 {
		return "Unknown"
	}
	return strings.Join(authors, ", ")
}
