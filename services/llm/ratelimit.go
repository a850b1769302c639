package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedClient bounds the call rate of a wrapped LLMClient.
//
// # Description
//
// Generate blocks until the limiter admits the call or ctx is done. A
// wait cut short by ctx wraps ctx.Err(), so errors.Is against
// context.DeadlineExceeded still works.
//
// # Thread Safety
//
// Safe for concurrent use; rate.Limiter is internally synchronized.
type RateLimitedClient struct {
	inner   LLMClient
	limiter *rate.Limiter
}

var _ LLMClient = (*RateLimitedClient)(nil)

// NewRateLimitedClient wraps inner with a token bucket of perSecond calls
// and the given burst. perSecond <= 0 disables limiting.
func NewRateLimitedClient(inner LLMClient, perSecond float64, burst int) *RateLimitedClient {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedClient{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Generate implements the LLMClient interface.
func (c *RateLimitedClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("waiting for llm rate limiter: %w", ctxErr)
		}
		return "", fmt.Errorf("waiting for llm rate limiter: %w", err)
	}
	return c.inner.Generate(ctx, prompt, params)
}
