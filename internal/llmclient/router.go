package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
)

// LLMRouter implements schemas.LLMClient and routes requests to the fast or
// powerful tier. A shared rate limiter sits in front of both tiers so the
// verification cycle cannot exceed the provider's request budget no matter
// how often the engine polls.
type LLMRouter struct {
	logger  *zap.Logger
	limiter *rate.Limiter
	clients map[schemas.ModelTier]schemas.LLMClient
}

// NewLLMRouter creates a router with the given clients for each tier.
// requestsPerMinute bounds the combined request rate; zero or negative
// disables limiting.
func NewLLMRouter(logger *zap.Logger, fastClient, powerfulClient schemas.LLMClient, requestsPerMinute int) (*LLMRouter, error) {
	if fastClient == nil || powerfulClient == nil {
		return nil, fmt.Errorf("both fast and powerful tier clients must be provided")
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute)
	}

	return &LLMRouter{
		logger:  logger.Named("llm_router"),
		limiter: limiter,
		clients: map[schemas.ModelTier]schemas.LLMClient{
			schemas.TierFast:     fastClient,
			schemas.TierPowerful: powerfulClient,
		},
	}, nil
}

// Generate selects the client for the request's tier, waiting on the shared
// rate limiter first.
func (r *LLMRouter) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	tier := req.Tier
	if tier == "" {
		tier = schemas.TierPowerful // Default to the powerful tier if unspecified.
	}

	client, ok := r.clients[tier]
	if !ok {
		return "", fmt.Errorf("no LLM client configured for tier: %s", tier)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait aborted: %w", err)
	}

	r.logger.Debug("Routing oracle request", zap.String("tier", string(tier)))
	return client.Generate(ctx, req)
}

// Close closes every distinct underlying client.
func (r *LLMRouter) Close() error {
	var firstErr error
	closed := make(map[schemas.LLMClient]bool)
	for _, c := range r.clients {
		if closed[c] {
			continue
		}
		closed[c] = true
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
