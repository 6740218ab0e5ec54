// Package staticauth resolves API keys against the set declared in
// configuration. It is the only Authorizer implementation; anything needing
// dynamic credentials would replace it behind the same interface.
package staticauth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/toolgate/toolgate/configs"
	"github.com/toolgate/toolgate/internal/core"
	"github.com/toolgate/toolgate/internal/domain"
	"github.com/toolgate/toolgate/internal/usecase"
)

// Authorizer checks keys against a fixed table loaded at startup.
type Authorizer struct {
	grants   map[string]*usecase.AuthGrant
	defaults core.Limits
	logger   *slog.Logger
}

// New builds an Authorizer from the configured key list. Keys carrying a
// rate_limit override get their own limits; the rest inherit the defaults
// at check time.
func New(keys []configs.APIKey, defaults core.Limits, logger *slog.Logger) (*Authorizer, error) {
	grants := make(map[string]*usecase.AuthGrant, len(keys))
	for i, k := range keys {
		if k.Key == "" {
			return nil, fmt.Errorf("api key entry %d has an empty key", i)
		}
		grant := &usecase.AuthGrant{Key: k.Key, Scopes: k.Scopes}
		if k.RateLimit > 0 {
			limits := defaults
			limits.MaxRequests = k.RateLimit
			if k.RateLimitWindow != "" {
				window, err := time.ParseDuration(k.RateLimitWindow)
				if err != nil {
					return nil, fmt.Errorf("api key entry %d has invalid rate_limit_window: %w", i, err)
				}
				limits.Window = window
			}
			if k.BurstLimit > 0 {
				limits.BurstLimit = k.BurstLimit
			}
			if err := limits.Validate(); err != nil {
				return nil, fmt.Errorf("api key entry %d has invalid limits: %w", i, err)
			}
			grant.RateLimit = &limits
		}
		grants[k.Key] = grant
	}
	return &Authorizer{
		grants:   grants,
		defaults: defaults,
		logger:   logger.With("component", "staticauth"),
	}, nil
}

// Authorize resolves a key to its grant. Unknown keys fail with
// domain.ErrAuthRequired; the caller decides whether anonymous access is
// acceptable before ever calling this.
func (a *Authorizer) Authorize(ctx context.Context, apiKey string) (*usecase.AuthGrant, error) {
	grant, ok := a.grants[apiKey]
	if !ok {
		a.logger.Warn("Rejected unknown API key.")
		return nil, domain.ErrAuthRequired
	}
	return grant, nil
}
