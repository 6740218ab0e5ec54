// Package usecase implements the request pipeline of the gateway: method
// dispatch, authentication and scope gating, the tool-call admission chain,
// batch orchestration, and chunked result streaming.
package usecase

import (
	"context"
	"sync"

	"github.com/toolgate/toolgate/internal/adapter/outbound/webhook"
	"github.com/toolgate/toolgate/internal/core"
	"github.com/toolgate/toolgate/internal/domain"
)

// AuthGrant is the authorization state resolved for an API key. The scope
// "*" grants everything; the anonymous grant carries it when authentication
// is disabled.
type AuthGrant struct {
	Key       string
	Scopes    []string
	RateLimit *core.Limits // per-key override, nil for defaults
}

// HasScope reports whether the grant covers the named scope.
func (g *AuthGrant) HasScope(scope string) bool {
	for _, s := range g.Scopes {
		if s == "*" || s == scope {
			return true
		}
	}
	return false
}

// Authorizer resolves API keys to grants. Unknown keys fail with
// domain.ErrAuthRequired. Token issuance is external; this only checks.
type Authorizer interface {
	Authorize(ctx context.Context, apiKey string) (*AuthGrant, error)
}

// ToolInvoker executes the upstream call backing a tool.
type ToolInvoker interface {
	Invoke(ctx context.Context, details domain.InvocationDetails, params map[string]interface{}) (interface{}, error)
}

// WebhookDeliverer posts completion events to callback targets.
type WebhookDeliverer interface {
	Deliver(ctx context.Context, cfg webhook.Config, payload webhook.Payload) webhook.Result
}

// Sender pushes server-initiated notifications to one connected client.
// Implementations serialize writes so concurrent streams never interleave a
// single frame.
type Sender interface {
	Notify(ctx context.Context, method string, params interface{}) error
}

// Conn is the per-connection state shared by both transports: the API key,
// the grant resolved for it (cached for the connection's lifetime, including
// its rate-limit overrides), and the negotiated protocol version.
type Conn struct {
	ID     string
	sender Sender

	mu              sync.Mutex
	apiKey          string
	grant           *AuthGrant
	protocolVersion string
	initialized     bool
}

// NewConn creates connection state bound to a sender.
func NewConn(id string, sender Sender) *Conn {
	return &Conn{ID: id, sender: sender}
}

// SetAPIKey installs the credential presented at the transport layer (e.g.
// an Authorization header). An existing cached grant is discarded.
func (c *Conn) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.apiKey != key {
		c.apiKey = key
		c.grant = nil
	}
}

// APIKey returns the credential currently presented on this connection.
func (c *Conn) APIKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiKey
}

// Notify forwards a notification to the connected client.
func (c *Conn) Notify(ctx context.Context, method string, params interface{}) error {
	if c.sender == nil {
		return nil
	}
	return c.sender.Notify(ctx, method, params)
}

func (c *Conn) cachedGrant() *AuthGrant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grant
}

func (c *Conn) cacheGrant(g *AuthGrant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grant = g
}

func (c *Conn) markInitialized(protocolVersion string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = true
	c.protocolVersion = protocolVersion
}
