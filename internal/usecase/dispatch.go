package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolgate/toolgate/internal/adapter/outbound/webhook"
	"github.com/toolgate/toolgate/internal/core"
	"github.com/toolgate/toolgate/internal/domain"
	"github.com/toolgate/toolgate/pkg/shared/jsonrpc"
)

// anonymousKey buckets unauthenticated traffic. All shared state is keyed by
// API key; anonymous callers share one bucket.
const anonymousKey = "anonymous"

// Options carries the dispatcher's request-handling configuration.
type Options struct {
	ServerName    string
	ServerVersion string

	AuthRequired bool
	ToolTimeout  time.Duration

	WebhookEnabled bool
	WebhookDefault webhook.Config
}

// Dispatcher is the top-level router: it parses methods, runs the auth and
// admission chain, and orchestrates execution, streaming, caching, and
// webhook delivery.
type Dispatcher struct {
	registry  *domain.Registry
	auth      Authorizer
	limiter   *core.RateLimiter
	admission *core.Admission
	idem      *core.IdempotencyCache
	coord     *core.Coordinator
	versions  *core.VersionNegotiator
	invoker   ToolInvoker
	notifier  WebhookDeliverer
	streamer  *Streamer
	opts      Options
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewDispatcher wires the pipeline together.
func NewDispatcher(
	registry *domain.Registry,
	auth Authorizer,
	limiter *core.RateLimiter,
	admission *core.Admission,
	idem *core.IdempotencyCache,
	coord *core.Coordinator,
	versions *core.VersionNegotiator,
	invoker ToolInvoker,
	notifier WebhookDeliverer,
	streamer *Streamer,
	opts Options,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		auth:      auth,
		limiter:   limiter,
		admission: admission,
		idem:      idem,
		coord:     coord,
		versions:  versions,
		invoker:   invoker,
		notifier:  notifier,
		streamer:  streamer,
		opts:      opts,
		logger:    logger.With("component", "dispatcher"),
		tracer:    otel.Tracer("toolgate/dispatcher"),
	}
}

// HandleMessage processes one raw frame and returns the response to send,
// or nil for notifications. A single bad request never takes the process
// down; every failure maps to a structured error response.
func (d *Dispatcher) HandleMessage(ctx context.Context, conn *Conn, raw []byte) *jsonrpc.Response {
	req, perr := jsonrpc.ParseRequest(raw)
	if perr != nil {
		d.logger.Warn("Failed to parse incoming frame.", slog.String("conn", conn.ID), slog.Any("error", perr))
		return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: json.RawMessage("null"), Error: perr}
	}

	ctx, span := d.tracer.Start(ctx, "rpc "+req.Method,
		trace.WithAttributes(attribute.String("rpc.method", req.Method), attribute.String("conn.id", conn.ID)))
	defer span.End()

	log := d.logger.With(slog.String("method", req.Method), slog.String("conn", conn.ID))
	log.Debug("Dispatching request.")

	switch req.Method {
	case "initialize":
		return d.handleInitialize(ctx, conn, req)
	case "initialized", "notifications/initialized":
		// Notification, no response.
		return nil
	case "ping":
		return jsonrpc.NewResult(req.ID, map[string]interface{}{})
	case "tools/list":
		return d.handleToolsList(ctx, conn, req)
	case "tools/call":
		return d.handleToolCall(ctx, conn, req)
	case "tools/call-batch":
		return d.handleBatch(ctx, conn, req)
	case "resources/list":
		return d.handleResourcesList(ctx, conn, req)
	case "resources/read":
		return d.handleResourceRead(ctx, conn, req)
	default:
		if req.IsNotification() {
			log.Debug("Ignoring unknown notification.")
			return nil
		}
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	APIKey          string                 `json:"apiKey"`
	ClientInfo      map[string]interface{} `json:"clientInfo"`
}

func (d *Dispatcher) handleInitialize(ctx context.Context, conn *Conn, req *jsonrpc.Request) *jsonrpc.Response {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid initialize params", nil)
		}
	}
	if params.APIKey != "" {
		conn.SetAPIKey(params.APIKey)
	}

	// Resolve the grant now so bad credentials fail the handshake instead of
	// the first tool call.
	if _, errResp := d.grantFor(ctx, conn, req.ID); errResp != nil {
		return errResp
	}

	conn.markInitialized(params.ProtocolVersion)
	d.logger.Info("Client initialized.",
		slog.String("conn", conn.ID),
		slog.Any("client_info", params.ClientInfo))

	return jsonrpc.NewResult(req.ID, map[string]interface{}{
		"protocolVersion": params.ProtocolVersion,
		"serverInfo": map[string]interface{}{
			"name":    d.opts.ServerName,
			"version": d.opts.ServerVersion,
		},
		"capabilities": map[string]interface{}{
			"tools":     map[string]interface{}{"listChanged": false},
			"resources": map[string]interface{}{},
			"streaming": d.streamer.Enabled(),
		},
		"apiVersion": d.versions.Default(),
	})
}

func (d *Dispatcher) handleToolsList(ctx context.Context, conn *Conn, req *jsonrpc.Request) *jsonrpc.Response {
	_, errResp := d.grantFor(ctx, conn, req.ID)
	if errResp != nil {
		return errResp
	}
	version := d.parseVersionHint(req.Params)
	result := map[string]interface{}{"tools": d.registry.ListTools(ctx)}
	return jsonrpc.NewResult(req.ID, d.versions.Annotate(result, version))
}

func (d *Dispatcher) handleResourcesList(ctx context.Context, conn *Conn, req *jsonrpc.Request) *jsonrpc.Response {
	grant, errResp := d.grantFor(ctx, conn, req.ID)
	if errResp != nil {
		return errResp
	}
	if !grant.HasScope("read") {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeScopeDenied, "insufficient scope: read required", nil)
	}
	version := d.parseVersionHint(req.Params)
	result := map[string]interface{}{"resources": d.registry.ListResources(ctx)}
	return jsonrpc.NewResult(req.ID, d.versions.Annotate(result, version))
}

type resourceReadParams struct {
	URI        string `json:"uri"`
	APIVersion string `json:"apiVersion"`
}

func (d *Dispatcher) handleResourceRead(ctx context.Context, conn *Conn, req *jsonrpc.Request) *jsonrpc.Response {
	grant, errResp := d.grantFor(ctx, conn, req.ID)
	if errResp != nil {
		return errResp
	}
	if !grant.HasScope("read") {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeScopeDenied, "insufficient scope: read required", nil)
	}

	var params resourceReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "missing or invalid 'uri' parameter", nil)
	}

	res, err := d.registry.FindResource(ctx, params.URI)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeAuthRequired, fmt.Sprintf("resource not found: %s", params.URI), nil)
	}

	if d.coord.State() != core.StateRunning {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeShuttingDown, "server is shutting down", nil)
	}

	execCtx, cancel := context.WithTimeout(ctx, d.opts.ToolTimeout)
	defer cancel()
	data, err := d.invoker.Invoke(execCtx, res.Details, nil)
	if err != nil {
		return d.executionError(req.ID, execCtx, fmt.Sprintf("failed to read resource %s", params.URI), err)
	}

	version := d.versions.Parse(params.APIVersion)
	result := map[string]interface{}{
		"contents": []interface{}{map[string]interface{}{
			"uri":      params.URI,
			"mimeType": res.MimeType,
			"data":     data,
		}},
	}
	return jsonrpc.NewResult(req.ID, d.versions.Annotate(result, version))
}

// grantFor resolves (and caches) the connection's grant. Authentication is
// evaluated lazily so transports can attach keys either at connect time or
// on initialize.
func (d *Dispatcher) grantFor(ctx context.Context, conn *Conn, id json.RawMessage) (*AuthGrant, *jsonrpc.Response) {
	if g := conn.cachedGrant(); g != nil {
		return g, nil
	}

	key := conn.APIKey()
	if key == "" {
		if d.opts.AuthRequired {
			return nil, jsonrpc.NewError(id, jsonrpc.CodeAuthRequired, "authentication required", nil)
		}
		g := &AuthGrant{Key: anonymousKey, Scopes: []string{"*"}}
		conn.cacheGrant(g)
		return g, nil
	}

	grant, err := d.auth.Authorize(ctx, key)
	if err != nil {
		d.logger.Warn("Authorization failed.", slog.String("conn", conn.ID), slog.Any("error", err))
		return nil, jsonrpc.NewError(id, jsonrpc.CodeAuthRequired, "authentication required", nil)
	}
	// Per-key limit overrides are fetched once and cached for the
	// connection's lifetime.
	if grant.RateLimit != nil {
		d.limiter.SetLimits(grant.Key, *grant.RateLimit)
	}
	conn.cacheGrant(grant)
	return grant, nil
}

// parseVersionHint extracts an apiVersion hint from request params without
// failing on absent or malformed params.
func (d *Dispatcher) parseVersionHint(raw json.RawMessage) string {
	if len(raw) == 0 {
		return d.versions.Parse("")
	}
	var hint struct {
		APIVersion string `json:"apiVersion"`
	}
	_ = json.Unmarshal(raw, &hint)
	return d.versions.Parse(hint.APIVersion)
}

// executionError maps a handler failure onto the wire taxonomy: timeout,
// drain abort, or generic execution failure with tool context.
func (d *Dispatcher) executionError(id json.RawMessage, execCtx context.Context, contextMsg string, err error) *jsonrpc.Response {
	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return jsonrpc.NewError(id, jsonrpc.CodeExecTimeout,
			fmt.Sprintf("%s: execution timed out after %s", contextMsg, d.opts.ToolTimeout), nil)
	case errors.Is(execCtx.Err(), context.Canceled):
		return jsonrpc.NewError(id, jsonrpc.CodeShuttingDown,
			fmt.Sprintf("%s: aborted by server shutdown", contextMsg), nil)
	default:
		return jsonrpc.NewError(id, jsonrpc.CodeExecutionFailed,
			fmt.Sprintf("%s: %v", contextMsg, err), nil)
	}
}
