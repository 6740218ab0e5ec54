package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/internal/adapter/outbound/webhook"
	"github.com/toolgate/toolgate/internal/core"
	"github.com/toolgate/toolgate/internal/domain"
	"github.com/toolgate/toolgate/pkg/shared/jsonrpc"
)

type callToolParams struct {
	Name           string                 `json:"name"`
	Arguments      map[string]interface{} `json:"arguments"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	IdempotencyTTL int64                  `json:"idempotencyTtlMs"`
	Priority       string                 `json:"priority"`
	Stream         bool                   `json:"stream"`
	APIVersion     string                 `json:"apiVersion"`
	Webhook        *webhook.Config        `json:"webhook"`
}

// handleToolCall runs the full admission and delivery chain for one tool
// invocation: validation, idempotency lookup, rate limit, concurrency
// admission, bounded execution, then streaming/caching/webhook on the way
// out.
func (d *Dispatcher) handleToolCall(ctx context.Context, conn *Conn, req *jsonrpc.Request) *jsonrpc.Response {
	grant, errResp := d.grantFor(ctx, conn, req.ID)
	if errResp != nil {
		return errResp
	}

	if d.coord.State() != core.StateRunning {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeShuttingDown, "server is shutting down", nil)
	}

	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "missing or invalid 'name' parameter", nil)
	}
	version := d.versions.Parse(params.APIVersion)
	correlationID := uuid.NewString()
	log := d.logger.With(
		slog.String("tool", params.Name),
		slog.String("key", grant.Key),
		slog.String("correlation_id", correlationID))

	binding, err := d.registry.FindTool(ctx, params.Name)
	if err != nil {
		suggestions := core.SuggestNames(params.Name, d.registry.ToolNames(), 3)
		data := map[string]interface{}{}
		if len(suggestions) > 0 {
			data["didYouMean"] = suggestions
		}
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("unknown tool: %s", params.Name), data)
	}
	if !toolPermitted(grant, binding) {
		return jsonrpc.NewError(req.ID, jsonrpc.CodePermissionDenied,
			fmt.Sprintf("permission denied for tool %s", params.Name), nil)
	}

	// Idempotency replay happens before any admission cost is paid. Cache
	// entries are scoped to the authenticated key so one caller can never
	// read another caller's stored response.
	requestHash := core.HashRequest(params.Arguments)
	idemKey := grant.Key + "\x00" + params.IdempotencyKey
	if params.IdempotencyKey != "" {
		if cached, ok := d.idem.Lookup(idemKey, params.Name, requestHash); ok {
			var cachedErr struct {
				Error *jsonrpc.Error `json:"error"`
			}
			if err := json.Unmarshal(cached, &cachedErr); err == nil && cachedErr.Error != nil {
				log.Debug("Idempotency cache hit, replaying stored error.")
				return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: normalizedID(req.ID), Error: cachedErr.Error}
			}
			var stored map[string]interface{}
			if err := json.Unmarshal(cached, &stored); err != nil {
				log.Warn("Failed to decode cached idempotency entry, re-executing.", slog.Any("error", err))
			} else {
				stored["cached"] = true
				log.Debug("Idempotency cache hit.")
				return jsonrpc.NewResult(req.ID, d.versions.Annotate(stored, version))
			}
		}
	}

	decision := d.limiter.Check(grant.Key)
	if !decision.Allowed {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeRateLimited, "rate limit exceeded", map[string]interface{}{
			"retryAfterMs": decision.RetryAfter.Milliseconds(),
			"headers":      decision.Headers(d.limiter.Limits(grant.Key)),
		})
	}

	started := time.Now()
	result, rpcErr := d.executeOnce(ctx, grant, binding, params.Arguments, core.ParsePriority(params.Priority), correlationID)
	duration := time.Since(started)

	d.fireWebhook(params, correlationID, duration, result, rpcErr)

	if rpcErr != nil {
		// Errored completions are cached too, so replaying the key returns
		// the stored error instead of re-running the tool. Admission
		// rejections are transient and stay out of the cache.
		if params.IdempotencyKey != "" && replayableError(rpcErr.Error.Code) {
			if snapshot, err := json.Marshal(map[string]interface{}{"error": rpcErr.Error}); err == nil {
				ttl := time.Duration(params.IdempotencyTTL) * time.Millisecond
				d.idem.Store(idemKey, params.Name, requestHash, snapshot, ttl)
			}
		}
		log.Warn("Tool invocation failed.",
			slog.Int("code", rpcErr.Error.Code),
			slog.Duration("duration", duration))
		return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: normalizedID(req.ID), Error: rpcErr.Error}
	}

	// Large results are split into ordered chunk notifications; the caller
	// gets a summary referencing the stream instead of the raw data.
	var response map[string]interface{}
	if items, ok := d.streamer.ShouldStream(result, params.Stream); ok {
		summary, err := d.streamer.Stream(ctx, conn, req.ID, params.Name, items)
		if err != nil {
			log.Warn("Streaming delivery failed, falling back to inline result.", slog.Any("error", err))
			response = toolResult(result)
		} else {
			response = summary
		}
	} else {
		response = toolResult(result)
	}

	if params.IdempotencyKey != "" {
		if snapshot, err := json.Marshal(response); err == nil {
			ttl := time.Duration(params.IdempotencyTTL) * time.Millisecond
			d.idem.Store(idemKey, params.Name, requestHash, snapshot, ttl)
		}
	}

	log.Info("Tool invocation completed.", slog.Duration("duration", duration))
	return jsonrpc.NewResult(req.ID, d.versions.Annotate(response, version))
}

// rpcError pairs a wire error with enough context for webhooks.
type rpcError struct {
	Error *jsonrpc.Error
}

// executeOnce is the admission-and-execution primitive shared by tools/call
// and batch items: acquire a concurrency slot, register the operation with
// the shutdown coordinator, race the handler against the tool timeout, then
// release everything.
func (d *Dispatcher) executeOnce(
	ctx context.Context,
	grant *AuthGrant,
	binding domain.ToolBinding,
	args map[string]interface{},
	priority core.Priority,
	correlationID string,
) (interface{}, *rpcError) {
	if d.coord.State() != core.StateRunning {
		return nil, &rpcError{&jsonrpc.Error{Code: jsonrpc.CodeShuttingDown, Message: "server is shutting down"}}
	}

	if err := d.admission.Acquire(ctx, grant.Key, priority); err != nil {
		if errors.Is(err, domain.ErrQueueTimeout) {
			return nil, &rpcError{&jsonrpc.Error{
				Code:    jsonrpc.CodeConcurrencyLimit,
				Message: "concurrency limit exceeded: queue wait timed out",
				Data: map[string]interface{}{
					"active": d.admission.Active(grant.Key),
					"queued": d.admission.Queued(grant.Key),
				},
			}}
		}
		return nil, &rpcError{&jsonrpc.Error{Code: jsonrpc.CodeExecutionFailed, Message: err.Error()}}
	}
	defer d.admission.Release(grant.Key)

	execCtx, cancel := context.WithTimeout(ctx, d.opts.ToolTimeout)
	defer cancel()

	opID, err := d.coord.Begin("tools/call", correlationID, cancel)
	if err != nil {
		return nil, &rpcError{&jsonrpc.Error{Code: jsonrpc.CodeShuttingDown, Message: "server is shutting down"}}
	}
	defer d.coord.End(opID)

	result, err := d.invoker.Invoke(execCtx, binding.Details, args)
	if err != nil {
		resp := d.executionError(nil, execCtx, fmt.Sprintf("tool %s failed", binding.Tool.Name), err)
		return nil, &rpcError{resp.Error}
	}
	return result, nil
}

// fireWebhook dispatches the completion event asynchronously. Failures are
// the notifier's problem; they never block or fail the primary response.
func (d *Dispatcher) fireWebhook(params callToolParams, correlationID string, duration time.Duration, result interface{}, rpcErr *rpcError) {
	cfg := d.opts.WebhookDefault
	if params.Webhook != nil {
		cfg = *params.Webhook
	} else if !d.opts.WebhookEnabled {
		return
	}
	if cfg.URL == "" {
		return
	}

	payload := webhook.Payload{
		Event:         "tool.completed",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		CorrelationID: correlationID,
		Tool:          params.Name,
		Status:        "success",
		DurationMS:    duration.Milliseconds(),
		Result:        result,
	}
	if rpcErr != nil {
		payload.Status = "error"
		payload.Result = nil
		payload.Error = &webhook.PayloadError{Code: rpcErr.Error.Code, Message: rpcErr.Error.Message}
	}

	go func() {
		// Detached from the request context: delivery must outlive the
		// triggering request.
		res := d.notifier.Deliver(context.Background(), cfg, payload)
		if !res.Success {
			d.logger.Warn("Webhook delivery failed.",
				slog.String("url", cfg.URL),
				slog.String("correlation_id", correlationID),
				slog.Int("attempts", res.Attempts),
				slog.Any("error", res.Err))
		}
	}()
}

// replayableError reports whether an error code describes a finished
// invocation. Only those are pinned under an idempotency key; rate-limit,
// concurrency and shutdown rejections must stay retryable.
func replayableError(code int) bool {
	return code == jsonrpc.CodeExecutionFailed || code == jsonrpc.CodeExecTimeout
}

// toolPermitted checks the binding's scopes against the grant. Unscoped
// tools are open to any caller that passed authentication.
func toolPermitted(grant *AuthGrant, binding domain.ToolBinding) bool {
	if len(binding.Scopes) == 0 {
		return true
	}
	for _, s := range binding.Scopes {
		if grant.HasScope(s) {
			return true
		}
	}
	return false
}

// toolResult wraps an upstream result in the response envelope.
func toolResult(result interface{}) map[string]interface{} {
	return map[string]interface{}{"data": result}
}

func normalizedID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
