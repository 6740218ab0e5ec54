package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/toolgate/toolgate/internal/core"
	"github.com/toolgate/toolgate/internal/domain"
	"github.com/toolgate/toolgate/pkg/shared/jsonrpc"
)

const maxBatchItems = 50

type batchItemParams struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type batchParams struct {
	Items       []batchItemParams `json:"items"`
	Parallel    bool              `json:"parallel"`
	StopOnError bool              `json:"stopOnError"`
	APIVersion  string            `json:"apiVersion"`
}

type batchItemResult struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Result interface{}    `json:"result,omitempty"`
	Error  *jsonrpc.Error `json:"error,omitempty"`
}

// preparedBatchItem is one item after validation. Items that fail
// validation carry their error here and skip execution entirely, so
// they never consume rate-limit or admission budget.
type preparedBatchItem struct {
	params  batchItemParams
	binding domain.ToolBinding
	invalid *jsonrpc.Error
}

// handleBatch executes several tool calls under one request. Each item
// passes the same admission and permission gates as a standalone call;
// one item failing never poisons the others' results.
func (d *Dispatcher) handleBatch(ctx context.Context, conn *Conn, req *jsonrpc.Request) *jsonrpc.Response {
	grant, errResp := d.grantFor(ctx, conn, req.ID)
	if errResp != nil {
		return errResp
	}
	if d.coord.State() != core.StateRunning {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeShuttingDown, "server is shutting down", nil)
	}

	var params batchParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid batch parameters: "+err.Error(), nil)
	}
	if len(params.Items) == 0 {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "batch requires at least one item", nil)
	}
	if len(params.Items) > maxBatchItems {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams,
			fmt.Sprintf("batch size %d exceeds the maximum of %d", len(params.Items), maxBatchItems), nil)
	}

	// Only the batch envelope itself is rejected whole. A bad individual
	// item becomes an error entry in the results and never poisons its
	// siblings.
	prepared := make([]preparedBatchItem, len(params.Items))
	for i, item := range params.Items {
		prepared[i].params = item
		if item.Name == "" {
			prepared[i].invalid = &jsonrpc.Error{
				Code:    jsonrpc.CodeInvalidParams,
				Message: fmt.Sprintf("batch item %d is missing a tool name", i),
			}
			continue
		}
		binding, err := d.registry.FindTool(ctx, item.Name)
		if err != nil {
			itemErr := &jsonrpc.Error{
				Code:    jsonrpc.CodeMethodNotFound,
				Message: fmt.Sprintf("unknown tool: %s", item.Name),
			}
			if suggestions := core.SuggestNames(item.Name, d.registry.ToolNames(), 3); len(suggestions) > 0 {
				itemErr.Data = map[string]interface{}{"didYouMean": suggestions}
			}
			prepared[i].invalid = itemErr
			continue
		}
		if !toolPermitted(grant, binding) {
			prepared[i].invalid = &jsonrpc.Error{
				Code:    jsonrpc.CodePermissionDenied,
				Message: fmt.Sprintf("permission denied for tool %s", item.Name),
			}
			continue
		}
		prepared[i].binding = binding
	}

	correlationID := "batch-" + string(normalizedID(req.ID))
	started := time.Now()

	var results []batchItemResult
	if params.Parallel {
		results = d.runBatchParallel(ctx, grant, prepared, correlationID)
	} else {
		results = d.runBatchSequential(ctx, grant, prepared, params.StopOnError, correlationID)
	}

	succeeded, failed := 0, 0
	for _, r := range results {
		if r.Status == "ok" {
			succeeded++
		} else {
			failed++
		}
	}

	d.logger.Info("Batch execution finished.",
		"items", len(params.Items),
		"executed", len(results),
		"succeeded", succeeded,
		"failed", failed,
		"parallel", params.Parallel,
		"duration", time.Since(started))

	return jsonrpc.NewResult(req.ID, map[string]interface{}{
		"results":    results,
		"succeeded":  succeeded,
		"failed":     failed,
		"durationMs": time.Since(started).Milliseconds(),
	})
}

// runBatchSequential executes items in order. With stopOnError, items
// after the first failure are never executed and do not appear in the
// results at all.
func (d *Dispatcher) runBatchSequential(ctx context.Context, grant *AuthGrant, items []preparedBatchItem, stopOnError bool, correlationID string) []batchItemResult {
	results := make([]batchItemResult, 0, len(items))
	for i, item := range items {
		if item.invalid != nil {
			results = append(results, batchItemResult{ID: item.params.ID, Status: "error", Error: item.invalid})
			if stopOnError {
				break
			}
			continue
		}
		itemCorr := fmt.Sprintf("%s/%d", correlationID, i)
		result, errResp := d.executeOnce(ctx, grant, item.binding, item.params.Arguments, core.PriorityNormal, itemCorr)
		if errResp != nil {
			results = append(results, batchItemResult{ID: item.params.ID, Status: "error", Error: errResp.Error})
			if stopOnError {
				break
			}
			continue
		}
		results = append(results, batchItemResult{ID: item.params.ID, Status: "ok", Result: result})
	}
	return results
}

// runBatchParallel executes all items concurrently. Results come back in
// submission order regardless of completion order, and every item runs
// to completion even when siblings fail.
func (d *Dispatcher) runBatchParallel(ctx context.Context, grant *AuthGrant, items []preparedBatchItem, correlationID string) []batchItemResult {
	results := make([]batchItemResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	for i, item := range items {
		if item.invalid != nil {
			results[i] = batchItemResult{ID: item.params.ID, Status: "error", Error: item.invalid}
			continue
		}
		g.Go(func() error {
			itemCorr := fmt.Sprintf("%s/%d", correlationID, i)
			result, errResp := d.executeOnce(gctx, grant, item.binding, item.params.Arguments, core.PriorityNormal, itemCorr)
			if errResp != nil {
				results[i] = batchItemResult{ID: item.params.ID, Status: "error", Error: errResp.Error}
				return nil
			}
			results[i] = batchItemResult{ID: item.params.ID, Status: "ok", Result: result}
			return nil
		})
	}
	// Workers never return errors; Wait only joins them.
	_ = g.Wait()
	return results
}
