// Package domain holds the entities shared across the gateway: tool and
// resource definitions, upstream schemas, and the sentinel errors the
// dispatcher maps onto wire error codes.
package domain

import "errors"

// Standard errors returned by use cases and adapters. The dispatcher maps
// each onto its JSON-RPC code; see pkg/shared/jsonrpc.
var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrResourceNotFound = errors.New("resource not found")
	ErrAuthRequired     = errors.New("authentication required")
	ErrScopeDenied      = errors.New("insufficient scope")
	ErrPermissionDenied = errors.New("permission denied")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrQueueTimeout     = errors.New("concurrency queue timeout")
	ErrDraining         = errors.New("server is shutting down")
	ErrExecTimeout      = errors.New("tool execution timed out")
)
