package domain

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// InvocationDetails holds the information needed to call the upstream REST
// endpoint backing a tool. Parameters not listed as path or query params are
// candidates for the request body.
type InvocationDetails struct {
	// Host is the base URL of the upstream service (e.g. "http://localhost:8080").
	Host string `json:"host"`

	// BasePath is prepended to HTTPPath (e.g. "/api/v3").
	BasePath string `json:"base_path,omitempty"`

	// HTTPMethod is the HTTP verb (e.g. "POST", "GET").
	HTTPMethod string `json:"http_method"`

	// HTTPPath is the request path, possibly with placeholders (e.g. "/users/{userId}").
	HTTPPath string `json:"http_path"`

	// PathParams lists parameter names substituted into HTTPPath.
	PathParams []string `json:"path_params,omitempty"`

	// QueryParams lists parameter names sent as URL query arguments.
	QueryParams []string `json:"query_params,omitempty"`

	// HeaderParams defines static headers included on every request.
	HeaderParams map[string]string `json:"header_params,omitempty"`

	// ContentType for the request body. Defaults to application/json when a
	// body is present.
	ContentType string `json:"content_type,omitempty"`
}

// ToolBinding pairs an MCP tool definition with the upstream call that
// implements it and the authorization scopes gating it.
type ToolBinding struct {
	Tool    mcp.Tool
	Details InvocationDetails

	// Scopes lists scopes of which the caller must hold at least one.
	// Empty means any authenticated caller (or anyone, when auth is off).
	Scopes []string
}

// Resource is a readable document addressed by URI, backed by an upstream
// GET. URI matching is a plain table lookup plus a single trailing-segment
// placeholder; no pattern language.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`

	Details InvocationDetails `json:"-"`
}
