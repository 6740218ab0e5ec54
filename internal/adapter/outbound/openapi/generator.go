package openapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/toolgate/toolgate/internal/domain"
)

// ToolGenerator converts an OpenAPI document into tool bindings.
type ToolGenerator struct {
	// defaultHost overrides the document's servers block when set (the
	// configured upstream base URL).
	defaultHost string
	logger      *slog.Logger
}

// NewToolGenerator creates a ToolGenerator.
func NewToolGenerator(defaultHost string, logger *slog.Logger) *ToolGenerator {
	return &ToolGenerator{
		defaultHost: defaultHost,
		logger:      logger.With("component", "openapi_generator"),
	}
}

// Generate converts the parsed document into tool bindings. GET operations
// require the "read" scope, mutating operations "write".
func (g *ToolGenerator) Generate(schema domain.APISchema) ([]domain.ToolBinding, error) {
	log := g.logger.With(slog.String("source", schema.Source))
	log.Info("Generating tools from OpenAPI schema.")

	doc, ok := schema.ParsedData.(*openapi3.T)
	if !ok || doc == nil {
		return nil, fmt.Errorf("invalid or missing parsed OpenAPI document")
	}

	host, basePath, err := g.hostAndBasePath(schema.Source, doc.Servers)
	if err != nil {
		return nil, fmt.Errorf("could not determine host/basePath: %w", err)
	}

	namespace := sanitizeName(doc.Info.Title)
	if namespace == "" {
		namespace = "api"
	}
	log = log.With(slog.String("namespace", namespace), slog.String("host", host))

	var bindings []domain.ToolBinding
	generated, skipped := 0, 0
	for path, pathItem := range doc.Paths.Map() {
		if pathItem == nil {
			continue
		}
		for method, operation := range pathItem.Operations() {
			if operation == nil {
				continue
			}
			toolName := generateToolName(namespace, path, method, operation)
			opLog := log.With(slog.String("path", path), slog.String("method", method), slog.String("tool_name", toolName))

			inputSchema, pathParams, queryParams, err := g.buildInputSchema(operation)
			if err != nil {
				opLog.Warn("Skipping tool due to input schema generation error.", slog.Any("error", err))
				skipped++
				continue
			}

			description := operation.Description
			if description == "" {
				description = operation.Summary
			}
			if description == "" {
				description = fmt.Sprintf("Executes %s %s", method, path)
			}

			scope := "read"
			if method != http.MethodGet && method != http.MethodHead {
				scope = "write"
			}

			bindings = append(bindings, domain.ToolBinding{
				Tool: mcp.Tool{
					Name:        toolName,
					Description: description,
					InputSchema: *inputSchema,
				},
				Details: domain.InvocationDetails{
					Host:        host,
					BasePath:    basePath,
					HTTPMethod:  method,
					HTTPPath:    path,
					PathParams:  pathParams,
					QueryParams: queryParams,
					ContentType: "application/json",
				},
				Scopes: []string{scope},
			})
			generated++
		}
	}

	log.Info("Finished generating tools from OpenAPI schema.",
		slog.Int("generated_count", generated),
		slog.Int("skipped_count", skipped))
	return bindings, nil
}

// hostAndBasePath resolves the upstream base. The configured default host
// wins; otherwise the first suitable HTTP(S) server URL from the document,
// resolving relative URLs against the schema source.
func (g *ToolGenerator) hostAndBasePath(schemaSource string, servers openapi3.Servers) (string, string, error) {
	if g.defaultHost != "" {
		u, err := url.Parse(g.defaultHost)
		if err != nil {
			return "", "", fmt.Errorf("invalid configured upstream base URL %s: %w", g.defaultHost, err)
		}
		return fmt.Sprintf("%s://%s", u.Scheme, u.Host), strings.TrimSuffix(u.Path, "/"), nil
	}

	base, err := url.Parse(schemaSource)
	if err != nil {
		base = nil
	}
	for _, server := range servers {
		if server == nil || server.URL == "" {
			continue
		}
		parsed, err := url.Parse(server.URL)
		if err != nil {
			continue
		}
		resolved := parsed
		if !parsed.IsAbs() {
			if base == nil {
				continue
			}
			resolved = base.ResolveReference(parsed)
		}
		if (resolved.Scheme == "http" || resolved.Scheme == "https") && resolved.Host != "" {
			basePath := resolved.Path
			if len(basePath) > 1 {
				basePath = strings.TrimSuffix(basePath, "/")
			}
			return fmt.Sprintf("%s://%s", resolved.Scheme, resolved.Host), basePath, nil
		}
	}
	return "", "", fmt.Errorf("no suitable HTTP/HTTPS server URL in document and no upstream base configured")
}

// buildInputSchema flattens path/query parameters and the JSON request body
// into one object schema, and reports which names bind to path and query.
func (g *ToolGenerator) buildInputSchema(op *openapi3.Operation) (*mcp.ToolInputSchema, []string, []string, error) {
	props := make(map[string]interface{})
	var required, pathParams, queryParams []string

	for _, paramRef := range op.Parameters {
		if paramRef == nil || paramRef.Value == nil {
			continue
		}
		param := paramRef.Value
		if param.In != openapi3.ParameterInQuery && param.In != openapi3.ParameterInPath {
			continue
		}
		props[param.Name] = schemaToMap(param.Schema, param.Description)
		if param.Required || param.In == openapi3.ParameterInPath {
			required = append(required, param.Name)
		}
		if param.In == openapi3.ParameterInPath {
			pathParams = append(pathParams, param.Name)
		} else {
			queryParams = append(queryParams, param.Name)
		}
	}

	if op.RequestBody != nil && op.RequestBody.Value != nil {
		jsonContent := op.RequestBody.Value.Content.Get("application/json")
		if jsonContent != nil && jsonContent.Schema != nil && jsonContent.Schema.Value != nil {
			body := jsonContent.Schema.Value
			if body.Type != nil && body.Type.Is("object") {
				for name, propRef := range body.Properties {
					props[name] = schemaToMap(propRef, "")
				}
				required = append(required, body.Required...)
			} else {
				return nil, nil, nil, fmt.Errorf("unsupported non-object request body schema")
			}
		}
	}

	return &mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}, pathParams, queryParams, nil
}

// schemaToMap renders a schema ref as a plain JSON-schema fragment. Only the
// fields agents actually read are carried over.
func schemaToMap(ref *openapi3.SchemaRef, description string) map[string]interface{} {
	out := map[string]interface{}{"type": "string"}
	if ref != nil && ref.Value != nil {
		s := ref.Value
		if s.Type != nil && len(s.Type.Slice()) > 0 {
			out["type"] = s.Type.Slice()[0]
		}
		if s.Description != "" {
			out["description"] = s.Description
		}
		if s.Format != "" {
			out["format"] = s.Format
		}
		if len(s.Enum) > 0 {
			out["enum"] = s.Enum
		}
		if s.Items != nil && s.Items.Value != nil {
			out["items"] = schemaToMap(s.Items, "")
		}
	}
	if description != "" {
		out["description"] = description
	}
	return out
}

// generateToolName builds a unique name, preferring the operationId.
func generateToolName(namespace, path, method string, op *openapi3.Operation) string {
	if op.OperationID != "" {
		return fmt.Sprintf("%s_%s", namespace, sanitizeName(op.OperationID))
	}
	pathParts := strings.Split(strings.Trim(path, "/"), "/")
	nameParts := []string{namespace, strings.ToLower(method)}
	for _, part := range pathParts {
		if !strings.HasPrefix(part, "{") {
			nameParts = append(nameParts, sanitizeName(part))
		}
	}
	return strings.Join(nameParts, "_")
}

// sanitizeName lowercases and strips characters outside [a-z0-9_-].
func sanitizeName(in string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(in) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ', r == '.', r == '/':
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
