// Package httpinvoker executes tool invocations against the upstream REST
// backend using standard net/http.
package httpinvoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/toolgate/toolgate/internal/domain"
)

// Invoker implements the usecase.ToolInvoker interface.
type Invoker struct {
	client    *http.Client
	authToken string
	logger    *slog.Logger
}

// New creates an Invoker. authToken, when non-empty, is attached to every
// upstream request as a bearer credential.
func New(client *http.Client, authToken string, logger *slog.Logger) *Invoker {
	if client == nil {
		client = http.DefaultClient
	}
	return &Invoker{
		client:    client,
		authToken: authToken,
		logger:    logger.With("component", "http_invoker"),
	}
}

// Invoke executes the upstream HTTP call described by details, splitting
// params into path, query, and body positions.
func (i *Invoker) Invoke(ctx context.Context, details domain.InvocationDetails, params map[string]interface{}) (interface{}, error) {
	log := i.logger.With(
		slog.String("method", details.HTTPMethod),
		slog.String("path", details.HTTPPath),
		slog.String("host", details.Host),
	)

	// Path parameters.
	baseURL, err := url.Parse(details.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid host URL %s: %w", details.Host, err)
	}
	fullPath := path.Join(details.BasePath, details.HTTPPath)

	processedPath := fullPath
	remaining := make(map[string]interface{})
	for k, v := range params {
		placeholder := "{" + k + "}"
		if strings.Contains(processedPath, placeholder) {
			processedPath = strings.ReplaceAll(processedPath, placeholder, fmt.Sprintf("%v", v))
		} else {
			remaining[k] = v
		}
	}
	baseURL.Path = processedPath

	// Query parameters; the rest are body candidates.
	query := url.Values{}
	bodyParams := make(map[string]interface{})
	isQuery := make(map[string]struct{}, len(details.QueryParams))
	for _, name := range details.QueryParams {
		isQuery[name] = struct{}{}
	}
	for k, v := range remaining {
		if _, ok := isQuery[k]; ok {
			query.Add(k, fmt.Sprintf("%v", v))
		} else {
			bodyParams[k] = v
		}
	}

	// Request body, only for methods that allow one.
	var requestBody io.Reader
	contentType := details.ContentType
	bodyAllowed := details.HTTPMethod == http.MethodPost ||
		details.HTTPMethod == http.MethodPut ||
		details.HTTPMethod == http.MethodPatch
	if bodyAllowed && len(bodyParams) > 0 {
		if contentType == "" {
			contentType = "application/json"
		}
		if contentType != "application/json" {
			return nil, fmt.Errorf("cannot construct request body for Content-Type: %s", contentType)
		}
		jsonData, err := json.Marshal(bodyParams)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		requestBody = bytes.NewBuffer(jsonData)
	} else if len(bodyParams) > 0 {
		log.Warn("Parameters remain but HTTP method does not support a body.",
			slog.String("method", details.HTTPMethod),
			slog.Any("remaining_params", bodyParams))
	}

	req, err := http.NewRequestWithContext(ctx, details.HTTPMethod, baseURL.String(), requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	if requestBody != nil {
		req.Header.Set("Content-Type", contentType)
	}
	for key, value := range details.HeaderParams {
		req.Header.Set(key, value)
	}
	if i.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+i.authToken)
	}

	log = log.With(slog.String("url", req.URL.String()))
	log.Debug("Executing upstream request.")
	resp, err := i.client.Do(req)
	if err != nil {
		log.Error("Upstream request failed.", slog.Any("error", err))
		return nil, fmt.Errorf("request execution failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log = log.With(slog.Int("status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn("Upstream returned non-success status.", slog.String("body", string(respBody)))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") && len(respBody) > 0 {
		var result interface{}
		if err := json.Unmarshal(respBody, &result); err != nil {
			log.Warn("Failed to unmarshal JSON response, returning raw body as string.", slog.Any("error", err))
			return string(respBody), nil
		}
		return result, nil
	}
	return string(respBody), nil
}
