// Package openapi fetches OpenAPI documents and turns their operations into
// tool bindings for the registry.
package openapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/toolgate/toolgate/internal/domain"
)

// SchemaFetcher loads OpenAPI schemas from a URL or local file path.
type SchemaFetcher struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSchemaFetcher creates a SchemaFetcher.
func NewSchemaFetcher(client *http.Client, logger *slog.Logger) *SchemaFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &SchemaFetcher{
		httpClient: client,
		logger:     logger.With("component", "openapi_fetcher"),
	}
}

// Fetch loads and parses an OpenAPI schema.
func (f *SchemaFetcher) Fetch(ctx context.Context, src string) (domain.APISchema, error) {
	log := f.logger.With(slog.String("source", src))
	log.Info("Fetching OpenAPI schema.")

	var rawData []byte
	u, parseErr := url.ParseRequestURI(src)
	if parseErr == nil && (u.Scheme == "http" || u.Scheme == "https") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return domain.APISchema{}, fmt.Errorf("failed to create request for %s: %w", src, err)
		}
		resp, err := f.httpClient.Do(req)
		if err != nil {
			return domain.APISchema{}, fmt.Errorf("failed to fetch schema from URL %s: %w", src, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return domain.APISchema{}, fmt.Errorf("failed to fetch schema from URL %s: status %s", src, resp.Status)
		}
		rawData, err = io.ReadAll(resp.Body)
		if err != nil {
			return domain.APISchema{}, fmt.Errorf("failed to read response body from %s: %w", src, err)
		}
	} else {
		var err error
		rawData, err = os.ReadFile(src)
		if err != nil {
			return domain.APISchema{}, fmt.Errorf("failed to read schema from file %s: %w", src, err)
		}
	}

	loader := &openapi3.Loader{Context: ctx, IsExternalRefsAllowed: true}
	doc, err := loader.LoadFromData(rawData)
	if err != nil {
		return domain.APISchema{}, fmt.Errorf("failed to parse OpenAPI schema from %s: %w", src, err)
	}
	if doc.Paths == nil || doc.Paths.Len() == 0 {
		log.Warn("Schema parsed but defines no paths.")
	}

	return domain.APISchema{
		Source:     src,
		Type:       domain.SchemaTypeOpenAPI,
		RawData:    rawData,
		ParsedData: doc,
	}, nil
}
