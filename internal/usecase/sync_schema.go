package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/toolgate/toolgate/internal/domain"
)

// SchemaFetcher retrieves an API schema from a URL or local file path.
type SchemaFetcher interface {
	Fetch(ctx context.Context, src string) (domain.APISchema, error)
}

// ToolGenerator turns a fetched schema into invokable tool bindings.
type ToolGenerator interface {
	Generate(schema domain.APISchema) ([]domain.ToolBinding, error)
}

// SyncSchemaUseCase orchestrates fetching a schema source, generating tool
// bindings from it, and publishing them to the registry.
type SyncSchemaUseCase struct {
	fetcher   SchemaFetcher
	generator ToolGenerator
	registry  *domain.Registry
	logger    *slog.Logger
}

// NewSyncSchemaUseCase creates a new SyncSchemaUseCase.
func NewSyncSchemaUseCase(fetcher SchemaFetcher, generator ToolGenerator, registry *domain.Registry, logger *slog.Logger) *SyncSchemaUseCase {
	return &SyncSchemaUseCase{
		fetcher:   fetcher,
		generator: generator,
		registry:  registry,
		logger:    logger.With("usecase", "SyncSchema"),
	}
}

// Execute fetches one schema source, generates its tools, and saves them.
// Tools from other sources already in the registry are left untouched.
func (uc *SyncSchemaUseCase) Execute(ctx context.Context, source string) error {
	log := uc.logger.With(slog.String("source", source))
	log.Info("Starting schema sync")

	schema, err := uc.fetcher.Fetch(ctx, source)
	if err != nil {
		log.Error("Failed to fetch schema", slog.Any("error", err))
		return fmt.Errorf("failed to fetch schema from %s: %w", source, err)
	}

	bindings, err := uc.generator.Generate(schema)
	if err != nil {
		log.Error("Failed to generate tools", slog.Any("error", err))
		return fmt.Errorf("failed to generate tools for schema %s: %w", source, err)
	}

	if err := uc.registry.SaveTools(ctx, bindings); err != nil {
		log.Error("Failed to save generated tools", slog.Any("error", err))
		return fmt.Errorf("failed to save generated tools: %w", err)
	}

	log.Info("Successfully synced schema and tools", slog.Int("tool_count", len(bindings)))
	return nil
}

// SyncAll resyncs every configured source, continuing past individual
// failures so one unreachable backend does not block the rest.
func (uc *SyncSchemaUseCase) SyncAll(ctx context.Context, sources []string) error {
	var firstErr error
	for _, src := range sources {
		if err := uc.Execute(ctx, src); err != nil {
			uc.logger.Error("Schema sync failed, continuing with remaining sources",
				slog.String("source", src), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
