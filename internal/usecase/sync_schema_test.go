package usecase_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/internal/domain"
	"github.com/toolgate/toolgate/internal/usecase"
)

// MockSchemaFetcher is a mock implementation of the SchemaFetcher interface.
type MockSchemaFetcher struct {
	mock.Mock
}

func (m *MockSchemaFetcher) Fetch(ctx context.Context, src string) (domain.APISchema, error) {
	args := m.Called(ctx, src)
	return args.Get(0).(domain.APISchema), args.Error(1)
}

// MockToolGenerator is a mock implementation of the ToolGenerator interface.
type MockToolGenerator struct {
	mock.Mock
}

func (m *MockToolGenerator) Generate(schema domain.APISchema) ([]domain.ToolBinding, error) {
	args := m.Called(schema)
	bindings := args.Get(0)
	if bindings == nil {
		return nil, args.Error(1)
	}
	return bindings.([]domain.ToolBinding), args.Error(1)
}

func syncTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSyncSchema_Execute(t *testing.T) {
	ctx := context.Background()
	source := "http://example.com/openapi.yaml"
	schema := domain.APISchema{Source: source, Type: domain.SchemaTypeOpenAPI}
	bindings := []domain.ToolBinding{
		{Tool: mcp.Tool{Name: "petstore_listpets"}},
		{Tool: mcp.Tool{Name: "petstore_createpet"}},
	}

	fetcher := new(MockSchemaFetcher)
	generator := new(MockToolGenerator)
	registry := domain.NewRegistry()
	fetcher.On("Fetch", mock.Anything, source).Return(schema, nil)
	generator.On("Generate", schema).Return(bindings, nil)

	uc := usecase.NewSyncSchemaUseCase(fetcher, generator, registry, syncTestLogger())
	err := uc.Execute(ctx, source)

	require.NoError(t, err)
	tools := registry.ListTools(ctx)
	require.Len(t, tools, 2)
	assert.Equal(t, "petstore_listpets", tools[0].Name)
	fetcher.AssertExpectations(t)
	generator.AssertExpectations(t)
}

func TestSyncSchema_FetchError(t *testing.T) {
	ctx := context.Background()
	source := "http://example.com/broken.yaml"
	fetchErr := errors.New("connection refused")

	fetcher := new(MockSchemaFetcher)
	generator := new(MockToolGenerator)
	registry := domain.NewRegistry()
	fetcher.On("Fetch", mock.Anything, source).Return(domain.APISchema{}, fetchErr)

	uc := usecase.NewSyncSchemaUseCase(fetcher, generator, registry, syncTestLogger())
	err := uc.Execute(ctx, source)

	require.Error(t, err)
	assert.ErrorIs(t, err, fetchErr)
	assert.Empty(t, registry.ListTools(ctx))
	generator.AssertNotCalled(t, "Generate", mock.Anything)
}

func TestSyncSchema_SyncAllContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	good := "http://example.com/good.yaml"
	bad := "http://example.com/bad.yaml"
	schema := domain.APISchema{Source: good, Type: domain.SchemaTypeOpenAPI}
	bindings := []domain.ToolBinding{{Tool: mcp.Tool{Name: "svc_op"}}}

	fetcher := new(MockSchemaFetcher)
	generator := new(MockToolGenerator)
	registry := domain.NewRegistry()
	fetcher.On("Fetch", mock.Anything, bad).Return(domain.APISchema{}, errors.New("boom"))
	fetcher.On("Fetch", mock.Anything, good).Return(schema, nil)
	generator.On("Generate", schema).Return(bindings, nil)

	uc := usecase.NewSyncSchemaUseCase(fetcher, generator, registry, syncTestLogger())
	err := uc.SyncAll(ctx, []string{bad, good})

	require.Error(t, err, "the first failure is reported")
	assert.Len(t, registry.ListTools(ctx), 1, "later sources still sync")
}
