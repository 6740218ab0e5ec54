package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toolgate/toolgate/configs"
	"github.com/toolgate/toolgate/internal/adapter/inbound/sse"
	"github.com/toolgate/toolgate/internal/adapter/inbound/stdio"
	"github.com/toolgate/toolgate/internal/adapter/outbound/httpinvoker"
	"github.com/toolgate/toolgate/internal/adapter/outbound/openapi"
	"github.com/toolgate/toolgate/internal/adapter/outbound/staticauth"
	"github.com/toolgate/toolgate/internal/adapter/outbound/webhook"
	"github.com/toolgate/toolgate/internal/core"
	"github.com/toolgate/toolgate/internal/domain"
	"github.com/toolgate/toolgate/internal/usecase"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const serverVersion = "0.1.0"

func main() {
	// === Command Line Flags ===
	var (
		transport   string
		listenAddr  string
		toolTimeout time.Duration
	)
	flag.StringVar(&transport, "transport", "sse", "Transport mode: sse or stdio")
	flag.StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	flag.DurationVar(&toolTimeout, "tool-timeout", 0, "Per-tool execution timeout (overrides config)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === Configuration ===
	cfg, err := configs.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	// Flags take precedence over both file and environment settings.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.ListenAddr = listenAddr
		case "tool-timeout":
			cfg.ToolTimeout = toolTimeout
		}
	})

	// === Logging ===
	logLevel := cfg.ParsedLogLevel()
	var logger *slog.Logger
	if transport == "stdio" {
		// In stdio mode stdout carries the protocol; logs go to a file.
		logFile, err := os.OpenFile("/tmp/toolgate.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: logLevel}))
		} else {
			logger = slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: logLevel}))
		}
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	}
	slog.SetDefault(logger)
	logger.Info("Logger initialized.", slog.String("level", logLevel.String()), slog.String("transport", transport))

	// === OpenTelemetry Initialization ===
	shutdownOtel, err := initOtelProvider(cfg)
	if err != nil {
		logger.Error("Failed to initialize OpenTelemetry.", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := shutdownOtel(context.Background()); err != nil {
			logger.Error("Failed to shutdown OpenTelemetry TracerProvider.", slog.Any("error", err))
		}
	}()

	// === Dependency Injection ===
	logger.Info("Initializing dependencies...")

	httpClient := &http.Client{Timeout: cfg.HTTPClientTimeout}

	registry := domain.NewRegistry()

	defaultLimits := core.Limits{
		MaxRequests: cfg.RateLimitMaxRequests,
		Window:      cfg.RateLimitWindow,
		BurstLimit:  cfg.RateLimitBurst,
		BurstWindow: cfg.RateLimitBurstWindow,
	}
	if err := defaultLimits.Validate(); err != nil {
		logger.Error("Invalid rate limit configuration.", slog.Any("error", err))
		os.Exit(1)
	}
	limiter := core.NewRateLimiter(defaultLimits, logger)
	admission := core.NewAdmission(cfg.MaxConcurrent, cfg.QueueTimeout, logger)

	idem := core.NewIdempotencyCache(cfg.IdempotencyTTL, cfg.IdempotencySweep, logger)
	idem.Start()
	defer idem.Close()

	coord := core.NewCoordinator(cfg.ShutdownGrace, logger)

	versions := core.NewVersionNegotiator(cfg.DefaultAPIVersion, versionInfos(cfg.Versions), logger)

	authorizer, err := staticauth.New(cfg.APIKeys, defaultLimits, logger)
	if err != nil {
		logger.Error("Invalid API key configuration.", slog.Any("error", err))
		os.Exit(1)
	}

	invoker := httpinvoker.New(httpClient, cfg.UpstreamAuthToken, logger)
	notifier := webhook.New(httpClient, cfg.WebhookRetries, cfg.WebhookTimeout, logger)
	streamer := usecase.NewStreamer(cfg.StreamingEnabled, cfg.StreamThreshold, cfg.StreamChunkSize,
		5*time.Millisecond, logger)

	dispatcher := usecase.NewDispatcher(
		registry, authorizer, limiter, admission, idem, coord, versions,
		invoker, notifier, streamer,
		usecase.Options{
			ServerName:     "toolgate",
			ServerVersion:  serverVersion,
			AuthRequired:   cfg.AuthRequired,
			ToolTimeout:    cfg.ToolTimeout,
			WebhookEnabled: cfg.WebhookEnabled,
			WebhookDefault: webhook.Config{
				URL:     cfg.WebhookURL,
				Secret:  cfg.WebhookSecret,
				Retries: cfg.WebhookRetries,
				Timeout: cfg.WebhookTimeout,
			},
		},
		logger)

	// === Schema Sync ===
	fetcher := openapi.NewSchemaFetcher(httpClient, logger)
	generator := openapi.NewToolGenerator(cfg.UpstreamBaseURL, logger)
	syncUC := usecase.NewSyncSchemaUseCase(fetcher, generator, registry, logger)

	if len(cfg.SchemaSources) > 0 {
		logger.Info("Performing initial schema synchronization...")
		if err := syncUC.SyncAll(context.Background(), cfg.SchemaSources); err != nil {
			logger.Error("Initial schema sync failed. Server startup continuing, but tools may be missing.",
				slog.Any("error", err))
		}
	}

	if err := registry.SaveResources(context.Background(), configuredResources(cfg)); err != nil {
		logger.Error("Invalid resource configuration.", slog.Any("error", err))
		os.Exit(1)
	}

	// === Transport Mode Selection ===
	switch transport {
	case "stdio":
		logger.Info("Starting in STDIO mode")

		stdioServer := stdio.NewServer(dispatcher, os.Stdin, os.Stdout, logger)
		coord.OnDrain(func(ctx context.Context) {
			stdioServer.NotifyDraining(cfg.ShutdownGrace.Milliseconds())
		})

		errCh := make(chan error, 1)
		go func() { errCh <- stdioServer.Serve(ctx) }()

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("STDIO server error", slog.Any("error", err))
				os.Exit(1)
			}
		case <-ctx.Done():
			coord.Drain(context.Background())
		}

	case "sse":
		logger.Info("Starting in SSE mode")

		sseServer := sse.NewServer(dispatcher, syncUC, sse.Config{
			KeepAlive:      cfg.SSEKeepAlive,
			SessionTimeout: cfg.SSESessionTimeout,
			ReplayBuffer:   cfg.SSEReplayBuffer,
		}, logger)
		sseServer.Reap(ctx)
		coord.OnDrain(func(ctx context.Context) {
			sseServer.NotifyDraining(cfg.ShutdownGrace.Milliseconds())
		})

		mux := http.NewServeMux()
		sseServer.RegisterRoutes(mux)
		httpServer := &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: mux,
		}

		go func() {
			logger.Info("HTTP server starting.", slog.String("address", cfg.ListenAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed to start.", slog.Any("error", err))
				stop()
			}
		}()

		// Wait for interrupt signal.
		<-ctx.Done()

		// === Server Shutdown ===
		logger.Info("Shutting down...")
		coord.Drain(context.Background())
		sseServer.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server graceful shutdown failed.", slog.Any("error", err))
		}
		logger.Info("Server shut down gracefully.")

	default:
		logger.Error("Invalid transport mode", slog.String("transport", transport))
		os.Exit(1)
	}
}

// versionInfos maps configured versions into the negotiator's form, with a
// sensible default when none are declared.
func versionInfos(declared []configs.VersionConfig) []core.VersionInfo {
	if len(declared) == 0 {
		return []core.VersionInfo{
			{Version: "v1", Status: core.VersionDeprecated},
			{Version: "v2", Status: core.VersionCurrent},
		}
	}
	out := make([]core.VersionInfo, len(declared))
	for i, v := range declared {
		out[i] = core.VersionInfo{
			Version:      v.Version,
			Status:       v.Status,
			DeprecatedAt: v.DeprecatedAt,
			SunsetAt:     v.SunsetAt,
		}
	}
	return out
}

// configuredResources maps resource declarations onto upstream GET calls.
func configuredResources(cfg *configs.Config) []domain.Resource {
	out := make([]domain.Resource, len(cfg.Resources))
	for i, r := range cfg.Resources {
		mimeType := r.MimeType
		if mimeType == "" {
			mimeType = "application/json"
		}
		out[i] = domain.Resource{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    mimeType,
			Details: domain.InvocationDetails{
				Host:       cfg.UpstreamBaseURL,
				HTTPMethod: http.MethodGet,
				HTTPPath:   r.Path,
			},
		}
	}
	return out
}

// initOtelProvider initializes the OpenTelemetry SDK and sets up the OTLP
// trace exporter. It returns a shutdown function to be called on exit.
func initOtelProvider(cfg *configs.Config) (func(context.Context) error, error) {
	ctx := context.Background()

	if cfg.OtelExporterOtlpEndpoint == "" {
		slog.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set, OpenTelemetry tracing disabled.")
		return func(context.Context) error { return nil }, nil
	}

	slog.Info("Initializing OTLP exporter.", slog.String("endpoint", cfg.OtelExporterOtlpEndpoint))

	grpcOpts := []grpc.DialOption{}
	if cfg.OtelExporterOtlpInsecure {
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		slog.Warn("Using insecure connection for OTLP exporter.")
	}

	conn, err := grpc.NewClient(cfg.OtelExporterOtlpEndpoint, grpcOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to OTLP endpoint: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("toolgate"),
			semconv.ServiceVersionKey.String(serverVersion),
		),
	)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(r),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) error {
		providerErr := tp.Shutdown(ctx)
		connErr := conn.Close()
		return errors.Join(providerErr, connErr)
	}, nil
}
