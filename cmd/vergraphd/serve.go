// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/vergraph/vergraph/pkg/logging"
	"github.com/vergraph/vergraph/services/actor"
	"github.com/vergraph/vergraph/services/gateway"
	"github.com/vergraph/vergraph/services/registry"
	"github.com/vergraph/vergraph/services/resolver"
	"github.com/vergraph/vergraph/services/signing"
	"github.com/vergraph/vergraph/services/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the registry daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		cfg, err := loadConfig(configFile)
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

// initTracer wires the OTLP gRPC exporter. When no endpoint is configured
// it installs nothing and returns a no-op cleanup.
func initTracer(endpoint string) (func(context.Context), error) {
	if endpoint == "" {
		return func(context.Context) {}, nil
	}
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("vergraphd")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func runServe(cfg Config) error {
	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "vergraphd",
		JSON:    cfg.LogJSON,
	})
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer logger.Close()
	logger.SetAsDefault()

	cleanup, err := initTracer(cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("setup OTLP tracer: %w", err)
	}
	defer cleanup(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Persistence ---
	dataDir := cfg.DataDir
	if strings.HasPrefix(dataDir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve data directory: %w", err)
		}
		dataDir = filepath.Join(home, strings.TrimPrefix(dataDir, "~"))
	}
	db, err := store.OpenDB(store.DefaultConfig(dataDir))
	if err != nil {
		return fmt.Errorf("open actor-local store: %w", err)
	}
	defer db.Close()

	var external store.ExternalKV
	if cfg.ExternalKVURL != "" {
		external = store.NewHTTPKV(cfg.ExternalKVURL, 0)
	}

	defaults := registry.LoadDefault
	if cfg.RegistryPath != "" {
		path := cfg.RegistryPath
		defaults = func() (registry.Snapshot, error) {
			return registry.LoadFromFile(path)
		}
	}
	st := store.New(db, external, defaults)

	// --- Registry ---
	snap, tier, err := st.LoadRegistry(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	slog.Info("registry loaded", "tier", tier, "entities", len(snap))

	result := registry.Validate(snap)
	result.LogResult()
	if !result.Valid {
		return fmt.Errorf("registry validation failed with %d error(s)", len(result.Errors))
	}

	// --- Signing ---
	primary, err := decodeKey("signing_key", cfg.SigningKey)
	if err != nil {
		return err
	}
	secondary, err := decodeKey("signing_key_v2", cfg.SigningKeyV2)
	if err != nil {
		return err
	}
	signer := signing.New(signing.Config{
		PrimaryKey:   primary,
		SecondaryKey: secondary,
	}, st)

	// --- Actor ---
	a, err := actor.New(ctx, actor.Config{
		Store:       st,
		Signer:      signer,
		Snapshot:    snap,
		EvictionTTL: cfg.EvictionTTL,
	})
	if err != nil {
		return fmt.Errorf("initialize actor: %w", err)
	}

	res := resolver.New(resolver.Config{
		BaseDir:         cfg.ResolverBaseDir,
		ManifestPath:    cfg.ManifestPath,
		AggregationPath: cfg.AggregationPath,
	})

	// --- HTTP surface ---
	guard := gateway.NewGuard(gateway.Config{
		ServerHost:     cfg.ServerHost,
		TrustedProxies: cfg.TrustedProxies,
		Subprotocols:   cfg.Subprotocols,
		CSRFTTL:        cfg.CSRFTTL,
	}, signer, st)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("vergraphd"))
	gateway.SetupRoutes(router, gateway.Deps{
		Guard:    guard,
		Actor:    a,
		Resolver: res,
		Signer:   signer,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("vergraphd listening", "addr", cfg.ListenAddr, "host", cfg.ServerHost)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
	return nil
}
