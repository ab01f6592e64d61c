// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultServiceName identifies az-ray in exported traces.
const DefaultServiceName = "azray"

// Trace exporters.
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// ErrUnknownExporter is returned for an unsupported exporter name.
var ErrUnknownExporter = errors.New("unknown trace exporter")

// TracingConfig configures span export.
type TracingConfig struct {
	// ServiceName is the service identifier in traces.
	// Default: "azray"
	ServiceName string

	// Exporter is "otlp", "stdout" or "none". Empty means "otlp" when
	// Endpoint is set and "none" otherwise.
	Exporter string

	// Endpoint is the OTLP gRPC collector (host:port).
	Endpoint string

	// Output receives pretty-printed spans for the stdout exporter.
	// Default: os.Stdout
	Output io.Writer

	// Insecure disables TLS for the connection.
	Insecure bool

	// Version is recorded as service.version.
	Version string
}

// ShutdownFunc flushes pending spans and releases the exporter.
type ShutdownFunc func(ctx context.Context) error

// SetupTracing installs the global tracer provider.
//
// # Description
//
// Packages create spans through otel.Tracer at package level, so the
// provider must be global. With the "none" exporter nothing is installed
// and the returned ShutdownFunc is a no-op.
//
// # Outputs
//
//   - ShutdownFunc: call before exit, with a bounded context
//   - error: non-nil if the exporter cannot be created
//
// # Examples
//
//	shutdown, err := observability.SetupTracing(ctx, observability.TracingConfig{
//	    Endpoint: "localhost:4317",
//	    Insecure: true,
//	})
//	defer shutdown(context.Background())
func SetupTracing(ctx context.Context, config TracingConfig) (ShutdownFunc, error) {
	exporterName := config.Exporter
	if exporterName == "" {
		exporterName = ExporterNone
		if config.Endpoint != "" {
			exporterName = ExporterOTLP
		}
	}
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}

	var (
		exporter sdktrace.SpanExporter
		release  = func() error { return nil }
	)
	switch exporterName {
	case ExporterNone:
		return func(context.Context) error { return nil }, nil

	case ExporterStdout:
		out := config.Output
		if out == nil {
			out = os.Stdout
		}
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}

	case ExporterOTLP:
		if config.Endpoint == "" {
			return nil, fmt.Errorf("otlp exporter requires an endpoint")
		}
		var dialOpts []grpc.DialOption
		if config.Insecure {
			dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		}
		conn, err := grpc.NewClient(config.Endpoint, dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		release = conn.Close

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, exporterName)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			attribute.String("service.version", config.Version),
		),
	)
	if err != nil {
		_ = release()
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		err := provider.Shutdown(ctx)
		if cerr := release(); err == nil {
			err = cerr
		}
		return err
	}, nil
}
