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
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrUnknownExporter is returned for an unsupported trace exporter name.
var ErrUnknownExporter = errors.New("unknown trace exporter")

// TracingConfig selects where pipeline spans go.
type TracingConfig struct {
	// Exporter is "otlp", "stdout" or "none".
	Exporter string

	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string

	// ServiceName is reported as service.name.
	ServiceName string

	// Writer receives stdout-exported spans. Default os.Stderr.
	Writer io.Writer
}

// InitTracing installs a global tracer provider.
//
// # Description
//
// With Exporter "none" nothing is installed and spans created through
// otel.Tracer are no-ops. Otherwise spans are batched and sent to the
// OTLP collector over an insecure gRPC connection, or pretty-printed to
// Writer.
//
// # Outputs
//
//   - shutdown: Flushes and stops the exporter. Never nil.
//   - error: Non-nil if the exporter could not be created.
//
// # Example
//
//	shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
//	    Exporter: "otlp", Endpoint: "localhost:4317", ServiceName: "graphask",
//	})
//	defer shutdown(context.Background())
func InitTracing(ctx context.Context, cfg TracingConfig) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "", "none":
		return noop, nil
	case "otlp":
		conn, cerr := grpc.NewClient(cfg.Endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if cerr != nil {
			return noop, fmt.Errorf("failed to create gRPC connection: %w", cerr)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	case "stdout":
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	default:
		return noop, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.Exporter)
	}
	if err != nil {
		return noop, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res := resource.NewWithAttributes("", attribute.String("service.name", cfg.ServiceName))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
