// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/srcsession/services/srcsession/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, DefaultConfig())
	if !errors.Is(err, ErrNilContext) {
		t.Errorf("expected ErrNilContext, got %v", err)
	}
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestInit_Stdout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "stdout"
	cfg.MetricExporter = "stdout"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	tests := []struct {
		name  string
		trace string
		meter string
	}{
		{name: "trace", trace: "zipkin", meter: "none"},
		{name: "metric", trace: "none", meter: "statsd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.TraceExporter = tt.trace
			cfg.MetricExporter = tt.meter

			_, err := Init(context.Background(), cfg)
			if !errors.Is(err, ErrUnknownExporter) {
				t.Errorf("expected ErrUnknownExporter, got %v", err)
			}
		})
	}
}

func TestInit_PrometheusServesMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.MetricExporter = "prometheus"
	cfg.Registerer = registry

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer shutdown(context.Background())

	counter, err := otel.Meter("telemetry_test").Int64Counter("srcsession_test_ops")
	if err != nil {
		t.Fatalf("create counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	handler := MetricsHandler()
	if handler == nil {
		t.Fatal("expected a metrics handler")
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !strings.Contains(w.Body.String(), "srcsession_test_ops") {
		t.Errorf("expected srcsession_test_ops in output, got:\n%s", w.Body.String())
	}
}

func TestFromSettings(t *testing.T) {
	tests := []struct {
		exporter   string
		endpoint   string
		wantTrace  string
		wantMetric string
		wantOTLP   string
	}{
		{exporter: "none", wantTrace: "none", wantMetric: "none", wantOTLP: "localhost:4317"},
		{exporter: "stdout", wantTrace: "stdout", wantMetric: "stdout", wantOTLP: "localhost:4317"},
		{exporter: "otlp", endpoint: "collector:4317", wantTrace: "otlp", wantMetric: "prometheus", wantOTLP: "collector:4317"},
		{exporter: "prometheus", wantTrace: "none", wantMetric: "prometheus", wantOTLP: "localhost:4317"},
	}

	for _, tt := range tests {
		t.Run(tt.exporter, func(t *testing.T) {
			cfg := FromSettings(config.TelemetrySettings{Exporter: tt.exporter, Endpoint: tt.endpoint})
			if cfg.TraceExporter != tt.wantTrace {
				t.Errorf("trace exporter: expected %q, got %q", tt.wantTrace, cfg.TraceExporter)
			}
			if cfg.MetricExporter != tt.wantMetric {
				t.Errorf("metric exporter: expected %q, got %q", tt.wantMetric, cfg.MetricExporter)
			}
			if cfg.OTLPEndpoint != tt.wantOTLP {
				t.Errorf("endpoint: expected %q, got %q", tt.wantOTLP, cfg.OTLPEndpoint)
			}
		})
	}
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	// No span: the logger is returned unchanged.
	if got := LoggerWithTrace(context.Background(), base); got != base {
		t.Error("expected the base logger without a span")
	}
	if TraceID(context.Background()) != "" || SpanID(context.Background()) != "" {
		t.Error("expected empty IDs without a span")
	}

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	LoggerWithTrace(ctx, base).Info("hello")
	out := buf.String()
	if !strings.Contains(out, `"trace_id":"`+TraceID(ctx)+`"`) {
		t.Errorf("expected trace_id in %s", out)
	}
	if !strings.Contains(out, `"span_id":"`+SpanID(ctx)+`"`) {
		t.Errorf("expected span_id in %s", out)
	}
}

func TestHTTPMetrics_GinMiddleware(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	metrics, err := NewHTTPMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewHTTPMetrics failed: %v", err)
	}

	router := gin.New()
	router.Use(metrics.GinMiddleware())
	router.GET("/documents/:key", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for _, path := range []string{"/documents/a", "/documents/b", "/nowhere"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "srcsession_http_requests_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				route, _ := dp.Attributes.Value(attribute.Key("route"))
				counts[route.AsString()] += dp.Value
			}
		}
	}

	if counts["/documents/:key"] != 2 {
		t.Errorf("expected 2 requests on the route template, got %d", counts["/documents/:key"])
	}
	if counts["unmatched"] != 1 {
		t.Errorf("expected 1 unmatched request, got %d", counts["unmatched"])
	}
}
