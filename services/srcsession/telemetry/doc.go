// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry initializes OpenTelemetry tracing and metrics for the
// source session service.
//
// The session packages call otel.Tracer and otel.Meter directly. Init
// installs the providers those calls resolve to, so switching backends is a
// configuration change.
//
// # Exporters
//
// One exporter setting selects the backend:
//
//   - none: no providers are installed; spans and instruments are no-ops.
//   - stdout: spans and metrics are pretty-printed to stdout.
//   - otlp: spans are pushed over OTLP/gRPC; metrics are served for
//     Prometheus scraping.
//   - prometheus: metrics only, served by MetricsHandler.
//
// # Logging
//
// LoggerWithTrace adds trace_id and span_id to an slog.Logger so log lines
// can be joined with their spans.
//
// # Usage
//
//	shutdown, err := telemetry.Init(ctx, telemetry.FromSettings(settings.Telemetry))
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
package telemetry
