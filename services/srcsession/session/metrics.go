// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("srcsession.session")
	meter  = otel.Meter("srcsession.session")
)

var (
	openTotal     metric.Int64Counter
	openDuration  metric.Float64Histogram
	closeTotal    metric.Int64Counter
	documentsOpen metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		openTotal, err = meter.Int64Counter(
			"srcsession_open_total",
			metric.WithDescription("Open requests by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		openDuration, err = meter.Float64Histogram(
			"srcsession_open_duration_seconds",
			metric.WithDescription("Duration of Open including materialize and lock"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		closeTotal, err = meter.Int64Counter(
			"srcsession_close_total",
			metric.WithDescription("Close requests by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		documentsOpen, err = meter.Int64UpDownCounter(
			"srcsession_documents_open",
			metric.WithDescription("Documents currently registered"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordOpen(ctx context.Context, outcome Outcome, duration time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome.String()))
	openTotal.Add(ctx, 1, attrs)
	openDuration.Record(ctx, duration.Seconds(), attrs)
	if outcome.Registered() && outcome != AlreadyOpen {
		documentsOpen.Add(ctx, 1)
	}
}

func recordClose(ctx context.Context, outcome CloseOutcome) {
	if initMetrics() != nil {
		return
	}
	closeTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome.String())))
	if outcome == Closed {
		documentsOpen.Add(ctx, -1)
	}
}
