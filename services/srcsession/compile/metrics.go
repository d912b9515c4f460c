// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compile

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("srcsession.compile")
	meter  = otel.Meter("srcsession.compile")
)

var (
	jobsTotal     metric.Int64Counter
	jobDuration   metric.Float64Histogram
	queueDepth    metric.Int64UpDownCounter
	jobsRunning   metric.Int64UpDownCounter
	jobsDiscarded metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		jobsTotal, err = meter.Int64Counter(
			"srcsession_compile_jobs_total",
			metric.WithDescription("Compile jobs finished by status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		jobDuration, err = meter.Float64Histogram(
			"srcsession_compile_duration_seconds",
			metric.WithDescription("Duration of compile jobs, excluding queueing"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		queueDepth, err = meter.Int64UpDownCounter(
			"srcsession_compile_queue_depth",
			metric.WithDescription("Compile jobs waiting behind another job for the same document"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		jobsRunning, err = meter.Int64UpDownCounter(
			"srcsession_compile_jobs_running",
			metric.WithDescription("Compile jobs currently holding a runner slot"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		jobsDiscarded, err = meter.Int64Counter(
			"srcsession_compile_results_discarded_total",
			metric.WithDescription("Compile results dropped because the document was closed"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordQueued(ctx context.Context, delta int64) {
	if initMetrics() != nil {
		return
	}
	queueDepth.Add(ctx, delta)
}

func recordRunning(ctx context.Context, delta int64) {
	if initMetrics() != nil {
		return
	}
	jobsRunning.Add(ctx, delta)
}

func recordFinished(ctx context.Context, res Result) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", res.Status.String()))
	jobsTotal.Add(ctx, 1, attrs)
	jobDuration.Record(ctx, res.Duration.Seconds(), attrs)
	if res.Discarded {
		jobsDiscarded.Add(ctx, 1)
	}
}
