// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("srcsession.lock")
	meter  = otel.Meter("srcsession.lock")
)

var (
	acquireTotal    metric.Int64Counter
	acquireDuration metric.Float64Histogram
	releaseTotal    metric.Int64Counter
	locksHeld       metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		acquireTotal, err = meter.Int64Counter(
			"srcsession_lock_acquire_total",
			metric.WithDescription("Lock acquisitions by status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		acquireDuration, err = meter.Float64Histogram(
			"srcsession_lock_acquire_duration_seconds",
			metric.WithDescription("Duration of exclusive marker acquisition"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		releaseTotal, err = meter.Int64Counter(
			"srcsession_lock_release_total",
			metric.WithDescription("Lock releases by status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		locksHeld, err = meter.Int64UpDownCounter(
			"srcsession_locks_held",
			metric.WithDescription("Locks currently held by this process"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordAcquire(ctx context.Context, status Status, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status.String()))
	acquireTotal.Add(ctx, 1, attrs)
	acquireDuration.Record(ctx, duration.Seconds(), attrs)
	if status == Locked {
		locksHeld.Add(ctx, 1)
	}
}

func recordRelease(ctx context.Context, status Status) {
	if err := initMetrics(); err != nil {
		return
	}
	releaseTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
	locksHeld.Add(ctx, -1)
}
