// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package metrics derives RED (Rate, Errors, Duration) metrics from
// completed spans and models the data points the exporters carry.
package metrics

import "time"

// Metric represents a single metric data point.
type Metric struct {
	Name        string
	Description string
	Unit        string
	Type        MetricType
	Value       float64
	Timestamp   time.Time
	StartTime   time.Time // Start time for cumulative counters/histograms (OTLP StartTimeUnixNano)
	Labels      map[string]string
	Histogram   *HistogramData // populated for Histogram type
	ServiceName string         // Service that produced this metric
}

// HistogramData holds histogram bucket data for export.
type HistogramData struct {
	Count   uint64
	Sum     float64
	Buckets []HistogramBucket
}

// HistogramBucket is a single histogram bucket.
type HistogramBucket struct {
	UpperBound float64
	Count      uint64 // cumulative count of values <= UpperBound
}

// MetricType identifies the kind of metric.
type MetricType int

const (
	Gauge MetricType = iota
	Counter
	Histogram
)
