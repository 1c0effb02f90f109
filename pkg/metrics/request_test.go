// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/mbeema/tlscope/pkg/traces"
)

func span(service string, kind traces.SpanKind, d time.Duration, status traces.StatusCode) *traces.Span {
	return &traces.Span{
		ServiceName: service,
		Kind:        kind,
		Duration:    d,
		Status:      status,
	}
}

func TestRecordSpanSplitsServerAndClient(t *testing.T) {
	r := NewRequestMetrics(nil)

	r.RecordSpan(span("api", traces.SpanKindServer, 20*time.Millisecond, traces.StatusOK))
	r.RecordSpan(span("api", traces.SpanKindClient, 5*time.Millisecond, traces.StatusOK))

	ms := r.Collect(time.Now())

	var names []string
	for _, m := range ms {
		if m.Type == Histogram {
			names = append(names, m.Name)
		}
	}
	if len(names) != 2 {
		t.Fatalf("histograms = %d (%v), want 2", len(names), names)
	}
	joined := strings.Join(names, ",")
	if !strings.Contains(joined, "http.server.request.duration") ||
		!strings.Contains(joined, "http.client.request.duration") {
		t.Errorf("histogram names = %v, want server and client variants", names)
	}
}

func TestRecordSpanIgnoresInternal(t *testing.T) {
	r := NewRequestMetrics(nil)
	r.RecordSpan(span("api", traces.SpanKindInternal, time.Millisecond, traces.StatusOK))

	if ms := r.Collect(time.Now()); len(ms) != 0 {
		t.Errorf("metrics = %d for internal span, want 0", len(ms))
	}
}

func TestHistogramBucketsCumulative(t *testing.T) {
	r := NewRequestMetrics([]float64{0.01, 0.1, 1})

	// 3ms, 50ms, 500ms: one observation per bucket.
	for _, d := range []time.Duration{3 * time.Millisecond, 50 * time.Millisecond, 500 * time.Millisecond} {
		r.RecordSpan(span("svc", traces.SpanKindServer, d, traces.StatusOK))
	}

	ms := r.Collect(time.Now())
	var hist *Metric
	for _, m := range ms {
		if m.Type == Histogram {
			hist = m
			break
		}
	}
	if hist == nil {
		t.Fatal("no histogram collected")
	}
	if hist.Histogram.Count != 3 {
		t.Errorf("Count = %d, want 3", hist.Histogram.Count)
	}
	want := []uint64{1, 2, 3}
	for i, b := range hist.Histogram.Buckets {
		if b.Count != want[i] {
			t.Errorf("bucket[%d] (<=%v) = %d, want %d", i, b.UpperBound, b.Count, want[i])
		}
	}
}

func TestErrorCountAndSummary(t *testing.T) {
	r := NewRequestMetrics(nil)

	r.RecordSpan(span("svc", traces.SpanKindServer, 10*time.Millisecond, traces.StatusOK))
	r.RecordSpan(span("svc", traces.SpanKindServer, 30*time.Millisecond, traces.StatusError))

	sum := r.Summary("svc")
	if !strings.Contains(sum, "requests=2") || !strings.Contains(sum, "errors=1") {
		t.Errorf("Summary = %q, want requests=2 errors=1", sum)
	}
	if r.Summary("missing") != "no data" {
		t.Errorf("Summary(missing) = %q, want no data", r.Summary("missing"))
	}
}

func TestUnknownServiceFallback(t *testing.T) {
	r := NewRequestMetrics(nil)
	r.RecordSpan(span("", traces.SpanKindServer, time.Millisecond, traces.StatusOK))

	ms := r.Collect(time.Now())
	if len(ms) == 0 {
		t.Fatal("no metrics collected")
	}
	if got := ms[0].Labels["service"]; got != "unknown" {
		t.Errorf("service label = %q, want unknown", got)
	}
}

func TestPercentileEstimate(t *testing.T) {
	r := NewRequestMetrics([]float64{0.01, 0.1, 1})

	// 99 fast requests, 1 slow: p50 lands in the first bucket, p99 in the
	// second.
	for i := 0; i < 99; i++ {
		r.RecordSpan(span("svc", traces.SpanKindServer, 2*time.Millisecond, traces.StatusOK))
	}
	r.RecordSpan(span("svc", traces.SpanKindServer, 50*time.Millisecond, traces.StatusOK))

	ms := r.Collect(time.Now())
	var p50, p99 float64
	for _, m := range ms {
		switch {
		case strings.HasSuffix(m.Name, ".p50"):
			p50 = m.Value
		case strings.HasSuffix(m.Name, ".p99"):
			p99 = m.Value
		}
	}
	if p50 != 0.01 {
		t.Errorf("p50 = %v, want 0.01", p50)
	}
	if p99 != 0.01 && p99 != 0.1 {
		t.Errorf("p99 = %v, want a bucket bound covering the slow tail", p99)
	}
}
