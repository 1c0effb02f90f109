// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbeema/tlscope/pkg/config"
	"github.com/mbeema/tlscope/pkg/metrics"
	"github.com/mbeema/tlscope/pkg/traces"
	"go.uber.org/zap"
)

// captureExporter records everything it is handed.
type captureExporter struct {
	mu      sync.Mutex
	spans   []*traces.Span
	metrics []*metrics.Metric
	fail    bool
}

var _ Exporter = (*captureExporter)(nil)

func (c *captureExporter) ExportSpans(ctx context.Context, spans []*traces.Span) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("export refused")
	}
	c.spans = append(c.spans, spans...)
	return nil
}

func (c *captureExporter) ExportMetrics(ctx context.Context, batch []*metrics.Metric) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("export refused")
	}
	c.metrics = append(c.metrics, batch...)
	return nil
}

func (c *captureExporter) Shutdown(ctx context.Context) error { return nil }

func (c *captureExporter) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.spans), len(c.metrics)
}

func newTestManager(t *testing.T) (*Manager, *captureExporter) {
	t.Helper()
	m, err := NewManagerFromConfig(&ManagerConfig{
		Exporters:   &config.ExportersConfig{},
		ServiceName: "test",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManagerFromConfig: %v", err)
	}
	cap := &captureExporter{}
	m.exporters = append(m.exporters, cap)
	return m, cap
}

func testSpan(name string) *traces.Span {
	now := time.Now()
	return &traces.Span{
		TraceID:     "0123456789abcdef0123456789abcdef",
		SpanID:      "0123456789abcdef",
		Name:        name,
		Kind:        traces.SpanKindClient,
		StartTime:   now,
		EndTime:     now,
		ServiceName: "test",
	}
}

func TestManagerFlushesOnStop(t *testing.T) {
	m, cap := newTestManager(t)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	m.ExportSpan(testSpan("a"))
	m.ExportSpan(testSpan("b"))
	m.ExportSpan(testSpan("c"))
	m.ExportMetric(&metrics.Metric{Name: "m1", Type: metrics.Gauge, Value: 1, Timestamp: time.Now()})
	m.ExportMetric(&metrics.Metric{Name: "m2", Type: metrics.Gauge, Value: 2, Timestamp: time.Now()})

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	gotSpans, gotMetrics := cap.counts()
	if gotSpans != 3 {
		t.Errorf("expected 3 spans exported, got %d", gotSpans)
	}
	if gotMetrics != 2 {
		t.Errorf("expected 2 metrics exported, got %d", gotMetrics)
	}

	spans, ms := m.Stats()
	if spans != 3 || ms != 2 {
		t.Errorf("expected stats (3, 2), got (%d, %d)", spans, ms)
	}
}

func TestManagerCountsDropsAfterRetries(t *testing.T) {
	m, cap := newTestManager(t)
	cap.fail = true

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	m.ExportSpan(testSpan("doomed"))
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if m.DropCount() == 0 {
		t.Error("expected drop count > 0 after failed export")
	}
	gotSpans, _ := cap.counts()
	if gotSpans != 0 {
		t.Errorf("expected 0 spans captured by failing exporter, got %d", gotSpans)
	}
}

func TestManagerChannelDepths(t *testing.T) {
	m, _ := newTestManager(t)

	m.ExportSpan(testSpan("queued"))
	m.ExportSpan(testSpan("queued-2"))
	m.ExportMetric(&metrics.Metric{Name: "m", Type: metrics.Gauge, Timestamp: time.Now()})

	spans, ms := m.ChannelDepths()
	if spans != 2 {
		t.Errorf("expected span channel depth 2, got %d", spans)
	}
	if ms != 1 {
		t.Errorf("expected metric channel depth 1, got %d", ms)
	}
}
