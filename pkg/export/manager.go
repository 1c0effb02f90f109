// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/tlscope/pkg/config"
	"github.com/mbeema/tlscope/pkg/metrics"
	"github.com/mbeema/tlscope/pkg/traces"
	"go.uber.org/zap"
)

// Exporter is the interface for telemetry exporters.
type Exporter interface {
	ExportSpans(ctx context.Context, spans []*traces.Span) error
	ExportMetrics(ctx context.Context, batch []*metrics.Metric) error
	Shutdown(ctx context.Context) error
}

const (
	defaultBatchSize     = 1000
	defaultFlushInterval = 5 * time.Second
	defaultChannelSize   = 10000

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
)

// Manager coordinates batching and export of spans and metrics.
type Manager struct {
	logger    *zap.Logger
	exporters []Exporter

	spanCh   chan *traces.Span
	metricCh chan *metrics.Metric

	spanCount   atomic.Int64
	metricCount atomic.Int64
	dropCount   atomic.Int64

	batchSize     int
	flushInterval time.Duration

	circuitBreaker *CircuitBreaker

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// ManagerConfig holds the configuration needed to create a Manager.
type ManagerConfig struct {
	Exporters      *config.ExportersConfig
	ServiceName    string
	ServiceVersion string
	DeploymentEnv  string
}

// NewManager creates a new export manager from configuration.
func NewManager(cfg *config.ExportersConfig, serviceName string, logger *zap.Logger) (*Manager, error) {
	return NewManagerFromConfig(&ManagerConfig{
		Exporters:   cfg,
		ServiceName: serviceName,
	}, logger)
}

// NewManagerFromConfig creates a new export manager with full config support.
func NewManagerFromConfig(mc *ManagerConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		logger:         logger,
		spanCh:         make(chan *traces.Span, defaultChannelSize),
		metricCh:       make(chan *metrics.Metric, defaultChannelSize),
		batchSize:      defaultBatchSize,
		flushInterval:  defaultFlushInterval,
		circuitBreaker: NewCircuitBreaker(5, 30*time.Second),
		stopCh:         make(chan struct{}),
	}

	cfg := mc.Exporters

	if cfg.OTLP.Enabled {
		var exp Exporter
		var err error
		if cfg.OTLP.Protocol == "http" {
			exp, err = NewHTTPOTLPExporter(&cfg.OTLP, mc.ServiceName, mc.ServiceVersion, mc.DeploymentEnv, logger)
		} else {
			exp, err = NewOTLPExporter(&cfg.OTLP, mc.ServiceName, mc.ServiceVersion, mc.DeploymentEnv, logger)
		}
		if err != nil {
			logger.Warn("failed to create OTLP exporter", zap.Error(err))
		} else {
			m.exporters = append(m.exporters, exp)
		}
	}

	if cfg.Stdout.Enabled {
		m.exporters = append(m.exporters, NewStdoutExporter(cfg.Stdout.Format, logger))
	}

	return m, nil
}

// Start begins the batch export goroutines.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(2)
	go m.processSpans(ctx)
	go m.processMetrics(ctx)

	m.logger.Info("export manager started",
		zap.Int("exporters", len(m.exporters)),
		zap.Int("batch_size", m.batchSize),
		zap.Duration("flush_interval", m.flushInterval),
	)

	return nil
}

// Stop flushes remaining data and shuts down exporters.
func (m *Manager) Stop() error {
	close(m.stopCh)
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, exp := range m.exporters {
		if err := exp.Shutdown(ctx); err != nil {
			m.logger.Error("exporter shutdown error", zap.Error(err))
		}
	}

	m.logger.Info("export manager stopped",
		zap.Int64("spans_exported", m.spanCount.Load()),
		zap.Int64("metrics_exported", m.metricCount.Load()),
		zap.Int64("dropped", m.dropCount.Load()),
	)

	return nil
}

// ExportSpan queues a span for export.
func (m *Manager) ExportSpan(span *traces.Span) {
	select {
	case m.spanCh <- span:
	default:
		m.dropCount.Add(1)
		m.logger.Warn("span channel full, dropping span")
	}
}

// ExportMetric queues a metric for export.
func (m *Manager) ExportMetric(metric *metrics.Metric) {
	select {
	case m.metricCh <- metric:
	default:
		m.dropCount.Add(1)
		m.logger.Warn("metric channel full, dropping metric")
	}
}

func (m *Manager) processSpans(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]*traces.Span, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case span := <-m.spanCh:
			batch = append(batch, span)
			if len(batch) >= m.batchSize {
				m.flushSpans(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				m.flushSpans(ctx, batch)
				batch = batch[:0]
			}

		case <-m.stopCh:
			// Drain remaining
			for {
				select {
				case span := <-m.spanCh:
					batch = append(batch, span)
				default:
					if len(batch) > 0 {
						m.flushSpans(ctx, batch)
					}
					return
				}
			}

		case <-ctx.Done():
			// Drain remaining spans before exit
			for {
				select {
				case span := <-m.spanCh:
					batch = append(batch, span)
				default:
					if len(batch) > 0 {
						m.flushSpans(context.Background(), batch)
					}
					return
				}
			}
		}
	}
}

func (m *Manager) processMetrics(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]*metrics.Metric, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case metric := <-m.metricCh:
			batch = append(batch, metric)
			if len(batch) >= m.batchSize {
				m.flushMetrics(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				m.flushMetrics(ctx, batch)
				batch = batch[:0]
			}

		case <-m.stopCh:
			for {
				select {
				case metric := <-m.metricCh:
					batch = append(batch, metric)
				default:
					if len(batch) > 0 {
						m.flushMetrics(ctx, batch)
					}
					return
				}
			}

		case <-ctx.Done():
			for {
				select {
				case metric := <-m.metricCh:
					batch = append(batch, metric)
				default:
					if len(batch) > 0 {
						m.flushMetrics(context.Background(), batch)
					}
					return
				}
			}
		}
	}
}

func (m *Manager) flushSpans(ctx context.Context, spans []*traces.Span) {
	for _, exp := range m.exporters {
		m.retryExport(ctx, "spans", func(expCtx context.Context) error {
			return exp.ExportSpans(expCtx, spans)
		})
	}
	m.spanCount.Add(int64(len(spans)))
}

func (m *Manager) flushMetrics(ctx context.Context, batch []*metrics.Metric) {
	for _, exp := range m.exporters {
		m.retryExport(ctx, "metrics", func(expCtx context.Context) error {
			return exp.ExportMetrics(expCtx, batch)
		})
	}
	m.metricCount.Add(int64(len(batch)))
}

// retryExport attempts an export with exponential backoff and circuit breaker.
func (m *Manager) retryExport(ctx context.Context, signal string, exportFn func(context.Context) error) {
	if !m.circuitBreaker.Allow() {
		m.dropCount.Add(1)
		m.logger.Debug("circuit breaker open, dropping export",
			zap.String("signal", signal),
		)
		return
	}

	backoff := initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := exportFn(exportCtx)
		cancel()

		if err == nil {
			m.circuitBreaker.RecordSuccess()
			return
		}

		m.circuitBreaker.RecordFailure()

		if attempt == maxRetries {
			m.logger.Error("export failed after retries",
				zap.String("signal", signal),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			m.dropCount.Add(1)
			return
		}

		m.logger.Warn("export failed, retrying",
			zap.String("signal", signal),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		// Exponential backoff with cap
		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
}

// Stats returns current export statistics.
func (m *Manager) Stats() (spans, metrics int64) {
	return m.spanCount.Load(), m.metricCount.Load()
}

// DropCount returns the number of dropped telemetry items.
func (m *Manager) DropCount() int64 {
	return m.dropCount.Load()
}

// ChannelDepths returns current channel fill levels for monitoring.
func (m *Manager) ChannelDepths() (spans, metrics int) {
	return len(m.spanCh), len(m.metricCh)
}
