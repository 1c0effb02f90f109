// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks self-monitoring counters for the agent.
type Stats struct {
	startTime time.Time

	EventsReceived  atomic.Int64
	EventsDropped   atomic.Int64
	SessionsOpened  atomic.Int64
	SessionsClosed  atomic.Int64
	TuplesResolved  atomic.Int64
	ResolveFailures atomic.Int64
	PairsExtracted  atomic.Int64
	SpansGenerated  atomic.Int64
	SpansExported   atomic.Int64
	SpansDropped    atomic.Int64
	MetricsExported atomic.Int64
	MetricsDropped  atomic.Int64

	mu     sync.RWMutex
	gauges []gauge
}

type gauge struct {
	name string
	help string
	fn   func() float64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Uptime returns agent uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// RegisterGauge registers a live gauge sampled at scrape time, e.g. the
// number of active sessions or tracked sockets.
func (s *Stats) RegisterGauge(name, help string, fn func() float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gauges = append(s.gauges, gauge{name: name, help: help, fn: fn})
	sort.Slice(s.gauges, func(i, j int) bool { return s.gauges[i].name < s.gauges[j].name })
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds   float64            `json:"uptime_seconds"`
	Goroutines      int                `json:"goroutines"`
	MemoryRSSBytes  uint64             `json:"memory_rss_bytes"`
	EventsReceived  int64              `json:"events_received"`
	EventsDropped   int64              `json:"events_dropped"`
	SessionsOpened  int64              `json:"sessions_opened"`
	SessionsClosed  int64              `json:"sessions_closed"`
	TuplesResolved  int64              `json:"tuples_resolved"`
	ResolveFailures int64              `json:"resolve_failures"`
	PairsExtracted  int64              `json:"pairs_extracted"`
	SpansGenerated  int64              `json:"spans_generated"`
	SpansExported   int64              `json:"spans_exported"`
	SpansDropped    int64              `json:"spans_dropped"`
	MetricsExported int64              `json:"metrics_exported"`
	MetricsDropped  int64              `json:"metrics_dropped"`
	Gauges          map[string]float64 `json:"gauges,omitempty"`
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snap := Snapshot{
		UptimeSeconds:   s.Uptime().Seconds(),
		Goroutines:      runtime.NumGoroutine(),
		MemoryRSSBytes:  memStats.Sys,
		EventsReceived:  s.EventsReceived.Load(),
		EventsDropped:   s.EventsDropped.Load(),
		SessionsOpened:  s.SessionsOpened.Load(),
		SessionsClosed:  s.SessionsClosed.Load(),
		TuplesResolved:  s.TuplesResolved.Load(),
		ResolveFailures: s.ResolveFailures.Load(),
		PairsExtracted:  s.PairsExtracted.Load(),
		SpansGenerated:  s.SpansGenerated.Load(),
		SpansExported:   s.SpansExported.Load(),
		SpansDropped:    s.SpansDropped.Load(),
		MetricsExported: s.MetricsExported.Load(),
		MetricsDropped:  s.MetricsDropped.Load(),
	}

	s.mu.RLock()
	if len(s.gauges) > 0 {
		snap.Gauges = make(map[string]float64, len(s.gauges))
		for _, g := range s.gauges {
			snap.Gauges[g.name] = g.fn()
		}
	}
	s.mu.RUnlock()

	return snap
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	snap := s.Snapshot()

	var b []byte
	b = appendMetric(b, "tlscope_agent_uptime_seconds", "gauge", "Agent uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "tlscope_agent_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "tlscope_agent_memory_rss_bytes", "gauge", "Memory usage in bytes", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "tlscope_events_received_total", "counter", "Total hook events received", float64(snap.EventsReceived))
	b = appendMetric(b, "tlscope_events_dropped_total", "counter", "Total hook events dropped", float64(snap.EventsDropped))
	b = appendMetric(b, "tlscope_sessions_opened_total", "counter", "Total TLS sessions registered", float64(snap.SessionsOpened))
	b = appendMetric(b, "tlscope_sessions_closed_total", "counter", "Total TLS sessions closed", float64(snap.SessionsClosed))
	b = appendMetric(b, "tlscope_tuples_resolved_total", "counter", "Total session tuples resolved", float64(snap.TuplesResolved))
	b = appendMetric(b, "tlscope_resolve_failures_total", "counter", "Total tuple resolution failures", float64(snap.ResolveFailures))
	b = appendMetric(b, "tlscope_http_pairs_total", "counter", "Total HTTP request/response pairs extracted", float64(snap.PairsExtracted))
	b = appendMetric(b, "tlscope_spans_generated_total", "counter", "Total spans generated", float64(snap.SpansGenerated))
	b = appendMetric(b, "tlscope_spans_exported_total", "counter", "Total spans exported", float64(snap.SpansExported))
	b = appendMetric(b, "tlscope_spans_dropped_total", "counter", "Total spans dropped", float64(snap.SpansDropped))
	b = appendMetric(b, "tlscope_metrics_exported_total", "counter", "Total metrics exported", float64(snap.MetricsExported))
	b = appendMetric(b, "tlscope_metrics_dropped_total", "counter", "Total metrics dropped", float64(snap.MetricsDropped))

	s.mu.RLock()
	for _, g := range s.gauges {
		b = appendMetric(b, g.name, "gauge", g.help, g.fn())
	}
	s.mu.RUnlock()

	return string(b)
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, '\n')
	b = append(b, "# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendFloat(b []byte, f float64) []byte {
	// Use simple formatting; avoid importing strconv for this
	if f == float64(int64(f)) {
		return append(b, []byte(intToStr(int64(f)))...)
	}
	// Use fmt-free float formatting for common cases
	return append(b, []byte(floatToStr(f))...)
}

func intToStr(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte(n%10) + '0'
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func floatToStr(f float64) string {
	// Simple 6 decimal place formatting
	neg := f < 0
	if neg {
		f = -f
	}
	whole := int64(f)
	frac := int64((f - float64(whole)) * 1000000)
	if frac < 0 {
		frac = -frac
	}

	s := intToStr(whole) + "."
	fracStr := intToStr(frac)
	// Pad to 6 digits
	for len(fracStr) < 6 {
		fracStr = "0" + fracStr
	}
	s += fracStr

	// Trim trailing zeros after decimal
	for len(s) > 1 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}

	if neg {
		s = "-" + s
	}
	return s
}
