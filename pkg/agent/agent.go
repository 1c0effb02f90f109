// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package agent assembles the capture pipeline. A hook provider feeds
// kernel socket lifecycle and TLS plaintext events into the correlation
// engine, correlated buffers are reassembled into HTTP exchanges, and
// exchanges become spans and request metrics shipped through the export
// manager. The agent owns lifecycle, wiring, and the channels between
// stages; all domain logic lives in the stage packages.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/tlscope/pkg/config"
	"github.com/mbeema/tlscope/pkg/correlation"
	"github.com/mbeema/tlscope/pkg/discovery"
	"github.com/mbeema/tlscope/pkg/export"
	"github.com/mbeema/tlscope/pkg/health"
	"github.com/mbeema/tlscope/pkg/hook"
	hookebpf "github.com/mbeema/tlscope/pkg/hook/ebpf"
	"github.com/mbeema/tlscope/pkg/metrics"
	"github.com/mbeema/tlscope/pkg/offsets"
	"github.com/mbeema/tlscope/pkg/reassembly"
	"github.com/mbeema/tlscope/pkg/redact"
	"github.com/mbeema/tlscope/pkg/servicemap"
	"github.com/mbeema/tlscope/pkg/sockets"
	"github.com/mbeema/tlscope/pkg/traces"
	"github.com/mbeema/tlscope/pkg/tuple"
)

// Version is stamped by the build via main; the health endpoint reports it.
var Version = "dev"

// Stage channels are sized so a burst on one stage does not stall the hook
// callback path. Overflow drops with a counter rather than blocking.
const channelBuffer = 10000

// Agent wires together the full observation pipeline.
type Agent struct {
	cfg    atomic.Pointer[config.Config]
	logger *zap.Logger

	hookProvider hook.HookProvider

	healthServer *health.Server
	healthStats  *health.Stats

	store      *sockets.Store
	resolver   *sockets.Resolver
	normalizer *tuple.Normalizer
	registry   *correlation.Registry
	pending    *correlation.PendingIndex
	engine     *correlation.Engine

	catalog   *offsets.Catalog
	inspector *offsets.Inspector

	reassembler *reassembly.Reassembler
	traceProc   *traces.Processor

	// Swapped wholesale on reload, read on the span hot path.
	sampler  atomic.Pointer[traces.Sampler]
	redactor atomic.Pointer[redact.Redactor]

	requestMetrics *metrics.RequestMetrics
	exporter       *export.Manager
	discoverer     *discovery.Discoverer
	serviceMap     *servicemap.Generator

	eventCh chan correlation.Event
	pairCh  chan *reassembly.RequestPair
	spanCh  chan *traces.Span

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an agent from validated configuration. All subsystems are
// constructed here so wiring errors surface before Start.
func New(cfg *config.Config, logger *zap.Logger) (*Agent, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Agent{
		logger:      logger,
		healthStats: health.NewStats(),
		eventCh:     make(chan correlation.Event, channelBuffer),
		pairCh:      make(chan *reassembly.RequestPair, channelBuffer),
		spanCh:      make(chan *traces.Span, channelBuffer),
	}
	a.cfg.Store(cfg)

	a.redactor.Store(buildRedactor(cfg, logger))
	a.sampler.Store(traces.NewSampler(cfg.Tracing.Sampling.Rate))

	// Correlation: socket state, the session registry, and the engine that
	// joins them.
	a.store = sockets.NewStore()
	a.resolver = sockets.NewResolver(a.store)
	a.normalizer = tuple.NewNormalizer()

	registry, err := correlation.NewRegistry(cfg.Correlation.SessionCapacity)
	if err != nil {
		return nil, fmt.Errorf("create session registry: %w", err)
	}
	a.registry = registry
	a.pending = correlation.NewPendingIndex()

	a.engine = correlation.NewEngine(a.registry, a.pending, a.resolver, a.normalizer,
		correlation.EmitterFunc(a.emitEvent), logger)
	a.engine.SetTTLs(cfg.Correlation.SessionTTL, cfg.Correlation.PendingTTL, cfg.Correlation.CleanupInterval)

	// Binary inspection backs the eBPF provider's uprobe placement.
	catalog, err := offsets.NewCatalog(0)
	if err != nil {
		return nil, fmt.Errorf("create offsets catalog: %w", err)
	}
	a.catalog = catalog
	a.inspector = offsets.NewInspector(catalog, logger)

	// HTTP layer: reassembly feeds pairs, the processor turns pairs into
	// spans. Both hand off through buffered channels so neither blocks the
	// stage above it.
	a.reassembler = reassembly.NewReassembler(logger)
	a.reassembler.OnPair(func(pair *reassembly.RequestPair) {
		a.healthStats.PairsExtracted.Add(1)
		select {
		case a.pairCh <- pair:
		default:
			a.logger.Warn("pair channel full, dropping request pair")
		}
	})

	a.traceProc = traces.NewProcessor(logger)
	a.traceProc.OnSpan(func(span *traces.Span) {
		a.healthStats.SpansGenerated.Add(1)
		select {
		case a.spanCh <- span:
		default:
			a.healthStats.SpansDropped.Add(1)
			a.logger.Warn("span channel full, dropping span")
		}
	})

	if cfg.Metrics.Enabled {
		a.requestMetrics = metrics.NewRequestMetrics(cfg.Metrics.Buckets)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" || serviceName == "auto" {
		serviceName = "tlscope-agent"
	}
	exporter, err := export.NewManagerFromConfig(&export.ManagerConfig{
		Exporters:      &cfg.Exporters,
		ServiceName:    serviceName,
		ServiceVersion: cfg.ServiceVersion,
		DeploymentEnv:  cfg.DeploymentEnv,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create export manager: %w", err)
	}
	a.exporter = exporter

	if cfg.Discovery.Enabled {
		a.discoverer = discovery.NewDiscoverer(cfg.Discovery.EnvVars, cfg.Discovery.PortMappings, logger)
	}
	a.serviceMap = servicemap.NewGenerator(logger)

	a.healthStats.RegisterGauge("tlscope_sessions_active",
		"Number of live TLS sessions", func() float64 { return float64(a.registry.Len()) })
	a.healthStats.RegisterGauge("tlscope_sockets_tracked",
		"Number of tracked sockets", func() float64 { return float64(a.store.Count()) })
	a.healthStats.RegisterGauge("tlscope_streams_active",
		"Number of active reassembly streams", func() float64 { return float64(a.reassembler.StreamCount()) })
	a.healthStats.RegisterGauge("tlscope_pending_handshakes",
		"Number of sessions awaiting socket resolution", func() float64 { return float64(a.pending.Len()) })
	a.healthStats.RegisterGauge("tlscope_servicemap_edges",
		"Number of service dependency edges", func() float64 { return float64(a.serviceMap.EdgeCount()) })

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Port, Version, a.healthStats, logger)
		a.healthServer.SetServiceMap(a.serviceMap)
	}

	a.hookProvider = selectHookProvider(cfg, a.inspector, logger)

	return a, nil
}

// buildRedactor compiles configured redaction rules on top of the builtin
// set. An invalid pattern is skipped so one bad rule cannot disable
// scrubbing entirely.
func buildRedactor(cfg *config.Config, logger *zap.Logger) *redact.Redactor {
	var extra []redact.Rule
	for _, rc := range cfg.Redaction.Rules {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			logger.Warn("skipping invalid redaction rule",
				zap.String("rule", rc.Name),
				zap.Error(err),
			)
			continue
		}
		extra = append(extra, redact.Rule{
			Name:        rc.Name,
			Pattern:     re,
			Replacement: rc.Replacement,
		})
	}
	return redact.New(cfg.Redaction.Enabled, extra)
}

// selectHookProvider picks the event source. An explicit provider in the
// config is honored as-is; auto prefers eBPF when the kernel supports it
// and falls back to the preload shim otherwise.
func selectHookProvider(cfg *config.Config, inspector *offsets.Inspector, logger *zap.Logger) hook.HookProvider {
	switch cfg.Hook.Provider {
	case "ebpf":
		return hookebpf.NewProvider(cfg, inspector, logger)
	case "preload":
		return hook.NewManager(cfg.Hook.SocketPath, logger)
	default:
		support := hookebpf.Detect()
		if support.Available {
			logger.Info("auto-selected ebpf hook provider",
				zap.String("kernel", support.KernelVersion),
				zap.Bool("btf", support.HasBTF),
			)
			return hookebpf.NewProvider(cfg, inspector, logger)
		}
		logger.Info("ebpf unavailable, using preload hook provider",
			zap.String("reason", support.Reason),
		)
		return hook.NewManager(cfg.Hook.SocketPath, logger)
	}
}

// emitEvent is the engine's emitter: correlated events cross into the
// reassembly stage here. Must not block — the engine calls it from hook
// callback context.
func (a *Agent) emitEvent(ev correlation.Event) {
	select {
	case a.eventCh <- ev:
	default:
		a.healthStats.EventsDropped.Add(1)
	}
}

// Start launches the pipeline. Consumers start before the hook provider so
// every channel is already draining when the first event lands.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return errors.New("agent already started")
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	cfg := a.cfg.Load()

	a.logger.Info("starting tlscope agent",
		zap.String("version", Version),
		zap.String("provider", a.hookProvider.Name()),
	)

	if err := a.exporter.Start(a.ctx); err != nil {
		return fmt.Errorf("start export manager: %w", err)
	}
	if err := a.engine.Start(a.ctx); err != nil {
		return fmt.Errorf("start correlation engine: %w", err)
	}

	a.wg.Add(4)
	go a.eventLoop()
	go a.pairLoop()
	go a.spanLoop()
	go a.cleanupLoop()

	if a.requestMetrics != nil {
		a.wg.Add(1)
		go a.metricsLoop()
	}

	callbacks := a.callbacks()
	if err := a.hookProvider.Start(a.ctx, callbacks); err != nil {
		// Keep the agent alive for health and diagnostics; capture comes
		// back when the operator fixes the provider and restarts.
		a.logger.Error("hook provider failed to start, continuing with stub",
			zap.String("provider", a.hookProvider.Name()),
			zap.Error(err),
		)
		a.hookProvider = hookebpf.NewStubProvider(err.Error(), a.logger)
		if err := a.hookProvider.Start(a.ctx, callbacks); err != nil {
			return fmt.Errorf("start stub provider: %w", err)
		}
	}

	if cfg.Hook.OnDemand {
		a.logger.Info("capture is on-demand, starting dormant")
	} else if err := a.hookProvider.EnableCapture(); err != nil {
		a.logger.Warn("enable capture", zap.Error(err))
	}

	if a.healthServer != nil {
		a.healthServer.SetProvider(a.hookProvider.Name())
		if err := a.healthServer.Start(a.ctx); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		a.healthServer.SetReady(true)
	}

	a.logger.Info("tlscope agent started")
	return nil
}

// callbacks builds the hook callback set. Callbacks run on the provider's
// reader goroutine: everything here is either lock-free or hands off to a
// buffered channel.
func (a *Agent) callbacks() hook.Callbacks {
	stats := a.healthStats
	return hook.Callbacks{
		OnSocketConnect: func(pid, tid uint32, fd int32, src, dst netip.AddrPort, netns uint32, ts uint64) {
			stats.EventsReceived.Add(1)
			a.store.Establish(pid, fd, src, dst, tuple.ProtoTCP, netns, sockets.Outbound)
		},
		OnSocketAccept: func(pid, tid uint32, fd int32, src, dst netip.AddrPort, netns uint32, ts uint64) {
			stats.EventsReceived.Add(1)
			a.store.Establish(pid, fd, src, dst, tuple.ProtoTCP, netns, sockets.Inbound)
			// Accepted connections produce SERVER spans. Mark the stream
			// now; plaintext may arrive before any other signal tells the
			// reassembler which side initiated.
			if raw, err := a.resolver.Resolve(pid, fd, tuple.ProtoTCP); err == nil {
				a.reassembler.SetDirection(a.normalizer.Normalize(raw), reassembly.DirectionInbound)
			}
		},
		OnSocketSend: func(pid, tid uint32, fd int32, ts uint64) {
			stats.EventsReceived.Add(1)
			a.engine.HandleSocketSend(pid, tid, fd)
		},
		OnSocketClose: func(pid, tid uint32, fd int32, ts uint64) {
			stats.EventsReceived.Add(1)
			a.store.Remove(pid, fd)
		},
		OnSessionInit: func(pid, tid uint32, handle uint64, fd int32, ts uint64) {
			stats.EventsReceived.Add(1)
			stats.SessionsOpened.Add(1)
			a.engine.HandleSessionInit(pid, tid, handle, fd)
			// The socket may predate the agent; make sure it is tracked so
			// the tuple can be resolved from /proc on first data.
			if fd >= 0 {
				a.store.Track(pid, fd, tuple.ProtoTCP)
			}
		},
		OnSessionWrite: func(pid, tid uint32, handle uint64, data []byte, originalLen uint32, ts uint64) {
			stats.EventsReceived.Add(1)
			a.engine.HandleSessionData(pid, tid, handle, correlation.DirOutbound, data, int(originalLen))
		},
		OnSessionRead: func(pid, tid uint32, handle uint64, data []byte, originalLen uint32, ts uint64) {
			stats.EventsReceived.Add(1)
			a.engine.HandleSessionData(pid, tid, handle, correlation.DirInbound, data, int(originalLen))
		},
		OnSessionClose: func(pid, tid uint32, handle uint64, ts uint64) {
			stats.EventsReceived.Add(1)
			stats.SessionsClosed.Add(1)
			a.engine.HandleSessionClose(pid, tid, handle)
		},
		OnProcessExec: func(pid uint32, ts uint64) {
			stats.EventsReceived.Add(1)
			if a.discoverer != nil {
				a.discoverer.InvalidateCache(pid)
			}
		},
	}
}

func (a *Agent) eventLoop() {
	defer a.wg.Done()
	for {
		select {
		case ev := <-a.eventCh:
			a.reassembler.Consume(ev)
		case <-a.ctx.Done():
			// Drain so buffered close events still finalize their streams.
			for {
				select {
				case ev := <-a.eventCh:
					a.reassembler.Consume(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Agent) pairLoop() {
	defer a.wg.Done()
	for {
		select {
		case pair := <-a.pairCh:
			a.traceProc.ProcessPair(pair)
		case <-a.ctx.Done():
			for {
				select {
				case pair := <-a.pairCh:
					a.traceProc.ProcessPair(pair)
				default:
					return
				}
			}
		}
	}
}

func (a *Agent) spanLoop() {
	defer a.wg.Done()
	for {
		select {
		case span := <-a.spanCh:
			a.processSpan(span)
		case <-a.ctx.Done():
			for {
				select {
				case span := <-a.spanCh:
					a.processSpan(span)
				default:
					return
				}
			}
		}
	}
}

// processSpan applies sampling, enrichment, and redaction, then records and
// exports. Runs on the span loop only.
func (a *Agent) processSpan(span *traces.Span) {
	cfg := a.cfg.Load()

	if !a.sampler.Load().ShouldSample(span.TraceID, span.Status == traces.StatusError) {
		a.healthStats.SpansDropped.Add(1)
		return
	}

	// Attribute the span to the observed process. The configured name wins
	// when set; "auto" asks discovery to name the PID.
	serviceName := cfg.ServiceName
	if serviceName == "" || serviceName == "auto" {
		if a.discoverer != nil {
			serviceName = a.discoverer.GetServiceName(span.PID)
		} else {
			serviceName = "tlscope-agent"
		}
	}
	span.ServiceName = serviceName

	// Low-cardinality route for grouping; the raw path stays in url.path.
	if path, ok := span.Attributes["url.path"]; ok {
		route := redact.NormalizePath(path)
		span.SetAttribute("http.route", route)
		if span.Kind == traces.SpanKindServer {
			if method, ok := span.Attributes["http.request.method"]; ok {
				span.Name = method + " " + route
			}
		}
	}

	a.redactor.Load().RedactMap(span.Attributes, "url.query", "url.path", "http.route")

	// Name well-known backend ports so client spans read as dependencies.
	if span.Kind == traces.SpanKindClient && a.discoverer != nil && span.PeerPort != 0 {
		if peer, ok := a.discoverer.LookupPort(span.PeerPort); ok {
			span.SetAttribute("peer.service", peer)
		}
	}

	// Client spans draw the service map: one edge per caller/callee pair.
	if span.Kind == traces.SpanKindClient {
		dst := span.Attributes["peer.service"]
		if dst == "" {
			dst = span.PeerAddr
		}
		if dst != "" {
			a.serviceMap.RecordSpan(serviceName, dst, span.PeerPort,
				span.Protocol, span.Status == traces.StatusError, span.Duration)
		}
	}

	if a.requestMetrics != nil {
		a.requestMetrics.RecordSpan(span)
	}

	a.exporter.ExportSpan(span)
	a.healthStats.SpansExported.Add(1)
}

// cleanupLoop periodically sweeps stale socket, stream, and discovery state.
// Session and pending sweeps belong to the engine's own loop.
func (a *Agent) cleanupLoop() {
	defer a.wg.Done()

	interval := a.cfg.Load().Correlation.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.runCleanup()
			if cur := a.cfg.Load().Correlation.CleanupInterval; cur > 0 && cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Agent) runCleanup() {
	cfg := a.cfg.Load()

	socks := a.store.CleanStale(cfg.Correlation.SocketTTL)
	streams := a.reassembler.CleanStale(cfg.Tracing.StreamIdle)
	a.serviceMap.CleanStale(30 * time.Minute)

	if a.discoverer != nil {
		a.discoverer.CleanDeadProcesses()
		if len(cfg.Discovery.ProcessNames) > 0 {
			a.discoverer.ScanProcesses(cfg.Discovery.ProcessNames)
		}
	}

	// The engine owns resolution accounting; mirror its counters into the
	// health block where the /metrics endpoint can see them.
	es := a.engine.Stats()
	a.healthStats.TuplesResolved.Store(es.Registry.Resolves + es.Bridged)
	a.healthStats.ResolveFailures.Store(es.Registry.Misses + es.BridgeMisses)

	if socks > 0 || streams > 0 {
		a.logger.Debug("cleaned stale state",
			zap.Int("sockets", socks),
			zap.Int("streams", streams),
		)
	}
}

// metricsLoop flushes aggregated request metrics on the configured interval.
func (a *Agent) metricsLoop() {
	defer a.wg.Done()

	interval := a.cfg.Load().Metrics.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for _, m := range a.requestMetrics.Collect(now) {
				a.exporter.ExportMetric(m)
				a.healthStats.MetricsExported.Add(1)
			}
			if cur := a.cfg.Load().Metrics.Interval; cur > 0 && cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Stop shuts the pipeline down: intake first so nothing new enters, the
// exporter last so buffered telemetry drains.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel == nil {
		return nil
	}

	a.logger.Info("stopping tlscope agent")

	if a.healthServer != nil {
		a.healthServer.SetReady(false)
	}

	if err := a.hookProvider.Stop(); err != nil {
		a.logger.Warn("hook provider stop", zap.Error(err))
	}

	a.cancel()
	a.wg.Wait()
	a.engine.Stop()

	if a.healthServer != nil {
		if err := a.healthServer.Stop(); err != nil {
			a.logger.Warn("health server stop", zap.Error(err))
		}
	}

	if err := a.exporter.Stop(); err != nil {
		a.logger.Warn("export manager stop", zap.Error(err))
	}

	spans, mets := a.exporter.Stats()
	a.logger.Info("tlscope agent stopped",
		zap.Int64("events_received", a.healthStats.EventsReceived.Load()),
		zap.Int64("spans_exported", spans),
		zap.Int64("metrics_exported", mets),
		zap.Int64("export_drops", a.exporter.DropCount()),
	)

	a.cancel = nil
	a.ctx = nil
	return nil
}

// Reload applies a new validated configuration. Tunables that do not
// require re-wiring take effect immediately; the rest need a restart and
// are called out in the log.
func (a *Agent) Reload(newCfg *config.Config) error {
	if newCfg == nil {
		return errors.New("nil config")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	old := a.cfg.Load()
	a.cfg.Store(newCfg)

	a.engine.SetTTLs(
		newCfg.Correlation.SessionTTL,
		newCfg.Correlation.PendingTTL,
		newCfg.Correlation.CleanupInterval,
	)

	if old.Tracing.Sampling.Rate != newCfg.Tracing.Sampling.Rate {
		a.sampler.Store(traces.NewSampler(newCfg.Tracing.Sampling.Rate))
	}
	if redactionChanged(old, newCfg) {
		a.redactor.Store(buildRedactor(newCfg, a.logger))
	}

	// Leaving on-demand mode turns capture on; entering it leaves the
	// current state for the operator to control.
	if old.Hook.OnDemand && !newCfg.Hook.OnDemand && !a.hookProvider.IsCaptureEnabled() {
		if err := a.hookProvider.EnableCapture(); err != nil {
			a.logger.Warn("enable capture after reload", zap.Error(err))
		}
	}

	if restartRequired(old, newCfg) {
		a.logger.Warn("some changed settings (provider, exporters, health port, session capacity) require a restart")
	}

	a.logger.Info("configuration reloaded",
		zap.Float64("sampling_rate", newCfg.Tracing.Sampling.Rate),
		zap.Duration("session_ttl", newCfg.Correlation.SessionTTL),
		zap.Duration("pending_ttl", newCfg.Correlation.PendingTTL),
	)
	return nil
}

func redactionChanged(old, cur *config.Config) bool {
	if old.Redaction.Enabled != cur.Redaction.Enabled {
		return true
	}
	if len(old.Redaction.Rules) != len(cur.Redaction.Rules) {
		return true
	}
	for i := range old.Redaction.Rules {
		if old.Redaction.Rules[i] != cur.Redaction.Rules[i] {
			return true
		}
	}
	return false
}

func restartRequired(old, cur *config.Config) bool {
	return old.Hook.Provider != cur.Hook.Provider ||
		old.Hook.SocketPath != cur.Hook.SocketPath ||
		old.Hook.BPFObjectPath != cur.Hook.BPFObjectPath ||
		old.Health.Port != cur.Health.Port ||
		old.Correlation.SessionCapacity != cur.Correlation.SessionCapacity ||
		old.Exporters.OTLP.Endpoint != cur.Exporters.OTLP.Endpoint ||
		old.Exporters.OTLP.Protocol != cur.Exporters.OTLP.Protocol
}

// EnableCapture turns on payload capture in hooked processes.
func (a *Agent) EnableCapture() error { return a.hookProvider.EnableCapture() }

// DisableCapture makes the hooks pass-through again.
func (a *Agent) DisableCapture() error { return a.hookProvider.DisableCapture() }

// CaptureEnabled reports the current capture state.
func (a *Agent) CaptureEnabled() bool { return a.hookProvider.IsCaptureEnabled() }
