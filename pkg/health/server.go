// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/tlscope/pkg/servicemap"
)

// Server provides health, readiness, and metrics HTTP endpoints.
type Server struct {
	logger     *zap.Logger
	stats      *Stats
	version    string
	addr       string
	ready      atomic.Bool
	provider   atomic.Value // string: active hook provider name
	serviceMap *servicemap.Generator
	server     *http.Server
}

// NewServer creates a health server.
func NewServer(addr, version string, stats *Stats, logger *zap.Logger) *Server {
	return &Server{
		addr:    addr,
		version: version,
		stats:   stats,
		logger:  logger,
	}
}

// SetReady marks the agent as ready to serve traffic.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// SetProvider records the active hook provider name for the health report.
func (s *Server) SetProvider(name string) {
	s.provider.Store(name)
}

// SetServiceMap attaches a dependency graph to serve at /servicemap.
// Must be called before Start.
func (s *Server) SetServiceMap(sm *servicemap.Generator) {
	s.serviceMap = sm
}

// Start begins serving health endpoints.
func (s *Server) Start(_ context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/stats", s.handleStats)
	if s.serviceMap != nil {
		mux.HandleFunc("/servicemap", s.handleServiceMap)
	}

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()

	s.logger.Info("health server started", zap.String("addr", s.addr))
	return nil
}

// Stop gracefully shuts down the health server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Provider string `json:"provider,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Version: s.version,
		Uptime:  s.stats.Uptime().Truncate(time.Second).String(),
	}
	if p, ok := s.provider.Load().(string); ok {
		resp.Provider = p
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not_ready"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ready"}`))
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(s.stats.PrometheusMetrics()))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.stats.Snapshot())
}

type serviceMapEdge struct {
	Source       string    `json:"source"`
	Destination  string    `json:"destination"`
	Port         uint16    `json:"port"`
	Protocol     string    `json:"protocol,omitempty"`
	Calls        uint64    `json:"calls"`
	Errors       uint64    `json:"errors"`
	ErrorRate    float64   `json:"error_rate"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastSeen     time.Time `json:"last_seen"`
}

type serviceMapResponse struct {
	Services []string         `json:"services"`
	Edges    []serviceMapEdge `json:"edges"`
}

func (s *Server) handleServiceMap(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "dot" {
		w.Header().Set("Content-Type", "text/vnd.graphviz")
		w.Write([]byte(s.serviceMap.ExportDOT()))
		return
	}

	edges := s.serviceMap.GetEdges()
	resp := serviceMapResponse{
		Services: s.serviceMap.GetServices(),
		Edges:    make([]serviceMapEdge, 0, len(edges)),
	}
	for _, e := range edges {
		resp.Edges = append(resp.Edges, serviceMapEdge{
			Source:       e.Source,
			Destination:  e.Destination,
			Port:         e.Port,
			Protocol:     e.Protocol,
			Calls:        e.Count,
			Errors:       e.ErrorCount,
			ErrorRate:    e.ErrorRate(),
			AvgLatencyMS: float64(e.AvgLatency()) / float64(time.Millisecond),
			LastSeen:     e.LastSeen,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
