// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package servicemap accumulates a service dependency graph from observed
// traffic. Completed client calls become directed edges annotated with
// call counts, error counts, and latency.
package servicemap

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Edge is a directed dependency between two services, aggregated over
// every observed call.
type Edge struct {
	Source       string
	Destination  string
	Port         uint16
	Protocol     string
	Count        uint64
	ErrorCount   uint64
	TotalLatency time.Duration
	LastSeen     time.Time
}

// AvgLatency returns the mean latency across all calls on the edge.
func (e *Edge) AvgLatency() time.Duration {
	if e.Count == 0 {
		return 0
	}
	return e.TotalLatency / time.Duration(e.Count)
}

// ErrorRate returns the fraction of calls that ended in error.
func (e *Edge) ErrorRate() float64 {
	if e.Count == 0 {
		return 0
	}
	return float64(e.ErrorCount) / float64(e.Count)
}

// Generator builds a service dependency graph from observed connections
// and request spans.
type Generator struct {
	logger *zap.Logger

	mu    sync.RWMutex
	edges map[string]*Edge // key: "src->dst:port"
}

// NewGenerator creates a new service map generator.
func NewGenerator(logger *zap.Logger) *Generator {
	return &Generator{
		logger: logger,
		edges:  make(map[string]*Edge),
	}
}

// edge returns the edge for the triple, creating it on first sight.
// Caller holds g.mu.
func (g *Generator) edge(source, destination string, port uint16) *Edge {
	key := fmt.Sprintf("%s->%s:%d", source, destination, port)
	e, ok := g.edges[key]
	if !ok {
		e = &Edge{
			Source:      source,
			Destination: destination,
			Port:        port,
		}
		g.edges[key] = e
	}
	return e
}

// RecordSpan folds a completed client call into the map, carrying the
// request protocol, outcome, and latency.
func (g *Generator) RecordSpan(source, destination string, port uint16, protocol string, isError bool, duration time.Duration) {
	g.mu.Lock()
	e := g.edge(source, destination, port)
	e.Count++
	if isError {
		e.ErrorCount++
	}
	if protocol != "" {
		e.Protocol = protocol
	}
	e.TotalLatency += duration
	e.LastSeen = time.Now()
	g.mu.Unlock()
}

// RecordConnection records a connection for which no request detail is
// known yet. The edge gains protocol and latency once spans arrive.
func (g *Generator) RecordConnection(source, destination string, port uint16) {
	g.mu.Lock()
	e := g.edge(source, destination, port)
	e.Count++
	e.LastSeen = time.Now()
	g.mu.Unlock()
}

// GetEdges returns a copy of all edges, ordered by source, destination,
// and port so endpoint output is stable.
func (g *Generator) GetEdges() []*Edge {
	g.mu.RLock()
	edges := make([]*Edge, 0, len(g.edges))
	for _, e := range g.edges {
		c := *e
		edges = append(edges, &c)
	}
	g.mu.RUnlock()

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		if edges[i].Destination != edges[j].Destination {
			return edges[i].Destination < edges[j].Destination
		}
		return edges[i].Port < edges[j].Port
	})
	return edges
}

// GetServices returns all unique service names, sorted.
func (g *Generator) GetServices() []string {
	g.mu.RLock()
	services := make(map[string]bool)
	for _, e := range g.edges {
		services[e.Source] = true
		services[e.Destination] = true
	}
	g.mu.RUnlock()

	result := make([]string, 0, len(services))
	for s := range services {
		result = append(result, s)
	}
	sort.Strings(result)
	return result
}

// ExportDOT generates a Graphviz DOT representation of the service map.
// Edges where at least half the calls failed render red.
func (g *Generator) ExportDOT() string {
	edges := g.GetEdges()

	var sb strings.Builder
	sb.WriteString("digraph ServiceMap {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	seen := make(map[string]bool)
	for _, e := range edges {
		for _, svc := range []string{e.Source, e.Destination} {
			if !seen[svc] {
				seen[svc] = true
				sb.WriteString(fmt.Sprintf("  \"%s\";\n", escapeDOT(svc)))
			}
		}
	}
	sb.WriteString("\n")

	for _, e := range edges {
		proto := e.Protocol
		if proto == "" {
			proto = "tcp"
		}
		label := fmt.Sprintf("%s :%d\\n%d calls", proto, e.Port, e.Count)
		if e.ErrorCount > 0 {
			label += fmt.Sprintf(", %d errors", e.ErrorCount)
		}
		attrs := fmt.Sprintf("label=\"%s\"", label)
		if e.ErrorRate() >= 0.5 {
			attrs += ", color=red"
		}
		sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n",
			escapeDOT(e.Source), escapeDOT(e.Destination), attrs))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func escapeDOT(s string) string {
	return strings.ReplaceAll(s, "\"", "\\\"")
}

// CleanStale removes edges that haven't been seen in maxAge.
func (g *Generator) CleanStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	g.mu.Lock()
	for key, e := range g.edges {
		if e.LastSeen.Before(cutoff) {
			delete(g.edges, key)
			removed++
		}
	}
	g.mu.Unlock()

	return removed
}

// EdgeCount returns the number of edges.
func (g *Generator) EdgeCount() int {
	g.mu.RLock()
	n := len(g.edges)
	g.mu.RUnlock()
	return n
}
