package traces

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mbeema/tlscope/pkg/protocol"
	"github.com/mbeema/tlscope/pkg/reassembly"
)

// Processor converts request/response pairs into OTEL spans.
type Processor struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	callbacks []func(*Span)
}

// NewProcessor creates a new trace processor.
func NewProcessor(logger *zap.Logger) *Processor {
	return &Processor{
		logger: logger,
	}
}

// OnSpan registers a callback for completed spans.
func (p *Processor) OnSpan(fn func(*Span)) {
	p.mu.Lock()
	p.callbacks = append(p.callbacks, fn)
	p.mu.Unlock()
}

func (p *Processor) emitSpan(span *Span) {
	p.mu.RLock()
	cbs := p.callbacks
	p.mu.RUnlock()

	for _, cb := range cbs {
		cb(span)
	}
}

// ProcessPair converts one reassembled exchange into a span.
func (p *Processor) ProcessPair(pair *reassembly.RequestPair) {
	if pair == nil {
		return
	}

	attrs, err := protocol.ParseHTTP(pair.Request, pair.Response)
	if err != nil {
		p.logger.Debug("parse error", zap.Error(err))
		return
	}

	// Inbound (accept) → SERVER, outbound (connect) → CLIENT.
	kind := SpanKindClient
	if pair.Direction == reassembly.DirectionInbound {
		kind = SpanKindServer
	}

	// The normalized tuple keeps the connection initiator on the source
	// side, so the peer is the destination for outbound connections and
	// the source for accepted ones.
	peer := pair.Tuple.DstAddr
	peerPort := pair.Tuple.DstPort
	if kind == SpanKindServer {
		peer = pair.Tuple.SrcAddr
		peerPort = pair.Tuple.SrcPort
	}

	span := &Span{
		Name:       attrs.Name,
		Kind:       kind,
		StartTime:  pair.RequestTime,
		EndTime:    pair.RequestTime.Add(pair.Duration),
		Duration:   pair.Duration,
		PID:        pair.PID,
		TID:        pair.TID,
		Protocol:   attrs.Protocol,
		Attributes: make(map[string]string),
	}
	if peer.IsValid() {
		span.PeerAddr = peer.String()
		span.PeerPort = peerPort
	}

	// Join the caller's trace when the request carried W3C context.
	traceCtx := protocol.ExtractTraceContext(pair.Request)
	if traceCtx.TraceID != "" {
		span.TraceID = traceCtx.TraceID
		span.ParentSpanID = traceCtx.SpanID
		span.TraceState = traceCtx.TraceState
	}
	if span.TraceID == "" {
		span.TraceID = GenerateTraceID()
	}
	span.SpanID = GenerateSpanID()

	switch {
	case attrs.Error:
		span.Status = StatusError
		span.StatusMsg = attrs.ErrorMsg
	case pair.Partial && attrs.HTTPStatusCode == 0:
		span.SetError("connection closed before response")
		span.SetAttribute("error.type", "connection_closed")
	default:
		span.Status = StatusOK
	}

	p.setHTTPAttributes(span, attrs)

	if span.PeerAddr != "" {
		span.SetAttribute("network.peer.address", span.PeerAddr)
		span.SetAttribute("network.peer.port", fmt.Sprintf("%d", span.PeerPort))
	}
	span.SetAttribute("network.transport", "tcp")
	span.SetAttribute("process.pid", fmt.Sprintf("%d", pair.PID))
	span.SetAttribute("thread.id", fmt.Sprintf("%d", pair.TID))
	if pair.Truncated {
		span.SetAttribute("capture.truncated", "true")
	}

	p.emitSpan(span)
}

// setHTTPAttributes applies stable HTTP semantic conventions (v1.23+).
func (p *Processor) setHTTPAttributes(span *Span, attrs *protocol.SpanAttributes) {
	if attrs.HTTPMethod != "" {
		span.SetAttribute("http.request.method", attrs.HTTPMethod)
	}
	if attrs.HTTPPath != "" {
		span.SetAttribute("url.path", attrs.HTTPPath)
	}
	if attrs.HTTPQuery != "" {
		span.SetAttribute("url.query", attrs.HTTPQuery)
	}
	if attrs.HTTPStatusCode > 0 {
		span.SetAttribute("http.response.status_code", fmt.Sprintf("%d", attrs.HTTPStatusCode))
	}
	if attrs.HTTPHost != "" {
		span.SetAttribute("server.address", attrs.HTTPHost)
	}
	if attrs.HTTPUserAgent != "" {
		span.SetAttribute("user_agent.original", attrs.HTTPUserAgent)
	}
	// Everything observed here came out of a TLS session.
	span.SetAttribute("url.scheme", "https")
	if attrs.Error && attrs.HTTPStatusCode >= 400 {
		span.SetAttribute("error.type", fmt.Sprintf("%d", attrs.HTTPStatusCode))
	}
}
