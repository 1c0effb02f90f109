package traces

import (
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/tlscope/pkg/reassembly"
	"github.com/mbeema/tlscope/pkg/tuple"
)

func pairTuple() tuple.Tuple {
	return tuple.Tuple{
		SrcAddr: netip.MustParseAddr("192.168.1.10"),
		DstAddr: netip.MustParseAddr("10.1.2.3"),
		SrcPort: 51000,
		DstPort: 443,
		Proto:   tuple.ProtoTCP,
	}
}

func TestProcessPairClientSpan(t *testing.T) {
	p := NewProcessor(zap.NewNop())
	var spans []*Span
	p.OnSpan(func(s *Span) { spans = append(spans, s) })

	start := time.Now().Add(-50 * time.Millisecond)
	p.ProcessPair(&reassembly.RequestPair{
		Tuple:       pairTuple(),
		PID:         42,
		TID:         43,
		Request:     []byte("GET /api/users?page=1 HTTP/1.1\r\nHost: api.internal\r\n\r\n"),
		Response:    []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n{}"),
		RequestTime: start,
		Duration:    50 * time.Millisecond,
		Direction:   reassembly.DirectionOutbound,
	})

	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Kind != SpanKindClient {
		t.Errorf("Kind = %v, want CLIENT", s.Kind)
	}
	if s.Name != "GET /api/users" {
		t.Errorf("Name = %q, want GET /api/users", s.Name)
	}
	// Outbound: the peer is the destination side of the tuple.
	if s.PeerAddr != "10.1.2.3" || s.PeerPort != 443 {
		t.Errorf("peer = %s:%d, want 10.1.2.3:443", s.PeerAddr, s.PeerPort)
	}
	if s.Status != StatusOK {
		t.Errorf("Status = %v, want OK", s.Status)
	}
	if s.TraceID == "" || s.SpanID == "" {
		t.Error("span IDs not generated")
	}
	if got := s.Attributes["url.scheme"]; got != "https" {
		t.Errorf("url.scheme = %q, want https", got)
	}
	if got := s.Attributes["http.response.status_code"]; got != "200" {
		t.Errorf("status attribute = %q, want 200", got)
	}
	if got := s.Attributes["url.query"]; got != "page=1" {
		t.Errorf("url.query = %q, want page=1", got)
	}
}

func TestProcessPairServerSpanPeerIsSource(t *testing.T) {
	p := NewProcessor(zap.NewNop())
	var spans []*Span
	p.OnSpan(func(s *Span) { spans = append(spans, s) })

	p.ProcessPair(&reassembly.RequestPair{
		Tuple:     pairTuple(),
		Request:   []byte("GET / HTTP/1.1\r\nHost: me\r\n\r\n"),
		Response:  []byte("HTTP/1.1 204 No Content\r\n\r\n"),
		Direction: reassembly.DirectionInbound,
	})

	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Kind != SpanKindServer {
		t.Errorf("Kind = %v, want SERVER", s.Kind)
	}
	// Inbound: the initiator (normalized source) is the remote peer.
	if s.PeerAddr != "192.168.1.10" || s.PeerPort != 51000 {
		t.Errorf("peer = %s:%d, want 192.168.1.10:51000", s.PeerAddr, s.PeerPort)
	}
}

func TestProcessPairJoinsCallerTrace(t *testing.T) {
	p := NewProcessor(zap.NewNop())
	var spans []*Span
	p.OnSpan(func(s *Span) { spans = append(spans, s) })

	req := "GET / HTTP/1.1\r\n" +
		"traceparent: 00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01\r\n" +
		"tracestate: congo=t61rcWkgMzE\r\n\r\n"
	p.ProcessPair(&reassembly.RequestPair{
		Tuple:     pairTuple(),
		Request:   []byte(req),
		Response:  []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"),
		Direction: reassembly.DirectionInbound,
	})

	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.TraceID != "0af7651916cd43dd8448eb211c80319c" {
		t.Errorf("TraceID = %q, want the propagated trace", s.TraceID)
	}
	if s.ParentSpanID != "b7ad6b7169203331" {
		t.Errorf("ParentSpanID = %q, want the caller span", s.ParentSpanID)
	}
	if s.SpanID == s.ParentSpanID || s.SpanID == "" {
		t.Errorf("SpanID = %q, want a fresh ID", s.SpanID)
	}
	if s.TraceState != "congo=t61rcWkgMzE" {
		t.Errorf("TraceState = %q", s.TraceState)
	}
}

func TestProcessPairErrorStatus(t *testing.T) {
	p := NewProcessor(zap.NewNop())
	var spans []*Span
	p.OnSpan(func(s *Span) { spans = append(spans, s) })

	p.ProcessPair(&reassembly.RequestPair{
		Tuple:    pairTuple(),
		Request:  []byte("GET /boom HTTP/1.1\r\nHost: x\r\n\r\n"),
		Response: []byte("HTTP/1.1 503 Service Unavailable\r\n\r\n"),
	})

	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Status != StatusError {
		t.Errorf("Status = %v, want ERROR", s.Status)
	}
	if got := s.Attributes["error.type"]; got != "503" {
		t.Errorf("error.type = %q, want 503", got)
	}
}

func TestProcessPairPartialNoResponse(t *testing.T) {
	p := NewProcessor(zap.NewNop())
	var spans []*Span
	p.OnSpan(func(s *Span) { spans = append(spans, s) })

	p.ProcessPair(&reassembly.RequestPair{
		Tuple:   pairTuple(),
		Request: []byte("GET /abandoned HTTP/1.1\r\nHost: x\r\n\r\n"),
		Partial: true,
	})

	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Status != StatusError {
		t.Errorf("Status = %v, want ERROR for an abandoned request", s.Status)
	}
	if len(s.Events) == 0 || s.Events[0].Name != "exception" {
		t.Error("expected an exception event on the abandoned span")
	}
	if got := s.Attributes["error.type"]; got != "connection_closed" {
		t.Errorf("error.type = %q, want connection_closed", got)
	}
}

func TestProcessPairTruncatedAttribute(t *testing.T) {
	p := NewProcessor(zap.NewNop())
	var spans []*Span
	p.OnSpan(func(s *Span) { spans = append(spans, s) })

	p.ProcessPair(&reassembly.RequestPair{
		Tuple:     pairTuple(),
		Request:   []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"),
		Response:  []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"),
		Truncated: true,
	})

	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if got := spans[0].Attributes["capture.truncated"]; got != "true" {
		t.Errorf("capture.truncated = %q, want true", got)
	}
}
