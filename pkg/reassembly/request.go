// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/tlscope/pkg/correlation"
	"github.com/mbeema/tlscope/pkg/tuple"
)

// Connection direction relative to the observed process.
const (
	DirectionOutbound = 0 // locally initiated (connect)
	DirectionInbound  = 1 // accepted from a peer
)

// RequestPair represents a matched request and response on a connection.
// For outbound connections the request is what the process wrote; for
// inbound connections the roles are reversed.
type RequestPair struct {
	Tuple tuple.Tuple
	PID   uint32
	TID   uint32

	Request     []byte
	Response    []byte
	RequestTime time.Time
	Duration    time.Duration

	// Truncated is set when the capture layer shortened any buffer that
	// contributed to this connection.
	Truncated bool

	// Partial is set when the stream terminated before a complete pair
	// could be framed; one side may be empty.
	Partial bool

	// Direction: DirectionOutbound or DirectionInbound.
	Direction int
}

// streamState tracks per-connection parsing state.
type streamState struct {
	mu sync.Mutex // serializes extraction and flush

	stream    *Stream
	decided   bool // protocol sniffed
	isHTTP    bool
	truncated bool
	direction int
	lastPID   uint32
	lastTID   uint32
}

// Reassembler groups correlated plaintext by connection tuple and emits
// request/response pairs. Only HTTP/1.x is framed; streams carrying
// anything else are drained without emitting.
type Reassembler struct {
	mu      sync.RWMutex
	streams map[tuple.Tuple]*streamState
	logger  *zap.Logger
	onPair  func(*RequestPair)
}

// NewReassembler creates a new stream reassembler.
func NewReassembler(logger *zap.Logger) *Reassembler {
	return &Reassembler{
		streams: make(map[tuple.Tuple]*streamState),
		logger:  logger,
	}
}

// OnPair registers a callback for completed request/response pairs.
func (r *Reassembler) OnPair(fn func(*RequestPair)) {
	r.onPair = fn
}

// Consume feeds one correlated observation into its stream. Events whose
// tuple never resolved carry a zero tuple and are skipped: there is no
// connection to pair them with.
func (r *Reassembler) Consume(ev correlation.Event) {
	if ev.Tuple.IsZero() {
		return
	}
	if ev.StreamDone {
		r.removeStream(ev.Tuple, ev.PID, ev.TID)
		return
	}
	if len(ev.Data) == 0 {
		return
	}

	ss := r.getOrCreate(ev.Tuple)

	ss.mu.Lock()
	ss.lastPID = ev.PID
	ss.lastTID = ev.TID
	if ev.OriginalLen > len(ev.Data) {
		ss.truncated = true
	}
	ss.mu.Unlock()

	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	if ev.Direction == correlation.DirInbound {
		ss.stream.AppendRecv(ev.Data, at)
	} else {
		ss.stream.AppendSend(ev.Data, at)
	}

	r.tryExtractPairs(ss)
}

// SetDirection records the connection direction for a tuple, creating the
// stream if data has not arrived yet. Accept notifications usually land
// before the first read.
func (r *Reassembler) SetDirection(tup tuple.Tuple, direction int) {
	if tup.IsZero() {
		return
	}
	ss := r.getOrCreate(tup)
	ss.mu.Lock()
	ss.direction = direction
	ss.mu.Unlock()
}

func (r *Reassembler) getOrCreate(tup tuple.Tuple) *streamState {
	r.mu.RLock()
	ss, ok := r.streams[tup]
	r.mu.RUnlock()

	if ok {
		return ss
	}

	r.mu.Lock()
	if ss, ok = r.streams[tup]; ok {
		r.mu.Unlock()
		return ss
	}
	ss = &streamState{stream: NewStream(tup)}
	r.streams[tup] = ss
	r.mu.Unlock()

	return ss
}

// tryExtractPairs extracts complete request/response pairs, looping to
// handle pipelined exchanges.
func (r *Reassembler) tryExtractPairs(ss *streamState) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	s := ss.stream

	for {
		s.mu.Lock()
		reqBuf, respBuf := s.sendBuf, s.recvBuf
		reqTime, respTime := s.lastSend, s.lastRecv
		if ss.direction == DirectionInbound {
			reqBuf, respBuf = respBuf, reqBuf
			reqTime, respTime = respTime, reqTime
		}
		s.mu.Unlock()

		if len(reqBuf) == 0 || len(respBuf) == 0 {
			return
		}

		if !ss.decided {
			switch {
			case looksLikeHTTP(reqBuf):
				ss.isHTTP = true
				ss.decided = true
			case len(reqBuf) >= maxMethodLen:
				ss.decided = true
				r.logger.Debug("stream is not HTTP, draining",
					zap.Stringer("tuple", s.Tuple),
				)
			default:
				return // too short to rule out HTTP yet
			}
		}
		if !ss.isHTTP {
			// Unparseable payloads would otherwise sit in the buffers
			// until the connection closes.
			s.Reset()
			return
		}

		reqLen := frameHTTP(reqBuf, true)
		if reqLen <= 0 {
			return // incomplete request
		}
		respLen := frameHTTP(respBuf, false)
		if respLen <= 0 {
			return // incomplete response
		}

		pair := &RequestPair{
			Tuple:       s.Tuple,
			PID:         ss.lastPID,
			TID:         ss.lastTID,
			Request:     make([]byte, reqLen),
			Response:    make([]byte, respLen),
			RequestTime: reqTime,
			Duration:    respTime.Sub(reqTime),
			Truncated:   ss.truncated,
			Direction:   ss.direction,
		}
		copy(pair.Request, reqBuf[:reqLen])
		copy(pair.Response, respBuf[:respLen])

		// Consume exactly what was framed. Appends may have extended the
		// buffers since the snapshot; the framed prefix is still valid.
		s.mu.Lock()
		if ss.direction == DirectionInbound {
			s.recvBuf = s.recvBuf[reqLen:]
			s.sendBuf = s.sendBuf[respLen:]
		} else {
			s.sendBuf = s.sendBuf[reqLen:]
			s.recvBuf = s.recvBuf[respLen:]
		}
		s.mu.Unlock()

		if pair.Duration < 0 {
			pair.Duration = 0
		}

		if r.onPair != nil {
			r.onPair(pair)
		}
	}
}

// removeStream drops a stream and emits any remaining HTTP data as a
// partial pair, so a request still waiting on its response at connection
// close is not lost.
func (r *Reassembler) removeStream(tup tuple.Tuple, pid, tid uint32) {
	r.mu.Lock()
	ss, ok := r.streams[tup]
	delete(r.streams, tup)
	r.mu.Unlock()

	if !ok {
		return
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	s := ss.stream
	if !s.HasData() || r.onPair == nil {
		return
	}

	s.mu.Lock()
	reqBuf, respBuf := s.sendBuf, s.recvBuf
	reqTime, respTime := s.lastSend, s.lastRecv
	if ss.direction == DirectionInbound {
		reqBuf, respBuf = respBuf, reqBuf
		reqTime, respTime = respTime, reqTime
	}
	if !ss.decided {
		ss.isHTTP = looksLikeHTTP(reqBuf) || looksLikeHTTP(respBuf)
		ss.decided = true
	}
	if !ss.isHTTP {
		s.mu.Unlock()
		return
	}
	if pid == 0 {
		pid = ss.lastPID
	}
	if tid == 0 {
		tid = ss.lastTID
	}
	pair := &RequestPair{
		Tuple:       s.Tuple,
		PID:         pid,
		TID:         tid,
		Request:     make([]byte, len(reqBuf)),
		Response:    make([]byte, len(respBuf)),
		RequestTime: reqTime,
		Duration:    respTime.Sub(reqTime),
		Truncated:   ss.truncated,
		Partial:     true,
		Direction:   ss.direction,
	}
	copy(pair.Request, reqBuf)
	copy(pair.Response, respBuf)
	s.mu.Unlock()

	if pair.Duration < 0 {
		pair.Duration = 0
	}

	r.onPair(pair)
}

// StreamCount returns the number of active streams.
func (r *Reassembler) StreamCount() int {
	r.mu.RLock()
	n := len(r.streams)
	r.mu.RUnlock()
	return n
}

// CleanStale removes streams that have been idle for longer than maxIdle.
func (r *Reassembler) CleanStale(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	removed := 0

	r.mu.Lock()
	for key, ss := range r.streams {
		if ss.stream.LastActivity().Before(cutoff) {
			delete(r.streams, key)
			removed++
		}
	}
	r.mu.Unlock()

	return removed
}

/* ─── HTTP message framing ──────────────────────────────────────── */

var httpMethods = []string{
	"GET ", "POST ", "PUT ", "DELETE ", "PATCH ", "HEAD ", "OPTIONS ", "CONNECT ", "TRACE ",
}

// maxMethodLen is the longest method prefix above; a buffer at least this
// long that matches nothing cannot become HTTP with more data.
const maxMethodLen = 8

// looksLikeHTTP reports whether buf begins an HTTP/1.x message.
func looksLikeHTTP(buf []byte) bool {
	if bytes.HasPrefix(buf, []byte("HTTP/")) {
		return true
	}
	for _, m := range httpMethods {
		if bytes.HasPrefix(buf, []byte(m)) {
			return true
		}
	}
	return false
}

// frameHTTP finds the boundary of one complete HTTP message.
// Handles: Content-Length, chunked transfer encoding, and no-body responses.
func frameHTTP(buf []byte, isRequest bool) int {
	// Find end of headers
	headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return 0 // headers incomplete
	}
	headerEnd += 4 // include the \r\n\r\n

	headers := string(buf[:headerEnd])

	// Check for Content-Length
	cl := extractHeaderValue(headers, "content-length")
	if cl != "" {
		contentLen, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || contentLen <= 0 || contentLen > MaxBufferSize {
			return headerEnd // malformed or oversized, treat as headers-only
		}
		totalLen := headerEnd + contentLen
		if totalLen > len(buf) {
			return 0 // body incomplete
		}
		return totalLen
	}

	// Check for Transfer-Encoding: chunked
	te := extractHeaderValue(headers, "transfer-encoding")
	if strings.Contains(strings.ToLower(te), "chunked") {
		return frameChunked(buf, headerEnd)
	}

	// No Content-Length and not chunked:
	// For requests: HEAD, GET, DELETE typically have no body → headers only
	// For responses: 1xx, 204, 304 have no body; otherwise body ends at close
	if isRequest {
		return headerEnd
	}

	// Response without Content-Length and not chunked: check status code
	idx := strings.Index(headers, "\r\n")
	if idx < 0 {
		return headerEnd
	}
	firstLine := headers[:idx]
	parts := strings.Fields(firstLine)
	if len(parts) >= 2 {
		code, _ := strconv.Atoi(parts[1])
		// 1xx, 204, 304 have no body
		if (code >= 100 && code < 200) || code == 204 || code == 304 {
			return headerEnd
		}
	}

	// Response with unknown length: take headers only for now.
	// The remainder of the body is flushed on connection close.
	return headerEnd
}

// frameChunked finds the end of chunked transfer encoding.
func frameChunked(buf []byte, bodyStart int) int {
	offset := bodyStart

	for offset < len(buf) {
		// Each chunk: <hex-size>\r\n<data>\r\n
		lineEnd := bytes.Index(buf[offset:], []byte("\r\n"))
		if lineEnd < 0 {
			return 0 // incomplete
		}

		sizeStr := strings.TrimSpace(string(buf[offset : offset+lineEnd]))
		// Strip chunk extensions (;key=value)
		if idx := strings.IndexByte(sizeStr, ';'); idx >= 0 {
			sizeStr = sizeStr[:idx]
		}

		chunkSize, err := strconv.ParseInt(sizeStr, 16, 64)
		if err != nil {
			return offset // malformed, return what we have
		}

		// Move past size line
		offset += lineEnd + 2

		if chunkSize == 0 {
			// Terminal chunk: 0\r\n followed by optional trailers and final \r\n
			trailerEnd := bytes.Index(buf[offset:], []byte("\r\n"))
			if trailerEnd < 0 {
				return 0 // incomplete
			}
			return offset + trailerEnd + 2
		}

		if chunkSize > MaxBufferSize {
			return 0 // cannot ever complete within the buffer cap
		}

		// Skip chunk data + trailing \r\n
		offset += int(chunkSize) + 2
		if offset > len(buf) {
			return 0 // incomplete
		}
	}

	return 0 // incomplete
}

// extractHeaderValue finds a header value (case-insensitive name match).
func extractHeaderValue(headers string, name string) string {
	lower := strings.ToLower(headers)
	target := strings.ToLower(name) + ":"
	idx := strings.Index(lower, target)
	if idx < 0 {
		return ""
	}
	start := idx + len(target)
	end := strings.Index(headers[start:], "\r\n")
	if end < 0 {
		return strings.TrimSpace(headers[start:])
	}
	return strings.TrimSpace(headers[start : start+end])
}
