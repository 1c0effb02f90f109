// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package protocol extracts span attributes from reassembled plaintext
// request/response pairs. Only HTTP/1.x is parsed; the reassembly layer
// drains everything else.
package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// HTTPParser parses HTTP/1.1 request/response pairs.
type HTTPParser struct{}

func (p *HTTPParser) Name() string { return ProtoHTTP }

// Detect checks whether data begins an HTTP/1.x message.
func (p *HTTPParser) Detect(data []byte) bool {
	if len(data) < 4 {
		return false
	}

	s := string(data[:min(len(data), 16)])

	if isHTTPMethod(s) {
		return true
	}
	return strings.HasPrefix(s, "HTTP/")
}

// Parse extracts attributes from a request/response pair. Either side may
// be empty: a connection torn down mid-exchange still yields attributes
// from whichever half was observed.
func (p *HTTPParser) Parse(request, response []byte) (*SpanAttributes, error) {
	attrs := &SpanAttributes{
		Protocol: ProtoHTTP,
	}

	if len(request) > 0 {
		req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(request)))
		if err == nil {
			attrs.HTTPMethod = req.Method
			attrs.HTTPPath = req.URL.Path
			attrs.HTTPQuery = req.URL.RawQuery
			attrs.HTTPHost = req.Host
			attrs.HTTPUserAgent = req.UserAgent()
			attrs.ContentLength = req.ContentLength
			req.Body.Close()
		} else {
			// Fallback: parse first line manually
			if idx := bytes.Index(request, []byte("\r\n")); idx > 0 {
				line := string(request[:idx])
				parts := strings.SplitN(line, " ", 3)
				if len(parts) >= 2 {
					attrs.HTTPMethod = parts[0]
					attrs.HTTPPath = parts[1]
				}
			}
		}
	}

	if len(response) > 0 {
		resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(response)), nil)
		if err == nil {
			attrs.HTTPStatusCode = resp.StatusCode
			resp.Body.Close()
		} else {
			// Fallback: parse status line
			if idx := bytes.Index(response, []byte("\r\n")); idx > 0 {
				line := string(response[:idx])
				parts := strings.SplitN(line, " ", 3)
				if len(parts) >= 2 {
					code, _ := strconv.Atoi(parts[1])
					attrs.HTTPStatusCode = code
				}
			}
		}
	}

	// Span name per OTEL semantic conventions: "{method} {path}" when both
	// are known, method alone otherwise.
	if attrs.HTTPMethod != "" && attrs.HTTPPath != "" {
		attrs.Name = attrs.HTTPMethod + " " + attrs.HTTPPath
	} else if attrs.HTTPMethod != "" {
		attrs.Name = attrs.HTTPMethod
	} else {
		attrs.Name = "HTTP"
	}
	if attrs.HTTPStatusCode >= 400 {
		attrs.Error = true
		attrs.ErrorMsg = fmt.Sprintf("HTTP %d", attrs.HTTPStatusCode)
	}

	return attrs, nil
}

// ParseHTTP extracts span attributes from a request/response pair.
func ParseHTTP(request, response []byte) (*SpanAttributes, error) {
	return (&HTTPParser{}).Parse(request, response)
}

// isHTTPMethod checks if the string starts with an HTTP method.
func isHTTPMethod(s string) bool {
	methods := []string{"GET ", "POST ", "PUT ", "DELETE ", "PATCH ", "HEAD ", "OPTIONS ", "CONNECT ", "TRACE "}
	for _, m := range methods {
		if strings.HasPrefix(s, m) {
			return true
		}
	}
	return false
}

// TraceContext holds extracted W3C trace context headers.
type TraceContext struct {
	TraceID    string
	SpanID     string
	Sampled    bool
	TraceState string
}

// ExtractTraceParent extracts the W3C traceparent header from HTTP request bytes.
func ExtractTraceParent(request []byte) (traceID, spanID string, sampled bool) {
	ctx := ExtractTraceContext(request)
	return ctx.TraceID, ctx.SpanID, ctx.Sampled
}

// ExtractTraceContext extracts both traceparent and tracestate from HTTP
// request bytes. Header names match case-insensitively without copying
// the request.
func ExtractTraceContext(request []byte) TraceContext {
	var ctx TraceContext

	idx := indexBytesCI(request, []byte("traceparent: "))
	if idx < 0 {
		return ctx
	}

	// Extract traceparent value until \r\n
	start := idx + len("traceparent: ")
	end := bytes.Index(request[start:], []byte("\r\n"))
	if end < 0 {
		end = len(request) - start
	}
	value := strings.TrimSpace(string(request[start : start+end]))

	// Parse: 00-<traceID>-<spanID>-<flags>
	parts := strings.Split(value, "-")
	if len(parts) != 4 {
		return ctx
	}

	ctx.TraceID = parts[1]
	ctx.SpanID = parts[2]
	flags, _ := strconv.ParseInt(parts[3], 16, 64)
	ctx.Sampled = (flags & 0x01) != 0

	tsIdx := indexBytesCI(request, []byte("tracestate: "))
	if tsIdx >= 0 {
		tsStart := tsIdx + len("tracestate: ")
		tsEnd := bytes.Index(request[tsStart:], []byte("\r\n"))
		if tsEnd < 0 {
			tsEnd = len(request) - tsStart
		}
		ctx.TraceState = strings.TrimSpace(string(request[tsStart : tsStart+tsEnd]))
	}

	return ctx
}

// indexBytesCI returns the index of the first ASCII case-insensitive match
// of needle in haystack, or -1.
func indexBytesCI(haystack, needle []byte) int {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if equalFoldASCII(haystack[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}

func equalFoldASCII(a, b []byte) bool {
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
