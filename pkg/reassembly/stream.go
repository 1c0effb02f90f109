// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"sync"
	"time"

	"github.com/mbeema/tlscope/pkg/tuple"
)

// MaxBufferSize is the maximum bytes buffered per direction.
const MaxBufferSize = 256 * 1024 // 256KB

// Stream buffers decrypted send and receive data for a single connection.
type Stream struct {
	mu sync.Mutex

	Tuple tuple.Tuple

	sendBuf  []byte
	recvBuf  []byte
	lastSend time.Time
	lastRecv time.Time
}

// NewStream creates a new stream for a connection.
func NewStream(tup tuple.Tuple) *Stream {
	return &Stream{
		Tuple:   tup,
		sendBuf: make([]byte, 0, 4096),
		recvBuf: make([]byte, 0, 4096),
	}
}

// AppendSend adds data written by the process to the send buffer.
func (s *Stream) AppendSend(data []byte, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := MaxBufferSize - len(s.sendBuf)
	if remaining <= 0 {
		return
	}
	if len(data) > remaining {
		data = data[:remaining]
	}

	s.sendBuf = append(s.sendBuf, data...)
	s.lastSend = at
}

// AppendRecv adds data read by the process to the recv buffer.
func (s *Stream) AppendRecv(data []byte, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := MaxBufferSize - len(s.recvBuf)
	if remaining <= 0 {
		return
	}
	if len(data) > remaining {
		data = data[:remaining]
	}

	s.recvBuf = append(s.recvBuf, data...)
	s.lastRecv = at
}

// SendBytes returns the current send buffer contents.
func (s *Stream) SendBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendBuf
}

// RecvBytes returns the current recv buffer contents.
func (s *Stream) RecvBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvBuf
}

// HasData returns true if either buffer has data.
func (s *Stream) HasData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sendBuf) > 0 || len(s.recvBuf) > 0
}

// Reset clears both buffers.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendBuf = s.sendBuf[:0]
	s.recvBuf = s.recvBuf[:0]
}

// LastActivity returns the most recent send or recv time.
func (s *Stream) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastRecv.After(s.lastSend) {
		return s.lastRecv
	}
	return s.lastSend
}
