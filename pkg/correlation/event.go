// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package correlation

import (
	"time"

	"github.com/mbeema/tlscope/pkg/tuple"
)

// Direction of a plaintext buffer relative to the observed process.
type Direction uint8

const (
	DirOutbound Direction = iota // written by the process (request side for clients)
	DirInbound                   // read by the process
)

func (d Direction) String() string {
	if d == DirInbound {
		return "in"
	}
	return "out"
}

// Event is one correlated observation handed to the HTTP layer: a plaintext
// buffer attributed to a connection tuple. A closed session produces exactly
// one final Event with StreamDone set and no payload, so the consumer can
// finalize any half-built transaction.
type Event struct {
	Tuple       tuple.Tuple
	Data        []byte // plaintext, possibly truncated by the capture layer
	OriginalLen int    // byte length before truncation
	Direction   Direction
	StreamDone  bool
	PID         uint32
	TID         uint32
	Timestamp   time.Time
}

// Emitter consumes correlated events. The engine never blocks on it, so
// implementations must be non-blocking (hand off to a channel or buffer).
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }
