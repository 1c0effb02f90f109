// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"context"
	"net/netip"
)

// Callbacks for hook events. Socket callbacks carry kernel-observed
// endpoints; session callbacks carry the opaque TLS handle and plaintext
// as seen before encryption and after decryption.
type Callbacks struct {
	OnSocketConnect func(pid, tid uint32, fd int32, src, dst netip.AddrPort, netns uint32, ts uint64)
	OnSocketAccept  func(pid, tid uint32, fd int32, src, dst netip.AddrPort, netns uint32, ts uint64)
	OnSocketSend    func(pid, tid uint32, fd int32, ts uint64)
	OnSocketClose   func(pid, tid uint32, fd int32, ts uint64)

	// OnSessionInit fires when a TLS session is bound to a descriptor.
	// fd is -1 when the binding point did not expose one.
	OnSessionInit func(pid, tid uint32, handle uint64, fd int32, ts uint64)

	// OnSessionWrite and OnSessionRead deliver plaintext. originalLen is
	// the length before any capture truncation.
	OnSessionWrite func(pid, tid uint32, handle uint64, data []byte, originalLen uint32, ts uint64)
	OnSessionRead  func(pid, tid uint32, handle uint64, data []byte, originalLen uint32, ts uint64)

	OnSessionClose func(pid, tid uint32, handle uint64, ts uint64)

	// OnProcessExec fires on process exec so new binaries can be scanned
	// for TLS libraries.
	OnProcessExec func(pid uint32, ts uint64)
}

// Dispatch routes a parsed wire event to the matching callback. Nil
// callbacks are skipped. Payload emptiness is not filtered here; the
// consumer decides what an empty record means.
func Dispatch(ev *Event, cb Callbacks) {
	switch ev.Type {
	case MsgSocketConnect:
		if cb.OnSocketConnect != nil {
			cb.OnSocketConnect(ev.PID, ev.TID, ev.FD, ev.Src(), ev.Dst(), ev.NetNS, ev.TimestampNS)
		}
	case MsgSocketAccept:
		if cb.OnSocketAccept != nil {
			cb.OnSocketAccept(ev.PID, ev.TID, ev.FD, ev.Src(), ev.Dst(), ev.NetNS, ev.TimestampNS)
		}
	case MsgSocketSend:
		if cb.OnSocketSend != nil {
			cb.OnSocketSend(ev.PID, ev.TID, ev.FD, ev.TimestampNS)
		}
	case MsgSocketClose:
		if cb.OnSocketClose != nil {
			cb.OnSocketClose(ev.PID, ev.TID, ev.FD, ev.TimestampNS)
		}
	case MsgSessionInit:
		if cb.OnSessionInit != nil {
			cb.OnSessionInit(ev.PID, ev.TID, ev.Handle, ev.FD, ev.TimestampNS)
		}
	case MsgSessionWrite:
		if cb.OnSessionWrite != nil {
			cb.OnSessionWrite(ev.PID, ev.TID, ev.Handle, ev.Payload, ev.OriginalLen, ev.TimestampNS)
		}
	case MsgSessionRead:
		if cb.OnSessionRead != nil {
			cb.OnSessionRead(ev.PID, ev.TID, ev.Handle, ev.Payload, ev.OriginalLen, ev.TimestampNS)
		}
	case MsgSessionClose:
		if cb.OnSessionClose != nil {
			cb.OnSessionClose(ev.PID, ev.TID, ev.Handle, ev.TimestampNS)
		}
	case MsgProcessExec:
		if cb.OnProcessExec != nil {
			cb.OnProcessExec(ev.PID, ev.TimestampNS)
		}
	}
}

// HookProvider is the interface for hook event sources.
// Implementations include the eBPF provider (Linux 5.8+) and the preload
// shim manager (Unix DGRAM socket, LD_PRELOAD-based).
type HookProvider interface {
	// Start begins capturing hook events and dispatching to callbacks.
	Start(ctx context.Context, callbacks Callbacks) error

	// Stop shuts down the hook provider and releases resources.
	Stop() error

	// EnableCapture activates payload capture in observed processes.
	EnableCapture() error

	// DisableCapture deactivates capture. Hooks become pass-through.
	DisableCapture() error

	// IsCaptureEnabled returns the current capture state.
	IsCaptureEnabled() bool

	// Name returns the provider name (e.g., "ebpf", "preload", "stub").
	Name() string
}
