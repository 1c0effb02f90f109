// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package correlation joins the two event feeds of the agent — kernel
// socket lifecycle and plaintext TLS library calls — under canonical
// connection tuples. The engine owns the only mutable correlation state
// (the session registry and the pending-handshake index); everything else
// it touches is a pure function of its inputs.
package correlation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/mbeema/tlscope/pkg/sockets"
	"github.com/mbeema/tlscope/pkg/tuple"
)

// Engine correlates TLS session handles with connection tuples.
//
// Fast path: a session's tuple is cached in the registry. Slow path: the
// registry record carries the socket descriptor the session was bound to,
// and the tuple is read from socket state, normalized, and cached once.
// Fallback: when a TLS call arrives for a handle with no record at all, the
// (pid, tid) is parked in the pending index until the kernel reports the
// thread's next outbound transmission, which names the socket.
type Engine struct {
	logger     *zap.Logger
	registry   *Registry
	pending    *PendingIndex
	resolver   *sockets.Resolver
	normalizer *tuple.Normalizer
	emitter    Emitter

	cleanupInterval time.Duration
	sessionTTL      time.Duration
	pendingTTL      time.Duration

	// diagnostics — correlation failures drop data without logging, so
	// counters are the only externally visible trace of them
	sessionsCreated *atomic.Int64
	emitted         *atomic.Int64
	dropped         *atomic.Int64
	bridged         *atomic.Int64
	bridgeMisses    *atomic.Int64
	malformed       *atomic.Int64
	closed          *atomic.Int64
}

// NewEngine wires the engine's stores and collaborators. The emitter may be
// nil (events are counted but discarded) — useful in tests.
func NewEngine(registry *Registry, pending *PendingIndex, resolver *sockets.Resolver, normalizer *tuple.Normalizer, emitter Emitter, logger *zap.Logger) *Engine {
	return &Engine{
		logger:     logger,
		registry:   registry,
		pending:    pending,
		resolver:   resolver,
		normalizer: normalizer,
		emitter:    emitter,

		cleanupInterval: 30 * time.Second,
		sessionTTL:      5 * time.Minute,
		pendingTTL:      10 * time.Second,

		sessionsCreated: atomic.NewInt64(0),
		emitted:         atomic.NewInt64(0),
		dropped:         atomic.NewInt64(0),
		bridged:         atomic.NewInt64(0),
		bridgeMisses:    atomic.NewInt64(0),
		malformed:       atomic.NewInt64(0),
		closed:          atomic.NewInt64(0),
	}
}

// SetTTLs overrides cleanup tuning (zero keeps the current value).
func (e *Engine) SetTTLs(session, pending, interval time.Duration) {
	if session > 0 {
		e.sessionTTL = session
	}
	if pending > 0 {
		e.pendingTTL = pending
	}
	if interval > 0 {
		e.cleanupInterval = interval
	}
}

// resolve composes the socket resolver with the normalizer; the registry
// caches exactly what this returns.
func (e *Engine) resolve(pid uint32, fd int32) (tuple.Tuple, error) {
	raw, err := e.resolver.Resolve(pid, fd, tuple.ProtoTCP)
	if err != nil {
		return tuple.Tuple{}, err
	}
	return e.normalizer.Normalize(raw), nil
}

// HandleSessionInit registers a session observed being bound to a socket
// descriptor (the SSL_set_fd analog). The tuple stays unresolved until the
// first data event — the socket usually is not connected yet at this point.
func (e *Engine) HandleSessionInit(pid, tid uint32, handle uint64, fd int32) {
	if handle == 0 {
		e.malformed.Inc()
		return
	}

	e.registry.Create(handle, pid, fd)
	e.sessionsCreated.Inc()

	e.logger.Debug("session registered",
		zap.Uint64("handle", handle),
		zap.Uint32("pid", pid),
		zap.Int32("fd", fd),
	)
}

// ResolveTuple resolves the canonical tuple for a session, caching on first
// success. Exposed for the agent and for diagnostics; data events use it
// through HandleSessionData.
func (e *Engine) ResolveTuple(handle uint64) (tuple.Tuple, error) {
	return e.registry.ResolveTuple(handle, e.resolve)
}

// HandleSessionData correlates one plaintext buffer with its flow and emits
// it. A buffer that cannot be correlated is dropped — correlation failures
// are transient and the next call on the same session is expected to
// succeed once the socket is connected. On a full registry miss the session
// is parked for the socket-send bridge.
func (e *Engine) HandleSessionData(pid, tid uint32, handle uint64, dir Direction, data []byte, originalLen int) {
	if handle == 0 {
		e.malformed.Inc()
		return
	}
	if len(data) == 0 {
		e.dropped.Inc()
		return
	}

	tup, err := e.registry.ResolveTuple(handle, e.resolve)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			// Never saw this session bound to a socket. Remember the
			// thread so the next kernel send event can name the socket.
			e.pending.Put(pid, tid, handle)
		}
		e.dropped.Inc()
		return
	}

	e.emit(Event{
		Tuple:       tup,
		Data:        data,
		OriginalLen: originalLen,
		Direction:   dir,
		PID:         pid,
		TID:         tid,
		Timestamp:   time.Now(),
	})
}

// HandleSocketSend consumes a pending-handshake entry for the sending
// thread, if any, and populates the registry from the reported socket.
// Called for every outbound transmission; the common case is a no-op.
func (e *Engine) HandleSocketSend(pid, tid uint32, fd int32) {
	handle, ok := e.pending.Take(pid, tid)
	if !ok {
		return
	}

	tup, err := e.resolve(pid, fd)
	if err != nil {
		// The bridge is best-effort: the entry is consumed either way.
		e.bridgeMisses.Inc()
		return
	}

	e.registry.Populate(handle, pid, fd, tup)
	e.bridged.Inc()

	e.logger.Debug("session bridged via socket send",
		zap.Uint64("handle", handle),
		zap.Uint32("pid", pid),
		zap.Int32("fd", fd),
		zap.Stringer("tuple", tup),
	)
}

// HandleSessionClose emits exactly one zero-length stream-terminated event
// using the best tuple currently known — resolved on the way out when
// possible, all-zero when the session never saw a usable socket — and then
// removes the record. Unknown handles are a counted no-op.
func (e *Engine) HandleSessionClose(pid, tid uint32, handle uint64) {
	if handle == 0 {
		e.malformed.Inc()
		return
	}

	// Best effort: a session often becomes resolvable only after its last
	// write, so try once more before tearing down.
	tup, err := e.registry.ResolveTuple(handle, e.resolve)

	sess, ok := e.registry.Remove(handle)
	if !ok {
		return
	}
	if err != nil {
		tup = sess.Tuple // possibly zero, never validated
	}

	e.emit(Event{
		Tuple:      tup,
		StreamDone: true,
		PID:        pid,
		TID:        tid,
		Timestamp:  time.Now(),
	})
	e.closed.Inc()
}

func (e *Engine) emit(ev Event) {
	if e.emitter == nil {
		e.emitted.Inc()
		return
	}
	e.emitter.Emit(ev)
	e.emitted.Inc()
}

// Start begins periodic cleanup of stale sessions and pending entries.
func (e *Engine) Start(ctx context.Context) error {
	go func() {
		ticker := time.NewTicker(e.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sessions := e.registry.CleanStale(e.sessionTTL)
				pending := e.pending.CleanStale(e.pendingTTL)
				if sessions > 0 || pending > 0 {
					e.logger.Debug("cleaned stale correlation state",
						zap.Int("sessions", sessions),
						zap.Int("pending", pending),
					)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop is a no-op; the cleanup goroutine uses context cancellation.
func (e *Engine) Stop() error {
	return nil
}

// EngineStats is a point-in-time snapshot of engine counters.
type EngineStats struct {
	SessionsCreated int64
	Emitted         int64
	Dropped         int64
	Bridged         int64
	BridgeMisses    int64
	Malformed       int64
	Closed          int64
	PendingSize     int
	Registry        RegistryStats
}

// Stats returns current counter values.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		SessionsCreated: e.sessionsCreated.Load(),
		Emitted:         e.emitted.Load(),
		Dropped:         e.dropped.Load(),
		Bridged:         e.bridged.Load(),
		BridgeMisses:    e.bridgeMisses.Load(),
		Malformed:       e.malformed.Load(),
		Closed:          e.closed.Load(),
		PendingSize:     e.pending.Len(),
		Registry:        e.registry.Stats(),
	}
}
