// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package correlation

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/atomic"

	"github.com/mbeema/tlscope/pkg/tuple"
)

var (
	// ErrSessionNotFound means the handle has no registry record at all.
	// The caller may register a pending-handshake bridge and retry later.
	ErrSessionNotFound = errors.New("unknown TLS session")

	// ErrTupleNotResolved means the session exists but its socket has no
	// usable endpoints yet. Expected and transient; the next event on the
	// same session retries naturally.
	ErrTupleNotResolved = errors.New("connection tuple not resolved")
)

// DefaultMaxSessions bounds the registry when no capacity is configured.
const DefaultMaxSessions = 16384

// Session is one registry record: an opaque TLS session handle tied to the
// socket descriptor it was initialized with, plus the connection tuple once
// it has been resolved. The tuple is written exactly once; afterwards every
// lookup is read-only.
type Session struct {
	Handle    uint64
	PID       uint32
	FD        int32
	Tuple     tuple.Tuple
	Resolved  bool
	CreatedAt time.Time
}

// ResolveFunc resolves a tuple for a session's socket. The registry caches
// whatever it returns, so callers pass resolution and normalization
// composed. It runs under the registry lock and must therefore be a
// bounded, non-blocking read.
type ResolveFunc func(pid uint32, fd int32) (tuple.Tuple, error)

// Registry maps opaque TLS session handles to session records. Handles are
// process-local pointers and not unique over time; Create silently
// overwrites on reuse (last-writer-wins). Capacity-bounded: the least
// recently used record is evicted when full.
type Registry struct {
	mu  sync.RWMutex
	lru *simplelru.LRU[uint64, *Session]

	// stats
	hits      *atomic.Int64
	resolves  *atomic.Int64
	misses    *atomic.Int64
	evictions *atomic.Int64
}

// NewRegistry creates a registry holding at most capacity sessions.
// A capacity <= 0 selects DefaultMaxSessions.
func NewRegistry(capacity int) (*Registry, error) {
	if capacity <= 0 {
		capacity = DefaultMaxSessions
	}

	r := &Registry{
		hits:      atomic.NewInt64(0),
		resolves:  atomic.NewInt64(0),
		misses:    atomic.NewInt64(0),
		evictions: atomic.NewInt64(0),
	}

	lru, err := simplelru.NewLRU[uint64, *Session](capacity, func(uint64, *Session) {
		r.evictions.Inc()
	})
	if err != nil {
		return nil, err
	}
	r.lru = lru

	return r, nil
}

// Create registers a new session with no tuple resolved yet. Reusing a live
// handle overwrites the old record silently.
func (r *Registry) Create(handle uint64, pid uint32, fd int32) {
	sess := &Session{
		Handle:    handle,
		PID:       pid,
		FD:        fd,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.lru.Add(handle, sess)
	r.mu.Unlock()
}

// ResolveTuple returns the session's tuple, resolving and caching it on
// first use. The lookup-then-update sequence runs under one lock, so two
// concurrent first resolutions of the same handle cannot interleave.
//
// Errors: ErrSessionNotFound when the handle is unknown (no side effect on
// the registry); ErrTupleNotResolved when the socket cannot be resolved yet.
func (r *Registry) ResolveTuple(handle uint64, resolve ResolveFunc) (tuple.Tuple, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.lru.Get(handle)
	if !ok {
		r.misses.Inc()
		return tuple.Tuple{}, ErrSessionNotFound
	}

	if sess.Resolved {
		r.hits.Inc()
		return sess.Tuple, nil
	}

	tup, err := resolve(sess.PID, sess.FD)
	if err != nil {
		r.misses.Inc()
		return tuple.Tuple{}, ErrTupleNotResolved
	}

	sess.Tuple = tup
	sess.Resolved = true
	r.resolves.Inc()
	return tup, nil
}

// Populate creates or overwrites a session record with an already-resolved
// tuple. Used by the fallback bridge, where the socket is reported by the
// kernel rather than read from the session record.
func (r *Registry) Populate(handle uint64, pid uint32, fd int32, tup tuple.Tuple) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.lru.Get(handle); ok {
		sess.PID = pid
		sess.FD = fd
		sess.Tuple = tup
		sess.Resolved = true
		return
	}
	r.lru.Add(handle, &Session{
		Handle:    handle,
		PID:       pid,
		FD:        fd,
		Tuple:     tup,
		Resolved:  true,
		CreatedAt: time.Now(),
	})
}

// Lookup returns a snapshot of the session record without changing recency.
func (r *Registry) Lookup(handle uint64) (Session, bool) {
	r.mu.RLock()
	sess, ok := r.lru.Peek(handle)
	r.mu.RUnlock()

	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Remove drops the session and returns its final record. Safe to call
// concurrently with ResolveTuple for the same handle; exactly one caller
// observes ok=true.
func (r *Registry) Remove(handle uint64) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.lru.Peek(handle)
	if !ok {
		return Session{}, false
	}
	snapshot := *sess
	r.lru.Remove(handle)
	return snapshot, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	n := r.lru.Len()
	r.mu.RUnlock()
	return n
}

// Purge drops every session.
func (r *Registry) Purge() {
	r.mu.Lock()
	r.lru.Purge()
	r.mu.Unlock()
}

// CleanStale removes sessions that never resolved a tuple and are older
// than maxAge. Resolved sessions stay until closed or evicted by capacity;
// an unresolved record that old belongs to a socket we will never see.
func (r *Registry) CleanStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	r.mu.Lock()
	for _, handle := range r.lru.Keys() {
		sess, ok := r.lru.Peek(handle)
		if ok && !sess.Resolved && sess.CreatedAt.Before(cutoff) {
			r.lru.Remove(handle)
			removed++
		}
	}
	r.mu.Unlock()

	return removed
}

// RegistryStats is a point-in-time snapshot of registry counters.
type RegistryStats struct {
	Size      int
	Hits      int64
	Resolves  int64
	Misses    int64
	Evictions int64
}

// Stats returns current counter values.
func (r *Registry) Stats() RegistryStats {
	return RegistryStats{
		Size:      r.Len(),
		Hits:      r.hits.Load(),
		Resolves:  r.resolves.Load(),
		Misses:    r.misses.Load(),
		Evictions: r.evictions.Load(),
	}
}
