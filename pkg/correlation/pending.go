// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package correlation

import (
	"sync"
	"time"
)

// maxPendingEntries bounds the index; a pending record only has value for
// the few moments between a TLS call and the thread's next transmission.
const maxPendingEntries = 4096

type pendingEntry struct {
	handle    uint64
	createdAt time.Time
}

// PendingIndex is the fallback bridge between the TLS feed and the kernel
// socket feed: a short-lived map from (pid, tid) to the session handle that
// could not be tied to a socket yet. An entry is consumed — deleted — by
// the first matching transmission event, assuming the TLS call and the
// subsequent send happen on the same thread close together in time. That
// assumption does not hold for asynchronous I/O; a missed bridge silently
// degrades to no correlation for that session.
type PendingIndex struct {
	mu      sync.Mutex
	entries map[uint64]pendingEntry
}

// NewPendingIndex creates an empty index.
func NewPendingIndex() *PendingIndex {
	return &PendingIndex{
		entries: make(map[uint64]pendingEntry),
	}
}

// Put records a session awaiting its socket. At most one pending session
// per thread: a second Put before the first is consumed overwrites it.
// Reports whether an unconsumed entry was replaced.
func (p *PendingIndex) Put(pid, tid uint32, handle uint64) bool {
	key := threadKey(pid, tid)

	p.mu.Lock()
	defer p.mu.Unlock()

	_, replaced := p.entries[key]
	if !replaced && len(p.entries) >= maxPendingEntries {
		p.evictOldestLocked()
	}
	p.entries[key] = pendingEntry{handle: handle, createdAt: time.Now()}
	return replaced
}

// Take consumes the pending handle for a thread. Single use: a hit deletes
// the entry.
func (p *PendingIndex) Take(pid, tid uint32) (uint64, bool) {
	key := threadKey(pid, tid)

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[key]
	if !ok {
		return 0, false
	}
	delete(p.entries, key)
	return entry.handle, true
}

// Len returns the number of outstanding entries.
func (p *PendingIndex) Len() int {
	p.mu.Lock()
	n := len(p.entries)
	p.mu.Unlock()
	return n
}

// CleanStale removes entries older than maxAge: their send event never came.
func (p *PendingIndex) CleanStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	p.mu.Lock()
	for key, entry := range p.entries {
		if entry.createdAt.Before(cutoff) {
			delete(p.entries, key)
			removed++
		}
	}
	p.mu.Unlock()

	return removed
}

// evictOldestLocked removes the oldest entry. Must be called under p.mu.
func (p *PendingIndex) evictOldestLocked() {
	var oldestKey uint64
	var oldestTime time.Time
	first := true
	for k, entry := range p.entries {
		if first || entry.createdAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = entry.createdAt
			first = false
		}
	}
	if !first {
		delete(p.entries, oldestKey)
	}
}

// threadKey packs a (pid, tid) pair the same way the kernel reports it.
func threadKey(pid, tid uint32) uint64 {
	return uint64(pid)<<32 | uint64(tid)
}
