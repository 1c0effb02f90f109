// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package sockets mirrors kernel socket state in userspace. The hook layer
// feeds it lifecycle events; the correlation engine reads it to turn a
// (pid, fd) pair into a connection tuple.
package sockets

import (
	"net/netip"
	"sync"
	"time"

	"github.com/mbeema/tlscope/pkg/tuple"
)

// Direction indicates whether a connection was initiated or accepted.
type Direction int

const (
	Outbound Direction = iota // Local process called connect()
	Inbound                   // Local process accepted via accept()
)

// SockState holds what the kernel has told us about one socket.
type SockState struct {
	PID         uint32
	FD          int32
	Local       netip.AddrPort
	Remote      netip.AddrPort
	Proto       tuple.Protocol
	NetNS       uint32
	Direction   Direction
	Established bool // true once a remote endpoint is known
	OpenedAt    time.Time
}

// sockKey uniquely identifies a socket by owning PID and descriptor.
type sockKey struct {
	PID uint32
	FD  int32
}

// maxTrackedSockets limits the number of tracked sockets to prevent
// unbounded memory growth under connection storms.
const maxTrackedSockets = 100000

// Store maps (pid, fd) to socket state.
type Store struct {
	mu    sync.RWMutex
	socks map[sockKey]*SockState
}

// NewStore creates an empty socket store.
func NewStore() *Store {
	return &Store{
		socks: make(map[sockKey]*SockState),
	}
}

// Track records a socket that exists but has no remote endpoint yet
// (observed at socket creation or at TLS session setup time). A later
// Establish fills in the endpoints. No-op if the socket is already known.
func (s *Store) Track(pid uint32, fd int32, proto tuple.Protocol) *SockState {
	key := sockKey{PID: pid, FD: fd}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.socks[key]; ok {
		return st
	}
	if len(s.socks) >= maxTrackedSockets {
		s.evictOldestLocked()
	}
	st := &SockState{
		PID:      pid,
		FD:       fd,
		Proto:    proto,
		OpenedAt: time.Now(),
	}
	s.socks[key] = st
	return st
}

// Establish records the endpoints of a connected socket. Creates the entry
// if the socket was never tracked (connect observed first), overwrites the
// endpoints if it was.
func (s *Store) Establish(pid uint32, fd int32, local, remote netip.AddrPort, proto tuple.Protocol, netns uint32, dir Direction) *SockState {
	key := sockKey{PID: pid, FD: fd}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.socks[key]
	if !ok {
		if len(s.socks) >= maxTrackedSockets {
			s.evictOldestLocked()
		}
		st = &SockState{PID: pid, FD: fd, OpenedAt: time.Now()}
		s.socks[key] = st
	}
	st.Local = local
	st.Remote = remote
	st.Proto = proto
	st.NetNS = netns
	st.Direction = dir
	st.Established = true
	return st
}

// Lookup returns the state for the given socket, or nil.
func (s *Store) Lookup(pid uint32, fd int32) *SockState {
	key := sockKey{PID: pid, FD: fd}

	s.mu.RLock()
	st := s.socks[key]
	s.mu.RUnlock()

	return st
}

// Remove drops a socket and returns its final state, or nil.
func (s *Store) Remove(pid uint32, fd int32) *SockState {
	key := sockKey{PID: pid, FD: fd}

	s.mu.Lock()
	st := s.socks[key]
	delete(s.socks, key)
	s.mu.Unlock()

	return st
}

// RemovePID drops every socket owned by a process (process exit).
func (s *Store) RemovePID(pid uint32) int {
	removed := 0

	s.mu.Lock()
	for key := range s.socks {
		if key.PID == pid {
			delete(s.socks, key)
			removed++
		}
	}
	s.mu.Unlock()

	return removed
}

// Count returns the number of tracked sockets.
func (s *Store) Count() int {
	s.mu.RLock()
	n := len(s.socks)
	s.mu.RUnlock()
	return n
}

// evictOldestLocked removes the oldest socket. Must be called under s.mu.
func (s *Store) evictOldestLocked() {
	var oldestKey sockKey
	var oldestTime time.Time
	first := true
	for k, st := range s.socks {
		if first || st.OpenedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = st.OpenedAt
			first = false
		}
	}
	if !first {
		delete(s.socks, oldestKey)
	}
}

// CleanStale removes sockets older than maxAge.
func (s *Store) CleanStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	s.mu.Lock()
	for key, st := range s.socks {
		if st.OpenedAt.Before(cutoff) {
			delete(s.socks, key)
			removed++
		}
	}
	s.mu.Unlock()

	return removed
}
