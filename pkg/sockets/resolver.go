// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package sockets

import (
	"errors"

	"github.com/mbeema/tlscope/pkg/tuple"
)

// ErrNotFound means the socket is unknown, not yet connected, or not of the
// requested protocol. Expected and non-fatal: the caller retries on the
// next event for the same session.
var ErrNotFound = errors.New("socket not found")

// Resolver turns a (pid, fd) socket identity into a connection tuple. It is
// the single construction path for tuples — every component that needs one
// goes through here rather than assembling fields itself.
type Resolver struct {
	store *Store
}

// NewResolver creates a resolver reading from the given store.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve reads the socket's current endpoints and builds a raw
// (un-normalized) tuple. Pure read: no state is created or modified.
//
// Fails with ErrNotFound when the socket is untracked, has no remote
// endpoint yet, or does not match the requested protocol.
func (r *Resolver) Resolve(pid uint32, fd int32, proto tuple.Protocol) (tuple.Tuple, error) {
	st := r.store.Lookup(pid, fd)
	if st == nil {
		return tuple.Tuple{}, ErrNotFound
	}
	if !st.Established || !st.Remote.Addr().IsValid() {
		return tuple.Tuple{}, ErrNotFound
	}
	if proto != tuple.ProtoUnknown && st.Proto != tuple.ProtoUnknown && st.Proto != proto {
		return tuple.Tuple{}, ErrNotFound
	}

	return tuple.Tuple{
		SrcAddr: st.Local.Addr(),
		DstAddr: st.Remote.Addr(),
		SrcPort: st.Local.Port(),
		DstPort: st.Remote.Port(),
		Proto:   st.Proto,
		NetNS:   st.NetNS,
		PID:     pid,
	}, nil
}
