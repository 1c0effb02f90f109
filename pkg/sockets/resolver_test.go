// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package sockets

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/mbeema/tlscope/pkg/tuple"
)

func TestResolveUnknownSocket(t *testing.T) {
	r := NewResolver(NewStore())

	_, err := r.Resolve(100, 3, tuple.ProtoTCP)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestResolveNotConnected(t *testing.T) {
	s := NewStore()
	r := NewResolver(s)

	// Socket exists but has no remote endpoint yet.
	s.Track(100, 3, tuple.ProtoTCP)

	_, err := r.Resolve(100, 3, tuple.ProtoTCP)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for unconnected socket", err)
	}
}

func TestResolveConnected(t *testing.T) {
	s := NewStore()
	r := NewResolver(s)

	s.Establish(100, 3, ap("10.0.0.1:44000"), ap("1.2.3.4:443"), tuple.ProtoTCP, 4026531992, Outbound)

	tup, err := r.Resolve(100, 3, tuple.ProtoTCP)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if tup.SrcAddr != netip.MustParseAddr("10.0.0.1") || tup.SrcPort != 44000 {
		t.Errorf("source = %s:%d, want 10.0.0.1:44000", tup.SrcAddr, tup.SrcPort)
	}
	if tup.DstAddr != netip.MustParseAddr("1.2.3.4") || tup.DstPort != 443 {
		t.Errorf("destination = %s:%d, want 1.2.3.4:443", tup.DstAddr, tup.DstPort)
	}
	if tup.PID != 100 {
		t.Errorf("PID = %d, want 100", tup.PID)
	}
	if tup.NetNS != 4026531992 {
		t.Errorf("NetNS = %d, want 4026531992", tup.NetNS)
	}
}

func TestResolveProtocolMismatch(t *testing.T) {
	s := NewStore()
	r := NewResolver(s)

	s.Establish(100, 3, ap("10.0.0.1:44000"), ap("1.2.3.4:443"), tuple.ProtoUDP, 0, Outbound)

	_, err := r.Resolve(100, 3, tuple.ProtoTCP)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for protocol mismatch", err)
	}

	// Unknown requested protocol matches anything.
	if _, err := r.Resolve(100, 3, tuple.ProtoUnknown); err != nil {
		t.Errorf("Resolve with unknown protocol: %v", err)
	}
}

func TestResolveIsPureRead(t *testing.T) {
	s := NewStore()
	r := NewResolver(s)

	r.Resolve(100, 3, tuple.ProtoTCP)
	if s.Count() != 0 {
		t.Error("a failed Resolve must not create store entries")
	}
}
