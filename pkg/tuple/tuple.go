// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package tuple defines the canonical identity of a network flow and the
// normalization that makes independent observations of the same flow
// comparable. The kernel socket feed and the TLS library feed both describe
// connections, but from different vantage points; everything downstream
// keys on the normalized Tuple produced here.
package tuple

import (
	"fmt"
	"net/netip"
)

// Protocol is the transport protocol of a flow.
type Protocol uint8

const (
	ProtoUnknown Protocol = iota
	ProtoTCP
	ProtoUDP
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Tuple identifies a network flow: endpoints, transport, network namespace,
// and the owning process. Tuple is comparable and safe to use as a map key.
// The zero value means "nothing known yet" — a session whose socket never
// resolved carries one all the way to its terminal event.
//
// NetNS and PID are only meaningful at construction time; normalization
// clears them because the two observation paths cannot both supply them.
type Tuple struct {
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   Protocol
	NetNS   uint32
	PID     uint32
}

// Flipped returns the tuple with source and destination swapped.
func (t Tuple) Flipped() Tuple {
	t.SrcAddr, t.DstAddr = t.DstAddr, t.SrcAddr
	t.SrcPort, t.DstPort = t.DstPort, t.SrcPort
	return t
}

// IsZero reports whether the tuple carries no endpoint information.
func (t Tuple) IsZero() bool {
	return !t.SrcAddr.IsValid() && !t.DstAddr.IsValid() &&
		t.SrcPort == 0 && t.DstPort == 0
}

// String renders the tuple for logs. Unset addresses print as "-".
func (t Tuple) String() string {
	return fmt.Sprintf("%s %s:%d->%s:%d",
		t.Proto, addrString(t.SrcAddr), t.SrcPort, addrString(t.DstAddr), t.DstPort)
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return "-"
	}
	return a.String()
}
