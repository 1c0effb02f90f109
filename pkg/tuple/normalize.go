// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package tuple

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const portRangePath = "/proc/sys/net/ipv4/ip_local_port_range"

// Linux defaults, used when the sysctl cannot be read (non-Linux, or a
// locked-down /proc).
const (
	defaultEphemeralLow  = 32768
	defaultEphemeralHigh = 60999
)

// Normalizer rewrites tuples into a direction-independent canonical form.
// The same logical flow, observed from either endpoint or from either event
// source, normalizes to the identical Tuple value.
type Normalizer struct {
	ephemeralLow  uint16
	ephemeralHigh uint16
}

// NewNormalizer builds a normalizer using the host's ephemeral port range.
func NewNormalizer() *Normalizer {
	low, high, err := readPortRange(portRangePath)
	if err != nil {
		low, high = defaultEphemeralLow, defaultEphemeralHigh
	}
	return &Normalizer{ephemeralLow: low, ephemeralHigh: high}
}

// NewNormalizerRange builds a normalizer with an explicit ephemeral range.
func NewNormalizerRange(low, high uint16) *Normalizer {
	return &Normalizer{ephemeralLow: low, ephemeralHigh: high}
}

// IsEphemeral reports whether port falls in the OS-assigned client range.
func (n *Normalizer) IsEphemeral(port uint16) bool {
	return port >= n.ephemeralLow && port <= n.ephemeralHigh
}

// Normalize zeroes the fields that are not comparably available from both
// observation paths and orients the tuple so the client (ephemeral) side is
// the source. Idempotent: Normalize(Normalize(t)) == Normalize(t).
func (n *Normalizer) Normalize(t Tuple) Tuple {
	t.NetNS = 0
	t.PID = 0
	if n.shouldFlip(t) {
		t = t.Flipped()
	}
	return t
}

// shouldFlip decides whether the destination currently holds the client
// side. When the ephemeral range cannot disambiguate (both ports in range,
// or neither), the higher port — and then the higher address — wins the
// source slot, so both endpoints of a flow settle on the same orientation.
func (n *Normalizer) shouldFlip(t Tuple) bool {
	srcEph := n.IsEphemeral(t.SrcPort)
	dstEph := n.IsEphemeral(t.DstPort)
	if srcEph != dstEph {
		return dstEph
	}
	if t.SrcPort != t.DstPort {
		return t.SrcPort < t.DstPort
	}
	return t.SrcAddr.Compare(t.DstAddr) < 0
}

// readPortRange parses a two-integer sysctl file like
// /proc/sys/net/ipv4/ip_local_port_range ("32768\t60999\n").
func readPortRange(path string) (uint16, uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected port range format %q", string(data))
	}
	low, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("parse port range low: %w", err)
	}
	high, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("parse port range high: %w", err)
	}
	return uint16(low), uint16(high), nil
}
