// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Event types matching the event_type field emitted by tlscope.bpf.c and
// by the libtlscope.so preload shim. Both sources share one wire layout.
const (
	MsgSocketConnect = 1
	MsgSocketAccept  = 2
	MsgSocketSend    = 3
	MsgSocketClose   = 4
	MsgSessionInit   = 5
	MsgSessionWrite  = 6
	MsgSessionRead   = 7
	MsgSessionClose  = 8
	MsgProcessExec   = 9
)

// EventHeaderSize is the fixed size of the wire event before the payload.
const EventHeaderSize = 80

// MaxPayload is the maximum payload bytes per event. The BPF programs
// truncate to a smaller per-record limit; the shim may send up to this.
const MaxPayload = 16 * 1024

// Event is the Go representation of struct tls_event. Field offsets must
// match the C layout exactly:
//
//	0  type        u8
//	1  ip_version  u8 (4, 6, or 0 when the event carries no addresses)
//	4  pid         u32
//	8  tid         u32
//	12 fd          s32
//	16 handle      u64
//	24 timestamp   u64
//	32 payload_len u32
//	36 orig_len    u32
//	40 netns       u32
//	44 sport       u16
//	46 dport       u16
//	48 saddr       u8[16]
//	64 daddr       u8[16]
//	80 payload
type Event struct {
	Type        uint8
	IPVersion   uint8
	PID         uint32
	TID         uint32
	FD          int32
	Handle      uint64
	TimestampNS uint64
	OriginalLen uint32
	NetNS       uint32
	SrcPort     uint16
	DstPort     uint16
	SrcAddr     [16]byte
	DstAddr     [16]byte
	Payload     []byte
}

// Src returns the source endpoint, or an invalid AddrPort when the event
// carries no addresses.
func (e *Event) Src() netip.AddrPort {
	return e.addrPort(e.SrcAddr, e.SrcPort)
}

// Dst returns the destination endpoint, or an invalid AddrPort when the
// event carries no addresses.
func (e *Event) Dst() netip.AddrPort {
	return e.addrPort(e.DstAddr, e.DstPort)
}

func (e *Event) addrPort(raw [16]byte, port uint16) netip.AddrPort {
	switch e.IPVersion {
	case 4:
		var a4 [4]byte
		copy(a4[:], raw[:4])
		return netip.AddrPortFrom(netip.AddrFrom4(a4), port)
	case 6:
		return netip.AddrPortFrom(netip.AddrFrom16(raw), port)
	default:
		return netip.AddrPort{}
	}
}

// TypeName returns a human-readable name for an event type.
func TypeName(t uint8) string {
	switch t {
	case MsgSocketConnect:
		return "SOCKET_CONNECT"
	case MsgSocketAccept:
		return "SOCKET_ACCEPT"
	case MsgSocketSend:
		return "SOCKET_SEND"
	case MsgSocketClose:
		return "SOCKET_CLOSE"
	case MsgSessionInit:
		return "SESSION_INIT"
	case MsgSessionWrite:
		return "SESSION_WRITE"
	case MsgSessionRead:
		return "SESSION_READ"
	case MsgSessionClose:
		return "SESSION_CLOSE"
	case MsgProcessExec:
		return "PROCESS_EXEC"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// ParseEvent decodes a complete wire event from a byte buffer. The buffer
// is one BPF ring buffer sample or one shim datagram.
func ParseEvent(buf []byte) (*Event, error) {
	if len(buf) < EventHeaderSize {
		return nil, fmt.Errorf("event too short: %d < %d", len(buf), EventHeaderSize)
	}

	ev := &Event{
		Type:        buf[0],
		IPVersion:   buf[1],
		PID:         binary.LittleEndian.Uint32(buf[4:8]),
		TID:         binary.LittleEndian.Uint32(buf[8:12]),
		FD:          int32(binary.LittleEndian.Uint32(buf[12:16])),
		Handle:      binary.LittleEndian.Uint64(buf[16:24]),
		TimestampNS: binary.LittleEndian.Uint64(buf[24:32]),
		OriginalLen: binary.LittleEndian.Uint32(buf[36:40]),
		NetNS:       binary.LittleEndian.Uint32(buf[40:44]),
		SrcPort:     binary.LittleEndian.Uint16(buf[44:46]),
		DstPort:     binary.LittleEndian.Uint16(buf[46:48]),
	}
	copy(ev.SrcAddr[:], buf[48:64])
	copy(ev.DstAddr[:], buf[64:80])

	payloadLen := binary.LittleEndian.Uint32(buf[32:36])
	if payloadLen > 0 {
		if uint32(len(buf)) < EventHeaderSize+payloadLen {
			return nil, fmt.Errorf("payload truncated: have %d, need %d",
				len(buf)-EventHeaderSize, payloadLen)
		}
		ev.Payload = make([]byte, payloadLen)
		copy(ev.Payload, buf[EventHeaderSize:EventHeaderSize+payloadLen])
	}

	return ev, nil
}
