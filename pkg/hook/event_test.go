// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"encoding/binary"
	"net/netip"
	"testing"
)

// encodeEvent builds the wire form of an event the way the BPF programs
// and the preload shim do.
func encodeEvent(ev *Event) []byte {
	buf := make([]byte, EventHeaderSize+len(ev.Payload))
	buf[0] = ev.Type
	buf[1] = ev.IPVersion
	binary.LittleEndian.PutUint32(buf[4:8], ev.PID)
	binary.LittleEndian.PutUint32(buf[8:12], ev.TID)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(ev.FD))
	binary.LittleEndian.PutUint64(buf[16:24], ev.Handle)
	binary.LittleEndian.PutUint64(buf[24:32], ev.TimestampNS)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(len(ev.Payload)))
	binary.LittleEndian.PutUint32(buf[36:40], ev.OriginalLen)
	binary.LittleEndian.PutUint32(buf[40:44], ev.NetNS)
	binary.LittleEndian.PutUint16(buf[44:46], ev.SrcPort)
	binary.LittleEndian.PutUint16(buf[46:48], ev.DstPort)
	copy(buf[48:64], ev.SrcAddr[:])
	copy(buf[64:80], ev.DstAddr[:])
	copy(buf[EventHeaderSize:], ev.Payload)
	return buf
}

func TestParseEventRoundTrip(t *testing.T) {
	src := Event{
		Type:        MsgSocketConnect,
		IPVersion:   4,
		PID:         1234,
		TID:         5678,
		FD:          7,
		Handle:      0xdeadbeefcafe,
		TimestampNS: 42000,
		OriginalLen: 100,
		NetNS:       4026531992,
		SrcPort:     44000,
		DstPort:     443,
	}
	copy(src.SrcAddr[:], []byte{10, 0, 0, 1})
	copy(src.DstAddr[:], []byte{1, 2, 3, 4})

	ev, err := ParseEvent(encodeEvent(&src))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}

	if ev.Type != MsgSocketConnect || ev.PID != 1234 || ev.TID != 5678 || ev.FD != 7 {
		t.Fatalf("header mismatch: %+v", ev)
	}
	if ev.Handle != 0xdeadbeefcafe {
		t.Fatalf("handle = %#x", ev.Handle)
	}
	if ev.NetNS != 4026531992 {
		t.Fatalf("netns = %d", ev.NetNS)
	}
	if got := ev.Src(); got != netip.MustParseAddrPort("10.0.0.1:44000") {
		t.Fatalf("src = %v", got)
	}
	if got := ev.Dst(); got != netip.MustParseAddrPort("1.2.3.4:443") {
		t.Fatalf("dst = %v", got)
	}
}

func TestParseEventIPv6(t *testing.T) {
	src := Event{
		Type:      MsgSocketAccept,
		IPVersion: 6,
		SrcPort:   8443,
		DstPort:   51000,
	}
	copy(src.SrcAddr[:], netip.MustParseAddr("2001:db8::1").AsSlice())
	copy(src.DstAddr[:], netip.MustParseAddr("2001:db8::2").AsSlice())

	ev, err := ParseEvent(encodeEvent(&src))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if got := ev.Src(); got != netip.MustParseAddrPort("[2001:db8::1]:8443") {
		t.Fatalf("src = %v", got)
	}
	if got := ev.Dst(); got != netip.MustParseAddrPort("[2001:db8::2]:51000") {
		t.Fatalf("dst = %v", got)
	}
}

func TestParseEventPayload(t *testing.T) {
	src := Event{
		Type:        MsgSessionWrite,
		Handle:      0xabc,
		OriginalLen: 4096,
		Payload:     []byte("GET / HTTP/1.1\r\n"),
	}
	ev, err := ParseEvent(encodeEvent(&src))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if string(ev.Payload) != "GET / HTTP/1.1\r\n" {
		t.Fatalf("payload = %q", ev.Payload)
	}
	if ev.OriginalLen != 4096 {
		t.Fatalf("original len = %d", ev.OriginalLen)
	}
	if ev.Src().IsValid() {
		t.Fatal("session event should carry no addresses")
	}
}

func TestParseEventTooShort(t *testing.T) {
	if _, err := ParseEvent(make([]byte, EventHeaderSize-1)); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestParseEventTruncatedPayload(t *testing.T) {
	buf := make([]byte, EventHeaderSize)
	buf[0] = MsgSessionRead
	binary.LittleEndian.PutUint32(buf[32:36], 64) // claims payload that isn't there
	if _, err := ParseEvent(buf); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestDispatchSessionWrite(t *testing.T) {
	var gotPID, gotTID uint32
	var gotHandle uint64
	var gotData []byte
	var gotOrig uint32
	called := false

	cb := Callbacks{
		OnSessionWrite: func(pid, tid uint32, handle uint64, data []byte, originalLen uint32, ts uint64) {
			called = true
			gotPID = pid
			gotTID = tid
			gotHandle = handle
			gotData = data
			gotOrig = originalLen
		},
	}

	src := Event{
		Type:        MsgSessionWrite,
		PID:         1234,
		TID:         5678,
		Handle:      0x7f001234,
		OriginalLen: 24,
		Payload:     []byte("POST /v1/pay HTTP/1.1\r\n"),
	}
	ev, err := ParseEvent(encodeEvent(&src))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}

	Dispatch(ev, cb)

	if !called {
		t.Fatal("OnSessionWrite was not called")
	}
	if gotPID != 1234 || gotTID != 5678 {
		t.Errorf("pid/tid = %d/%d, want 1234/5678", gotPID, gotTID)
	}
	if gotHandle != 0x7f001234 {
		t.Errorf("handle = %#x, want 0x7f001234", gotHandle)
	}
	if string(gotData) != "POST /v1/pay HTTP/1.1\r\n" {
		t.Errorf("data = %q", gotData)
	}
	if gotOrig != 24 {
		t.Errorf("originalLen = %d, want 24", gotOrig)
	}
}

func TestDispatchSocketConnectEndpoints(t *testing.T) {
	var gotSrc, gotDst netip.AddrPort
	var gotNetNS uint32

	cb := Callbacks{
		OnSocketConnect: func(pid, tid uint32, fd int32, src, dst netip.AddrPort, netns uint32, ts uint64) {
			gotSrc = src
			gotDst = dst
			gotNetNS = netns
		},
	}

	src := Event{
		Type:      MsgSocketConnect,
		IPVersion: 4,
		PID:       99,
		FD:        3,
		NetNS:     77,
		SrcPort:   44000,
		DstPort:   443,
	}
	copy(src.SrcAddr[:], []byte{192, 168, 1, 10})
	copy(src.DstAddr[:], []byte{93, 184, 216, 34})

	ev, err := ParseEvent(encodeEvent(&src))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	Dispatch(ev, cb)

	if gotSrc != netip.MustParseAddrPort("192.168.1.10:44000") {
		t.Errorf("src = %v", gotSrc)
	}
	if gotDst != netip.MustParseAddrPort("93.184.216.34:443") {
		t.Errorf("dst = %v", gotDst)
	}
	if gotNetNS != 77 {
		t.Errorf("netns = %d", gotNetNS)
	}
}

func TestDispatchNilCallbacks(t *testing.T) {
	ev := &Event{Type: MsgSessionClose, Handle: 1}
	// Should not panic with no callbacks registered.
	Dispatch(ev, Callbacks{})
}
