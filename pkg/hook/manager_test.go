// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestManagerDeliversShimEvents(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "hook.sock")
	m := NewManager(sock, zap.NewNop())

	got := make(chan *Event, 8)
	cb := Callbacks{
		OnSessionWrite: func(pid, tid uint32, handle uint64, data []byte, originalLen uint32, ts uint64) {
			got <- &Event{Type: MsgSessionWrite, PID: pid, TID: tid, Handle: handle, Payload: data}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx, cb); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	src := Event{
		Type:    MsgSessionWrite,
		PID:     4321,
		TID:     4322,
		Handle:  0x55aa,
		Payload: []byte("GET /health HTTP/1.1\r\n"),
	}
	if _, err := conn.Write(encodeEvent(&src)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case ev := <-got:
		if ev.PID != 4321 || ev.Handle != 0x55aa {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if string(ev.Payload) != "GET /health HTTP/1.1\r\n" {
			t.Fatalf("payload = %q", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestManagerIgnoresMalformedDatagrams(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "hook.sock")
	m := NewManager(sock, zap.NewNop())

	got := make(chan uint64, 8)
	cb := Callbacks{
		OnSessionClose: func(pid, tid uint32, handle uint64, ts uint64) {
			got <- handle
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx, cb); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Garbage first, then a valid close event. Only the valid one arrives.
	if _, err := conn.Write([]byte("short")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if _, err := conn.Write(encodeEvent(&Event{Type: MsgSessionClose, Handle: 9})); err != nil {
		t.Fatalf("write close: %v", err)
	}

	select {
	case h := <-got:
		if h != 9 {
			t.Fatalf("handle = %d, want 9", h)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case h := <-got:
		t.Fatalf("unexpected extra event with handle %d", h)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestControlFileToggle(t *testing.T) {
	dir := t.TempDir()
	ctrl, err := CreateControlFile(dir)
	if err != nil {
		t.Fatalf("CreateControlFile: %v", err)
	}
	defer func() {
		ctrl.Close()
		ctrl.Remove()
	}()

	enabled, err := ctrl.IsEnabled()
	if err != nil {
		t.Fatalf("IsEnabled: %v", err)
	}
	if enabled {
		t.Fatal("control file should start dormant")
	}

	if err := ctrl.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	// A second handle, as the CLI would open it, sees the toggle.
	other, err := OpenControlFile(dir)
	if err != nil {
		t.Fatalf("OpenControlFile: %v", err)
	}
	defer other.Close()

	enabled, err = other.IsEnabled()
	if err != nil {
		t.Fatalf("IsEnabled via second handle: %v", err)
	}
	if !enabled {
		t.Fatal("expected capture enabled")
	}

	if err := other.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	enabled, _ = ctrl.IsEnabled()
	if enabled {
		t.Fatal("expected capture disabled")
	}
}
