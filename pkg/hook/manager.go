// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// Manager listens on a Unix DGRAM socket for hook events from the
// libtlscope.so preload shim. It is the fallback provider for kernels
// without eBPF support. A pool of reader goroutines keeps dispatch off
// the socket's critical path; DGRAM atomicity guarantees each Read()
// returns one complete event.
type Manager struct {
	socketPath string
	logger     *zap.Logger
	callbacks  Callbacks
	numWorkers int

	conn    *net.UnixConn
	control *ControlFile
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

var _ HookProvider = (*Manager)(nil)

// NewManager creates a preload shim manager listening at socketPath.
func NewManager(socketPath string, logger *zap.Logger) *Manager {
	// Use at least 2 workers, up to GOMAXPROCS
	workers := runtime.GOMAXPROCS(0)
	if workers < 2 {
		workers = 2
	}
	if workers > 8 {
		workers = 8
	}

	return &Manager{
		socketPath: socketPath,
		logger:     logger,
		numWorkers: workers,
		stopCh:     make(chan struct{}),
	}
}

// Start begins listening for shim events.
func (m *Manager) Start(ctx context.Context, callbacks Callbacks) error {
	m.callbacks = callbacks

	dir := filepath.Dir(m.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	// Remove stale socket
	os.Remove(m.socketPath)

	addr := &net.UnixAddr{Name: m.socketPath, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return fmt.Errorf("listen unix: %w", err)
	}
	m.conn = conn

	// Increase socket receive buffer for high throughput
	conn.SetReadBuffer(4 * 1024 * 1024) // 4MB

	// Allow all users to write to the socket
	os.Chmod(m.socketPath, 0777)

	// Shared memory control file toggles capture in hooked processes
	ctrl, err := CreateControlFile(dir)
	if err != nil {
		m.logger.Warn("failed to create control file (on-demand capture unavailable)", zap.Error(err))
	} else {
		m.control = ctrl
		m.logger.Info("control file created", zap.String("path", ctrl.Path()))
	}

	m.logger.Info("preload hook manager listening",
		zap.String("socket", m.socketPath),
		zap.Int("workers", m.numWorkers),
	)

	for i := 0; i < m.numWorkers; i++ {
		m.wg.Add(1)
		go m.readLoop(ctx, i)
	}

	return nil
}

// Stop shuts down the hook manager.
func (m *Manager) Stop() error {
	close(m.stopCh)
	if m.conn != nil {
		m.conn.Close()
	}
	m.wg.Wait()
	if m.control != nil {
		m.control.Close()
		m.control.Remove()
	}
	os.Remove(m.socketPath)
	return nil
}

// EnableCapture activates capture in all hooked processes via the shared
// memory control file.
func (m *Manager) EnableCapture() error {
	if m.control == nil {
		return fmt.Errorf("control file not available")
	}
	m.logger.Info("capture enabled")
	return m.control.Enable()
}

// DisableCapture deactivates capture. Hooks become pass-through.
func (m *Manager) DisableCapture() error {
	if m.control == nil {
		return fmt.Errorf("control file not available")
	}
	m.logger.Info("capture disabled (dormant)")
	return m.control.Disable()
}

// IsCaptureEnabled returns the current capture state.
func (m *Manager) IsCaptureEnabled() bool {
	if m.control == nil {
		return true // no control file = always-active mode
	}
	enabled, _ := m.control.IsEnabled()
	return enabled
}

// Name returns the provider name.
func (m *Manager) Name() string {
	return "preload"
}

func (m *Manager) readLoop(ctx context.Context, workerID int) {
	defer m.wg.Done()

	// Each worker gets its own buffer to avoid contention
	buf := make([]byte, EventHeaderSize+MaxPayload)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		n, err := m.conn.Read(buf)
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				m.logger.Debug("read error", zap.Int("worker", workerID), zap.Error(err))
				continue
			}
		}

		ev, err := ParseEvent(buf[:n])
		if err != nil {
			m.logger.Debug("parse error", zap.Error(err))
			continue
		}

		Dispatch(ev, m.callbacks)
	}
}
