// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package ebpf

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mbeema/tlscope/pkg/offsets"
)

// tlsScanner discovers TLS-capable binaries in running processes and
// attaches uprobes to them. The offsets catalog gates every attachment:
// a binary the inspector cannot classify is skipped and never produces
// session events.
type tlsScanner struct {
	loader    *loader
	inspector *offsets.Inspector
	logger    *zap.Logger

	// Dedup by image identity so each binary is probed once no matter
	// how many processes map it.
	mu       sync.Mutex
	attached map[offsets.Fingerprint]bool
}

// newTLSScanner creates a scanner backed by the given loader and catalog
// inspector.
func newTLSScanner(loader *loader, inspector *offsets.Inspector, logger *zap.Logger) *tlsScanner {
	return &tlsScanner{
		loader:    loader,
		inspector: inspector,
		logger:    logger,
		attached:  make(map[offsets.Fingerprint]bool),
	}
}

// scanExistingProcesses walks /proc once and probes every running process.
func (s *tlsScanner) scanExistingProcesses() {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		s.logger.Debug("cannot read /proc for TLS scanning", zap.Error(err))
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		s.scanProcess(uint32(pid))
	}
}

// scanProcess probes one process: its executable image (statically linked
// TLS, e.g. Go binaries) and any TLS shared libraries in its maps.
func (s *tlsScanner) scanProcess(pid uint32) {
	s.instrument(fmt.Sprintf("/proc/%d/exe", pid), pid)

	mapsPath := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(mapsPath)
	if err != nil {
		return // process may have exited
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		libPath := extractTLSLibPath(scanner.Text())
		if libPath == "" {
			continue
		}
		s.instrument(libPath, pid)
	}
}

// instrument resolves one binary through the catalog and attaches probes
// on first sight.
func (s *tlsScanner) instrument(path string, pid uint32) {
	fp, err := offsets.FingerprintPath(path)
	if err != nil {
		return // stat raced with process exit
	}

	s.mu.Lock()
	if s.attached[fp] {
		s.mu.Unlock()
		return
	}
	s.attached[fp] = true
	s.mu.Unlock()

	md, err := s.inspector.ResolveFingerprint(fp, path)
	if err != nil {
		// Unsupported is sticky in the catalog; keep the local mark too
		// so repeat sightings cost one map hit.
		return
	}

	if err := s.loader.attachTLSUprobes(path, md); err != nil {
		s.logger.Debug("failed to attach TLS uprobes",
			zap.String("binary", path),
			zap.Uint32("pid", pid),
			zap.Error(err),
		)
		// Revert the attached flag so we can retry
		s.mu.Lock()
		delete(s.attached, fp)
		s.mu.Unlock()
		return
	}

	s.logger.Info("attached TLS uprobes",
		zap.String("binary", path),
		zap.String("flavor", md.Flavor.String()),
		zap.Uint32("pid", pid),
	)
}

// extractTLSLibPath extracts a TLS library path from a /proc/pid/maps line.
// Returns empty string if the line doesn't reference a known TLS library.
func extractTLSLibPath(line string) string {
	// /proc/pid/maps format:
	// 7f...  r-xp 00000000 ... /usr/lib/x86_64-linux-gnu/libssl.so.3
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return ""
	}

	// Only look at executable mappings (r-xp)
	perms := fields[1]
	if len(perms) < 3 || perms[2] != 'x' {
		return ""
	}

	path := fields[len(fields)-1]
	base := filepath.Base(path)

	// Match libssl.so, libssl.so.1.1, libssl.so.3, libgnutls.so.30, etc.
	if strings.HasPrefix(base, "libssl.so") || strings.HasPrefix(base, "libgnutls.so") {
		// Verify the file exists (it might be in a container namespace)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
