// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package offsets resolves per-binary TLS instrumentation metadata. Probes
// can only be attached to a binary whose TLS entry points are known; the
// catalog maps executable identity to those entry points, and the inspector
// populates it by reading symbol tables off disk.
package offsets

import "fmt"

// Fingerprint identifies an executable image by its on-disk identity
// (device and inode) rather than its path. A renamed or re-linked binary
// with unchanged content still resolves; a recompiled binary misses.
type Fingerprint struct {
	Dev   uint64
	Inode uint64
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%x:%d", f.Dev, f.Inode)
}

// IsZero reports whether the fingerprint carries no identity.
func (f Fingerprint) IsZero() bool {
	return f.Dev == 0 && f.Inode == 0
}

// FingerprintPID fingerprints the executable image of a running process
// through its /proc entry, so the identity survives deleted or replaced
// files on disk.
func FingerprintPID(pid uint32) (Fingerprint, error) {
	return FingerprintPath(fmt.Sprintf("/proc/%d/exe", pid))
}
