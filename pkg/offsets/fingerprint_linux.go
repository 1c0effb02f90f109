// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package offsets

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FingerprintPath stats a file and derives its fingerprint.
func FingerprintPath(path string) (Fingerprint, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Fingerprint{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return Fingerprint{Dev: uint64(st.Dev), Inode: uint64(st.Ino)}, nil
}
