// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package offsets

import (
	"fmt"
	"runtime"
)

// FingerprintPath is unavailable off Linux: device/inode identity is only
// meaningful where probes can attach.
func FingerprintPath(path string) (Fingerprint, error) {
	return Fingerprint{}, fmt.Errorf("executable fingerprinting not supported on %s", runtime.GOOS)
}
