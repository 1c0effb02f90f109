// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package ebpf

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExtractTLSLibPath(t *testing.T) {
	// Stat succeeds only for real files, so stage the libraries on disk.
	dir := t.TempDir()
	libssl := filepath.Join(dir, "libssl.so.3")
	libgnutls := filepath.Join(dir, "libgnutls.so.30")
	libc := filepath.Join(dir, "libc.so.6")
	for _, p := range []string{libssl, libgnutls, libc} {
		if err := os.WriteFile(p, []byte{0x7f}, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		line string
		want string
	}{
		{
			name: "libssl executable mapping",
			line: "7f0000000000-7f0000100000 r-xp 00000000 08:01 123 " + libssl,
			want: libssl,
		},
		{
			name: "libgnutls executable mapping",
			line: "7f0000000000-7f0000100000 r-xp 00000000 08:01 124 " + libgnutls,
			want: libgnutls,
		},
		{
			name: "non-TLS library",
			line: "7f0000000000-7f0000100000 r-xp 00000000 08:01 125 " + libc,
			want: "",
		},
		{
			name: "libssl data mapping is skipped",
			line: "7f0000000000-7f0000100000 r--p 00000000 08:01 123 " + libssl,
			want: "",
		},
		{
			name: "missing file is skipped",
			line: "7f0000000000-7f0000100000 r-xp 00000000 08:01 126 " + filepath.Join(dir, "libssl.so.1.1"),
			want: "",
		},
		{
			name: "anonymous mapping",
			line: "7f0000000000-7f0000100000 rw-p 00000000 00:00 0",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractTLSLibPath(tt.line); got != tt.want {
				t.Errorf("extractTLSLibPath(%q) = %q, want %q", tt.line, got, tt.want)
			}
		})
	}
}
