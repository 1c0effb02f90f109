// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package offsets

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

func writeBinary(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("not a real elf"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInspectorCachesMetadata(t *testing.T) {
	c, err := NewCatalog(0)
	if err != nil {
		t.Fatal(err)
	}
	insp := NewInspector(c, zap.NewNop())

	calls := atomic.NewInt64(0)
	insp.inspect = func(path string) (*Metadata, error) {
		calls.Inc()
		return &Metadata{Flavor: FlavorOpenSSL, Symbols: map[string]uint64{"SSL_read": 0x10}}, nil
	}

	path := writeBinary(t, "libssl.so.3")
	for i := 0; i < 3; i++ {
		md, err := insp.Resolve(path)
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if md.Flavor != FlavorOpenSSL {
			t.Fatalf("resolve %d: wrong flavor %v", i, md.Flavor)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected single inspection, got %d", n)
	}
	if stats := insp.Stats(); stats.Inspected != 1 || stats.Failures != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestInspectorUnsupportedIsInspectedOnce(t *testing.T) {
	c, err := NewCatalog(0)
	if err != nil {
		t.Fatal(err)
	}
	insp := NewInspector(c, zap.NewNop())

	calls := atomic.NewInt64(0)
	insp.inspect = func(path string) (*Metadata, error) {
		calls.Inc()
		return nil, errors.New("stripped")
	}

	path := writeBinary(t, "stripped-binary")
	for i := 0; i < 3; i++ {
		_, err := insp.Resolve(path)
		if !errors.Is(err, ErrUnsupported) {
			t.Fatalf("resolve %d: expected ErrUnsupported, got %v", i, err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected single inspection for unsupported binary, got %d", n)
	}
	if stats := insp.Stats(); stats.Failures != 1 {
		t.Fatalf("expected 1 failure, got %+v", stats)
	}
}

func TestInspectorCollapsesConcurrentInspections(t *testing.T) {
	c, err := NewCatalog(0)
	if err != nil {
		t.Fatal(err)
	}
	insp := NewInspector(c, zap.NewNop())

	calls := atomic.NewInt64(0)
	insp.inspect = func(path string) (*Metadata, error) {
		calls.Inc()
		time.Sleep(100 * time.Millisecond)
		return &Metadata{Flavor: FlavorGnuTLS}, nil
	}

	path := writeBinary(t, "libgnutls.so.30")
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := insp.Resolve(path); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("expected concurrent resolves to collapse to one inspection, got %d", n)
	}
}

func TestInspectELFRejectsNonELF(t *testing.T) {
	path := writeBinary(t, "garbage")
	if _, err := inspectELF(path); err == nil {
		t.Fatal("expected error for non-ELF file")
	}
}

func TestMatchFlavor(t *testing.T) {
	syms := map[string]uint64{
		"SSL_read":     0x1000,
		"SSL_write":    0x2000,
		"SSL_shutdown": 0x3000,
		"unrelated":    0x4000,
	}

	md := matchFlavor(FlavorOpenSSL, openSSLSymbols, syms)
	if md == nil {
		t.Fatal("expected openssl match")
	}
	if md.Flavor != FlavorOpenSSL {
		t.Fatalf("wrong flavor %v", md.Flavor)
	}
	if len(md.Symbols) != 3 {
		t.Fatalf("expected 3 captured symbols, got %d", len(md.Symbols))
	}
	if _, ok := md.Addr("unrelated"); ok {
		t.Fatal("unrelated symbol should not be captured")
	}

	// Missing a required symbol means no match even with optional ones present.
	delete(syms, "SSL_write")
	if md := matchFlavor(FlavorOpenSSL, openSSLSymbols, syms); md != nil {
		t.Fatalf("expected no match without SSL_write, got %+v", md)
	}

	goSyms := map[string]uint64{
		"crypto/tls.(*Conn).Read":  0x100,
		"crypto/tls.(*Conn).Write": 0x200,
	}
	md = matchFlavor(FlavorGoTLS, goTLSSymbols, goSyms)
	if md == nil || md.Flavor != FlavorGoTLS {
		t.Fatalf("expected go-tls match, got %+v", md)
	}
}
