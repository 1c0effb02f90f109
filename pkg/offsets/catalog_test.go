// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package offsets

import (
	"errors"
	"testing"
)

func TestCatalogLookupUnknown(t *testing.T) {
	c, err := NewCatalog(0)
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Lookup(Fingerprint{Dev: 1, Inode: 100})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if stats := c.Stats(); stats.Misses != 1 {
		t.Fatalf("expected 1 miss, got %d", stats.Misses)
	}
}

func TestCatalogPutAndLookup(t *testing.T) {
	c, err := NewCatalog(0)
	if err != nil {
		t.Fatal(err)
	}
	fp := Fingerprint{Dev: 1, Inode: 100}
	c.Put(fp, &Metadata{
		Flavor:  FlavorOpenSSL,
		Symbols: map[string]uint64{"SSL_read": 0x1000, "SSL_write": 0x2000},
	})

	md, err := c.Lookup(fp)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if md.Flavor != FlavorOpenSSL {
		t.Fatalf("expected openssl flavor, got %v", md.Flavor)
	}
	if addr, ok := md.Addr("SSL_read"); !ok || addr != 0x1000 {
		t.Fatalf("expected SSL_read at 0x1000, got %#x (ok=%v)", addr, ok)
	}
	if _, ok := md.Addr("SSL_free"); ok {
		t.Fatal("expected SSL_free to be absent")
	}
	if stats := c.Stats(); stats.Hits != 1 || stats.Size != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCatalogUnsupportedIsSticky(t *testing.T) {
	c, err := NewCatalog(0)
	if err != nil {
		t.Fatal(err)
	}
	fp := Fingerprint{Dev: 2, Inode: 200}
	c.PutUnsupported(fp)

	for i := 0; i < 3; i++ {
		_, err := c.Lookup(fp)
		if !errors.Is(err, ErrUnsupported) {
			t.Fatalf("lookup %d: expected ErrUnsupported, got %v", i, err)
		}
	}
	if stats := c.Stats(); stats.Unsupported != 3 {
		t.Fatalf("expected 3 unsupported lookups, got %d", stats.Unsupported)
	}
}

func TestCatalogEvictsOldest(t *testing.T) {
	c, err := NewCatalog(2)
	if err != nil {
		t.Fatal(err)
	}
	fpA := Fingerprint{Dev: 1, Inode: 1}
	fpB := Fingerprint{Dev: 1, Inode: 2}
	fpC := Fingerprint{Dev: 1, Inode: 3}
	md := &Metadata{Flavor: FlavorGoTLS}
	c.Put(fpA, md)
	c.Put(fpB, md)

	// Touch A so B is the eviction candidate.
	if _, err := c.Lookup(fpA); err != nil {
		t.Fatal(err)
	}
	c.Put(fpC, md)

	if _, err := c.Lookup(fpB); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected fpB evicted, got %v", err)
	}
	if _, err := c.Lookup(fpA); err != nil {
		t.Fatalf("expected fpA retained, got %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("expected catalog bounded at 2, got %d", c.Len())
	}
}
