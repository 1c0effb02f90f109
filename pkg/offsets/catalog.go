// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package offsets

import (
	"errors"
	"sync"

	simplelru "github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/atomic"
)

var (
	// ErrNotFound means the binary has never been inspected. Callers should
	// run the inspector and retry.
	ErrNotFound = errors.New("binary not in offsets catalog")

	// ErrUnsupported marks a binary whose TLS entry points could not be
	// located. Sessions from such a binary are never instrumented; the
	// result is cached so the binary is not re-inspected.
	ErrUnsupported = errors.New("binary not supported for TLS instrumentation")
)

// Flavor identifies which TLS implementation a binary links.
type Flavor uint8

const (
	FlavorUnknown Flavor = iota
	FlavorOpenSSL
	FlavorGnuTLS
	FlavorGoTLS
)

func (f Flavor) String() string {
	switch f {
	case FlavorOpenSSL:
		return "openssl"
	case FlavorGnuTLS:
		return "gnutls"
	case FlavorGoTLS:
		return "go-tls"
	default:
		return "unknown"
	}
}

// Metadata holds the instrumentation entry points for one binary: the
// virtual addresses of the TLS read/write/teardown functions inside the
// image, keyed by symbol name. Addresses are image-relative, suitable for
// uprobe attachment.
type Metadata struct {
	Flavor  Flavor
	Symbols map[string]uint64
}

// Addr returns the address recorded for a symbol, or false when the
// symbol was absent from the binary.
func (m *Metadata) Addr(symbol string) (uint64, bool) {
	addr, ok := m.Symbols[symbol]
	return addr, ok
}

// DefaultCatalogSize bounds the catalog. One entry per distinct binary is
// small; the bound only matters on hosts that churn through images.
const DefaultCatalogSize = 1024

// catalogEntry is either a resolved Metadata or a cached negative result.
type catalogEntry struct {
	md          *Metadata
	unsupported bool
}

// Catalog maps executable fingerprints to instrumentation metadata. The
// inspector writes entries; everything downstream only reads. Negative
// results are cached so an unsupported binary costs one inspection, ever.
type Catalog struct {
	mu  sync.RWMutex
	lru *simplelru.LRU[Fingerprint, catalogEntry]

	hits        *atomic.Int64
	misses      *atomic.Int64
	unsupported *atomic.Int64
}

// NewCatalog creates a catalog bounded to capacity entries. A capacity of
// zero or less uses DefaultCatalogSize.
func NewCatalog(capacity int) (*Catalog, error) {
	if capacity <= 0 {
		capacity = DefaultCatalogSize
	}
	lru, err := simplelru.NewLRU[Fingerprint, catalogEntry](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &Catalog{
		lru:         lru,
		hits:        atomic.NewInt64(0),
		misses:      atomic.NewInt64(0),
		unsupported: atomic.NewInt64(0),
	}, nil
}

// Lookup returns the metadata recorded for a fingerprint. ErrNotFound
// means the binary was never inspected; ErrUnsupported means inspection
// already failed and the binary should be skipped.
func (c *Catalog) Lookup(fp Fingerprint) (*Metadata, error) {
	// Get updates recency, so even lookups take the write lock.
	c.mu.Lock()
	entry, ok := c.lru.Get(fp)
	c.mu.Unlock()

	if !ok {
		c.misses.Inc()
		return nil, ErrNotFound
	}
	if entry.unsupported {
		c.unsupported.Inc()
		return nil, ErrUnsupported
	}
	c.hits.Inc()
	return entry.md, nil
}

// Put records inspection results for a fingerprint.
func (c *Catalog) Put(fp Fingerprint, md *Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(fp, catalogEntry{md: md})
}

// PutUnsupported marks a binary as uninstrumentable.
func (c *Catalog) PutUnsupported(fp Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(fp, catalogEntry{unsupported: true})
}

// Len returns the number of cataloged binaries, supported or not.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}

// CatalogStats is a point-in-time snapshot of catalog counters.
type CatalogStats struct {
	Size        int
	Hits        int64
	Misses      int64
	Unsupported int64
}

func (c *Catalog) Stats() CatalogStats {
	return CatalogStats{
		Size:        c.Len(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Unsupported: c.unsupported.Load(),
	}
}
