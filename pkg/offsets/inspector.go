// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package offsets

import (
	"debug/elf"
	"errors"
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Entry points instrumented per flavor. The first two symbols of each set
// are required; the rest are attached when present.
var (
	openSSLSymbols = []string{
		"SSL_read",
		"SSL_write",
		"SSL_set_fd",
		"SSL_set_bio",
		"SSL_shutdown",
		"SSL_free",
	}
	gnuTLSSymbols = []string{
		"gnutls_record_recv",
		"gnutls_record_send",
		"gnutls_transport_set_int2",
		"gnutls_transport_set_ptr",
		"gnutls_bye",
		"gnutls_deinit",
	}
	goTLSSymbols = []string{
		"crypto/tls.(*Conn).Read",
		"crypto/tls.(*Conn).Write",
		"crypto/tls.(*Conn).Close",
	}
)

const requiredSymbols = 2

// Inspector derives instrumentation metadata from binaries on disk and
// fills the catalog. Concurrent requests for the same binary collapse
// into a single inspection.
type Inspector struct {
	catalog *Catalog
	logger  *zap.Logger
	group   singleflight.Group

	inspected *atomic.Int64
	failures  *atomic.Int64

	// inspect is swappable for tests.
	inspect func(path string) (*Metadata, error)
}

// NewInspector creates an inspector writing into catalog.
func NewInspector(catalog *Catalog, logger *zap.Logger) *Inspector {
	return &Inspector{
		catalog:   catalog,
		logger:    logger,
		inspected: atomic.NewInt64(0),
		failures:  atomic.NewInt64(0),
		inspect:   inspectELF,
	}
}

// Resolve returns instrumentation metadata for the binary at path,
// inspecting it on first sight. A binary that cannot be instrumented
// returns ErrUnsupported, from the negative cache on every call after
// the first.
func (i *Inspector) Resolve(path string) (*Metadata, error) {
	fp, err := FingerprintPath(path)
	if err != nil {
		return nil, fmt.Errorf("fingerprint %s: %w", path, err)
	}
	return i.ResolveFingerprint(fp, path)
}

// ResolveFingerprint is Resolve for callers that already hold the
// fingerprint, e.g. from a /proc/<pid>/exe stat.
func (i *Inspector) ResolveFingerprint(fp Fingerprint, path string) (*Metadata, error) {
	md, err := i.catalog.Lookup(fp)
	if err == nil {
		return md, nil
	}
	if errors.Is(err, ErrUnsupported) {
		return nil, ErrUnsupported
	}

	// First sight. Collapse concurrent inspections of the same image.
	v, err, _ := i.group.Do(fp.String(), func() (interface{}, error) {
		md, ierr := i.inspect(path)
		if ierr != nil {
			i.catalog.PutUnsupported(fp)
			i.failures.Inc()
			i.logger.Debug("binary not instrumentable",
				zap.String("path", path),
				zap.String("fingerprint", fp.String()),
				zap.Error(ierr),
			)
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, ierr)
		}
		i.catalog.Put(fp, md)
		i.inspected.Inc()
		i.logger.Info("binary inspected",
			zap.String("path", path),
			zap.String("flavor", md.Flavor.String()),
			zap.Int("symbols", len(md.Symbols)),
		)
		return md, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Metadata), nil
}

// InspectorStats is a point-in-time snapshot of inspection counters.
type InspectorStats struct {
	Inspected int64
	Failures  int64
}

func (i *Inspector) Stats() InspectorStats {
	return InspectorStats{
		Inspected: i.inspected.Load(),
		Failures:  i.failures.Load(),
	}
}

// inspectELF classifies the binary's TLS flavor and extracts entry point
// addresses from its symbol tables.
func inspectELF(path string) (*Metadata, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}
	defer f.Close()

	syms := make(map[string]uint64)
	collect := func(list []elf.Symbol) {
		for _, s := range list {
			if s.Value != 0 && s.Name != "" {
				syms[s.Name] = s.Value
			}
		}
	}
	// Shared libraries export through dynsym; static Go binaries only
	// carry symtab.
	if dyn, derr := f.DynamicSymbols(); derr == nil {
		collect(dyn)
	}
	if st, serr := f.Symbols(); serr == nil {
		collect(st)
	}
	if len(syms) == 0 {
		return nil, errors.New("no symbol tables")
	}

	for _, set := range []struct {
		flavor  Flavor
		symbols []string
	}{
		{FlavorOpenSSL, openSSLSymbols},
		{FlavorGnuTLS, gnuTLSSymbols},
		{FlavorGoTLS, goTLSSymbols},
	} {
		if md := matchFlavor(set.flavor, set.symbols, syms); md != nil {
			return md, nil
		}
	}
	return nil, errors.New("no known TLS entry points")
}

// matchFlavor builds Metadata when the binary carries the flavor's
// required symbols, or returns nil.
func matchFlavor(flavor Flavor, symbols []string, syms map[string]uint64) *Metadata {
	found := make(map[string]uint64)
	for _, name := range symbols {
		if addr, ok := syms[name]; ok {
			found[name] = addr
		}
	}
	for _, name := range symbols[:requiredSymbols] {
		if _, ok := found[name]; !ok {
			return nil
		}
	}
	return &Metadata{Flavor: flavor, Symbols: found}
}
