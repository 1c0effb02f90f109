// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redact

import (
	"regexp"
	"strings"
)

var (
	// /api/users/123 style numeric IDs
	numericSegment = regexp.MustCompile(`^\d+$`)

	// RFC 4122 UUIDs
	uuidSegment = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// Long hex tokens (hashes, session IDs)
	hexSegment = regexp.MustCompile(`^[0-9a-fA-F]{16,}$`)
)

// NormalizePath replaces high-cardinality URL path segments (numeric IDs,
// UUIDs, hashes) with placeholders. This keeps span names and metric labels
// bounded while preserving the route structure.
func NormalizePath(path string) string {
	if path == "" || path == "/" {
		return path
	}

	segments := strings.Split(path, "/")
	changed := false
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		switch {
		case numericSegment.MatchString(seg):
			segments[i] = "{id}"
			changed = true
		case uuidSegment.MatchString(seg):
			segments[i] = "{uuid}"
			changed = true
		case hexSegment.MatchString(seg):
			segments[i] = "{hash}"
			changed = true
		}
	}

	if !changed {
		return path
	}
	return strings.Join(segments, "/")
}
