// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package query holds the compiled representation of eligibility criteria:
// parts (single query fragments), nodes (AND-groups of parts), containers
// (OR-groups of nodes), and the multi-collection query that pairs the
// clinical and genomic sequences for one match-criterion path.
//
// The lifecycle is two-phase. During compilation nodes are mutable and every
// read recomputes. Finalize is the ownership-transfer point: after it, the
// merged query and its hash are memoized and any mutation is a contract
// violation surfaced as ErrImmutableQuery.
package query

import "github.com/AleutianAI/oncomatch/services/matchengine/hash"

// Part is one compiled query fragment.
//
// The fragment itself is immutable from the outside: Query returns a deep
// copy so callers can never mutate a part through its read path. Flags:
//
//   - negate: the fragment expresses an exclusion criterion.
//   - render: the fragment contributes to the final store query; non-rendered
//     parts carry metadata only (e.g. the original trial value before
//     expansion).
//   - mcqInvalidating: the fragment is one of several mutually exclusive
//     literal alternatives standing in for a single logical criterion (e.g. a
//     wildcard protein change expanded into concrete variants). Sibling nodes
//     carrying such parts must not be double-counted against each other.
type Part struct {
	fragment        map[string]any
	negate          bool
	render          bool
	mcqInvalidating bool

	contentHash string
}

// NewPart creates a Part over the given fragment.
//
// The fragment is deep-copied in, so the caller keeps ownership of its map.
func NewPart(fragment map[string]any, negate, render, mcqInvalidating bool) *Part {
	return &Part{
		fragment:        deepCopyMap(fragment),
		negate:          negate,
		render:          render,
		mcqInvalidating: mcqInvalidating,
	}
}

// Query returns a deep copy of the fragment.
func (p *Part) Query() map[string]any {
	return deepCopyMap(p.fragment)
}

// Hash returns the content hash of the fragment, memoized.
func (p *Part) Hash() string {
	if p.contentHash == "" {
		p.contentHash = hash.Nested(p.fragment)
	}
	return p.contentHash
}

// Negate reports whether the part expresses an exclusion.
func (p *Part) Negate() bool { return p.negate }

// Render reports whether the part contributes to the rendered query.
func (p *Part) Render() bool { return p.render }

// MCQInvalidating reports whether the part is a mutually exclusive
// alternative representation of a single logical criterion.
func (p *Part) MCQInvalidating() bool { return p.mcqInvalidating }

// HasKey reports whether the fragment contains the given key.
func (p *Part) HasKey(key string) bool {
	_, ok := p.fragment[key]
	return ok
}

// Value returns the fragment value for key. Nested values are deep-copied.
func (p *Part) Value(key string) (any, bool) {
	v, ok := p.fragment[key]
	if !ok {
		return nil, false
	}
	return deepCopyValue(v), true
}

// Clone returns an independent copy sharing nothing mutable with p.
func (p *Part) Clone() *Part {
	return &Part{
		fragment:        deepCopyMap(p.fragment),
		negate:          p.negate,
		render:          p.render,
		mcqInvalidating: p.mcqInvalidating,
		contentHash:     p.contentHash,
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
