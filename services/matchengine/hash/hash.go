// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package hash computes stable content hashes over nested structures.
//
// # Description
//
// Every identity in the match engine — criterion paths, query fragments,
// finalized queries, persisted match documents — is addressed by the digest
// of its content rather than by a surrogate id. That makes re-runs
// idempotent: a match recomputed from unchanged inputs hashes to the same
// value and is recognized as already persisted.
//
// The digest is invariant to map key insertion order but sensitive to map
// keys, slice order, scalar values, and scalar types. Hashes are persisted
// across runs and across processes, so the encoding below must never change
// incompatibly.
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use.
package hash

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
)

// Nested returns the hex sha1 digest of an arbitrarily nested structure of
// maps, slices, and scalars.
//
// Inputs:
//   - v: Any combination of map[string]any, []any, typed slices/maps reached
//     through those, strings, bools, numbers, and nil.
//
// Outputs:
//   - string: 40-character lowercase hex digest.
//
// Two structures hash equal iff they are structurally equal; map iteration
// order never matters.
func Nested(v any) string {
	h := sha1.New()
	writeCanonical(h, v)
	return hex.EncodeToString(h.Sum(nil))
}

// writeCanonical writes a canonical byte encoding of v to w.
//
// Maps are encoded as "m{" key=value... "}" with keys sorted; slices as
// "s[" elem... "]"; scalars are tagged with their kind so that the string
// "1" and the number 1 hash differently.
func writeCanonical(w io.Writer, v any) {
	switch t := v.(type) {
	case nil:
		io.WriteString(w, "z;")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		io.WriteString(w, "m{")
		for _, k := range keys {
			fmt.Fprintf(w, "%q=", k)
			writeCanonical(w, t[k])
			io.WriteString(w, ";")
		}
		io.WriteString(w, "}")
	case []any:
		io.WriteString(w, "s[")
		for _, e := range t {
			writeCanonical(w, e)
			io.WriteString(w, ";")
		}
		io.WriteString(w, "]")
	case []string:
		io.WriteString(w, "s[")
		for _, e := range t {
			writeCanonical(w, e)
			io.WriteString(w, ";")
		}
		io.WriteString(w, "]")
	case string:
		fmt.Fprintf(w, "t%q", t)
	case bool:
		fmt.Fprintf(w, "b%v", t)
	case int:
		fmt.Fprintf(w, "n%v", float64(t))
	case int32:
		fmt.Fprintf(w, "n%v", float64(t))
	case int64:
		fmt.Fprintf(w, "n%v", float64(t))
	case float32:
		fmt.Fprintf(w, "n%v", float64(t))
	case float64:
		// All numerics funnel through float64 so documents decoded from
		// JSON (which only has float64) hash identically to their
		// in-memory originals.
		fmt.Fprintf(w, "n%v", t)
	default:
		// Fallback for rare types (time.Time in run logs, etc.).
		fmt.Fprintf(w, "o%v", t)
	}
}

// SortedUnion hashes the union identity of a set of hashes.
//
// Used where a collection of content-addressed members needs one stable
// identity regardless of member order (e.g., a query node over its parts).
func SortedUnion(hashes []string, extra ...any) string {
	dup := make([]string, len(hashes))
	copy(dup, hashes)
	sort.Strings(dup)
	payload := map[string]any{"members": dup}
	for i, e := range extra {
		payload[fmt.Sprintf("extra_%d", i)] = e
	}
	return Nested(payload)
}
