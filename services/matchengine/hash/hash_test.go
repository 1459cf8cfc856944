// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hash

import (
	"testing"
)

func TestNested(t *testing.T) {
	t.Run("map key order does not matter", func(t *testing.T) {
		a := map[string]any{"oncotree_primary_diagnosis": "Melanoma", "age_numerical": ">=18"}
		b := map[string]any{"age_numerical": ">=18", "oncotree_primary_diagnosis": "Melanoma"}
		if Nested(a) != Nested(b) {
			t.Errorf("hash should be invariant to key insertion order")
		}
	})

	t.Run("slice order matters", func(t *testing.T) {
		a := []any{"BRAF", "KRAS"}
		b := []any{"KRAS", "BRAF"}
		if Nested(a) == Nested(b) {
			t.Errorf("slice order must be significant")
		}
	})

	t.Run("scalar type is significant", func(t *testing.T) {
		if Nested("1") == Nested(1) {
			t.Errorf("string and number must hash differently")
		}
		if Nested(true) == Nested("true") {
			t.Errorf("bool and string must hash differently")
		}
	})

	t.Run("numeric widening is canonical", func(t *testing.T) {
		// Documents round-tripped through JSON come back as float64.
		if Nested(18) != Nested(float64(18)) {
			t.Errorf("int and float64 of equal value must hash identically")
		}
	})

	t.Run("nested structures", func(t *testing.T) {
		a := map[string]any{
			"clinical": map[string]any{"age_numerical": ">=18"},
			"genomic":  []any{map[string]any{"hugo_symbol": "BRAF"}},
		}
		b := map[string]any{
			"genomic":  []any{map[string]any{"hugo_symbol": "BRAF"}},
			"clinical": map[string]any{"age_numerical": ">=18"},
		}
		if Nested(a) != Nested(b) {
			t.Errorf("nested maps must hash by content")
		}
		c := map[string]any{
			"clinical": map[string]any{"age_numerical": ">=19"},
			"genomic":  []any{map[string]any{"hugo_symbol": "BRAF"}},
		}
		if Nested(a) == Nested(c) {
			t.Errorf("differing nested values must change the hash")
		}
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		v := map[string]any{"k": []any{1, "two", nil, true}}
		if Nested(v) != Nested(v) {
			t.Errorf("hash must be deterministic")
		}
		if len(Nested(v)) != 40 {
			t.Errorf("expected 40 hex chars, got %d", len(Nested(v)))
		}
	})
}

func TestSortedUnion(t *testing.T) {
	a := SortedUnion([]string{"h1", "h2"}, false)
	b := SortedUnion([]string{"h2", "h1"}, false)
	if a != b {
		t.Errorf("member order must not matter")
	}
	c := SortedUnion([]string{"h1", "h2"}, true)
	if a == c {
		t.Errorf("extra values must be significant")
	}
}
