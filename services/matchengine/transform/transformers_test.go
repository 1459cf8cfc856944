// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() *Context {
	return &Context{
		Resources: &Resources{
			OncotreeSubtypes: map[string][]string{
				"Melanoma": {"Melanoma", "Cutaneous Melanoma", "Uveal Melanoma"},
				"Lung":     {"Lung"},
			},
			ProteinVariants: map[string][]string{
				"p.V600": {"p.V600E", "p.V600K"},
			},
		},
	}
}

func TestEquality(t *testing.T) {
	parts, err := Equality("gender", "Female", nil)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, map[string]any{"gender": "Female"}, parts[0].Query())
	assert.False(t, parts[0].Negate())

	parts, err = Equality("gender", "!Female", nil)
	require.NoError(t, err)
	assert.True(t, parts[0].Negate())
	assert.Equal(t, map[string]any{"gender": "Female"}, parts[0].Query(), "negation marker must not leak into the fragment")
}

func TestAge(t *testing.T) {
	t.Run("operators", func(t *testing.T) {
		for input, want := range map[string]map[string]any{
			">=18": {"$gte": float64(18)},
			"<10":  {"$lt": float64(10)},
			">0.5": {"$gt": 0.5},
			"<=65": {"$lte": float64(65)},
		} {
			parts, err := Age("age_numerical", input, nil)
			require.NoError(t, err, input)
			require.Len(t, parts, 1)
			assert.Equal(t, map[string]any{"age_numerical": want}, parts[0].Query(), input)
		}
	})

	t.Run("rejects malformed values", func(t *testing.T) {
		_, err := Age("age_numerical", "eighteen", nil)
		require.Error(t, err)
		_, err = Age("age_numerical", 18, nil)
		require.Error(t, err)
	})
}

func TestOncotreeDiagnosis(t *testing.T) {
	t.Run("expands subtypes as mcq-invalidating alternatives", func(t *testing.T) {
		parts, err := OncotreeDiagnosis("oncotree_primary_diagnosis", "Melanoma", testContext())
		require.NoError(t, err)

		rendered := 0
		for _, p := range parts {
			if p.Render() {
				rendered++
				assert.True(t, p.MCQInvalidating(), "expanded alternatives must be flagged")
			}
		}
		assert.Equal(t, 3, rendered)
	})

	t.Run("single subtype is not an alternative set", func(t *testing.T) {
		parts, err := OncotreeDiagnosis("oncotree_primary_diagnosis", "Lung", testContext())
		require.NoError(t, err)
		require.Len(t, parts, 1)
		assert.False(t, parts[0].MCQInvalidating())
	})

	t.Run("unknown type matches literally", func(t *testing.T) {
		parts, err := OncotreeDiagnosis("oncotree_primary_diagnosis", "Rare Tumor", testContext())
		require.NoError(t, err)
		require.Len(t, parts, 1)
		assert.Equal(t, map[string]any{"oncotree_primary_diagnosis": "Rare Tumor"}, parts[0].Query())
	})
}

func TestWildcardProteinChange(t *testing.T) {
	t.Run("expands known variants", func(t *testing.T) {
		parts, err := WildcardProteinChange("protein_change", "p.V600*", testContext())
		require.NoError(t, err)
		rendered := 0
		for _, p := range parts {
			if p.Render() {
				rendered++
				assert.True(t, p.MCQInvalidating())
			}
		}
		assert.Equal(t, 2, rendered)
	})

	t.Run("unknown wildcard falls back to regex", func(t *testing.T) {
		parts, err := WildcardProteinChange("protein_change", "p.G12*", testContext())
		require.NoError(t, err)
		require.Len(t, parts, 1)
		assert.Equal(t, map[string]any{"protein_change": map[string]any{"$regex": "^p\\.G12"}}, parts[0].Query())
	})

	t.Run("literal value", func(t *testing.T) {
		parts, err := WildcardProteinChange("protein_change", "p.V600E", testContext())
		require.NoError(t, err)
		require.Len(t, parts, 1)
		assert.False(t, parts[0].MCQInvalidating())
	})
}

func TestRegistryFallback(t *testing.T) {
	r := DefaultRegistry()
	parts, err := r.Transform("variant_category", "Mutation", testContext())
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, map[string]any{"variant_category": "Mutation"}, parts[0].Query())
}
