// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package compiler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/oncomatch/services/matchengine/matchtree"
	"github.com/AleutianAI/oncomatch/services/matchengine/transform"
)

var testKeyCollections = map[string]string{
	"age_numerical":              CollectionClinical,
	"gender":                     CollectionClinical,
	"oncotree_primary_diagnosis": CollectionClinical,
	"hugo_symbol":                CollectionGenomic,
	"protein_change":             CollectionGenomic,
	"variant_category":           CollectionGenomic,
}

func testCompiler() *Compiler {
	ctx := &transform.Context{
		Resources: &transform.Resources{
			OncotreeSubtypes: map[string][]string{
				"Melanoma": {"Melanoma", "Cutaneous Melanoma"},
			},
			ProteinVariants: map[string][]string{
				"p.V600": {"p.V600E", "p.V600K"},
			},
		},
	}
	return New(transform.DefaultRegistry(), testKeyCollections, ctx)
}

func TestCompileSplitsCollections(t *testing.T) {
	criterion := matchtree.NewCriterion(
		matchtree.Criteria{Criteria: map[string]any{"age_numerical": ">=18"}, Depth: 0},
		matchtree.Criteria{Criteria: map[string]any{"hugo_symbol": "BRAF", "variant_category": "Mutation"}, Depth: 2},
	)

	mcq, err := testCompiler().Compile(criterion)
	require.NoError(t, err)

	require.Len(t, mcq.Clinical, 1)
	require.Len(t, mcq.Genomic, 1)
	assert.True(t, mcq.HasGenomic())

	clinical := mcq.Clinical[0]
	require.Equal(t, 1, clinical.Len())
	assert.True(t, clinical.Node(0).Finalized(), "every node must be finalized after assembly")
	assert.Equal(t, 0, clinical.Node(0).Depth())

	genomic := mcq.Genomic[0]
	require.Equal(t, 1, genomic.Len())
	raw := genomic.Node(0).RawQuery()
	assert.Equal(t, "BRAF", raw["hugo_symbol"])
	assert.Equal(t, "Mutation", raw["variant_category"])
	assert.Equal(t, 2, genomic.Node(0).Depth())
}

func TestCompileExpandsAlternatives(t *testing.T) {
	criterion := matchtree.NewCriterion(
		matchtree.Criteria{Criteria: map[string]any{"oncotree_primary_diagnosis": "Melanoma"}, Depth: 0},
	)

	mcq, err := testCompiler().Compile(criterion)
	require.NoError(t, err)
	require.Len(t, mcq.Clinical, 1)

	container := mcq.Clinical[0]
	require.Equal(t, 2, container.Len(), "subtype expansion produces sibling nodes")
	for i, n := range container.Nodes() {
		assert.True(t, n.MCQInvalidating())
		assert.Len(t, n.Siblings(), 1)
		assert.NotContains(t, n.Siblings(), i, "a node is not its own sibling")
	}
}

func TestCompileCrossProduct(t *testing.T) {
	criterion := matchtree.NewCriterion(
		matchtree.Criteria{Criteria: map[string]any{
			"hugo_symbol":    "BRAF",
			"protein_change": "p.V600*",
		}, Depth: 2},
	)

	mcq, err := testCompiler().Compile(criterion)
	require.NoError(t, err)
	require.Len(t, mcq.Genomic, 1)

	container := mcq.Genomic[0]
	// 1 hugo_symbol alternative x 2 protein variants.
	require.Equal(t, 2, container.Len())
	for _, n := range container.Nodes() {
		raw := n.RawQuery()
		assert.Equal(t, "BRAF", raw["hugo_symbol"])
		assert.Contains(t, []any{"p.V600E", "p.V600K"}, raw["protein_change"])
	}
}

func TestCompileDeduplicatesIdenticalNodes(t *testing.T) {
	// Two subtypes that expand to the same literal collapse to one node.
	ctx := &transform.Context{
		Resources: &transform.Resources{
			OncotreeSubtypes: map[string][]string{
				"Melanoma": {"Melanoma", "Melanoma"},
			},
		},
	}
	c := New(transform.DefaultRegistry(), testKeyCollections, ctx)
	criterion := matchtree.NewCriterion(
		matchtree.Criteria{Criteria: map[string]any{"oncotree_primary_diagnosis": "Melanoma"}, Depth: 0},
	)

	mcq, err := c.Compile(criterion)
	require.NoError(t, err)
	require.Len(t, mcq.Clinical, 1)
	assert.Equal(t, 1, mcq.Clinical[0].Len(), "identical node content must collapse before finalization")
}

func TestCompileExclusion(t *testing.T) {
	t.Run("fully negated criteria map is an exclusion node", func(t *testing.T) {
		criterion := matchtree.NewCriterion(
			matchtree.Criteria{Criteria: map[string]any{"variant_category": "!CNV"}, Depth: 2},
		)
		mcq, err := testCompiler().Compile(criterion)
		require.NoError(t, err)
		require.Len(t, mcq.Genomic, 1)
		assert.True(t, mcq.Genomic[0].Node(0).Exclusion())
	})

	t.Run("mixed inclusion and exclusion fails", func(t *testing.T) {
		criterion := matchtree.NewCriterion(
			matchtree.Criteria{Criteria: map[string]any{
				"hugo_symbol":      "BRAF",
				"variant_category": "!CNV",
			}, Depth: 2},
		)
		_, err := testCompiler().Compile(criterion)
		var ce *CompilationError
		require.True(t, errors.As(err, &ce))
	})
}

func TestCompileUnknownKey(t *testing.T) {
	criterion := matchtree.NewCriterion(
		matchtree.Criteria{Criteria: map[string]any{"shoe_size": "11"}, Depth: 0},
	)
	_, err := testCompiler().Compile(criterion)
	var ce *CompilationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "shoe_size", ce.Key)
}
