// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartImmutability(t *testing.T) {
	fragment := map[string]any{"hugo_symbol": "BRAF"}
	p := NewPart(fragment, false, true, false)

	// Mutating the source map after construction must not leak in.
	fragment["hugo_symbol"] = "KRAS"
	got := p.Query()
	assert.Equal(t, "BRAF", got["hugo_symbol"])

	// Mutating the read copy must not leak back.
	got["hugo_symbol"] = "NRAS"
	again := p.Query()
	assert.Equal(t, "BRAF", again["hugo_symbol"])
}

func TestNodeFinalizeContract(t *testing.T) {
	t.Run("raw query hash before finalize fails", func(t *testing.T) {
		n := NewNode("clinical", 0, false, NewPart(map[string]any{"gender": "Male"}, false, true, false))
		_, err := n.RawQueryHash()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnfinalizedNode))
	})

	t.Run("raw query hash after finalize is idempotent", func(t *testing.T) {
		n := NewNode("clinical", 0, false, NewPart(map[string]any{"gender": "Male"}, false, true, false))
		n.Finalize()
		h1, err := n.RawQueryHash()
		require.NoError(t, err)
		h2, err := n.RawQueryHash()
		require.NoError(t, err)
		assert.Equal(t, h1, h2)
	})

	t.Run("mutating a finalized node fails", func(t *testing.T) {
		n := NewNode("clinical", 0, false)
		require.NoError(t, n.AddPart(NewPart(map[string]any{"gender": "Male"}, false, true, false)))
		n.Finalize()
		err := n.AddPart(NewPart(map[string]any{"vital_status": "alive"}, false, true, false))
		assert.True(t, errors.Is(err, ErrImmutableQuery))
	})

	t.Run("add part invalidates memoized hash", func(t *testing.T) {
		n := NewNode("clinical", 0, false, NewPart(map[string]any{"gender": "Male"}, false, true, false))
		h1 := n.Hash()
		require.NoError(t, n.AddPart(NewPart(map[string]any{"vital_status": "alive"}, false, true, false)))
		h2 := n.Hash()
		assert.NotEqual(t, h1, h2)
	})
}

func TestNodeHashDeduplicationLaw(t *testing.T) {
	mk := func() *Node {
		n := NewNode("genomic", 1, false,
			NewPart(map[string]any{"hugo_symbol": "BRAF"}, false, true, false),
			NewPart(map[string]any{"protein_change": "p.V600E"}, false, true, false),
		)
		n.Finalize()
		return n
	}
	a, b := mk(), mk()
	assert.Equal(t, a.Hash(), b.Hash(), "independently compiled identical nodes must collapse to one hash")

	ah, err := a.RawQueryHash()
	require.NoError(t, err)
	bh, err := b.RawQueryHash()
	require.NoError(t, err)
	assert.Equal(t, ah, bh)

	excl := NewNode("genomic", 1, true,
		NewPart(map[string]any{"hugo_symbol": "BRAF"}, false, true, false),
		NewPart(map[string]any{"protein_change": "p.V600E"}, false, true, false),
	)
	assert.NotEqual(t, a.Hash(), excl.Hash(), "exclusion flag is part of node identity")
}

func TestNodeRawQueryAndWidth(t *testing.T) {
	n := NewNode("genomic", 1, false,
		NewPart(map[string]any{"hugo_symbol": "BRAF"}, false, true, false),
		NewPart(map[string]any{"variant_category": "!CNV"}, true, true, false),
		NewPart(map[string]any{"__source_value": "BRAF wildcard"}, false, false, false),
	)

	raw := n.RawQuery()
	assert.Len(t, raw, 2, "non-rendered parts must not appear in the raw query")
	assert.NotContains(t, raw, "__source_value")

	// Width counts rendered, non-negated parts only.
	assert.Equal(t, 1, n.Width())

	v, ok := n.ValueByKey("hugo_symbol")
	require.True(t, ok)
	assert.Equal(t, "BRAF", v)
	_, ok = n.ValueByKey("absent")
	assert.False(t, ok)
}

func TestMultiCollectionQueryClone(t *testing.T) {
	n := NewNode("clinical", 0, false, NewPart(map[string]any{"gender": "Female"}, false, true, false))
	n.Finalize()
	q := &MultiCollectionQuery{Clinical: []*NodeContainer{NewNodeContainer(n)}}

	c := q.Clone()
	require.Len(t, c.Clinical, 1)
	assert.Equal(t, n.Hash(), c.Clinical[0].Node(0).Hash())
	assert.False(t, c.HasGenomic())
}
