// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/oncomatch/services/matchengine/store"
)

func TestDocsFetchReadsThrough(t *testing.T) {
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	id, err := s.Insert(ctx, store.CollectionClinical, store.Doc{"sample_id": "S-1"})
	require.NoError(t, err)

	docs := NewDocs()
	got, err := docs.Fetch(ctx, s, store.CollectionClinical, id)
	require.NoError(t, err)
	assert.Equal(t, "S-1", got["sample_id"])
	assert.Equal(t, 1, docs.Len())

	// Second fetch is served from cache even after the store copy is gone.
	require.NoError(t, s.Close())
	got, err = docs.Fetch(ctx, s, store.CollectionClinical, id)
	require.NoError(t, err)
	assert.Equal(t, "S-1", got["sample_id"])
}

func TestDocsFetchMiss(t *testing.T) {
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	docs := NewDocs()
	_, err = docs.Fetch(context.Background(), s, store.CollectionClinical, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, docs.Len(), "misses are not cached")
}

func TestIDSets(t *testing.T) {
	c := NewIDSets()

	_, ok := c.Get("h1")
	assert.False(t, ok)

	c.Put("h1", map[string]bool{"a": true})
	set, ok := c.Get("h1")
	require.True(t, ok)
	assert.True(t, set["a"])

	t.Run("cached empty set is a hit", func(t *testing.T) {
		c.Put("h2", map[string]bool{})
		set, ok := c.Get("h2")
		require.True(t, ok)
		assert.Empty(t, set)
	})

	t.Run("get or compute", func(t *testing.T) {
		calls := 0
		compute := func() (map[string]bool, error) {
			calls++
			return map[string]bool{"b": true}, nil
		}
		set, err := c.GetOrCompute("h3", compute)
		require.NoError(t, err)
		assert.True(t, set["b"])

		_, err = c.GetOrCompute("h3", compute)
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestIDSetsConcurrent(t *testing.T) {
	c := NewIDSets()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrCompute("shared", func() (map[string]bool, error) {
				return map[string]bool{"x": true}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	set, ok := c.Get("shared")
	require.True(t, ok)
	assert.True(t, set["x"])
}
