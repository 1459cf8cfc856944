// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache holds the run-scoped caches of the match engine.
//
// Both caches live for exactly one matching run and are discarded with it;
// nothing here persists or expires. Query tasks for different trials hit the
// same clinical and genomic documents repeatedly, and the node content hash
// gives finalized queries a stable identity, so both document fetches and
// query result sets are shared across workers.
package cache

import (
	"context"
	"sync"

	"github.com/AleutianAI/oncomatch/services/matchengine/store"
)

// Docs caches fetched documents by collection and id.
//
// Thread Safety: safe for concurrent use.
type Docs struct {
	mu   sync.RWMutex
	docs map[string]store.Doc
}

// NewDocs creates an empty document cache.
func NewDocs() *Docs {
	return &Docs{docs: make(map[string]store.Doc)}
}

func docCacheKey(collection, id string) string {
	return collection + "/" + id
}

// Get returns the cached document, or nil when absent.
func (d *Docs) Get(collection, id string) store.Doc {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.docs[docCacheKey(collection, id)]
}

// Put stores a document. Later writes for the same id win; within one run all
// fetches of an id return identical content, so overwrites are benign.
func (d *Docs) Put(collection, id string, doc store.Doc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.docs[docCacheKey(collection, id)] = doc
}

// Fetch reads through the cache: a hit returns immediately, a miss loads via
// the store and caches the result. Missing documents are not negatively
// cached; store.ErrNotFound passes through.
func (d *Docs) Fetch(ctx context.Context, s store.Store, collection, id string) (store.Doc, error) {
	if doc := d.Get(collection, id); doc != nil {
		return doc, nil
	}
	doc, err := s.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	d.Put(collection, id, doc)
	return doc, nil
}

// Len returns the number of cached documents.
func (d *Docs) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.docs)
}

// IDSets caches query result id-sets keyed by finalized node hash. Two query
// nodes with equal content hashes are interchangeable, so the first worker to
// execute one populates the entry for every later holder of an equivalent
// node.
//
// Thread Safety: safe for concurrent use.
type IDSets struct {
	mu   sync.RWMutex
	sets map[string]map[string]bool
}

// NewIDSets creates an empty id-set cache.
func NewIDSets() *IDSets {
	return &IDSets{sets: make(map[string]map[string]bool)}
}

// Get returns the cached id set for a node hash. The second return
// distinguishes a cached empty result from a miss.
func (c *IDSets) Get(nodeHash string) (map[string]bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.sets[nodeHash]
	return set, ok
}

// Put stores an id set. Callers must not mutate ids after the call.
func (c *IDSets) Put(nodeHash string, ids map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets[nodeHash] = ids
}

// GetOrCompute returns the cached set for nodeHash, computing and caching it
// on a miss. Concurrent misses for the same hash may both compute; the
// results are identical by the content-hash contract, so either write is
// correct.
func (c *IDSets) GetOrCompute(nodeHash string, compute func() (map[string]bool, error)) (map[string]bool, error) {
	if set, ok := c.Get(nodeHash); ok {
		return set, nil
	}
	set, err := compute()
	if err != nil {
		return nil, err
	}
	c.Put(nodeHash, set)
	return set, nil
}

// Len returns the number of cached id sets.
func (c *IDSets) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sets)
}
