// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package matchtree expands a trial's nested eligibility structure into the
// set of satisfiable root-to-leaf criteria paths.
//
// A trial nests groups at levels trial → step → arm → dose. Each group may
// carry a match clause (a list of criteria maps) and child groups. Criteria
// accumulate along a path (logical AND); every node that carries its own
// clause terminates a path, and the set of paths is the trial's OR of
// alternatives.
package matchtree

import "github.com/AleutianAI/oncomatch/services/matchengine/hash"

// Criteria is one criteria mapping plus its nesting depth in the eligibility
// tree (trial=0, step=1, arm=2, dose=3). Immutable once created.
type Criteria struct {
	Criteria map[string]any
	Depth    int
}

// Criterion is an ordered sequence of Criteria representing one satisfiable
// root-to-leaf path (logical AND across the sequence).
//
// The content hash is memoized and invalidated on Add, mirroring the
// mutable-until-handed-off ownership of the compiling run.
type Criterion struct {
	list        []Criteria
	contentHash string
}

// NewCriterion creates a Criterion over the given criteria sequence.
func NewCriterion(criteria ...Criteria) *Criterion {
	c := &Criterion{}
	c.list = append(c.list, criteria...)
	return c
}

// Add appends criteria to the path and invalidates the memoized hash.
func (c *Criterion) Add(criteria Criteria) {
	c.contentHash = ""
	c.list = append(c.list, criteria)
}

// List returns the criteria in path order. The slice must not be mutated.
func (c *Criterion) List() []Criteria { return c.list }

// Len returns the number of criteria on the path.
func (c *Criterion) Len() int { return len(c.list) }

// Hash returns the stable content hash over the criteria list, memoized.
func (c *Criterion) Hash() string {
	if c.contentHash == "" {
		members := make([]any, len(c.list))
		for i, criteria := range c.list {
			members[i] = criteria.Criteria
		}
		c.contentHash = hash.Nested(map[string]any{"query": members})
	}
	return c.contentHash
}

// Clone returns an independent copy of the criterion.
func (c *Criterion) Clone() *Criterion {
	out := &Criterion{contentHash: c.contentHash}
	out.list = append(out.list, c.list...)
	return out
}
