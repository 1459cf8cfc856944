// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package query

import (
	"errors"

	"github.com/AleutianAI/oncomatch/services/matchengine/hash"
)

// Contract violation errors. These indicate a bug in the calling code, are
// always fatal, and are never retried.
var (
	// ErrUnfinalizedNode is returned when the raw query hash of a node is
	// requested before Finalize.
	ErrUnfinalizedNode = errors.New("query node is not finalized")

	// ErrImmutableQuery is returned when a finalized node is mutated.
	ErrImmutableQuery = errors.New("query node is finalized and immutable")
)

// Node is an AND-group of Parts at one criteria level and depth.
//
// Before Finalize, RawQuery recomputes the merged query on every call. After
// Finalize, the merged query and its hash are memoized and the node rejects
// mutation. Sibling linkage (handles into the owning container, never
// pointers) lets the executor coordinate MCQ invalidation across alternative
// nodes derived from the same source criterion.
type Node struct {
	level     string
	depth     int
	parts     []*Part
	exclusion bool
	finalized bool

	contentHash  string
	rawQuery     map[string]any
	rawQueryHash string

	// siblings holds container indices of alternative nodes compiled from
	// the same criterion. Populated by the compiler after deduplication.
	siblings []int
}

// NewNode creates a mutable node.
//
// Inputs:
//   - level: target collection ("clinical" or "genomic").
//   - depth: nesting level of the originating criteria in the eligibility
//     tree (trial=0, step=1, ...).
//   - exclusion: inclusion vs. exclusion semantics for the whole group.
//   - parts: initial parts; more may be added until Finalize.
func NewNode(level string, depth int, exclusion bool, parts ...*Part) *Node {
	n := &Node{level: level, depth: depth, exclusion: exclusion}
	n.parts = append(n.parts, parts...)
	return n
}

// Level returns the target collection of the node.
func (n *Node) Level() string { return n.level }

// Depth returns the eligibility-tree depth the node was compiled from.
func (n *Node) Depth() int { return n.depth }

// Exclusion reports whether the node carries exclusion semantics.
func (n *Node) Exclusion() bool { return n.exclusion }

// Finalized reports whether Finalize has been called.
func (n *Node) Finalized() bool { return n.finalized }

// Parts returns the node's parts. The slice must not be mutated.
func (n *Node) Parts() []*Part { return n.parts }

// AddPart appends a part, invalidating memoized state.
//
// Outputs:
//   - error: ErrImmutableQuery if the node is already finalized.
func (n *Node) AddPart(p *Part) error {
	if n.finalized {
		return ErrImmutableQuery
	}
	n.contentHash = ""
	n.rawQuery = nil
	n.rawQueryHash = ""
	n.parts = append(n.parts, p)
	return nil
}

// Hash returns the node identity: the hash of its parts' hashes (in order)
// plus the exclusion flag. Memoized; safe to call before Finalize since it
// does not depend on the rendered query.
func (n *Node) Hash() string {
	if n.contentHash == "" {
		partHashes := make([]any, len(n.parts))
		for i, p := range n.parts {
			partHashes[i] = p.Hash()
		}
		n.contentHash = hash.Nested(map[string]any{
			"parts":     partHashes,
			"exclusion": n.exclusion,
		})
	}
	return n.contentHash
}

// RawQuery returns the merged query of all rendered parts.
//
// Before Finalize the merge is recomputed on every call; after Finalize the
// merged form is memoized. Either way the caller receives a deep copy.
func (n *Node) RawQuery() map[string]any {
	if n.finalized {
		if n.rawQuery == nil {
			n.rawQuery = n.mergeRendered()
		}
		return deepCopyMap(n.rawQuery)
	}
	return n.mergeRendered()
}

func (n *Node) mergeRendered() map[string]any {
	merged := make(map[string]any)
	for _, p := range n.parts {
		if !p.Render() {
			continue
		}
		for k, v := range p.Query() {
			merged[k] = v
		}
	}
	return merged
}

// RawQueryHash returns the memoized hash of the rendered merged query.
//
// Outputs:
//   - string: the finalized-query identity.
//   - error: ErrUnfinalizedNode when called before Finalize. Hashing a
//     non-finalized raw query would bake a still-mutable value into an
//     identity, so this is a hard contract.
func (n *Node) RawQueryHash() (string, error) {
	if n.rawQueryHash == "" {
		if !n.finalized {
			return "", ErrUnfinalizedNode
		}
		n.rawQueryHash = hash.Nested(n.RawQuery())
	}
	return n.rawQueryHash, nil
}

// Finalize transfers the node from "compiling" to "queryable" state.
// Idempotent.
func (n *Node) Finalize() { n.finalized = true }

// MCQInvalidating reports whether any part of the node is MCQ-invalidating.
func (n *Node) MCQInvalidating() bool {
	for _, p := range n.parts {
		if p.MCQInvalidating() {
			return true
		}
	}
	return false
}

// Width is the specificity of the node: the count of rendered, non-negated
// parts. A match satisfied by a wider node is more specific and wins ties
// against overlapping matches from sibling or alternative paths.
func (n *Node) Width() int {
	w := 0
	for _, p := range n.parts {
		if p.Render() && !p.Negate() {
			w++
		}
	}
	return w
}

// PartByKey returns the first part whose fragment contains key, or nil.
func (n *Node) PartByKey(key string) *Part {
	for _, p := range n.parts {
		if p.HasKey(key) {
			return p
		}
	}
	return nil
}

// ValueByKey returns the fragment value for key from the first part that
// carries it.
func (n *Node) ValueByKey(key string) (any, bool) {
	if p := n.PartByKey(key); p != nil {
		return p.Value(key)
	}
	return nil, false
}

// Siblings returns handles of alternative nodes within the owning container.
func (n *Node) Siblings() []int { return n.siblings }

// SetSiblings records the sibling handles. Called by the compiler; sibling
// linkage is metadata and remains settable after Finalize.
func (n *Node) SetSiblings(handles []int) { n.siblings = handles }

// Clone returns a deep copy of the node, including memoized state.
func (n *Node) Clone() *Node {
	parts := make([]*Part, len(n.parts))
	for i, p := range n.parts {
		parts[i] = p.Clone()
	}
	siblings := make([]int, len(n.siblings))
	copy(siblings, n.siblings)
	return &Node{
		level:        n.level,
		depth:        n.depth,
		parts:        parts,
		exclusion:    n.exclusion,
		finalized:    n.finalized,
		contentHash:  n.contentHash,
		rawQuery:     deepCopyMap(n.rawQuery),
		rawQueryHash: n.rawQueryHash,
		siblings:     siblings,
	}
}
