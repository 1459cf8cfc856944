// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package compiler turns a match criterion (one AND-composed path through a
// trial's eligibility tree) into a MultiCollectionQuery: parallel OR-of-AND
// structures for the clinical and genomic collections.
//
// For each criteria map on the path, keys are partitioned by their target
// collection, each key is run through its registered transformer, and the
// cross-product of per-key alternative sets becomes the sibling query nodes
// of one container. Identical nodes (by content hash) collapse to one before
// finalization, which is the primary deduplication point: the store is never
// queried twice for equivalent fragments of one compiled query.
package compiler

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/oncomatch/services/matchengine/matchtree"
	"github.com/AleutianAI/oncomatch/services/matchengine/query"
	"github.com/AleutianAI/oncomatch/services/matchengine/transform"
)

// Collection targets for criteria keys.
const (
	CollectionClinical = "clinical"
	CollectionGenomic  = "genomic"
)

// DefaultKeyCollections returns the conventional criteria-key mapping:
// demographic and diagnosis keys query the clinical collection, variant
// keys query the genomic collection. Deployments with additional criteria
// keys supply their own mapping via configuration.
func DefaultKeyCollections() map[string]string {
	return map[string]string{
		"age_numerical":              CollectionClinical,
		"gender":                     CollectionClinical,
		"oncotree_primary_diagnosis": CollectionClinical,
		"her2_status":                CollectionClinical,
		"er_status":                  CollectionClinical,
		"pr_status":                  CollectionClinical,
		"hugo_symbol":                CollectionGenomic,
		"protein_change":             CollectionGenomic,
		"variant_category":           CollectionGenomic,
		"variant_classification":     CollectionGenomic,
		"cnv_call":                   CollectionGenomic,
		"wildtype":                   CollectionGenomic,
	}
}

// CompilationError marks a criterion that cannot be compiled. Fatal for the
// affected trial only.
type CompilationError struct {
	Key    string
	Reason string
	Err    error
}

func (e *CompilationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("compile criterion key %q: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("compile criterion key %q: %s", e.Key, e.Reason)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// Compiler compiles criterion paths against a transformer registry and a
// criteria-key → collection mapping.
type Compiler struct {
	registry       *transform.Registry
	keyCollections map[string]string
	ctx            *transform.Context
}

// New creates a Compiler.
//
// Inputs:
//   - registry: transformer registry; keys without a dedicated transformer
//     compile as plain equality.
//   - keyCollections: criteria key → CollectionClinical / CollectionGenomic.
//     Keys absent from the mapping are unknown and fail compilation.
//   - ctx: transformer context (policy + resource tables).
func New(registry *transform.Registry, keyCollections map[string]string, ctx *transform.Context) *Compiler {
	return &Compiler{registry: registry, keyCollections: keyCollections, ctx: ctx}
}

// Compile turns one criterion path into a MultiCollectionQuery. Every
// returned query node is finalized; containers appear in path order.
func (c *Compiler) Compile(criterion *matchtree.Criterion) (*query.MultiCollectionQuery, error) {
	out := &query.MultiCollectionQuery{}
	for _, criteria := range criterion.List() {
		byCollection, err := c.partition(criteria.Criteria)
		if err != nil {
			return nil, err
		}
		for _, collection := range []string{CollectionClinical, CollectionGenomic} {
			keys := byCollection[collection]
			if len(keys) == 0 {
				continue
			}
			container, err := c.compileContainer(collection, criteria, keys)
			if err != nil {
				return nil, err
			}
			if collection == CollectionClinical {
				out.Clinical = append(out.Clinical, container)
			} else {
				out.Genomic = append(out.Genomic, container)
			}
		}
	}
	return out, nil
}

// partition splits a criteria map's keys by target collection, sorted for
// deterministic compilation order.
func (c *Compiler) partition(criteria map[string]any) (map[string][]string, error) {
	out := make(map[string][]string, 2)
	keys := make([]string, 0, len(criteria))
	for k := range criteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		collection, ok := c.keyCollections[k]
		if !ok {
			return nil, &CompilationError{Key: k, Reason: "unknown criteria key"}
		}
		out[collection] = append(out[collection], k)
	}
	return out, nil
}

// keyAlternatives is one key's transformer output split into its rendered
// OR-alternatives and the metadata parts shared by all of them.
type keyAlternatives struct {
	key        string
	alternates []*query.Part
	metadata   []*query.Part
}

// compileContainer builds the OR-group for one (criteria map, collection)
// pair: the cross-product of per-key alternative sets, deduplicated by node
// hash, siblings linked, every node finalized.
func (c *Compiler) compileContainer(collection string, criteria matchtree.Criteria, keys []string) (*query.NodeContainer, error) {
	perKey := make([]keyAlternatives, 0, len(keys))
	for _, key := range keys {
		parts, err := c.registry.Transform(key, criteria.Criteria[key], c.ctx)
		if err != nil {
			return nil, &CompilationError{Key: key, Reason: "transformer failed", Err: err}
		}
		ka := keyAlternatives{key: key}
		for _, p := range parts {
			if p.Render() {
				ka.alternates = append(ka.alternates, p)
			} else {
				ka.metadata = append(ka.metadata, p)
			}
		}
		if len(ka.alternates) == 0 {
			return nil, &CompilationError{Key: key, Reason: "transformer produced no rendered parts"}
		}
		perKey = append(perKey, ka)
	}

	container := query.NewNodeContainer()
	seen := make(map[string]int)
	var handles []int

	combos := crossProduct(perKey)
	for _, combo := range combos {
		exclusion, err := comboExclusion(combo)
		if err != nil {
			return nil, err
		}
		node := query.NewNode(collection, criteria.Depth, exclusion)
		for _, p := range combo {
			if err := node.AddPart(p.Clone()); err != nil {
				return nil, err
			}
		}
		for _, ka := range perKey {
			for _, meta := range ka.metadata {
				if err := node.AddPart(meta.Clone()); err != nil {
					return nil, err
				}
			}
		}
		if h := node.Hash(); seen[h] == 0 {
			node.Finalize()
			handle := container.Add(node)
			seen[h] = handle + 1
			handles = append(handles, handle)
		}
	}

	// All surviving nodes of one container are alternatives derived from the
	// same source criterion; link them so MCQ invalidation can be checked at
	// execution time.
	if len(handles) > 1 {
		for _, h := range handles {
			siblings := make([]int, 0, len(handles)-1)
			for _, other := range handles {
				if other != h {
					siblings = append(siblings, other)
				}
			}
			container.Node(h).SetSiblings(siblings)
		}
	}
	return container, nil
}

// comboExclusion derives node-level exclusion semantics from one combination
// of rendered parts. Inclusion and exclusion criteria cannot share a node:
// the executor either intersects or subtracts a node's result set, never
// both.
func comboExclusion(combo []*query.Part) (bool, error) {
	negated := 0
	for _, p := range combo {
		if p.Negate() {
			negated++
		}
	}
	switch {
	case negated == 0:
		return false, nil
	case negated == len(combo):
		return true, nil
	default:
		return false, &CompilationError{Reason: "criteria map mixes inclusion and exclusion keys for one collection"}
	}
}

// crossProduct expands per-key alternative sets into all combinations.
func crossProduct(perKey []keyAlternatives) [][]*query.Part {
	combos := [][]*query.Part{{}}
	for _, ka := range perKey {
		next := make([][]*query.Part, 0, len(combos)*len(ka.alternates))
		for _, combo := range combos {
			for _, alt := range ka.alternates {
				expanded := make([]*query.Part, len(combo), len(combo)+1)
				copy(expanded, combo)
				expanded = append(expanded, alt)
				next = append(next, expanded)
			}
		}
		combos = next
	}
	return combos
}
