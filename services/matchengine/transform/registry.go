// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package transform is the criteria-to-query plugin boundary.
//
// A Transformer turns one (criteria key, trial value) pair into one or more
// QueryPart alternatives. Transformers must be pure with respect to the
// supplied Context: same key, value, and context always produce the same
// parts. The registry maps criteria keys to transformers; keys without a
// dedicated transformer fall back to plain equality.
package transform

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/oncomatch/services/matchengine/matchtree"
	"github.com/AleutianAI/oncomatch/services/matchengine/query"
)

// Resources are the auxiliary lookup tables available to transformers.
type Resources struct {
	// OncotreeSubtypes maps a disease type to itself plus all descendant
	// subtypes, as produced by the offline oncotree generator.
	OncotreeSubtypes map[string][]string

	// ProteinVariants maps a wildcarded protein change (e.g. "p.V600")
	// to its known literal variants.
	ProteinVariants map[string][]string
}

// Context carries the run-scoped inputs a transformer may consult.
type Context struct {
	Policy    matchtree.Policy
	Resources *Resources
}

// Transformer produces the QueryPart alternatives for one criteria value.
//
// Multiple returned parts are OR-alternatives: the compiler expands them into
// sibling query nodes. Parts that are mutually exclusive representations of
// the same logical criterion must be flagged MCQ-invalidating.
type Transformer func(key string, value any, ctx *Context) ([]*query.Part, error)

// Registry maps criteria keys to transformers.
type Registry struct {
	byKey map[string]Transformer
}

// NewRegistry returns an empty registry. Keys without a registered
// transformer transform via Equality.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]Transformer)}
}

// DefaultRegistry returns a registry with the built-in domain transformers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("age_numerical", Age)
	r.Register("oncotree_primary_diagnosis", OncotreeDiagnosis)
	r.Register("protein_change", WildcardProteinChange)
	return r
}

// Register binds key to t, replacing any previous binding.
func (r *Registry) Register(key string, t Transformer) {
	r.byKey[key] = t
}

// Transform applies the transformer registered for key, or Equality when
// none is registered.
func (r *Registry) Transform(key string, value any, ctx *Context) ([]*query.Part, error) {
	t, ok := r.byKey[key]
	if !ok {
		t = Equality
	}
	parts, err := t(key, value, ctx)
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", key, err)
	}
	return parts, nil
}

// splitNegation strips the leading "!" exclusion marker from trial values.
func splitNegation(value any) (any, bool) {
	s, ok := value.(string)
	if !ok {
		return value, false
	}
	if strings.HasPrefix(s, "!") {
		return strings.TrimPrefix(s, "!"), true
	}
	return s, false
}
