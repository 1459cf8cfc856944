// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/oncomatch/services/matchengine/query"
)

// Equality is the fallback transformer: one rendered part matching the value
// exactly. A "!" prefix marks the part as an exclusion.
func Equality(key string, value any, _ *Context) ([]*query.Part, error) {
	v, negate := splitNegation(value)
	return []*query.Part{
		query.NewPart(map[string]any{key: v}, negate, true, false),
	}, nil
}

var ageExpr = regexp.MustCompile(`^([<>]=?)\s*([0-9]+(?:\.[0-9]+)?)$`)

// Age transforms a comparison-valued age criterion ("<18", ">=21") into a
// range predicate on the clinical age field.
func Age(key string, value any, _ *Context) ([]*query.Part, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("age criterion must be a string comparison, got %T", value)
	}
	m := ageExpr.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return nil, fmt.Errorf("invalid age comparison %q", s)
	}
	n, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid age bound %q: %w", m[2], err)
	}
	op := map[string]string{"<": "$lt", "<=": "$lte", ">": "$gt", ">=": "$gte"}[m[1]]
	return []*query.Part{
		query.NewPart(map[string]any{key: map[string]any{op: n}}, false, true, false),
	}, nil
}

// OncotreeDiagnosis expands a disease type into its full oncotree subtype
// set. Each subtype becomes a literal alternative flagged MCQ-invalidating:
// the alternatives all stand for the one diagnosis criterion, so a record
// matching several subtypes is still one diagnosis match.
//
// Types absent from the expansion table (and the _LIQUID_/_SOLID_
// pseudo-types when the table lacks them) fall back to a literal match.
func OncotreeDiagnosis(key string, value any, ctx *Context) ([]*query.Part, error) {
	v, negate := splitNegation(value)
	name, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("diagnosis criterion must be a string, got %T", value)
	}

	var subtypes []string
	if ctx != nil && ctx.Resources != nil {
		subtypes = ctx.Resources.OncotreeSubtypes[name]
	}
	if len(subtypes) == 0 {
		return []*query.Part{
			query.NewPart(map[string]any{key: name}, negate, true, false),
		}, nil
	}
	if len(subtypes) == 1 {
		return []*query.Part{
			query.NewPart(map[string]any{key: subtypes[0]}, negate, true, false),
		}, nil
	}

	parts := make([]*query.Part, 0, len(subtypes)+1)
	for _, subtype := range subtypes {
		parts = append(parts, query.NewPart(map[string]any{key: subtype}, negate, true, true))
	}
	// Metadata-only part preserving the pre-expansion trial value.
	parts = append(parts, query.NewPart(map[string]any{"__diagnosis_source": name}, negate, false, false))
	return parts, nil
}

// WildcardProteinChange expands a wildcarded protein change ("p.V600*") into
// its known literal variants, flagged MCQ-invalidating. Wildcards without a
// variant-table entry render as an anchored regex; non-wildcard values match
// literally.
func WildcardProteinChange(key string, value any, ctx *Context) ([]*query.Part, error) {
	v, negate := splitNegation(value)
	change, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("protein change criterion must be a string, got %T", value)
	}

	if !strings.HasSuffix(change, "*") {
		return []*query.Part{
			query.NewPart(map[string]any{key: change}, negate, true, false),
		}, nil
	}

	prefix := strings.TrimSuffix(change, "*")
	var variants []string
	if ctx != nil && ctx.Resources != nil {
		variants = ctx.Resources.ProteinVariants[prefix]
	}
	if len(variants) == 0 {
		return []*query.Part{
			query.NewPart(map[string]any{key: map[string]any{"$regex": "^" + regexp.QuoteMeta(prefix)}}, negate, true, false),
		}, nil
	}

	parts := make([]*query.Part, 0, len(variants)+1)
	for _, variant := range variants {
		parts = append(parts, query.NewPart(map[string]any{key: variant}, negate, true, true))
	}
	parts = append(parts, query.NewPart(map[string]any{"__protein_source": change}, negate, false, false))
	return parts, nil
}
