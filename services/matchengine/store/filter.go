// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/AleutianAI/oncomatch/services/matchengine/hash"
)

// Matches evaluates a rendered filter map against one document.
//
// Filter semantics are the subset produced by the query transformers:
// a scalar value is implicit equality; a map value holds operators
// ($ne, $in, $nin, $gt, $gte, $lt, $lte, $exists, $regex). Top-level keys
// combine with AND. Unknown operators are an error rather than a silent
// non-match since a mis-rendered query would otherwise drop real matches.
func Matches(doc Doc, filter map[string]any) (bool, error) {
	for key, cond := range filter {
		val, present := doc[key]
		ops, isOps := operatorMap(cond)
		if !isOps {
			if !present || !valueEqual(val, cond) {
				return false, nil
			}
			continue
		}
		for op, arg := range ops {
			ok, err := applyOperator(op, arg, val, present)
			if err != nil {
				return false, fmt.Errorf("filter key %q: %w", key, err)
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

// operatorMap reports whether cond is an operator map. A map value whose keys
// all begin with '$' is operators; anything else is a literal.
func operatorMap(cond any) (map[string]any, bool) {
	m, ok := cond.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func applyOperator(op string, arg, val any, present bool) (bool, error) {
	switch op {
	case "$eq":
		return present && valueEqual(val, arg), nil
	case "$ne":
		return !present || !valueEqual(val, arg), nil
	case "$in":
		list, err := asList(op, arg)
		if err != nil {
			return false, err
		}
		if !present {
			return false, nil
		}
		for _, item := range list {
			if valueEqual(val, item) {
				return true, nil
			}
		}
		return false, nil
	case "$nin":
		list, err := asList(op, arg)
		if err != nil {
			return false, err
		}
		if !present {
			return true, nil
		}
		for _, item := range list {
			if valueEqual(val, item) {
				return false, nil
			}
		}
		return true, nil
	case "$gt", "$gte", "$lt", "$lte":
		if !present {
			return false, nil
		}
		a, aok := asNumber(val)
		b, bok := asNumber(arg)
		if !aok || !bok {
			return false, nil
		}
		switch op {
		case "$gt":
			return a > b, nil
		case "$gte":
			return a >= b, nil
		case "$lt":
			return a < b, nil
		default:
			return a <= b, nil
		}
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			return false, fmt.Errorf("$exists requires a bool, got %T", arg)
		}
		return present == want, nil
	case "$regex":
		pattern, ok := arg.(string)
		if !ok {
			return false, fmt.Errorf("$regex requires a string, got %T", arg)
		}
		s, ok := val.(string)
		if !present || !ok {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid $regex %q: %w", pattern, err)
		}
		return re.MatchString(s), nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

func asList(op string, arg any) ([]any, error) {
	switch v := arg.(type) {
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s requires a list, got %T", op, arg)
	}
}

// valueEqual compares with numeric widening so documents round-tripped
// through JSON (all numbers become float64) compare equal to in-memory
// integer filter values. Maps and slices compare structurally by content
// hash; Go equality would panic on them.
func valueEqual(a, b any) bool {
	if an, aok := asNumber(a); aok {
		bn, bok := asNumber(b)
		return bok && an == bn
	}
	if isComposite(a) || isComposite(b) {
		return isComposite(a) == isComposite(b) && hash.Nested(a) == hash.Nested(b)
	}
	return a == b
}

func isComposite(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return true
	default:
		return false
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
