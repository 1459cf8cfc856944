// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package oncotree builds the disease-subtype expansion table from an
// oncotree tumor-type TSV export.
//
// The export lists one leaf per row with its full ancestry across the
// level_1..level_7 columns. The generated table maps every node name to
// itself plus all of its descendants, which is what the diagnosis
// transformer consumes at match time. Two pseudo-types are added on top:
// _LIQUID_ (the Lymph and Blood subtrees) and _SOLID_ (everything else).
package oncotree

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Pseudo-type keys added to the generated table.
const (
	KeyLiquid = "_LIQUID_"
	KeySolid  = "_SOLID_"
)

// Subtrees whose union defines the _LIQUID_ pseudo-type.
var liquidRoots = []string{"Lymph", "Blood"}

const maxLevel = 7

// Generate reads a tumor-type TSV export and returns the subtype table:
// node name to the sorted list of the node plus all its descendants.
func Generate(r io.Reader) (map[string][]string, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read oncotree header: %w", err)
	}
	cols, err := levelColumns(header)
	if err != nil {
		return nil, err
	}

	sets := make(map[string]map[string]bool)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read oncotree row: %w", err)
		}
		levels := make([]string, maxLevel)
		for i, col := range cols {
			if col < len(row) {
				levels[i] = cleanName(row[col])
			}
		}
		// Each ancestor's set absorbs itself and everything below it on
		// this row.
		for i, name := range levels {
			if name == "" {
				continue
			}
			set := sets[name]
			if set == nil {
				set = make(map[string]bool)
				sets[name] = set
			}
			for _, descendant := range levels[i:] {
				if descendant != "" {
					set[descendant] = true
				}
			}
		}
	}

	liquid := make(map[string]bool)
	for _, root := range liquidRoots {
		for name := range sets[root] {
			liquid[name] = true
		}
	}
	solid := make(map[string]bool)
	for name := range sets {
		if !liquid[name] {
			solid[name] = true
		}
	}
	sets[KeyLiquid] = liquid
	sets[KeySolid] = solid

	out := make(map[string][]string, len(sets))
	for name, set := range sets {
		members := make([]string, 0, len(set))
		for m := range set {
			members = append(members, m)
		}
		sort.Strings(members)
		out[name] = members
	}
	return out, nil
}

// WriteJSON writes the table as indented JSON with sorted keys, the format
// the resources loader reads back.
func WriteJSON(w io.Writer, table map[string][]string) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(table)
}

// cleanName strips the parenthesized code suffix from a node name, e.g.
// "Cutaneous Melanoma (MEL)" becomes "Cutaneous Melanoma".
func cleanName(raw string) string {
	name, _, _ := strings.Cut(raw, "(")
	return strings.TrimSpace(name)
}

// levelColumns locates the level_1..level_7 header columns.
func levelColumns(header []string) ([]int, error) {
	cols := make([]int, 0, maxLevel)
	for i := 1; i <= maxLevel; i++ {
		want := fmt.Sprintf("level_%d", i)
		found := -1
		for j, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), want) {
				found = j
				break
			}
		}
		if found < 0 {
			return nil, fmt.Errorf("oncotree header missing column %s", want)
		}
		cols = append(cols, found)
	}
	return cols, nil
}
