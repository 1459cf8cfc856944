// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transform

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadResources reads the transformer lookup tables from disk. Either path
// may be empty, in which case the corresponding table is empty and the
// transformers that need it degrade as documented (diagnosis stops
// expanding subtypes, wildcard protein changes match by prefix only).
func LoadResources(oncotreePath, proteinVariantsPath string) (*Resources, error) {
	r := &Resources{
		OncotreeSubtypes: map[string][]string{},
		ProteinVariants:  map[string][]string{},
	}
	if oncotreePath != "" {
		if err := loadTable(oncotreePath, &r.OncotreeSubtypes); err != nil {
			return nil, fmt.Errorf("load oncotree subtypes: %w", err)
		}
	}
	if proteinVariantsPath != "" {
		if err := loadTable(proteinVariantsPath, &r.ProteinVariants); err != nil {
			return nil, fmt.Errorf("load protein variants: %w", err)
		}
	}
	return r, nil
}

func loadTable(path string, dst *map[string][]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
