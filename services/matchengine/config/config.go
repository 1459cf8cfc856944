// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the match engine configuration.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Run       RunConfig       `yaml:"run"`
	Trial     TrialConfig     `yaml:"trial"`
	Resources ResourcesConfig `yaml:"resources"`
	API       APIConfig       `yaml:"api"`
	LogLevel  string          `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// StoreConfig configures the embedded document store.
type StoreConfig struct {
	// Path is the BadgerDB directory. Required unless InMemory is set.
	Path     string `yaml:"path" validate:"required_unless=InMemory true"`
	InMemory bool   `yaml:"in_memory"`
}

// RunConfig configures one matching run.
type RunConfig struct {
	// Workers is the fixed worker pool size.
	Workers int `yaml:"workers" validate:"gte=1,lte=256"`

	// Protocols restricts the run to the listed protocol numbers. Empty
	// means all trials.
	Protocols []string `yaml:"protocols"`

	// Samples restricts the run to the listed sample ids. Empty means all
	// records.
	Samples []string `yaml:"samples"`

	// MatchOnClosed includes trials and arms not open to accrual.
	MatchOnClosed bool `yaml:"match_on_closed"`

	// MatchOnDeceased includes deceased patient records.
	MatchOnDeceased bool `yaml:"match_on_deceased"`

	// SkipRunLog disables run-log persistence and run-history updates.
	// Reconciliation of match documents still happens.
	SkipRunLog bool `yaml:"skip_run_log"`
}

// TrialConfig configures how trial documents are read.
type TrialConfig struct {
	// ProtocolKey is the trial field holding the protocol number.
	ProtocolKey string `yaml:"protocol_key" validate:"required"`

	// StatusKey is the trial field holding the accrual status.
	StatusKey string `yaml:"status_key" validate:"required"`

	// OpenValues are the status values treated as open to accrual,
	// compared case-insensitively.
	OpenValues []string `yaml:"open_values" validate:"min=1"`
}

// ResourcesConfig points at the expansion tables.
type ResourcesConfig struct {
	// OncotreeSubtypesPath is a JSON file mapping disease type to its
	// subtype list, as produced by the oncotree generator.
	OncotreeSubtypesPath string `yaml:"oncotree_subtypes_path"`

	// ProteinVariantsPath is a JSON file mapping a protein change prefix
	// to its known literal variants.
	ProteinVariantsPath string `yaml:"protein_variants_path"`

	// KeyCollectionsPath is a YAML file mapping criteria keys to their
	// target collection (clinical or genomic). Empty means the built-in
	// mapping.
	KeyCollectionsPath string `yaml:"key_collections_path"`
}

// APIConfig configures the HTTP read surface.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

var validate = validator.New()

// Default returns the baseline configuration: strict matching policy, eight
// workers, standard trial field names.
func Default() Config {
	return Config{
		Store: StoreConfig{Path: "data/oncomatch"},
		Run:   RunConfig{Workers: 8},
		Trial: TrialConfig{
			ProtocolKey: "protocol_no",
			StatusKey:   "status",
			OpenValues:  []string{"open to accrual"},
		},
		API:      APIConfig{ListenAddr: ":8080"},
		LogLevel: "info",
	}
}

// Load reads a YAML configuration file over the defaults and validates the
// result. An empty path returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
