// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/oncomatch/pkg/logging"
	"github.com/AleutianAI/oncomatch/services/matchengine/compiler"
	"github.com/AleutianAI/oncomatch/services/matchengine/config"
	"github.com/AleutianAI/oncomatch/services/matchengine/matchtree"
	"github.com/AleutianAI/oncomatch/services/matchengine/store"
	"github.com/AleutianAI/oncomatch/services/matchengine/transform"
)

// app holds the per-invocation state shared by subcommands.
type app struct {
	cfg    config.Config
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var configPath string

	root := &cobra.Command{
		Use:           "oncomatch",
		Short:         "Match patient records against clinical trial eligibility criteria",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logging.New(logging.Config{
				Level:   logging.ParseLevel(cfg.LogLevel),
				Service: "oncomatch",
			})
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the YAML configuration file")

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newServeCmd(a))
	root.AddCommand(newLoadCmd(a))
	root.AddCommand(newOncotreeCmd())
	return root
}

// openStore opens the configured document store.
func (a *app) openStore() (*store.BadgerStore, error) {
	if a.cfg.Store.InMemory {
		return store.OpenInMemory()
	}
	sc := store.DefaultConfig()
	sc.Path = a.cfg.Store.Path
	sc.Logger = a.logger.Slog()
	return store.Open(sc)
}

// buildCompiler wires the transformer registry, resource tables, and
// criteria-key mapping into a Compiler.
func buildCompiler(cfg config.Config, policy matchtree.Policy) (*compiler.Compiler, error) {
	resources, err := transform.LoadResources(
		cfg.Resources.OncotreeSubtypesPath,
		cfg.Resources.ProteinVariantsPath,
	)
	if err != nil {
		return nil, err
	}
	keyCollections, err := loadKeyCollections(cfg.Resources.KeyCollectionsPath)
	if err != nil {
		return nil, err
	}
	ctx := &transform.Context{Policy: policy, Resources: resources}
	return compiler.New(transform.DefaultRegistry(), keyCollections, ctx), nil
}

// loadKeyCollections reads the criteria-key mapping file, falling back to
// the built-in mapping when no path is configured.
func loadKeyCollections(path string) (map[string]string, error) {
	if path == "" {
		return compiler.DefaultKeyCollections(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key collections %s: %w", path, err)
	}
	out := make(map[string]string)
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse key collections %s: %w", path, err)
	}
	for key, collection := range out {
		if collection != compiler.CollectionClinical && collection != compiler.CollectionGenomic {
			return nil, fmt.Errorf("key collections %s: key %q maps to unknown collection %q",
				path, key, collection)
		}
	}
	return out, nil
}
