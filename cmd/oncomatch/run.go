// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/oncomatch/services/matchengine/config"
	"github.com/AleutianAI/oncomatch/services/matchengine/engine"
	"github.com/AleutianAI/oncomatch/services/matchengine/matchtree"
	"github.com/AleutianAI/oncomatch/services/matchengine/store"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one matching run against the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			applyRunFlags(cmd, &a.cfg)
			s, err := a.openStore()
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			eng, err := a.buildEngine(s)
			if err != nil {
				return err
			}
			matches, err := eng.Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("matching run failed: %w", err)
			}
			printRunSummary(cmd, eng, matches)
			return nil
		},
	}
	addRunFlags(cmd)
	return cmd
}

// addRunFlags registers the per-run overrides shared by run and serve.
func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().Int("workers", 0, "worker pool size")
	cmd.Flags().StringSlice("protocols", nil, "restrict the run to these protocol numbers")
	cmd.Flags().StringSlice("samples", nil, "restrict the run to these sample ids")
	cmd.Flags().Bool("match-on-closed", false, "also match closed trials and suspended arms")
	cmd.Flags().Bool("match-on-deceased", false, "also match deceased patient records")
	cmd.Flags().Bool("skip-run-log", false, "skip run-log and run-history writes")
}

// applyRunFlags overlays explicitly-set flags onto the loaded configuration.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("workers") {
		cfg.Run.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("protocols") {
		cfg.Run.Protocols, _ = f.GetStringSlice("protocols")
	}
	if f.Changed("samples") {
		cfg.Run.Samples, _ = f.GetStringSlice("samples")
	}
	if f.Changed("match-on-closed") {
		cfg.Run.MatchOnClosed, _ = f.GetBool("match-on-closed")
	}
	if f.Changed("match-on-deceased") {
		cfg.Run.MatchOnDeceased, _ = f.GetBool("match-on-deceased")
	}
	if f.Changed("skip-run-log") {
		cfg.Run.SkipRunLog, _ = f.GetBool("skip-run-log")
	}
}

// buildEngine assembles the compiler and engine for the current config.
func (a *app) buildEngine(s store.Store) (*engine.Engine, error) {
	policy := matchtree.Policy{
		IncludeClosed:   a.cfg.Run.MatchOnClosed,
		IncludeDeceased: a.cfg.Run.MatchOnDeceased,
	}
	comp, err := buildCompiler(a.cfg, policy)
	if err != nil {
		return nil, err
	}
	return engine.New(s, comp, nil, a.logger, engine.Config{
		Workers:    a.cfg.Run.Workers,
		Policy:     policy,
		Protocols:  a.cfg.Run.Protocols,
		Samples:    a.cfg.Run.Samples,
		SkipRunLog: a.cfg.Run.SkipRunLog,
		TrialOptions: matchtree.Options{
			ProtocolKey: a.cfg.Trial.ProtocolKey,
			StatusKey:   a.cfg.Trial.StatusKey,
			OpenValues:  a.cfg.Trial.OpenValues,
		},
	}), nil
}

func printRunSummary(cmd *cobra.Command, eng *engine.Engine, matches engine.Matches) {
	total := 0
	for _, samples := range matches {
		for _, list := range samples {
			total += len(list)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d matches across %d protocols\n",
		eng.RunID(), total, len(matches))
	for protocolNo, err := range eng.ProtocolErrors() {
		fmt.Fprintf(cmd.ErrOrStderr(), "protocol %s failed: %v\n", protocolNo, err)
	}
}
