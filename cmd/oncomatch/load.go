// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/oncomatch/services/matchengine/store"
)

var loadableCollections = map[string]bool{
	store.CollectionTrial:    true,
	store.CollectionClinical: true,
	store.CollectionGenomic:  true,
}

func newLoadCmd(a *app) *cobra.Command {
	var collection string

	cmd := &cobra.Command{
		Use:   "load [files...]",
		Short: "Load JSON documents into a store collection",
		Long: "Load reads JSON files into the named collection. Each file holds " +
			"either a single document object or an array of documents.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !loadableCollections[collection] {
				return fmt.Errorf("unknown collection %q", collection)
			}
			s, err := a.openStore()
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			total := 0
			for _, path := range args {
				docs, err := readDocs(path)
				if err != nil {
					return err
				}
				for _, doc := range docs {
					if _, err := s.Insert(cmd.Context(), collection, doc); err != nil {
						return fmt.Errorf("insert from %s: %w", path, err)
					}
				}
				total += len(docs)
				a.logger.Info("loaded documents", "file", path, "count", len(docs))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d documents into %s\n", total, collection)
			return nil
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "",
		"target collection: trial, clinical, or genomic")
	_ = cmd.MarkFlagRequired("collection")
	return cmd
}

// readDocs parses one JSON file as either a document array or a single
// document object.
func readDocs(path string) ([]store.Doc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var docs []store.Doc
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return docs, nil
	}
	var doc store.Doc
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return []store.Doc{doc}, nil
}
