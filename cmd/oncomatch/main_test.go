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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestOncotreeCommand(t *testing.T) {
	dir := t.TempDir()
	tsv := writeFile(t, dir, "tumor_types.tsv",
		"level_1\tlevel_2\tlevel_3\tlevel_4\tlevel_5\tlevel_6\tlevel_7\n"+
			"Melanoma (MEL)\tCutaneous Melanoma (CM)\t\t\t\t\t\n"+
			"Blood\tLeukemia\t\t\t\t\t\n"+
			"Lymph\tHodgkin Lymphoma\t\t\t\t\t\n")
	outPath := filepath.Join(dir, "oncotree.json")

	_, err := runCLI(t, "oncotree", tsv, "-o", outPath)
	require.NoError(t, err)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	var table map[string][]string
	require.NoError(t, json.Unmarshal(data, &table))
	assert.Equal(t, []string{"Cutaneous Melanoma", "Melanoma"}, table["Melanoma"])
	assert.Equal(t, []string{"Blood", "Hodgkin Lymphoma", "Leukemia", "Lymph"}, table["_LIQUID_"])
}

func TestLoadRejectsUnknownCollection(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "config.yaml",
		fmt.Sprintf("store:\n  path: %s\n", filepath.Join(dir, "db")))
	doc := writeFile(t, dir, "doc.json", `{"_id":"x"}`)

	_, err := runCLI(t, "load", "--config", cfg, "--collection", "run_log", doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown collection")
}

func TestLoadAndRun(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", fmt.Sprintf(
		"store:\n  path: %s\nrun:\n  workers: 2\nlog_level: error\n",
		filepath.Join(dir, "db")))

	trial := writeFile(t, dir, "trial.json", `{
		"_id": "trial-1",
		"protocol_no": "20-100",
		"status": "open to accrual",
		"treatment_list": {"step": [{
			"step_internal_id": "s1",
			"step_code": "1",
			"arm": [{
				"arm_internal_id": "a1",
				"arm_code": "A",
				"match": [{"gender": "Female"}]
			}]
		}]}
	}`)
	clinical := writeFile(t, dir, "clinical.json", `[
		{"_id": "c1", "sample_id": "S1", "gender": "Female", "vital_status": "alive"},
		{"_id": "c2", "sample_id": "S2", "gender": "Male", "vital_status": "alive"}
	]`)

	out, err := runCLI(t, "load", "--config", cfgPath, "--collection", "trial", trial)
	require.NoError(t, err)
	assert.Contains(t, out, "loaded 1 documents into trial")

	out, err = runCLI(t, "load", "--config", cfgPath, "--collection", "clinical", clinical)
	require.NoError(t, err)
	assert.Contains(t, out, "loaded 2 documents into clinical")

	out, err = runCLI(t, "run", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "1 matches across 1 protocols")
}

func TestRunFlagOverridesScopeTheRun(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", fmt.Sprintf(
		"store:\n  path: %s\nlog_level: error\n", filepath.Join(dir, "db")))
	clinical := writeFile(t, dir, "clinical.json", `[
		{"_id": "c1", "sample_id": "S1", "gender": "Female", "vital_status": "alive"}
	]`)

	_, err := runCLI(t, "load", "--config", cfgPath, "--collection", "clinical", clinical)
	require.NoError(t, err)

	// No trials loaded; a scoped run still completes with zero matches.
	out, err := runCLI(t, "run", "--config", cfgPath, "--samples", "S1", "--protocols", "20-100")
	require.NoError(t, err)
	assert.Contains(t, out, "0 matches across 0 protocols")
}
