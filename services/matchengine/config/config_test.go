// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Run.Workers)
	assert.Equal(t, "status", cfg.Trial.StatusKey)
	assert.Equal(t, []string{"open to accrual"}, cfg.Trial.OpenValues)
	assert.False(t, cfg.Run.MatchOnClosed)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
store:
  in_memory: true
run:
  workers: 2
  protocols: ["20-100"]
  match_on_closed: true
trial:
  protocol_key: protocol_no
  status_key: status
  open_values: ["open to accrual", "open"]
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Store.InMemory)
	assert.Equal(t, 2, cfg.Run.Workers)
	assert.Equal(t, []string{"20-100"}, cfg.Run.Protocols)
	assert.True(t, cfg.Run.MatchOnClosed)
	assert.Len(t, cfg.Trial.OpenValues, 2)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	t.Run("zero workers", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("run:\n  workers: 0\n"), 0o600))
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("bad log level", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("log_level: loud\n"), 0o600))
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}
