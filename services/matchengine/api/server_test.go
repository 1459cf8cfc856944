// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/oncomatch/services/matchengine/engine"
	"github.com/AleutianAI/oncomatch/services/matchengine/matchtree"
)

type fakeSource struct {
	matches engine.Matches
}

func (f *fakeSource) Matches() engine.Matches { return f.matches }
func (f *fakeSource) RunID() string           { return "run-1" }

func testSource() *fakeSource {
	return &fakeSource{matches: engine.Matches{
		"20-100": {
			"S1": {
				{
					ProtocolNo:    "20-100",
					SampleID:      "S1",
					Clause:        &matchtree.ClauseData{Level: "arm", Code: "A", ProtocolNo: "20-100"},
					CriterionHash: "ch",
					Reason:        engine.MatchReason{NodeHash: "qh", ClinicalID: "c1", Width: 2},
					RunID:         "run-1",
				},
			},
		},
	}}
}

func TestHealthz(t *testing.T) {
	router := NewRouter(testSource(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestMetrics(t *testing.T) {
	router := NewRouter(testSource(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestMatches(t *testing.T) {
	router := NewRouter(testSource(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/matches", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		RunID   string                           `json:"run_id"`
		Matches map[string]map[string][]matchDTO `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.RunID)
	require.Len(t, body.Matches["20-100"]["S1"], 1)
	got := body.Matches["20-100"]["S1"][0]
	assert.Equal(t, "A", got.Code)
	assert.Equal(t, 2, got.Width)
	assert.Empty(t, got.GenomicID)
}

func TestMatchesByProtocol(t *testing.T) {
	router := NewRouter(testSource(), nil)

	t.Run("known protocol", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/matches/20-100", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			ProtocolNo string                `json:"protocol_no"`
			Matches    map[string][]matchDTO `json:"matches"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "20-100", body.ProtocolNo)
		assert.Len(t, body.Matches["S1"], 1)
	})

	t.Run("unknown protocol", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/matches/99-999", nil))
		require.Equal(t, http.StatusNotFound, w.Code)
	})
}
