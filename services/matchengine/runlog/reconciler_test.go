// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/oncomatch/services/matchengine/store"
)

func testStore(t *testing.T) *store.BadgerStore {
	t.Helper()
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func shapedDoc(hash, sampleID string) store.Doc {
	return store.Doc{
		"hash":        hash,
		"sample_id":   sampleID,
		"protocol_no": "20-100",
		"is_disabled": false,
	}
}

func TestPlanInsertsNewMatches(t *testing.T) {
	s := testStore(t)
	r := New(s, "run-1", false)
	ctx := context.Background()

	shaped := []store.Doc{shapedDoc("h1", "S1"), shapedDoc("h2", "S2")}
	d, err := r.Plan(ctx, "20-100", shaped, []string{"S1", "S2"})
	require.NoError(t, err)

	assert.Equal(t, 2, d.Inserted)
	assert.Zero(t, d.Retained)
	assert.Zero(t, d.Disabled)
	assert.Len(t, d.Ops, 2)
	assert.NotNil(t, d.RunLogDoc)
	assert.Len(t, d.HistoryOps, 2)

	require.NoError(t, r.Apply(ctx, d))
	require.NoError(t, r.AppendRunLog(ctx, d))

	persisted, err := s.Query(ctx, store.CollectionTrialMatch, map[string]any{"protocol_no": "20-100"}, nil)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestReconciliationIdempotence(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	shaped := []store.Doc{shapedDoc("h1", "S1"), shapedDoc("h2", "S2")}
	samples := []string{"S1", "S2"}

	r1 := New(s, "run-1", false)
	d1, err := r1.Plan(ctx, "20-100", shaped, samples)
	require.NoError(t, err)
	require.NoError(t, r1.Apply(ctx, d1))

	r2 := New(s, "run-2", false)
	d2, err := r2.Plan(ctx, "20-100", shaped, samples)
	require.NoError(t, err)
	assert.Zero(t, d2.Inserted, "unchanged data yields zero inserts")
	assert.Zero(t, d2.Disabled, "unchanged data yields zero removals")
	assert.Equal(t, 2, d2.Retained)
	assert.Empty(t, d2.Ops)
}

func TestDisableAndReEnable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	samples := []string{"S1", "S2"}

	r1 := New(s, "run-1", false)
	d1, err := r1.Plan(ctx, "20-100", []store.Doc{shapedDoc("h1", "S1"), shapedDoc("h2", "S2")}, samples)
	require.NoError(t, err)
	require.NoError(t, r1.Apply(ctx, d1))

	// h2 no longer produced.
	r2 := New(s, "run-2", false)
	d2, err := r2.Plan(ctx, "20-100", []store.Doc{shapedDoc("h1", "S1")}, samples)
	require.NoError(t, err)
	assert.Equal(t, 1, d2.Disabled)
	require.NoError(t, r2.Apply(ctx, d2))

	disabled, err := s.Query(ctx, store.CollectionTrialMatch, map[string]any{"hash": "h2"}, nil)
	require.NoError(t, err)
	require.Len(t, disabled, 1)
	assert.Equal(t, true, disabled[0]["is_disabled"])

	// h2 produced again.
	r3 := New(s, "run-3", false)
	d3, err := r3.Plan(ctx, "20-100", []store.Doc{shapedDoc("h1", "S1"), shapedDoc("h2", "S2")}, samples)
	require.NoError(t, err)
	assert.Equal(t, 1, d3.Enabled)
	assert.Zero(t, d3.Inserted, "a disabled match is re-enabled, not re-inserted")
	require.NoError(t, r3.Apply(ctx, d3))

	enabled, err := s.Query(ctx, store.CollectionTrialMatch, map[string]any{"hash": "h2"}, nil)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, false, enabled[0]["is_disabled"])
	assert.Equal(t, "run-3", enabled[0]["run_id"])
}

func TestDisableRespectsSampleScope(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r1 := New(s, "run-1", false)
	d1, err := r1.Plan(ctx, "20-100", []store.Doc{shapedDoc("h1", "S1"), shapedDoc("h2", "S2")}, []string{"S1", "S2"})
	require.NoError(t, err)
	require.NoError(t, r1.Apply(ctx, d1))

	// A scoped rerun that only considered S1 must not disable S2's match
	// even though it produced no hash for it.
	r2 := New(s, "run-2", false)
	d2, err := r2.Plan(ctx, "20-100", []store.Doc{shapedDoc("h1", "S1")}, []string{"S1"})
	require.NoError(t, err)
	assert.Zero(t, d2.Disabled)
}

func TestSkipRunLog(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := New(s, "run-1", true)
	d, err := r.Plan(ctx, "20-100", []store.Doc{shapedDoc("h1", "S1")}, []string{"S1"})
	require.NoError(t, err)
	assert.Len(t, d.Ops, 1, "match persistence still happens")
	assert.Empty(t, d.HistoryOps)
	assert.Nil(t, d.RunLogDoc)
	require.NoError(t, r.Apply(ctx, d))
	require.NoError(t, r.AppendRunLog(ctx, d), "append is a no-op when disabled")

	logs, err := s.Query(ctx, store.CollectionRunLog, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

type panicBulkStore struct {
	*store.BadgerStore
}

func (p *panicBulkStore) Bulk(ctx context.Context, collection string, ops []store.BulkOp) error {
	panic("bulk write exploded")
}

func TestApplySurfacesBulkPanicAsError(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := New(&panicBulkStore{s}, "run-1", false)
	d, err := r.Plan(ctx, "20-100", []store.Doc{shapedDoc("h1", "S1")}, []string{"S1"})
	require.NoError(t, err)

	err = r.Apply(ctx, d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestApplyReplansOnConcurrentChange(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := New(s, "run-1", false)
	d, err := r.Plan(ctx, "20-100", []store.Doc{shapedDoc("h1", "S1")}, []string{"S1"})
	require.NoError(t, err)

	// Another writer lands a match between plan and apply.
	_, err = s.Insert(ctx, store.CollectionTrialMatch, shapedDoc("h-other", "S9"))
	require.NoError(t, err)

	require.NoError(t, r.Apply(ctx, d), "a single concurrent change is absorbed by replanning")

	persisted, err := s.Query(ctx, store.CollectionTrialMatch, map[string]any{"hash": "h1"}, nil)
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}
