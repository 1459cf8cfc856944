// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package runlog reconciles newly computed matches against previously
// persisted ones.
//
// Matches are identified by the content hash of their shaped document, so
// re-running over unchanged data produces an empty delta and a crashed run
// can be restarted without duplicating committed matches. Removed matches
// are disabled, never deleted; the run history of each affected clinical
// record keeps an auditable trail of when a sample started or stopped
// matching.
package runlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/oncomatch/services/matchengine/observability"
	"github.com/AleutianAI/oncomatch/services/matchengine/store"
)

// ErrConflict is returned when the persisted match set changed concurrently
// with this run's read and recomputing the delta once did not settle it.
var ErrConflict = errors.New("persisted match set changed concurrently")

// bulkChunkSize bounds one store transaction during Apply.
const bulkChunkSize = 100

// Reconciler computes and applies per-protocol match deltas.
type Reconciler struct {
	store store.Store
	runID string

	// skipRunLog suppresses run-log and run-history writes. Match
	// reconciliation itself still happens.
	skipRunLog bool

	now func() time.Time
}

// New creates a Reconciler for one run.
func New(s store.Store, runID string, skipRunLog bool) *Reconciler {
	return &Reconciler{store: s, runID: runID, skipRunLog: skipRunLog, now: time.Now}
}

// Delta is one protocol's planned reconciliation: the batched trial-match
// operations, the run-history operations for affected clinical records, and
// the run-log record.
type Delta struct {
	ProtocolNo string
	Ops        []store.BulkOp
	HistoryOps []store.BulkOp
	RunLogDoc  store.Doc

	Inserted int
	Enabled  int
	Retained int
	Disabled int

	// Plan inputs and the persisted hash set observed at plan time, kept
	// for the optimistic conflict check during Apply.
	shaped   []store.Doc
	samples  []string
	baseline map[string]bool
}

// Plan computes the delta for one protocol.
//
// Inputs:
//   - shaped: this run's shaped match documents for the protocol. Each must
//     carry "hash" and "sample_id".
//   - consideredSamples: the sample ids this run actually evaluated. Only
//     their stale matches are disabled; matches of out-of-scope samples are
//     left untouched.
func (r *Reconciler) Plan(ctx context.Context, protocolNo string, shaped []store.Doc, consideredSamples []string) (*Delta, error) {
	existing, err := r.store.Query(ctx, store.CollectionTrialMatch, map[string]any{"protocol_no": protocolNo}, nil)
	if err != nil {
		return nil, fmt.Errorf("read persisted matches for %s: %w", protocolNo, err)
	}
	return r.plan(protocolNo, shaped, consideredSamples, existing)
}

func (r *Reconciler) plan(protocolNo string, shaped []store.Doc, consideredSamples []string, existing []store.Doc) (*Delta, error) {
	d := &Delta{
		ProtocolNo: protocolNo,
		shaped:     shaped,
		samples:    consideredSamples,
		baseline:   make(map[string]bool, len(existing)),
	}

	considered := make(map[string]bool, len(consideredSamples))
	for _, sid := range consideredSamples {
		considered[sid] = true
	}

	existingByHash := make(map[string]store.Doc, len(existing))
	for _, doc := range existing {
		h, ok := doc["hash"].(string)
		if !ok || h == "" {
			return nil, fmt.Errorf("persisted match in %s lacks a hash", protocolNo)
		}
		existingByHash[h] = doc
		d.baseline[h] = true
	}

	newByHash := make(map[string]store.Doc, len(shaped))
	for _, doc := range shaped {
		h, ok := doc["hash"].(string)
		if !ok || h == "" {
			return nil, fmt.Errorf("shaped match for %s lacks a hash", protocolNo)
		}
		newByHash[h] = doc
	}

	// Deterministic op order for stable tests and logs.
	newHashes := make([]string, 0, len(newByHash))
	for h := range newByHash {
		newHashes = append(newHashes, h)
	}
	sort.Strings(newHashes)

	history := make(map[string]map[string]bool) // sample id -> actions

	record := func(sampleID, action string) {
		if r.skipRunLog || sampleID == "" {
			return
		}
		if history[sampleID] == nil {
			history[sampleID] = make(map[string]bool)
		}
		history[sampleID][action] = true
	}

	for _, h := range newHashes {
		doc := newByHash[h]
		sampleID, _ := doc["sample_id"].(string)
		prev, ok := existingByHash[h]
		switch {
		case !ok:
			d.Ops = append(d.Ops, store.BulkOp{Kind: store.BulkInsert, Doc: doc})
			d.Inserted++
			record(sampleID, "created")
		case prev["is_disabled"] == true:
			d.Ops = append(d.Ops, store.BulkOp{
				Kind:   store.BulkSet,
				Filter: map[string]any{"protocol_no": protocolNo, "hash": h},
				Set:    map[string]any{"is_disabled": false, "run_id": r.runID},
			})
			d.Enabled++
			record(sampleID, "enabled")
		default:
			d.Retained++
		}
	}

	staleHashes := make([]string, 0)
	for h := range existingByHash {
		if _, ok := newByHash[h]; !ok {
			staleHashes = append(staleHashes, h)
		}
	}
	sort.Strings(staleHashes)
	for _, h := range staleHashes {
		prev := existingByHash[h]
		sampleID, _ := prev["sample_id"].(string)
		if !considered[sampleID] {
			continue
		}
		if prev["is_disabled"] == true {
			continue
		}
		d.Ops = append(d.Ops, store.BulkOp{
			Kind:   store.BulkSet,
			Filter: map[string]any{"protocol_no": protocolNo, "hash": h},
			Set:    map[string]any{"is_disabled": true, "run_id": r.runID},
		})
		d.Disabled++
		record(sampleID, "disabled")
	}

	if !r.skipRunLog {
		sampleIDs := make([]string, 0, len(history))
		for sid := range history {
			sampleIDs = append(sampleIDs, sid)
		}
		sort.Strings(sampleIDs)
		for _, sid := range sampleIDs {
			actions := make([]string, 0, len(history[sid]))
			for a := range history[sid] {
				actions = append(actions, a)
			}
			sort.Strings(actions)
			for _, action := range actions {
				d.HistoryOps = append(d.HistoryOps, store.BulkOp{
					Kind:     store.BulkAppend,
					Filter:   map[string]any{"sample_id": sid},
					SetField: "run_history",
					Value: map[string]any{
						"run_id":      r.runID,
						"protocol_no": protocolNo,
						"action":      action,
						"date":        r.now().UTC().Format(time.RFC3339),
					},
				})
			}
		}
		sorted := append([]string{}, consideredSamples...)
		sort.Strings(sorted)
		d.RunLogDoc = store.Doc{
			store.IDField: uuid.NewString(),
			"run_id":      r.runID,
			"protocol_no": protocolNo,
			"sample_ids":  sorted,
			"date":        r.now().UTC().Format(time.RFC3339),
		}
	}

	observability.MatchesReconciled.WithLabelValues("inserted").Add(float64(d.Inserted))
	observability.MatchesReconciled.WithLabelValues("retained").Add(float64(d.Retained + d.Enabled))
	observability.MatchesReconciled.WithLabelValues("disabled").Add(float64(d.Disabled))
	return d, nil
}

// Apply writes the delta: optimistic conflict check, trial-match operations
// in bounded chunks, then run-history operations. The run-log record is left
// to a separate task (see RunLogDoc).
//
// If the persisted hash set no longer matches the one observed at plan time,
// the delta is recomputed once from a fresh read; a second mismatch fails
// with ErrConflict.
func (r *Reconciler) Apply(ctx context.Context, d *Delta) error {
	current, err := r.persistedHashes(ctx, d.ProtocolNo)
	if err != nil {
		return err
	}
	if !hashSetEqual(current, d.baseline) {
		existing, err := r.store.Query(ctx, store.CollectionTrialMatch, map[string]any{"protocol_no": d.ProtocolNo}, nil)
		if err != nil {
			return fmt.Errorf("re-read persisted matches for %s: %w", d.ProtocolNo, err)
		}
		replanned, err := r.plan(d.ProtocolNo, d.shaped, d.samples, existing)
		if err != nil {
			return err
		}
		recheck, err := r.persistedHashes(ctx, d.ProtocolNo)
		if err != nil {
			return err
		}
		if !hashSetEqual(recheck, replanned.baseline) {
			return fmt.Errorf("protocol %s: %w", d.ProtocolNo, ErrConflict)
		}
		*d = *replanned
	}

	if err := r.applyChunked(ctx, store.CollectionTrialMatch, d.Ops); err != nil {
		return fmt.Errorf("apply match delta for %s: %w", d.ProtocolNo, err)
	}
	if err := r.applyChunked(ctx, store.CollectionClinical, d.HistoryOps); err != nil {
		return fmt.Errorf("apply run history for %s: %w", d.ProtocolNo, err)
	}
	return nil
}

// AppendRunLog persists the run-log record of a delta. No-op when the run
// log is disabled.
func (r *Reconciler) AppendRunLog(ctx context.Context, d *Delta) error {
	if d.RunLogDoc == nil {
		return nil
	}
	if _, err := r.store.Insert(ctx, store.CollectionRunLog, d.RunLogDoc); err != nil {
		return fmt.Errorf("append run log for %s: %w", d.ProtocolNo, err)
	}
	return nil
}

// applyChunked splits ops into bounded chunks written in parallel. Each op
// targets a distinct document (insert) or hash (set), so chunk ordering does
// not matter. A panic in a chunk write surfaces as an error so the caller
// fails the protocol instead of crashing the process.
func (r *Reconciler) applyChunked(ctx context.Context, collection string, ops []store.BulkOp) error {
	if len(ops) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for start := 0; start < len(ops); start += bulkChunkSize {
		end := start + bulkChunkSize
		if end > len(ops) {
			end = len(ops)
		}
		chunk := ops[start:end]
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("bulk write to %s panicked: %v", collection, rec)
				}
			}()
			return r.store.Bulk(gctx, collection, chunk)
		})
	}
	return g.Wait()
}

func (r *Reconciler) persistedHashes(ctx context.Context, protocolNo string) (map[string]bool, error) {
	docs, err := r.store.Query(ctx, store.CollectionTrialMatch, map[string]any{"protocol_no": protocolNo}, nil)
	if err != nil {
		return nil, fmt.Errorf("read persisted hashes for %s: %w", protocolNo, err)
	}
	out := make(map[string]bool, len(docs))
	for _, doc := range docs {
		if h, ok := doc["hash"].(string); ok {
			out[h] = true
		}
	}
	return out, nil
}

func hashSetEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for h := range a {
		if !b[h] {
			return false
		}
	}
	return true
}
