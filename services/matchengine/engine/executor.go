// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/oncomatch/services/matchengine/observability"
	"github.com/AleutianAI/oncomatch/services/matchengine/query"
	"github.com/AleutianAI/oncomatch/services/matchengine/store"
)

// clinicalHit tracks how one clinical record satisfied the clinical query
// sequence so far.
type clinicalHit struct {
	nodeHash string
	width    int
	depth    int
}

// genomicPair is one (clinical, genomic) record pair produced by the genomic
// query sequence.
type genomicPair struct {
	clinicalID string
	genomicID  string
	nodeHash   string
	width      int
	depth      int
}

// runQuery evaluates one compiled (trial, criterion) query.
//
// The clinical container sequence is intersected level by level against the
// candidate id set; exclusion nodes subtract. If the query has a genomic
// component, genomic containers are evaluated restricted to the sample ids of
// clinical records already found, producing (clinical, genomic) pairs. A
// record satisfying several MCQ-invalidating siblings of one container counts
// once; genuinely different genomic ids stay distinct pairs.
func (e *Engine) runQuery(ctx context.Context, t *Task) error {
	ctx, span := observability.Tracer().Start(ctx, "engine.runQuery",
		trace.WithAttributes(
			attribute.String("protocol_no", t.Clause.ProtocolNo),
			attribute.String("match_level", t.Clause.Level),
		),
	)
	defer span.End()

	hits, err := e.evalClinical(ctx, t)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		return nil
	}

	var matches []*TrialMatch
	if t.Query.HasGenomic() {
		pairs, err := e.evalGenomic(ctx, t, hits)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			m, err := e.buildMatch(ctx, t, MatchReason{
				NodeHash:   p.nodeHash,
				ClinicalID: p.clinicalID,
				GenomicID:  p.genomicID,
				Width:      hits[p.clinicalID].width + p.width,
				Depth:      p.depth,
			})
			if err != nil {
				return err
			}
			matches = append(matches, m)
		}
	} else {
		for cid, hit := range hits {
			m, err := e.buildMatch(ctx, t, MatchReason{
				NodeHash:   hit.nodeHash,
				ClinicalID: cid,
				Width:      hit.width,
				Depth:      hit.depth,
			})
			if err != nil {
				return err
			}
			matches = append(matches, m)
		}
	}

	span.SetAttributes(attribute.Int("matches", len(matches)))
	e.recordMatches(t.Clause.ProtocolNo, matches)
	return nil
}

// evalClinical runs the clinical container sequence and returns the
// surviving clinical ids with their accumulated hit provenance.
func (e *Engine) evalClinical(ctx context.Context, t *Task) (map[string]*clinicalHit, error) {
	active := make(map[string]*clinicalHit, len(t.Candidates))
	for id := range t.Candidates {
		active[id] = &clinicalHit{}
	}

	for _, container := range t.Query.Clinical {
		chosen := make(map[string]*query.Node)
		var excluded map[string]bool
		hasInclusion := false

		for _, node := range container.Nodes() {
			ids, err := e.clinicalNodeIDs(ctx, node, t.Candidates)
			if err != nil {
				return nil, err
			}
			if node.Exclusion() {
				if excluded == nil {
					excluded = make(map[string]bool)
				}
				for id := range ids {
					excluded[id] = true
				}
				continue
			}
			hasInclusion = true
			for id := range ids {
				if _, ok := active[id]; !ok {
					continue
				}
				// An id matching several sibling alternatives counts
				// once; the widest node supplies the provenance.
				if prev, ok := chosen[id]; !ok || node.Width() > prev.Width() {
					chosen[id] = node
				}
			}
		}

		next := make(map[string]*clinicalHit)
		if hasInclusion {
			for id, node := range chosen {
				if excluded[id] {
					continue
				}
				hit := active[id]
				nodeHash, err := node.RawQueryHash()
				if err != nil {
					return nil, err
				}
				hit.nodeHash = nodeHash
				hit.width += node.Width()
				hit.depth = node.Depth()
				next[id] = hit
			}
		} else {
			for id, hit := range active {
				if !excluded[id] {
					next[id] = hit
				}
			}
		}
		active = next
		if len(active) == 0 {
			return active, nil
		}
	}
	return active, nil
}

// evalGenomic runs the genomic container sequence restricted to the sample
// ids of the surviving clinical records.
func (e *Engine) evalGenomic(ctx context.Context, t *Task, hits map[string]*clinicalHit) ([]*genomicPair, error) {
	sampleToClinical := make(map[string]string, len(hits))
	for cid := range hits {
		doc, err := e.docs.Fetch(ctx, e.store, store.CollectionClinical, cid)
		if err != nil {
			return nil, fmt.Errorf("resolve sample for clinical %s: %w", cid, err)
		}
		sid, ok := doc[genomicJoinField].(string)
		if !ok || sid == "" {
			continue
		}
		sampleToClinical[sid] = cid
	}

	activeClin := make(map[string]bool, len(hits))
	for cid := range hits {
		activeClin[cid] = true
	}
	pairs := make(map[string]*genomicPair)

	for _, container := range t.Query.Genomic {
		samples := activeSamples(sampleToClinical, activeClin)
		if len(samples) == 0 {
			return nil, nil
		}

		matchedClin := make(map[string]bool)
		excludedClin := make(map[string]bool)
		hasInclusion := false

		for _, node := range container.Nodes() {
			docs, err := e.genomicNodeDocs(ctx, node, samples)
			if err != nil {
				return nil, err
			}
			nodeHash, err := node.RawQueryHash()
			if err != nil {
				return nil, err
			}
			for _, doc := range docs {
				sid, _ := doc[genomicJoinField].(string)
				cid, ok := sampleToClinical[sid]
				if !ok || !activeClin[cid] {
					continue
				}
				if node.Exclusion() {
					excludedClin[cid] = true
					continue
				}
				gid, _ := doc[store.IDField].(string)
				key := cid + "/" + gid
				// The same genomic record matching several sibling
				// alternatives is one pair; the widest node wins.
				if prev, ok := pairs[key]; !ok || node.Width() > prev.width {
					pairs[key] = &genomicPair{
						clinicalID: cid,
						genomicID:  gid,
						nodeHash:   nodeHash,
						width:      node.Width(),
						depth:      node.Depth(),
					}
				}
				matchedClin[cid] = true
			}
			if !node.Exclusion() {
				hasInclusion = true
			}
		}

		next := make(map[string]bool)
		if hasInclusion {
			for cid := range matchedClin {
				if !excludedClin[cid] {
					next[cid] = true
				}
			}
		} else {
			for cid := range activeClin {
				if !excludedClin[cid] {
					next[cid] = true
				}
			}
		}
		activeClin = next
	}

	out := make([]*genomicPair, 0, len(pairs))
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if activeClin[pairs[k].clinicalID] {
			out = append(out, pairs[k])
		}
	}
	return out, nil
}

// clinicalNodeIDs returns the clinical ids matching one finalized node,
// served from the run-scoped id-set cache when an equivalent node already
// executed.
func (e *Engine) clinicalNodeIDs(ctx context.Context, node *query.Node, candidates map[string]bool) (map[string]bool, error) {
	nodeHash, err := node.RawQueryHash()
	if err != nil {
		return nil, err
	}
	if set, ok := e.idSets.Get(nodeHash); ok {
		observability.QueryCacheHits.WithLabelValues("hit").Inc()
		return set, nil
	}
	observability.QueryCacheHits.WithLabelValues("miss").Inc()

	var docs []store.Doc
	err = e.retryRead(ctx, func() error {
		var err error
		docs, err = e.store.Query(ctx, store.CollectionClinical, node.RawQuery(), candidates)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("clinical query: %w", err)
	}
	set := make(map[string]bool, len(docs))
	for _, doc := range docs {
		if id, ok := doc[store.IDField].(string); ok {
			set[id] = true
			e.docs.Put(store.CollectionClinical, id, doc)
		}
	}
	e.idSets.Put(nodeHash, set)
	return set, nil
}

// genomicNodeDocs queries the genomic collection for one node restricted to
// the given sample ids. Not cached: the restriction set varies per task.
func (e *Engine) genomicNodeDocs(ctx context.Context, node *query.Node, samples []string) ([]store.Doc, error) {
	filter := node.RawQuery()
	filter[genomicJoinField] = map[string]any{"$in": toAnyList(samples)}
	var docs []store.Doc
	err := e.retryRead(ctx, func() error {
		var err error
		docs, err = e.store.Query(ctx, store.CollectionGenomic, filter, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("genomic query: %w", err)
	}
	return docs, nil
}

func (e *Engine) buildMatch(ctx context.Context, t *Task, reason MatchReason) (*TrialMatch, error) {
	doc, err := e.docs.Fetch(ctx, e.store, store.CollectionClinical, reason.ClinicalID)
	if err != nil {
		return nil, fmt.Errorf("resolve sample for clinical %s: %w", reason.ClinicalID, err)
	}
	sampleID, _ := doc["sample_id"].(string)
	return &TrialMatch{
		ProtocolNo:    t.Clause.ProtocolNo,
		SampleID:      sampleID,
		Clause:        t.Clause,
		CriterionHash: t.Criterion.Hash(),
		Reason:        reason,
		RunID:         e.runID,
		MatchDate:     e.runTime,
	}, nil
}

func (e *Engine) recordMatches(protocolNo string, matches []*TrialMatch) {
	if len(matches) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range matches {
		if e.matches[protocolNo] == nil {
			e.matches[protocolNo] = make(map[string][]*TrialMatch)
		}
		e.matches[protocolNo][m.SampleID] = append(e.matches[protocolNo][m.SampleID], m)
		e.shapedDocs[protocolNo] = append(e.shapedDocs[protocolNo], e.shaper(m))
	}
	observability.MatchesFound.Add(float64(len(matches)))
}

func activeSamples(sampleToClinical map[string]string, activeClin map[string]bool) []string {
	var out []string
	for sid, cid := range sampleToClinical {
		if activeClin[cid] {
			out = append(out, sid)
		}
	}
	sort.Strings(out)
	return out
}
