// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"strings"
	"time"

	"github.com/AleutianAI/oncomatch/services/matchengine/hash"
	"github.com/AleutianAI/oncomatch/services/matchengine/matchtree"
	"github.com/AleutianAI/oncomatch/services/matchengine/store"
)

// MatchReason is the provenance of one satisfied query: which node matched,
// the clinical record, optionally the genomic record, and the specificity
// width used to rank overlapping matches from sibling or alternative paths.
type MatchReason struct {
	NodeHash   string
	ClinicalID string
	GenomicID  string
	Width      int
	Depth      int
}

// TrialMatch is the final unit of output for one (record, criterion path)
// pair.
type TrialMatch struct {
	ProtocolNo    string
	SampleID      string
	Clause        *matchtree.ClauseData
	CriterionHash string
	Reason        MatchReason
	RunID         string
	MatchDate     time.Time
}

// Shaper turns a TrialMatch into the persisted document shape. Invoked once
// per match before persistence. The engine requires only that the shaped
// document carries a stable "hash" identity field; the rest of the schema is
// the shaper's business.
type Shaper func(m *TrialMatch) store.Doc

// volatile fields are excluded from the shaped-document hash: they change
// between runs while the match itself is unchanged, and including them would
// break retain detection during reconciliation.
var volatileFields = map[string]bool{
	store.IDField: true,
	"hash":        true,
	"is_disabled": true,
	"run_id":      true,
	"match_date":  true,
}

// StampHash computes the content hash of a shaped document over its
// non-volatile fields and sets it as the "hash" field.
func StampHash(doc store.Doc) store.Doc {
	stable := make(map[string]any, len(doc))
	for k, v := range doc {
		if !volatileFields[k] {
			stable[k] = v
		}
	}
	doc["hash"] = hash.Nested(stable)
	return doc
}

// DefaultShaper emits a flat match document with clause provenance and
// reason fields.
func DefaultShaper(m *TrialMatch) store.Doc {
	doc := store.Doc{
		"protocol_no":         m.ProtocolNo,
		"sample_id":           m.SampleID,
		"clinical_id":         m.Reason.ClinicalID,
		"match_level":         m.Clause.Level,
		"internal_id":         m.Clause.InternalID,
		"code":                m.Clause.Code,
		"coordinating_center": m.Clause.CoordinatingCenter,
		"trial_status":        m.Clause.Status,
		"match_path":          strings.Join(m.Clause.ParentPath, "."),
		"criterion_hash":      m.CriterionHash,
		"query_hash":          m.Reason.NodeHash,
		"match_width":         m.Reason.Width,
		"is_disabled":         false,
		"run_id":              m.RunID,
		"match_date":          m.MatchDate.UTC().Format(time.RFC3339),
	}
	if m.Reason.GenomicID != "" {
		doc["genomic_id"] = m.Reason.GenomicID
	}
	return StampHash(doc)
}
