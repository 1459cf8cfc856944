// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"sync"

	"github.com/AleutianAI/oncomatch/services/matchengine/matchtree"
	"github.com/AleutianAI/oncomatch/services/matchengine/query"
	"github.com/AleutianAI/oncomatch/services/matchengine/store"
)

// TaskKind tags the heterogeneous task queue. A single worker loop dispatches
// on the kind; there is no open-ended task polymorphism.
type TaskKind int

const (
	// TaskPoisonPill terminates the receiving worker immediately. The
	// normal shutdown path closes the queue instead; the pill exists for
	// aborting a run with tasks still queued.
	TaskPoisonPill TaskKind = iota

	// TaskCheckIndices diffs a collection's indexes against the required
	// set and stages an index-update task per missing field.
	TaskCheckIndices

	// TaskIndexUpdate creates one index. Failure is fatal for the run.
	TaskIndexUpdate

	// TaskQuery executes one compiled (trial, criterion) query.
	TaskQuery

	// TaskUpdate applies one protocol's batched store operations.
	TaskUpdate

	// TaskRunLogUpdate appends one protocol's run-log record.
	TaskRunLogUpdate
)

func (k TaskKind) String() string {
	switch k {
	case TaskPoisonPill:
		return "poison_pill"
	case TaskCheckIndices:
		return "check_indices"
	case TaskIndexUpdate:
		return "index_update"
	case TaskQuery:
		return "query"
	case TaskUpdate:
		return "update"
	case TaskRunLogUpdate:
		return "run_log_update"
	default:
		return "unknown"
	}
}

// Task is one unit of work on the queue. Only the fields of its kind are
// set.
type Task struct {
	Kind TaskKind

	// CheckIndices / IndexUpdate.
	Collection string
	Fields     []string
	Field      string

	// Query.
	Trial      store.Doc
	Clause     *matchtree.ClauseData
	Criterion  *matchtree.Criterion
	Query      *query.MultiCollectionQuery
	Candidates map[string]bool

	// Update / RunLogUpdate. The payload lives in the reconciler's delta
	// map keyed by protocol.
	ProtocolNo string

	wg *sync.WaitGroup
}

func (t *Task) done() {
	if t.wg != nil {
		t.wg.Done()
	}
}
