// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store is the document-store boundary of the match engine.
//
// The engine sees five logical collections: trial definitions (read),
// clinical records (read, plus run-history writes), genomic records (read),
// trial-match results (read/write), and the append-only run log. Queries are
// opaque rendered filter maps produced by query-node finalization; the store
// evaluates them against its documents.
//
// The default implementation is embedded BadgerDB. All mutation paths are
// idempotent by content hash so a crashed run can be restarted without
// duplicating committed matches.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Well-known collection names.
const (
	CollectionTrial              = "trial"
	CollectionClinical           = "clinical"
	CollectionGenomic            = "genomic"
	CollectionTrialMatch         = "trial_match"
	CollectionRunLog             = "run_log"
	CollectionClinicalRunHistory = "clinical_run_history"
)

// IDField is the stable identity field of every document.
const IDField = "_id"

// Doc is one stored document.
type Doc = map[string]any

// BulkKind enumerates the batched write operations.
type BulkKind int

const (
	// BulkInsert inserts the op's Doc, generating an id when absent.
	BulkInsert BulkKind = iota

	// BulkReplace replaces the document whose id matches the op's Doc id,
	// inserting when absent (idempotent upsert).
	BulkReplace

	// BulkSet merges the op's Set fields into documents matching Filter.
	BulkSet

	// BulkAppend appends the op's Value to the list field named by SetField
	// on documents matching Filter, skipping values already present.
	BulkAppend
)

// BulkOp is one operation of a batched write.
type BulkOp struct {
	Kind     BulkKind
	Doc      Doc
	Filter   map[string]any
	Set      map[string]any
	SetField string
	Value    any
}

// Error wraps a store failure with its operation context and a retryability
// classification. Read failures are generally retryable (with backoff);
// exhausted retries are fatal for the run since reconciliation assumes
// complete results.
type Error struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a store error worth retrying.
func IsRetryable(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Retryable
}

// ErrNotFound is returned by Get for a missing document.
var ErrNotFound = errors.New("document not found")

// Store is the document store seam.
//
// Implementations must be safe for concurrent use: the execution engine
// issues queries and writes from multiple workers.
type Store interface {
	// Get fetches one document by id. Returns ErrNotFound (wrapped) when
	// absent.
	Get(ctx context.Context, collection, id string) (Doc, error)

	// Query returns documents matching the rendered filter. When restrict is
	// non-nil, only documents whose ids are in the set are considered.
	Query(ctx context.Context, collection string, filter map[string]any, restrict map[string]bool) ([]Doc, error)

	// IDs returns the ids of documents matching the filter.
	IDs(ctx context.Context, collection string, filter map[string]any) ([]string, error)

	// Insert stores a document, generating an id when absent, and returns
	// the id.
	Insert(ctx context.Context, collection string, doc Doc) (string, error)

	// Bulk applies a batch of write operations atomically.
	Bulk(ctx context.Context, collection string, ops []BulkOp) error

	// ListIndexes returns the indexed field names of a collection.
	ListIndexes(ctx context.Context, collection string) ([]string, error)

	// EnsureIndex creates an equality index on field, backfilling existing
	// documents. Idempotent.
	EnsureIndex(ctx context.Context, collection, field string) error

	// Close releases the underlying database.
	Close() error
}
