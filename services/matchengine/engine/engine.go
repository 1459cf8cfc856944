// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine is the concurrent task execution core of the match engine.
//
// A run compiles every in-scope trial into match-criterion paths, compiles
// each path into a multi-collection query, and drains a heterogeneous task
// queue through a fixed worker pool. Ordering guarantees:
//
//   - index-maintenance tasks complete before any query task starts
//   - all of a protocol's query tasks complete before its update task runs
//   - no ordering among query tasks of different protocols
//
// Ordering is enforced by running the queue in phases: each phase's tasks
// are submitted as a batch and barriered on before the next phase begins.
// Shutdown closes the queue after the final phase; workers exit on
// empty-and-closed, so no task is processed after shutdown begins. A poison
// pill task kind exists for aborting with work still queued.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/oncomatch/pkg/logging"
	"github.com/AleutianAI/oncomatch/services/matchengine/cache"
	"github.com/AleutianAI/oncomatch/services/matchengine/compiler"
	"github.com/AleutianAI/oncomatch/services/matchengine/matchtree"
	"github.com/AleutianAI/oncomatch/services/matchengine/observability"
	"github.com/AleutianAI/oncomatch/services/matchengine/query"
	"github.com/AleutianAI/oncomatch/services/matchengine/runlog"
	"github.com/AleutianAI/oncomatch/services/matchengine/store"
)

// ErrIndexCreation marks a failed index-creation task. Queries cannot safely
// proceed without required indices, so this is fatal for the run.
var ErrIndexCreation = errors.New("index creation failed")

// Read retry policy for retryable store errors.
const (
	readAttempts     = 4
	readBackoffBase  = 50 * time.Millisecond
	genomicJoinField = "sample_id"
)

// requiredIndexes are the equality indexes each run verifies before any
// query task starts.
var requiredIndexes = map[string][]string{
	store.CollectionClinical:   {"sample_id", "vital_status"},
	store.CollectionGenomic:    {genomicJoinField, "hugo_symbol"},
	store.CollectionTrialMatch: {"protocol_no", "hash"},
}

// Config is the run configuration consumed by the engine.
type Config struct {
	// Workers is the worker pool size. Default 1.
	Workers int

	// Policy is the record-inclusion policy.
	Policy matchtree.Policy

	// Protocols restricts the run to these protocol numbers. Empty means
	// all trials.
	Protocols []string

	// Samples restricts the run to these sample ids. Empty means all
	// records admitted by the policy.
	Samples []string

	// SkipRunLog disables run-log and run-history writes.
	SkipRunLog bool

	// TrialOptions configures trial-document interpretation.
	TrialOptions matchtree.Options
}

// Matches is the in-memory run output: protocol number to sample id to the
// matches found.
type Matches map[string]map[string][]*TrialMatch

// Engine executes matching runs against a document store.
//
// Thread Safety: one Run at a time per Engine; internal state is rebuilt at
// the start of each run.
type Engine struct {
	store    store.Store
	compiler *compiler.Compiler
	shaper   Shaper
	logger   *logging.Logger
	cfg      Config

	runID   string
	runTime time.Time
	docs    *cache.Docs
	idSets  *cache.IDSets

	queue   chan *Task
	workers sync.WaitGroup

	mu           sync.Mutex
	matches      Matches
	shapedDocs   map[string][]store.Doc
	protocolErrs map[string]error
	fatalErr     error
	pendingIndex []*Task
	reconciler   *runlog.Reconciler
	deltas       map[string]*runlog.Delta
}

// New creates an Engine. A nil shaper falls back to DefaultShaper; a nil
// logger falls back to the default logger.
func New(s store.Store, c *compiler.Compiler, shaper Shaper, logger *logging.Logger, cfg Config) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if shaper == nil {
		shaper = DefaultShaper
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{store: s, compiler: c, shaper: shaper, logger: logger, cfg: cfg}
}

// RunID returns the id of the last started run.
func (e *Engine) RunID() string { return e.runID }

// Matches returns the output of the last completed run.
func (e *Engine) Matches() Matches {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.matches
}

// ProtocolErrors returns the per-protocol failures of the last run. These
// did not abort the run; the affected protocols simply have no (or partial)
// results.
func (e *Engine) ProtocolErrors() map[string]error {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]error, len(e.protocolErrs))
	for k, v := range e.protocolErrs {
		out[k] = v
	}
	return out
}

// Run executes one full matching run and returns the matches map.
func (e *Engine) Run(ctx context.Context) (Matches, error) {
	e.runID = uuid.NewString()
	e.runTime = time.Now()
	e.docs = cache.NewDocs()
	e.idSets = cache.NewIDSets()
	e.matches = make(Matches)
	e.shapedDocs = make(map[string][]store.Doc)
	e.protocolErrs = make(map[string]error)
	e.fatalErr = nil
	e.pendingIndex = nil
	e.queue = make(chan *Task)

	ctx, span := observability.Tracer().Start(ctx, "engine.Run",
		trace.WithAttributes(
			attribute.String("run_id", e.runID),
			attribute.Int("workers", e.cfg.Workers),
		),
	)
	defer span.End()

	log := e.logger.With("run_id", e.runID)
	log.Info("starting matching run",
		"workers", e.cfg.Workers,
		"protocols", len(e.cfg.Protocols),
		"samples", len(e.cfg.Samples),
	)

	for i := 0; i < e.cfg.Workers; i++ {
		e.workers.Add(1)
		go e.worker(ctx, i)
	}
	defer func() {
		close(e.queue)
		e.workers.Wait()
	}()

	// Phase 1: index barrier. Check tasks stage the missing indexes, then
	// the staged creation tasks run to completion before any query starts.
	var checks []*Task
	for collection, fields := range requiredIndexes {
		checks = append(checks, &Task{Kind: TaskCheckIndices, Collection: collection, Fields: fields})
	}
	e.submit(checks)
	if err := e.fatal(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	e.mu.Lock()
	staged := e.pendingIndex
	e.pendingIndex = nil
	e.mu.Unlock()
	e.submit(staged)
	if err := e.fatal(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Phase 2: compile and query.
	candidates, err := e.candidateClinicalIDs(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	trials, err := e.loadTrials(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("trials", len(trials)),
		attribute.Int("candidates", len(candidates)),
	)

	queries, protocols := e.compileTrials(trials, candidates, log)
	e.submit(queries)
	if err := e.fatal(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Phase 3: per-protocol reconciliation and persistence.
	reconciler := runlog.New(e.store, e.runID, e.cfg.SkipRunLog)
	consideredSamples, err := e.consideredSamples(ctx, candidates)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var updates []*Task
	deltas := make(map[string]*runlog.Delta, len(protocols))
	for _, protocolNo := range protocols {
		if e.protocolFailed(protocolNo) {
			continue
		}
		e.mu.Lock()
		shaped := e.shapedDocs[protocolNo]
		e.mu.Unlock()
		delta, err := reconciler.Plan(ctx, protocolNo, shaped, consideredSamples)
		if err != nil {
			e.failProtocol(protocolNo, err)
			continue
		}
		deltas[protocolNo] = delta
		updates = append(updates, &Task{Kind: TaskUpdate, ProtocolNo: protocolNo})
	}
	e.applyDeltas(ctx, reconciler, deltas, updates)

	matched := len(e.Matches())
	observability.TrialsMatched.Observe(float64(matched))
	log.Info("matching run complete",
		"protocols_matched", matched,
		"protocol_errors", len(e.protocolErrs),
	)
	return e.Matches(), nil
}

// applyDeltas runs the update and run-log tasks through the pool. Update
// tasks carry their delta via the deltas map rather than the task struct so
// the reconciler stays the single owner of delta state.
func (e *Engine) applyDeltas(ctx context.Context, r *runlog.Reconciler, deltas map[string]*runlog.Delta, updates []*Task) {
	e.mu.Lock()
	e.reconciler = r
	e.deltas = deltas
	e.mu.Unlock()
	e.submit(updates)

	var logs []*Task
	for protocolNo := range deltas {
		if !e.protocolFailed(protocolNo) {
			logs = append(logs, &Task{Kind: TaskRunLogUpdate, ProtocolNo: protocolNo})
		}
	}
	e.submit(logs)
}

// submit enqueues a batch and blocks until every task in it completes.
func (e *Engine) submit(tasks []*Task) {
	if len(tasks) == 0 {
		return
	}
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for _, t := range tasks {
		t.wg = &wg
		e.queue <- t
	}
	wg.Wait()
}

// worker is the single dispatch loop. It exits when the queue is closed or
// on a poison pill.
func (e *Engine) worker(ctx context.Context, id int) {
	defer e.workers.Done()
	log := e.logger.With("run_id", e.runID, "worker", id)
	for t := range e.queue {
		if t.Kind == TaskPoisonPill {
			t.done()
			return
		}
		e.execute(ctx, t, log)
	}
}

// execute runs one task with panic recovery. A panic in a query task is
// recorded against its protocol; a panic anywhere else is fatal for the run.
func (e *Engine) execute(ctx context.Context, t *Task, log *logging.Logger) {
	start := time.Now()
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			err := fmt.Errorf("task %s panicked: %v", t.Kind, r)
			log.Error("task panicked", "kind", t.Kind.String(), "panic", fmt.Sprintf("%v", r))
			if t.Kind == TaskQuery {
				e.failProtocol(t.Clause.ProtocolNo, err)
			} else {
				e.fail(err)
			}
		}
		observability.TasksTotal.WithLabelValues(t.Kind.String(), result).Inc()
		observability.TaskDuration.WithLabelValues(t.Kind.String()).Observe(time.Since(start).Seconds())
		t.done()
	}()

	var err error
	switch t.Kind {
	case TaskCheckIndices:
		err = e.runCheckIndices(ctx, t)
	case TaskIndexUpdate:
		err = e.runIndexUpdate(ctx, t)
	case TaskQuery:
		err = e.runQuery(ctx, t)
	case TaskUpdate:
		err = e.runUpdate(ctx, t)
	case TaskRunLogUpdate:
		err = e.runRunLogUpdate(ctx, t)
	default:
		err = fmt.Errorf("unknown task kind %d", t.Kind)
	}
	if err != nil {
		result = "error"
		// Contract violations are programming errors, fatal for the run
		// regardless of which task surfaced them.
		if errors.Is(err, query.ErrUnfinalizedNode) || errors.Is(err, query.ErrImmutableQuery) {
			log.Error("query contract violation", "kind", t.Kind.String(), "error", err.Error())
			e.fail(err)
			return
		}
		switch t.Kind {
		case TaskQuery:
			log.Error("query task failed", "protocol_no", t.Clause.ProtocolNo, "error", err.Error())
			e.failProtocol(t.Clause.ProtocolNo, err)
		case TaskUpdate, TaskRunLogUpdate:
			log.Error("persistence task failed", "protocol_no", t.ProtocolNo, "error", err.Error())
			e.failProtocol(t.ProtocolNo, err)
		default:
			log.Error("task failed", "kind", t.Kind.String(), "error", err.Error())
			e.fail(err)
		}
	}
}

func (e *Engine) runCheckIndices(ctx context.Context, t *Task) error {
	have, err := e.store.ListIndexes(ctx, t.Collection)
	if err != nil {
		return fmt.Errorf("list indexes on %s: %w", t.Collection, err)
	}
	existing := make(map[string]bool, len(have))
	for _, f := range have {
		existing[f] = true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, field := range t.Fields {
		if !existing[field] {
			e.pendingIndex = append(e.pendingIndex, &Task{
				Kind:       TaskIndexUpdate,
				Collection: t.Collection,
				Field:      field,
			})
		}
	}
	return nil
}

func (e *Engine) runIndexUpdate(ctx context.Context, t *Task) error {
	if err := e.store.EnsureIndex(ctx, t.Collection, t.Field); err != nil {
		return fmt.Errorf("%w: %s.%s: %v", ErrIndexCreation, t.Collection, t.Field, err)
	}
	return nil
}

func (e *Engine) runUpdate(ctx context.Context, t *Task) error {
	e.mu.Lock()
	r := e.reconciler
	delta := e.deltas[t.ProtocolNo]
	e.mu.Unlock()
	if delta == nil {
		return fmt.Errorf("no planned delta for protocol %s", t.ProtocolNo)
	}
	return r.Apply(ctx, delta)
}

func (e *Engine) runRunLogUpdate(ctx context.Context, t *Task) error {
	e.mu.Lock()
	r := e.reconciler
	delta := e.deltas[t.ProtocolNo]
	e.mu.Unlock()
	if delta == nil {
		return fmt.Errorf("no planned delta for protocol %s", t.ProtocolNo)
	}
	return r.AppendRunLog(ctx, delta)
}

// compileTrials expands every in-scope trial into query tasks. Compilation
// failures are fatal for the affected trial only.
func (e *Engine) compileTrials(trials []store.Doc, candidates map[string]bool, log *logging.Logger) ([]*Task, []string) {
	opts := e.cfg.TrialOptions
	protocolKey := opts.ProtocolKey
	if protocolKey == "" {
		protocolKey = "protocol_no"
	}
	var tasks []*Task
	var protocols []string
	seen := make(map[string]bool)

	for _, trial := range trials {
		tree, err := matchtree.Compile(trial, opts)
		if err != nil {
			protocolNo, _ := trial[protocolKey].(string)
			log.Error("trial compilation failed", "protocol_no", protocolNo, "error", err.Error())
			if protocolNo != "" {
				e.failProtocol(protocolNo, err)
			}
			continue
		}
		if !seen[tree.ProtocolNo] {
			seen[tree.ProtocolNo] = true
			protocols = append(protocols, tree.ProtocolNo)
		}
		for _, path := range tree.Paths(e.cfg.Policy) {
			mcq, err := e.compiler.Compile(path.Criterion)
			if err != nil {
				log.Error("criterion compilation failed", "protocol_no", tree.ProtocolNo, "error", err.Error())
				e.failProtocol(tree.ProtocolNo, err)
				break
			}
			tasks = append(tasks, &Task{
				Kind:       TaskQuery,
				Trial:      trial,
				Clause:     path.Clause,
				Criterion:  path.Criterion,
				Query:      mcq,
				Candidates: candidates,
			})
		}
	}
	return tasks, protocols
}

// loadTrials reads the in-scope trial documents.
func (e *Engine) loadTrials(ctx context.Context) ([]store.Doc, error) {
	filter := map[string]any{}
	if len(e.cfg.Protocols) > 0 {
		key := e.cfg.TrialOptions.ProtocolKey
		if key == "" {
			key = "protocol_no"
		}
		filter[key] = map[string]any{"$in": toAnyList(e.cfg.Protocols)}
	}
	var trials []store.Doc
	err := e.retryRead(ctx, func() error {
		var err error
		trials, err = e.store.Query(ctx, store.CollectionTrial, filter, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load trials: %w", err)
	}
	return trials, nil
}

// candidateClinicalIDs builds the run-wide candidate set: clinical ids
// admitted by the inclusion policy and the sample scoping filter.
func (e *Engine) candidateClinicalIDs(ctx context.Context) (map[string]bool, error) {
	filter := map[string]any{}
	if !e.cfg.Policy.IncludeDeceased {
		filter["vital_status"] = map[string]any{"$ne": "deceased"}
	}
	if len(e.cfg.Samples) > 0 {
		filter["sample_id"] = map[string]any{"$in": toAnyList(e.cfg.Samples)}
	}
	var ids []string
	err := e.retryRead(ctx, func() error {
		var err error
		ids, err = e.store.IDs(ctx, store.CollectionClinical, filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load candidate clinical ids: %w", err)
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// consideredSamples maps the candidate clinical ids to their sample ids for
// run-log scoping.
func (e *Engine) consideredSamples(ctx context.Context, candidates map[string]bool) ([]string, error) {
	seen := make(map[string]bool, len(candidates))
	var out []string
	for id := range candidates {
		doc, err := e.docs.Fetch(ctx, e.store, store.CollectionClinical, id)
		if err != nil {
			return nil, fmt.Errorf("resolve sample id for clinical %s: %w", id, err)
		}
		if sid, ok := doc["sample_id"].(string); ok && !seen[sid] {
			seen[sid] = true
			out = append(out, sid)
		}
	}
	return out, nil
}

// retryRead retries a retryable store read with capped exponential backoff.
// Exhausted retries are returned to the caller and are fatal for the run,
// since reconciliation assumes complete results.
func (e *Engine) retryRead(ctx context.Context, fn func() error) error {
	var err error
	backoff := readBackoffBase
	for attempt := 0; attempt < readAttempts; attempt++ {
		if err = fn(); err == nil || !store.IsRetryable(err) {
			return err
		}
		observability.StoreRetries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func (e *Engine) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatalErr == nil {
		e.fatalErr = err
	}
}

func (e *Engine) fatal() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatalErr
}

func (e *Engine) failProtocol(protocolNo string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.protocolErrs[protocolNo]; !ok {
		e.protocolErrs[protocolNo] = err
	}
}

func (e *Engine) protocolFailed(protocolNo string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.protocolErrs[protocolNo]
	return ok
}

func toAnyList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
