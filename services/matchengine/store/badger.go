// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/oncomatch/services/matchengine/hash"
)

// Key layout:
//
//	d/<collection>/<id>                    document JSON
//	x/<collection>/<field>                 index registry marker
//	i/<collection>/<field>/<vhash>/<id>    equality index entry
//
// The value hash in index keys is the canonical content hash of the field
// value, so any scalar type indexes to a fixed-width component.
const (
	docPrefix   = "d/"
	regPrefix   = "x/"
	indexPrefix = "i/"
)

// Config holds configuration for a Badger-backed store.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory is
	// true; required otherwise.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful for
	// testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output. Nil disables it.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC
	// runs. Default 0.5 when GC is enabled.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: synchronous writes and periodic
// value log GC.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore implements Store over an embedded BadgerDB.
//
// Thread Safety: safe for concurrent use. Badger serializes conflicting
// write transactions; conflicts surface as retryable store errors.
type BadgerStore struct {
	db     *badger.DB
	gcStop chan struct{}
	gcDone chan struct{}
}

// Open creates a BadgerStore with the given configuration.
func Open(cfg Config) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 {
			ratio = 0.5
		}
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, ratio, cfg.Logger)
	}
	return s, nil
}

// OpenInMemory opens an in-memory store for testing. Data is lost on Close.
func OpenInMemory() (*BadgerStore, error) {
	return Open(InMemoryConfig())
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

func docKey(collection, id string) []byte {
	return []byte(docPrefix + collection + "/" + id)
}

func regKey(collection, field string) []byte {
	return []byte(regPrefix + collection + "/" + field)
}

func indexKey(collection, field, vhash, id string) []byte {
	return []byte(indexPrefix + collection + "/" + field + "/" + vhash + "/" + id)
}

// wrap classifies a badger error. Transaction conflicts are retryable; the
// caller re-runs the batch against fresh reads.
func wrap(op string, err error) error {
	return &Error{
		Op:        op,
		Retryable: errors.Is(err, badger.ErrConflict),
		Err:       err,
	}
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, collection, id string) (Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("get", err)
	}
	var doc Doc
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(collection, id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, wrap("get", err)
	}
	return doc, nil
}

// Query implements Store.
func (s *BadgerStore) Query(ctx context.Context, collection string, filter map[string]any, restrict map[string]bool) ([]Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("query", err)
	}
	var out []Doc
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scan(txn, collection, filter, restrict, func(doc Doc) {
			out = append(out, doc)
		})
	})
	if err != nil {
		return nil, wrap("query", err)
	}
	return out, nil
}

// IDs implements Store.
func (s *BadgerStore) IDs(ctx context.Context, collection string, filter map[string]any) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("ids", err)
	}
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scan(txn, collection, filter, nil, func(doc Doc) {
			if id, ok := doc[IDField].(string); ok {
				out = append(out, id)
			}
		})
	})
	if err != nil {
		return nil, wrap("ids", err)
	}
	return out, nil
}

// scan visits matching documents of a collection within txn. When an indexed
// equality key is present in the filter, candidates come from the index
// rather than a full collection walk.
func (s *BadgerStore) scan(txn *badger.Txn, collection string, filter map[string]any, restrict map[string]bool, visit func(Doc)) error {
	if ids, ok := indexCandidates(txn, collection, filter); ok {
		for _, id := range ids {
			if restrict != nil && !restrict[id] {
				continue
			}
			item, err := txn.Get(docKey(collection, id))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			if err := matchItem(item, filter, visit); err != nil {
				return err
			}
		}
		return nil
	}

	prefix := []byte(docPrefix + collection + "/")
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if restrict != nil {
			id := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			if !restrict[id] {
				continue
			}
		}
		if err := matchItem(it.Item(), filter, visit); err != nil {
			return err
		}
	}
	return nil
}

func matchItem(item *badger.Item, filter map[string]any, visit func(Doc)) error {
	return item.Value(func(val []byte) error {
		var doc Doc
		if err := json.Unmarshal(val, &doc); err != nil {
			return err
		}
		ok, err := Matches(doc, filter)
		if err != nil {
			return err
		}
		if ok {
			visit(doc)
		}
		return nil
	})
}

// indexCandidates looks for an indexed equality field in the filter and, when
// found, returns the candidate ids from its index entries.
func indexCandidates(txn *badger.Txn, collection string, filter map[string]any) ([]string, bool) {
	for field, cond := range filter {
		if _, isOps := operatorMap(cond); isOps {
			continue
		}
		if _, err := txn.Get(regKey(collection, field)); err != nil {
			continue
		}
		vhash := hash.Nested(cond)
		prefix := []byte(indexPrefix + collection + "/" + field + "/" + vhash + "/")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		var ids []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
		}
		return ids, true
	}
	return nil, false
}

// Insert implements Store.
func (s *BadgerStore) Insert(ctx context.Context, collection string, doc Doc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", wrap("insert", err)
	}
	id, ok := doc[IDField].(string)
	if !ok || id == "" {
		id = uuid.NewString()
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return s.putDoc(txn, collection, id, doc)
	})
	if err != nil {
		return "", wrap("insert", err)
	}
	return id, nil
}

// putDoc writes one document and maintains its index entries. The previous
// version's stale index entries are removed first.
func (s *BadgerStore) putDoc(txn *badger.Txn, collection, id string, doc Doc) error {
	fields, err := indexedFields(txn, collection)
	if err != nil {
		return err
	}

	if prev, err := txn.Get(docKey(collection, id)); err == nil {
		var old Doc
		if err := prev.Value(func(val []byte) error { return json.Unmarshal(val, &old) }); err != nil {
			return err
		}
		for _, field := range fields {
			if v, ok := old[field]; ok {
				if err := txn.Delete(indexKey(collection, field, hash.Nested(v), id)); err != nil {
					return err
				}
			}
		}
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}

	stored := make(Doc, len(doc)+1)
	for k, v := range doc {
		stored[k] = v
	}
	stored[IDField] = id
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal document %s/%s: %w", collection, id, err)
	}
	if err := txn.Set(docKey(collection, id), data); err != nil {
		return err
	}
	for _, field := range fields {
		if v, ok := stored[field]; ok {
			if err := txn.Set(indexKey(collection, field, hash.Nested(v), id), nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func indexedFields(txn *badger.Txn, collection string) ([]string, error) {
	prefix := []byte(regPrefix + collection + "/")
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	var fields []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		fields = append(fields, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
	}
	return fields, nil
}

// Bulk implements Store. The whole batch commits in one transaction; callers
// chunk large batches below Badger's transaction size limit.
func (s *BadgerStore) Bulk(ctx context.Context, collection string, ops []BulkOp) error {
	if err := ctx.Err(); err != nil {
		return wrap("bulk", err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			if err := s.applyOp(txn, collection, op); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrap("bulk", err)
	}
	return nil
}

func (s *BadgerStore) applyOp(txn *badger.Txn, collection string, op BulkOp) error {
	switch op.Kind {
	case BulkInsert, BulkReplace:
		id, ok := op.Doc[IDField].(string)
		if !ok || id == "" {
			if op.Kind == BulkReplace {
				return errors.New("bulk replace requires a document id")
			}
			id = uuid.NewString()
		}
		return s.putDoc(txn, collection, id, op.Doc)

	case BulkSet:
		return s.updateMatching(txn, collection, op.Filter, func(doc Doc) {
			for k, v := range op.Set {
				doc[k] = v
			}
		})

	case BulkAppend:
		return s.updateMatching(txn, collection, op.Filter, func(doc Doc) {
			list, _ := doc[op.SetField].([]any)
			for _, item := range list {
				if valueEqual(item, op.Value) {
					return
				}
			}
			doc[op.SetField] = append(list, op.Value)
		})

	default:
		return fmt.Errorf("unknown bulk op kind %d", op.Kind)
	}
}

func (s *BadgerStore) updateMatching(txn *badger.Txn, collection string, filter map[string]any, mutate func(Doc)) error {
	var matched []Doc
	if err := s.scan(txn, collection, filter, nil, func(doc Doc) {
		matched = append(matched, doc)
	}); err != nil {
		return err
	}
	for _, doc := range matched {
		id, ok := doc[IDField].(string)
		if !ok {
			return fmt.Errorf("document in %s lacks an id", collection)
		}
		mutate(doc)
		if err := s.putDoc(txn, collection, id, doc); err != nil {
			return err
		}
	}
	return nil
}

// ListIndexes implements Store.
func (s *BadgerStore) ListIndexes(ctx context.Context, collection string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("list indexes", err)
	}
	var fields []string
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		fields, err = indexedFields(txn, collection)
		return err
	})
	if err != nil {
		return nil, wrap("list indexes", err)
	}
	return fields, nil
}

// EnsureIndex implements Store. Registers the field and backfills index
// entries for existing documents. A second call for the same field is a
// no-op.
func (s *BadgerStore) EnsureIndex(ctx context.Context, collection, field string) error {
	if err := ctx.Err(); err != nil {
		return wrap("ensure index", err)
	}
	exists := false
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(regKey(collection, field)); err == nil {
			exists = true
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(regKey(collection, field), nil)
	})
	if err != nil {
		return wrap("ensure index", err)
	}
	if exists {
		return nil
	}
	return s.backfill(ctx, collection, field)
}

func (s *BadgerStore) backfill(ctx context.Context, collection, field string) error {
	if err := ctx.Err(); err != nil {
		return wrap("ensure index", err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		prefix := []byte(docPrefix + collection + "/")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			var doc Doc
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &doc) }); err != nil {
				return err
			}
			if v, ok := doc[field]; ok {
				if err := txn.Set(indexKey(collection, field, hash.Nested(v), id), nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return wrap("ensure index", err)
	}
	return nil
}
