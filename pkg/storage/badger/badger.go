// Package badger provides a durable embedded storage adapter on Badger.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/goclaw/tiermem/pkg/index"
	"github.com/goclaw/tiermem/pkg/storage"
)

// Config holds configuration for the Badger adapter.
type Config struct {
	Path              string
	InMemory          bool
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int
}

// Adapter implements storage.Adapter, ListStore and Versioned on Badger.
// Full-text and vector indexes are kept in process and rebuilt on Connect.
type Adapter struct {
	config Config

	mu sync.RWMutex
	db *badger.DB

	text    *index.BM25
	vectors *index.Vectors

	collector *storage.Collector
}

// New creates an adapter. The database is opened by Connect.
func New(name string, config Config) *Adapter {
	return &Adapter{
		config:    config,
		text:      index.NewBM25(1.5, 0.75),
		vectors:   index.NewVectors(0),
		collector: storage.NewCollector(storage.BackendBadger, name),
	}
}

// Collector exposes the adapter's metrics collector.
func (b *Adapter) Collector() *storage.Collector { return b.collector }

// Key generation functions
func recordKey(collection, id string) []byte {
	return []byte(fmt.Sprintf("rec:%s:%s", collection, id))
}

func collectionPrefix(collection string) []byte {
	return []byte(fmt.Sprintf("rec:%s:", collection))
}

func listKey(key string) []byte {
	return []byte("list:" + key)
}

func (b *Adapter) Backend() storage.Backend { return storage.BackendBadger }

func (b *Adapter) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return nil
	}

	opts := badger.DefaultOptions(b.config.Path).
		WithInMemory(b.config.InMemory).
		WithSyncWrites(b.config.SyncWrites).
		WithLoggingLevel(badger.WARNING)
	if b.config.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}
	if b.config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = b.config.ValueLogFileSize
	}
	if b.config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = b.config.NumVersionsToKeep
	}

	db, err := badger.Open(opts)
	if err != nil {
		return storage.Wrap(storage.BackendBadger, "connect", storage.KindConnection, err)
	}
	b.db = db
	return b.rebuildIndexes()
}

// rebuildIndexes scans every record once to repopulate text and vector
// indexes. Must hold b.mu.
func (b *Adapter) rebuildIndexes() error {
	now := time.Now()
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("rec:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec storage.Record
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				continue
			}
			if !rec.Expired(now) {
				b.indexRecord(&rec)
			}
		}
		return nil
	})
	return storage.Wrap(storage.BackendBadger, "connect", storage.KindData, err)
}

func (b *Adapter) indexRecord(rec *storage.Record) {
	if rec.Text != "" {
		b.text.Index(rec.Collection, rec.ID, rec.Text)
	} else {
		b.text.Remove(rec.Collection, rec.ID)
	}
	if len(rec.Vector) > 0 {
		_ = b.vectors.Add(rec.Collection, rec.ID, rec.Vector)
	} else {
		b.vectors.Remove(rec.Collection, rec.ID)
	}
}

func (b *Adapter) unindexRecord(collection, id string) {
	b.text.Remove(collection, id)
	b.vectors.Remove(collection, id)
}

func (b *Adapter) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	if !b.config.InMemory {
		_ = b.db.RunValueLogGC(0.5)
	}
	err := b.db.Close()
	b.db = nil
	return storage.Wrap(storage.BackendBadger, "disconnect", storage.KindConnection, err)
}

func (b *Adapter) handle(op string) (*badger.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return nil, storage.NotConnected(storage.BackendBadger, op)
	}
	return b.db, nil
}

func encode(rec *storage.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, storage.Wrap(storage.BackendBadger, "encode", storage.KindData, err)
	}
	return data, nil
}

func decode(val []byte) (*storage.Record, error) {
	var rec storage.Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, storage.Wrap(storage.BackendBadger, "decode", storage.KindData, err)
	}
	return &rec, nil
}

func entryFor(key, data []byte, expiresAt time.Time) *badger.Entry {
	e := badger.NewEntry(key, data)
	if !expiresAt.IsZero() {
		// badger expiry has second granularity; reads also check ExpiresAt
		if ttl := time.Until(expiresAt); ttl > 0 {
			e = e.WithTTL(ttl + time.Second)
		}
	}
	return e
}

// getInTxn returns the live record or nil.
func getInTxn(txn *badger.Txn, collection, id string) (*storage.Record, error) {
	item, err := txn.Get(recordKey(collection, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec *storage.Record
	err = item.Value(func(val []byte) error {
		var derr error
		rec, derr = decode(val)
		return derr
	})
	if err != nil {
		return nil, err
	}
	if rec.Expired(time.Now()) {
		return nil, nil
	}
	return rec, nil
}

func (b *Adapter) Store(ctx context.Context, rec *storage.Record) (id string, err error) {
	defer func(start time.Time) { b.collector.Observe("store", start, err) }(time.Now())

	db, err := b.handle("store")
	if err != nil {
		return "", err
	}
	if rec.ID == "" || !storage.ValidIdent(rec.Collection) {
		return "", storage.Wrap(storage.BackendBadger, "store", storage.KindData,
			fmt.Errorf("record needs an id and a valid collection, got %s/%s", rec.Collection, rec.ID))
	}

	cp := rec.Clone()
	err = db.Update(func(txn *badger.Txn) error {
		prev, err := getInTxn(txn, rec.Collection, rec.ID)
		if err != nil {
			return err
		}
		cp.Version = 1
		if prev != nil {
			cp.Version = prev.Version + 1
		}
		data, err := encode(cp)
		if err != nil {
			return err
		}
		return txn.SetEntry(entryFor(recordKey(cp.Collection, cp.ID), data, cp.ExpiresAt))
	})
	if err != nil {
		return "", storage.Classify(storage.BackendBadger, "store", err, storage.KindQuery)
	}
	b.indexRecord(cp)
	return cp.ID, nil
}

func (b *Adapter) Retrieve(ctx context.Context, collection, id string) (rec *storage.Record, err error) {
	defer func(start time.Time) { b.collector.Observe("retrieve", start, err) }(time.Now())

	db, err := b.handle("retrieve")
	if err != nil {
		return nil, err
	}
	err = db.View(func(txn *badger.Txn) error {
		var gerr error
		rec, gerr = getInTxn(txn, collection, id)
		return gerr
	})
	if err != nil {
		return nil, storage.Classify(storage.BackendBadger, "retrieve", err, storage.KindQuery)
	}
	if rec == nil {
		return nil, storage.NotFound(storage.BackendBadger, "retrieve", collection, id)
	}
	return rec, nil
}

func (b *Adapter) Search(ctx context.Context, q storage.Query) (out []*storage.Record, err error) {
	defer func(start time.Time) { b.collector.Observe("search", start, err) }(time.Now())

	if err := storage.ValidateQuery(q); err != nil {
		return nil, storage.Wrap(storage.BackendBadger, "search", storage.KindQuery, err)
	}
	db, err := b.handle("search")
	if err != nil {
		return nil, err
	}

	ranked := q.Text != "" || len(q.Vector) > 0
	var scores map[string]float64
	if ranked {
		scores, err = b.rank(q)
		if err != nil {
			return nil, storage.Wrap(storage.BackendBadger, "search", storage.KindQuery, err)
		}
	}

	now := time.Now()
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = collectionPrefix(q.Collection)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec *storage.Record
			if err := it.Item().Value(func(val []byte) error {
				var derr error
				rec, derr = decode(val)
				return derr
			}); err != nil {
				continue
			}
			if rec.Expired(now) || !storage.Matches(rec, q.Filters) {
				continue
			}
			if ranked {
				score, ok := scores[rec.ID]
				if !ok {
					continue
				}
				rec.Score = score
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, storage.Classify(storage.BackendBadger, "search", err, storage.KindQuery)
	}

	if q.OrderBy != "" {
		storage.SortRecords(out, q.OrderBy, q.Descending)
	} else if ranked {
		storage.SortRecords(out, "", true)
	}
	return storage.Limit(out, q.Limit), nil
}

func (b *Adapter) rank(q storage.Query) (map[string]float64, error) {
	var textHits, vecHits []index.Hit
	if q.Text != "" {
		textHits = b.text.Search(q.Collection, q.Text, 0)
	}
	if len(q.Vector) > 0 {
		var err error
		if vecHits, err = b.vectors.Search(q.Collection, q.Vector, 0); err != nil {
			return nil, err
		}
	}
	hits := textHits
	switch {
	case q.Text != "" && len(q.Vector) > 0:
		hits = index.Fuse(vecHits, textHits, 0.5, 0.5, index.DefaultRRFK)
	case len(q.Vector) > 0:
		hits = vecHits
	}
	scores := make(map[string]float64, len(hits))
	for _, h := range hits {
		scores[h.ID] = h.Score
	}
	return scores, nil
}

func (b *Adapter) Delete(ctx context.Context, collection, id string) (deleted bool, err error) {
	defer func(start time.Time) { b.collector.Observe("delete", start, err) }(time.Now())

	db, err := b.handle("delete")
	if err != nil {
		return false, err
	}
	err = db.Update(func(txn *badger.Txn) error {
		prev, err := getInTxn(txn, collection, id)
		if err != nil {
			return err
		}
		deleted = prev != nil
		return txn.Delete(recordKey(collection, id))
	})
	if err != nil {
		return false, storage.Classify(storage.BackendBadger, "delete", err, storage.KindQuery)
	}
	b.unindexRecord(collection, id)
	return deleted, nil
}

// StoreBatch writes all records in one transaction.
func (b *Adapter) StoreBatch(ctx context.Context, recs []*storage.Record) (ids []string, err error) {
	defer func(start time.Time) { b.collector.Observe("store_batch", start, err) }(time.Now())

	db, err := b.handle("store_batch")
	if err != nil {
		return nil, err
	}
	copies := make([]*storage.Record, len(recs))
	err = db.Update(func(txn *badger.Txn) error {
		for i, rec := range recs {
			if rec.ID == "" || !storage.ValidIdent(rec.Collection) {
				return fmt.Errorf("record %d needs an id and a valid collection", i)
			}
			prev, err := getInTxn(txn, rec.Collection, rec.ID)
			if err != nil {
				return err
			}
			cp := rec.Clone()
			cp.Version = 1
			if prev != nil {
				cp.Version = prev.Version + 1
			}
			data, err := encode(cp)
			if err != nil {
				return err
			}
			if err := txn.SetEntry(entryFor(recordKey(cp.Collection, cp.ID), data, cp.ExpiresAt)); err != nil {
				return err
			}
			copies[i] = cp
		}
		return nil
	})
	if err != nil {
		return nil, storage.Classify(storage.BackendBadger, "store_batch", err, storage.KindQuery)
	}
	ids = make([]string, len(copies))
	for i, cp := range copies {
		b.indexRecord(cp)
		ids[i] = cp.ID
	}
	return ids, nil
}

func (b *Adapter) RetrieveBatch(ctx context.Context, collection string, ids []string) ([]*storage.Record, error) {
	return storage.RetrieveEach(ctx, b, collection, ids)
}

func (b *Adapter) DeleteBatch(ctx context.Context, collection string, ids []string) (int, error) {
	return storage.DeleteEach(ctx, b, collection, ids)
}

func (b *Adapter) HealthCheck(ctx context.Context) storage.Health {
	start := time.Now()
	h := storage.Health{Backend: storage.BackendBadger, Status: storage.StatusHealthy}

	db, err := b.handle("health")
	if err != nil {
		h.Status = storage.StatusUnhealthy
		h.Message = err.Error()
		return h
	}
	if db.IsClosed() {
		h.Status = storage.StatusUnhealthy
		h.Message = "database closed"
		return h
	}
	lsm, vlog := db.Size()
	h.BackendMetrics = map[string]any{
		"lsm_bytes":  lsm,
		"vlog_bytes": vlog,
		"operations": b.collector.Snapshot(),
	}
	if names, err := b.Collections(ctx); err == nil {
		h.BackendMetrics["collections"] = names
	} else {
		h.Status = storage.StatusDegraded
		h.Message = err.Error()
	}
	h.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	return h
}

type listValue struct {
	Items     []*storage.Record `json:"items"`
	ExpiresAt time.Time         `json:"expires_at"`
}

func readList(txn *badger.Txn, key string) (*listValue, error) {
	item, err := txn.Get(listKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return &listValue{}, nil
	}
	if err != nil {
		return nil, err
	}
	var lv listValue
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &lv) }); err != nil {
		return nil, storage.Wrap(storage.BackendBadger, "decode", storage.KindData, err)
	}
	if !lv.ExpiresAt.IsZero() && !time.Now().Before(lv.ExpiresAt) {
		return &listValue{}, nil
	}
	return &lv, nil
}

// Push implements storage.ListStore.
func (b *Adapter) Push(ctx context.Context, key string, rec *storage.Record, window int, ttl time.Duration) (err error) {
	defer func(start time.Time) { b.collector.Observe("push", start, err) }(time.Now())

	db, err := b.handle("push")
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badger.Txn) error {
		lv, err := readList(txn, key)
		if err != nil {
			return err
		}
		lv.Items = append([]*storage.Record{rec.Clone()}, lv.Items...)
		if window > 0 && len(lv.Items) > window {
			lv.Items = lv.Items[:window]
		}
		lv.ExpiresAt = time.Time{}
		if ttl > 0 {
			lv.ExpiresAt = time.Now().Add(ttl)
		}
		data, err := json.Marshal(lv)
		if err != nil {
			return storage.Wrap(storage.BackendBadger, "encode", storage.KindData, err)
		}
		return txn.SetEntry(entryFor(listKey(key), data, lv.ExpiresAt))
	})
	return storage.Classify(storage.BackendBadger, "push", err, storage.KindQuery)
}

// Range implements storage.ListStore.
func (b *Adapter) Range(ctx context.Context, key string, limit int) (out []*storage.Record, err error) {
	defer func(start time.Time) { b.collector.Observe("range", start, err) }(time.Now())

	db, err := b.handle("range")
	if err != nil {
		return nil, err
	}
	err = db.View(func(txn *badger.Txn) error {
		lv, err := readList(txn, key)
		if err != nil {
			return err
		}
		out = lv.Items
		return nil
	})
	if err != nil {
		return nil, storage.Classify(storage.BackendBadger, "range", err, storage.KindQuery)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Clear implements storage.ListStore.
func (b *Adapter) Clear(ctx context.Context, key string) error {
	db, err := b.handle("clear")
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badger.Txn) error { return txn.Delete(listKey(key)) })
	return storage.Classify(storage.BackendBadger, "clear", err, storage.KindQuery)
}

// CompareAndSwap implements storage.Versioned. Badger's own transaction
// conflict detection also surfaces as ErrConflict.
func (b *Adapter) CompareAndSwap(ctx context.Context, rec *storage.Record, expected int64) (version int64, err error) {
	defer func(start time.Time) { b.collector.Observe("cas", start, err) }(time.Now())

	db, err := b.handle("cas")
	if err != nil {
		return 0, err
	}
	cp := rec.Clone()
	err = db.Update(func(txn *badger.Txn) error {
		prev, err := getInTxn(txn, rec.Collection, rec.ID)
		if err != nil {
			return err
		}
		var current int64
		if prev != nil {
			current = prev.Version
		}
		if current != expected {
			return storage.Conflict(storage.BackendBadger, "cas", rec.ID, expected, current)
		}
		cp.Version = current + 1
		data, err := encode(cp)
		if err != nil {
			return err
		}
		return txn.SetEntry(entryFor(recordKey(cp.Collection, cp.ID), data, cp.ExpiresAt))
	})
	if errors.Is(err, badger.ErrConflict) {
		return 0, storage.Conflict(storage.BackendBadger, "cas", rec.ID, expected, -1)
	}
	if err != nil {
		return 0, storage.Classify(storage.BackendBadger, "cas", err, storage.KindQuery)
	}
	b.indexRecord(cp)
	return cp.Version, nil
}

// Collections lists the collection names that currently hold records.
func (b *Adapter) Collections(ctx context.Context) ([]string, error) {
	db, err := b.handle("collections")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("rec:")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())[len("rec:"):]
			for i := 0; i < len(key); i++ {
				if key[i] == ':' {
					seen[key[:i]] = struct{}{}
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, storage.Classify(storage.BackendBadger, "collections", err, storage.KindQuery)
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
