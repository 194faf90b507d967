// Package memory provides an in-process implementation of every storage
// capability. It backs tests and single-node deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goclaw/tiermem/pkg/index"
	"github.com/goclaw/tiermem/pkg/storage"
)

type recordList struct {
	items     []*storage.Record
	expiresAt time.Time
}

// Adapter implements storage.Adapter, ListStore, Versioned and GraphStore
// using in-memory maps.
type Adapter struct {
	mu        sync.RWMutex
	connected bool
	records   map[string]map[string]*storage.Record // collection -> id -> record
	lists     map[string]*recordList
	edges     []storage.Edge

	text    *index.BM25
	vectors *index.Vectors

	faults    map[string]error
	collector *storage.Collector
	now       func() time.Time
}

// New creates an in-memory adapter. name labels its metrics.
func New(name string) *Adapter {
	return &Adapter{
		records:   make(map[string]map[string]*storage.Record),
		lists:     make(map[string]*recordList),
		text:      index.NewBM25(1.5, 0.75),
		vectors:   index.NewVectors(0),
		faults:    make(map[string]error),
		collector: storage.NewCollector(storage.BackendMemory, name),
		now:       time.Now,
	}
}

// Collector exposes the adapter's metrics collector.
func (a *Adapter) Collector() *storage.Collector { return a.collector }

// FailWith makes subsequent calls of op fail with err until cleared with a
// nil err. Ops are named after methods in lower case (store, retrieve,
// search, delete, push, range, cas, link, template).
func (a *Adapter) FailWith(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.faults, op)
		return
	}
	a.faults[op] = err
}

// begin checks connection state and injected faults. Must hold a.mu.
func (a *Adapter) begin(op string) error {
	if !a.connected {
		return storage.NotConnected(storage.BackendMemory, op)
	}
	if err := a.faults[op]; err != nil {
		return storage.Classify(storage.BackendMemory, op, err, storage.KindConnection)
	}
	return nil
}

func (a *Adapter) Backend() storage.Backend { return storage.BackendMemory }

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	return nil
}

// Disconnect marks the adapter closed. Data is retained so a reconnect
// sees the same state.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

func (a *Adapter) Store(ctx context.Context, rec *storage.Record) (id string, err error) {
	defer func(start time.Time) { a.collector.Observe("store", start, err) }(time.Now())

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.begin("store"); err != nil {
		return "", err
	}
	if rec.ID == "" || !storage.ValidIdent(rec.Collection) {
		return "", storage.Wrap(storage.BackendMemory, "store", storage.KindData,
			errInvalidRecord(rec))
	}

	cp := rec.Clone()
	cp.Version = 1
	if prev := a.liveLocked(rec.Collection, rec.ID); prev != nil {
		cp.Version = prev.Version + 1
	}
	a.putLocked(cp)
	return cp.ID, nil
}

func (a *Adapter) putLocked(rec *storage.Record) {
	coll := a.records[rec.Collection]
	if coll == nil {
		coll = make(map[string]*storage.Record)
		a.records[rec.Collection] = coll
	}
	coll[rec.ID] = rec

	if rec.Text != "" {
		a.text.Index(rec.Collection, rec.ID, rec.Text)
	} else {
		a.text.Remove(rec.Collection, rec.ID)
	}
	if len(rec.Vector) > 0 {
		_ = a.vectors.Add(rec.Collection, rec.ID, rec.Vector)
	} else {
		a.vectors.Remove(rec.Collection, rec.ID)
	}
}

func (a *Adapter) removeLocked(collection, id string) bool {
	coll := a.records[collection]
	if _, ok := coll[id]; !ok {
		return false
	}
	delete(coll, id)
	a.text.Remove(collection, id)
	a.vectors.Remove(collection, id)
	return true
}

// liveLocked returns the stored record or nil when absent or expired.
func (a *Adapter) liveLocked(collection, id string) *storage.Record {
	rec, ok := a.records[collection][id]
	if !ok || rec.Expired(a.now()) {
		return nil
	}
	return rec
}

func (a *Adapter) Retrieve(ctx context.Context, collection, id string) (rec *storage.Record, err error) {
	defer func(start time.Time) { a.collector.Observe("retrieve", start, err) }(time.Now())

	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.begin("retrieve"); err != nil {
		return nil, err
	}
	stored := a.liveLocked(collection, id)
	if stored == nil {
		return nil, storage.NotFound(storage.BackendMemory, "retrieve", collection, id)
	}
	return stored.Clone(), nil
}

func (a *Adapter) Search(ctx context.Context, q storage.Query) (out []*storage.Record, err error) {
	defer func(start time.Time) { a.collector.Observe("search", start, err) }(time.Now())

	if err := storage.ValidateQuery(q); err != nil {
		return nil, storage.Wrap(storage.BackendMemory, "search", storage.KindQuery, err)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.begin("search"); err != nil {
		return nil, err
	}

	ranked := q.Text != "" || len(q.Vector) > 0
	var scores map[string]float64
	if ranked {
		scores, err = a.rankLocked(q)
		if err != nil {
			return nil, storage.Wrap(storage.BackendMemory, "search", storage.KindQuery, err)
		}
	}

	now := a.now()
	for id, rec := range a.records[q.Collection] {
		if rec.Expired(now) || !storage.Matches(rec, q.Filters) {
			continue
		}
		cp := rec.Clone()
		if ranked {
			score, ok := scores[id]
			if !ok {
				continue
			}
			cp.Score = score
		}
		out = append(out, cp)
	}

	if q.OrderBy != "" {
		storage.SortRecords(out, q.OrderBy, q.Descending)
	} else if ranked {
		storage.SortRecords(out, "", true)
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	return storage.Limit(out, q.Limit), nil
}

func (a *Adapter) rankLocked(q storage.Query) (map[string]float64, error) {
	var textHits, vecHits []index.Hit
	if q.Text != "" {
		textHits = a.text.Search(q.Collection, q.Text, 0)
	}
	if len(q.Vector) > 0 {
		var err error
		vecHits, err = a.vectors.Search(q.Collection, q.Vector, 0)
		if err != nil {
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

func (a *Adapter) Delete(ctx context.Context, collection, id string) (ok bool, err error) {
	defer func(start time.Time) { a.collector.Observe("delete", start, err) }(time.Now())

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.begin("delete"); err != nil {
		return false, err
	}
	live := a.liveLocked(collection, id) != nil
	removed := a.removeLocked(collection, id)
	return removed && live, nil
}

func (a *Adapter) StoreBatch(ctx context.Context, recs []*storage.Record) ([]string, error) {
	return storage.StoreEach(ctx, a, recs)
}

func (a *Adapter) RetrieveBatch(ctx context.Context, collection string, ids []string) ([]*storage.Record, error) {
	return storage.RetrieveEach(ctx, a, collection, ids)
}

func (a *Adapter) DeleteBatch(ctx context.Context, collection string, ids []string) (int, error) {
	return storage.DeleteEach(ctx, a, collection, ids)
}

func (a *Adapter) HealthCheck(ctx context.Context) storage.Health {
	start := time.Now()
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := storage.Health{Backend: storage.BackendMemory, Status: storage.StatusHealthy}
	switch {
	case !a.connected:
		h.Status = storage.StatusUnhealthy
		h.Message = "not connected"
	case len(a.faults) > 0:
		h.Status = storage.StatusDegraded
		h.Message = "fault injection active"
	}

	counts := make(map[string]int, len(a.records))
	for name, coll := range a.records {
		counts[name] = len(coll)
	}
	h.BackendMetrics = map[string]any{
		"collections": counts,
		"lists":       len(a.lists),
		"edges":       len(a.edges),
		"operations":  a.collector.Snapshot(),
	}
	h.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	return h
}

// Push implements storage.ListStore.
func (a *Adapter) Push(ctx context.Context, key string, rec *storage.Record, window int, ttl time.Duration) (err error) {
	defer func(start time.Time) { a.collector.Observe("push", start, err) }(time.Now())

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.begin("push"); err != nil {
		return err
	}

	l := a.lists[key]
	now := a.now()
	if l == nil || (!l.expiresAt.IsZero() && !now.Before(l.expiresAt)) {
		l = &recordList{}
		a.lists[key] = l
	}
	l.items = append([]*storage.Record{rec.Clone()}, l.items...)
	if window > 0 && len(l.items) > window {
		l.items = l.items[:window]
	}
	if ttl > 0 {
		l.expiresAt = now.Add(ttl)
	}
	return nil
}

// Range implements storage.ListStore.
func (a *Adapter) Range(ctx context.Context, key string, limit int) (out []*storage.Record, err error) {
	defer func(start time.Time) { a.collector.Observe("range", start, err) }(time.Now())

	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.begin("range"); err != nil {
		return nil, err
	}

	l := a.lists[key]
	if l == nil || (!l.expiresAt.IsZero() && !a.now().Before(l.expiresAt)) {
		return nil, nil
	}
	items := l.items
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out = make([]*storage.Record, len(items))
	for i, rec := range items {
		out[i] = rec.Clone()
	}
	return out, nil
}

// Clear implements storage.ListStore.
func (a *Adapter) Clear(ctx context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.begin("clear"); err != nil {
		return err
	}
	delete(a.lists, key)
	return nil
}

// CompareAndSwap implements storage.Versioned.
func (a *Adapter) CompareAndSwap(ctx context.Context, rec *storage.Record, expected int64) (version int64, err error) {
	defer func(start time.Time) { a.collector.Observe("cas", start, err) }(time.Now())

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.begin("cas"); err != nil {
		return 0, err
	}

	var current int64
	if prev := a.liveLocked(rec.Collection, rec.ID); prev != nil {
		current = prev.Version
	}
	if current != expected {
		return 0, storage.Conflict(storage.BackendMemory, "cas", rec.ID, expected, current)
	}

	cp := rec.Clone()
	cp.Version = current + 1
	a.putLocked(cp)
	return cp.Version, nil
}

type invalidRecordError struct{ rec *storage.Record }

func (e invalidRecordError) Error() string {
	return "record needs an id and a valid collection, got " + e.rec.Collection + "/" + e.rec.ID
}

func errInvalidRecord(rec *storage.Record) error { return invalidRecordError{rec: rec} }
