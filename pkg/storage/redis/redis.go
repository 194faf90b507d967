// Package redis provides a storage adapter on Redis. It is the primary
// backend for the active-context turn window.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/goclaw/tiermem/pkg/storage"
)

// Config holds connection settings used by Dial.
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:   "localhost:6379",
		KeyPrefix: "tiermem:",
	}
}

// Adapter implements storage.Adapter and storage.ListStore on Redis.
//
// Records live at <prefix>rec:<collection>:<id>; each collection keeps a
// member set at <prefix>idx:<collection> so filter scans need no KEYS.
type Adapter struct {
	client    goredis.Cmdable
	prefix    string
	owned     bool
	collector *storage.Collector
}

// New wraps an existing client. The caller keeps ownership of client.
func New(name string, client goredis.Cmdable, prefix string) *Adapter {
	return &Adapter{
		client:    client,
		prefix:    prefix,
		collector: storage.NewCollector(storage.BackendRedis, name),
	}
}

// Dial creates a client from cfg; Disconnect closes it.
func Dial(name string, cfg Config) *Adapter {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	a := New(name, client, cfg.KeyPrefix)
	a.owned = true
	return a
}

// Collector exposes the adapter's metrics collector.
func (a *Adapter) Collector() *storage.Collector { return a.collector }

func (a *Adapter) recordKey(collection, id string) string {
	return fmt.Sprintf("%srec:%s:%s", a.prefix, collection, id)
}

func (a *Adapter) indexKey(collection string) string {
	return a.prefix + "idx:" + collection
}

func (a *Adapter) listKey(key string) string {
	return a.prefix + "list:" + key
}

func (a *Adapter) fail(op string, err error) error {
	return storage.Classify(storage.BackendRedis, op, err, storage.KindConnection)
}

func (a *Adapter) Backend() storage.Backend { return storage.BackendRedis }

func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.client.Ping(ctx).Err(); err != nil {
		return storage.Wrap(storage.BackendRedis, "connect", storage.KindConnection, err)
	}
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	if !a.owned {
		return nil
	}
	if c, ok := a.client.(io.Closer); ok {
		return storage.Wrap(storage.BackendRedis, "disconnect", storage.KindConnection, c.Close())
	}
	return nil
}

func (a *Adapter) Store(ctx context.Context, rec *storage.Record) (id string, err error) {
	defer func(start time.Time) { a.collector.Observe("store", start, err) }(time.Now())

	if rec.ID == "" || !storage.ValidIdent(rec.Collection) {
		return "", storage.Wrap(storage.BackendRedis, "store", storage.KindData,
			fmt.Errorf("record needs an id and a valid collection, got %s/%s", rec.Collection, rec.ID))
	}

	var ttl time.Duration
	if !rec.ExpiresAt.IsZero() {
		ttl = time.Until(rec.ExpiresAt)
		if ttl <= 0 {
			_, err := a.Delete(ctx, rec.Collection, rec.ID)
			return rec.ID, err
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", storage.Wrap(storage.BackendRedis, "store", storage.KindData, err)
	}
	if err := a.client.Set(ctx, a.recordKey(rec.Collection, rec.ID), data, ttl).Err(); err != nil {
		return "", a.fail("store", err)
	}
	if err := a.client.SAdd(ctx, a.indexKey(rec.Collection), rec.ID).Err(); err != nil {
		return "", a.fail("store", err)
	}
	return rec.ID, nil
}

func decode(op, raw string) (*storage.Record, error) {
	var rec storage.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, storage.Wrap(storage.BackendRedis, op, storage.KindData, err)
	}
	return &rec, nil
}

func (a *Adapter) Retrieve(ctx context.Context, collection, id string) (rec *storage.Record, err error) {
	defer func(start time.Time) { a.collector.Observe("retrieve", start, err) }(time.Now())

	raw, err := a.client.Get(ctx, a.recordKey(collection, id)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.NotFound(storage.BackendRedis, "retrieve", collection, id)
	}
	if err != nil {
		return nil, a.fail("retrieve", err)
	}
	rec, err = decode("retrieve", raw)
	if err != nil {
		return nil, err
	}
	if rec.Expired(time.Now()) {
		return nil, storage.NotFound(storage.BackendRedis, "retrieve", collection, id)
	}
	return rec, nil
}

// Search scans the collection's member set and filters in process. Text
// and vector ranking are not supported on this backend.
func (a *Adapter) Search(ctx context.Context, q storage.Query) (out []*storage.Record, err error) {
	defer func(start time.Time) { a.collector.Observe("search", start, err) }(time.Now())

	if err := storage.ValidateQuery(q); err != nil {
		return nil, storage.Wrap(storage.BackendRedis, "search", storage.KindQuery, err)
	}
	if q.Text != "" || len(q.Vector) > 0 {
		return nil, storage.Wrap(storage.BackendRedis, "search", storage.KindQuery,
			errors.New("ranked search is not supported"))
	}

	ids, err := a.client.SMembers(ctx, a.indexKey(q.Collection)).Result()
	if err != nil {
		return nil, a.fail("search", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = a.recordKey(q.Collection, id)
	}
	vals, err := a.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, a.fail("search", err)
	}

	now := time.Now()
	var stale []any
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		rec, err := decode("search", raw)
		if err != nil {
			return nil, err
		}
		if rec.Expired(now) || !storage.Matches(rec, q.Filters) {
			continue
		}
		out = append(out, rec)
	}
	if len(stale) > 0 {
		// members whose record expired; best effort
		_ = a.client.SRem(ctx, a.indexKey(q.Collection), stale...).Err()
	}

	if q.OrderBy != "" {
		storage.SortRecords(out, q.OrderBy, q.Descending)
	}
	return storage.Limit(out, q.Limit), nil
}

func (a *Adapter) Delete(ctx context.Context, collection, id string) (deleted bool, err error) {
	defer func(start time.Time) { a.collector.Observe("delete", start, err) }(time.Now())

	key := a.recordKey(collection, id)
	raw, err := a.client.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return false, a.fail("delete", err)
	}
	live := false
	if err == nil {
		if rec, derr := decode("delete", raw); derr == nil && !rec.Expired(time.Now()) {
			live = true
		}
	}
	if err := a.client.Del(ctx, key).Err(); err != nil {
		return false, a.fail("delete", err)
	}
	if err := a.client.SRem(ctx, a.indexKey(collection), id).Err(); err != nil {
		return false, a.fail("delete", err)
	}
	return live, nil
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
	h := storage.Health{Backend: storage.BackendRedis, Status: storage.StatusHealthy}
	if err := a.client.Ping(ctx).Err(); err != nil {
		h.Status = storage.StatusUnhealthy
		h.Message = err.Error()
	}
	h.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	h.BackendMetrics = map[string]any{"operations": a.collector.Snapshot()}
	return h
}

// Push implements storage.ListStore. LPUSH, LTRIM and EXPIRE run in one
// MULTI/EXEC block so readers never observe an untrimmed list.
func (a *Adapter) Push(ctx context.Context, key string, rec *storage.Record, window int, ttl time.Duration) (err error) {
	defer func(start time.Time) { a.collector.Observe("push", start, err) }(time.Now())

	data, err := json.Marshal(rec)
	if err != nil {
		return storage.Wrap(storage.BackendRedis, "push", storage.KindData, err)
	}
	lk := a.listKey(key)
	_, err = a.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LPush(ctx, lk, data)
		if window > 0 {
			pipe.LTrim(ctx, lk, 0, int64(window-1))
		}
		if ttl > 0 {
			pipe.Expire(ctx, lk, ttl)
		}
		return nil
	})
	if err != nil {
		return a.fail("push", err)
	}
	return nil
}

// Range implements storage.ListStore.
func (a *Adapter) Range(ctx context.Context, key string, limit int) (out []*storage.Record, err error) {
	defer func(start time.Time) { a.collector.Observe("range", start, err) }(time.Now())

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	vals, err := a.client.LRange(ctx, a.listKey(key), 0, stop).Result()
	if err != nil {
		return nil, a.fail("range", err)
	}
	out = make([]*storage.Record, 0, len(vals))
	for _, raw := range vals {
		rec, err := decode("range", raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Clear implements storage.ListStore.
func (a *Adapter) Clear(ctx context.Context, key string) error {
	if err := a.client.Del(ctx, a.listKey(key)).Err(); err != nil {
		return a.fail("clear", err)
	}
	return nil
}
