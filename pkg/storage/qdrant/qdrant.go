// Package qdrant provides a vector storage adapter on Qdrant.
//
// Each storage collection maps to a Qdrant collection created on first
// write with the dimension of the first vector. Record ids are mapped to
// deterministic UUID point ids; the original id, body and text travel in
// reserved payload keys.
package qdrant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/goclaw/tiermem/pkg/storage"
)

// Reserved payload keys.
const (
	payloadID        = "_id"
	payloadBody      = "_body"
	payloadText      = "_text"
	payloadExpiresAt = "_expires_at"
)

// Config holds connection settings.
type Config struct {
	Host             string
	Port             int
	APIKey           string
	UseTLS           bool
	CollectionPrefix string

	// ScrollLimit is the page size of filter-only scans and the result cap
	// of vector queries without an explicit limit.
	ScrollLimit uint32
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:             "localhost",
		Port:             6334,
		CollectionPrefix: "tiermem_",
		ScrollLimit:      1000,
	}
}

// Adapter implements storage.Adapter on Qdrant.
type Adapter struct {
	config    Config
	mu        sync.Mutex
	client    *qdrant.Client
	ensured   map[string]struct{}
	collector *storage.Collector
}

// New creates an adapter. The client is created by Connect.
func New(name string, config Config) *Adapter {
	if config.ScrollLimit == 0 {
		config.ScrollLimit = 1000
	}
	return &Adapter{
		config:    config,
		ensured:   make(map[string]struct{}),
		collector: storage.NewCollector(storage.BackendQdrant, name),
	}
}

// Collector exposes the adapter's metrics collector.
func (q *Adapter) Collector() *storage.Collector { return q.collector }

func (q *Adapter) Backend() storage.Backend { return storage.BackendQdrant }

func (q *Adapter) Connect(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.client != nil {
		return nil
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   q.config.Host,
		Port:   q.config.Port,
		APIKey: q.config.APIKey,
		UseTLS: q.config.UseTLS,
	})
	if err != nil {
		return storage.Wrap(storage.BackendQdrant, "connect", storage.KindConnection, err)
	}
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return storage.Classify(storage.BackendQdrant, "connect", err, storage.KindConnection)
	}
	q.client = client
	return nil
}

func (q *Adapter) Disconnect(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.client == nil {
		return nil
	}
	err := q.client.Close()
	q.client = nil
	q.ensured = make(map[string]struct{})
	return storage.Wrap(storage.BackendQdrant, "disconnect", storage.KindConnection, err)
}

func (q *Adapter) handle(op string) (*qdrant.Client, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.client == nil {
		return nil, storage.NotConnected(storage.BackendQdrant, op)
	}
	return q.client, nil
}

func (q *Adapter) collectionName(collection string) string {
	return q.config.CollectionPrefix + collection
}

// PointID maps a record id to its deterministic point UUID.
func PointID(collection, id string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(collection+"/"+id)).String()
}

func (q *Adapter) ensureCollection(ctx context.Context, client *qdrant.Client, name string, dim int) error {
	q.mu.Lock()
	_, ok := q.ensured[name]
	q.mu.Unlock()
	if ok {
		return nil
	}

	exists, err := client.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return err
		}
	}

	q.mu.Lock()
	q.ensured[name] = struct{}{}
	q.mu.Unlock()
	return nil
}

func (q *Adapter) collectionExists(ctx context.Context, client *qdrant.Client, name string) (bool, error) {
	q.mu.Lock()
	_, ok := q.ensured[name]
	q.mu.Unlock()
	if ok {
		return true, nil
	}
	return client.CollectionExists(ctx, name)
}

// toPayload flattens a record into a payload map of qdrant-compatible values.
func toPayload(rec *storage.Record) map[string]any {
	p := make(map[string]any, len(rec.Fields)+4)
	for k, v := range rec.Fields {
		switch val := v.(type) {
		case []string:
			list := make([]any, len(val))
			for i, s := range val {
				list[i] = s
			}
			p[k] = list
		case string, bool, float64, []any:
			p[k] = val
		default:
			if f, ok := storage.Float(val); ok {
				p[k] = f
			} else {
				p[k] = fmt.Sprint(val)
			}
		}
	}
	p[payloadID] = rec.ID
	if len(rec.Body) > 0 {
		p[payloadBody] = string(rec.Body)
	}
	if rec.Text != "" {
		p[payloadText] = rec.Text
	}
	if !rec.ExpiresAt.IsZero() {
		p[payloadExpiresAt] = storage.Millis(rec.ExpiresAt)
	}
	return p
}

func fromValue(v *qdrant.Value) any {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_IntegerValue:
		return float64(k.IntegerValue)
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	case *qdrant.Value_ListValue:
		out := make([]string, 0, len(k.ListValue.GetValues()))
		for _, e := range k.ListValue.GetValues() {
			out = append(out, e.GetStringValue())
		}
		return out
	default:
		return nil
	}
}

// fromPayload rebuilds a record from a point payload.
func fromPayload(collection string, payload map[string]*qdrant.Value) *storage.Record {
	rec := &storage.Record{Collection: collection, Fields: make(map[string]any, len(payload))}
	for k, v := range payload {
		switch k {
		case payloadID:
			rec.ID = v.GetStringValue()
		case payloadBody:
			rec.Body = []byte(v.GetStringValue())
		case payloadText:
			rec.Text = v.GetStringValue()
		case payloadExpiresAt:
			rec.ExpiresAt = storage.FromMillis(v.GetDoubleValue())
		default:
			if val := fromValue(v); val != nil {
				rec.Fields[k] = val
			}
		}
	}
	return rec
}

func (q *Adapter) Store(ctx context.Context, rec *storage.Record) (id string, err error) {
	defer func(start time.Time) { q.collector.Observe("store", start, err) }(time.Now())

	client, err := q.handle("store")
	if err != nil {
		return "", err
	}
	if rec.ID == "" || !storage.ValidIdent(rec.Collection) {
		return "", storage.Wrap(storage.BackendQdrant, "store", storage.KindData,
			fmt.Errorf("record needs an id and a valid collection, got %s/%s", rec.Collection, rec.ID))
	}
	if len(rec.Vector) == 0 {
		return "", storage.Wrap(storage.BackendQdrant, "store", storage.KindData,
			fmt.Errorf("record %s has no vector", rec.ID))
	}

	name := q.collectionName(rec.Collection)
	if err := q.ensureCollection(ctx, client, name, len(rec.Vector)); err != nil {
		return "", storage.Classify(storage.BackendQdrant, "store", err, storage.KindQuery)
	}

	payload, err := qdrant.TryValueMap(toPayload(rec))
	if err != nil {
		return "", storage.Wrap(storage.BackendQdrant, "store", storage.KindData, err)
	}
	wait := true
	_, err = client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Wait:           &wait,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(PointID(rec.Collection, rec.ID)),
			Vectors: qdrant.NewVectors(rec.Vector...),
			Payload: payload,
		}},
	})
	if err != nil {
		return "", storage.Classify(storage.BackendQdrant, "store", err, storage.KindQuery)
	}
	return rec.ID, nil
}

func (q *Adapter) Retrieve(ctx context.Context, collection, id string) (rec *storage.Record, err error) {
	defer func(start time.Time) { q.collector.Observe("retrieve", start, err) }(time.Now())

	client, err := q.handle("retrieve")
	if err != nil {
		return nil, err
	}
	name := q.collectionName(collection)
	exists, err := q.collectionExists(ctx, client, name)
	if err != nil {
		return nil, storage.Classify(storage.BackendQdrant, "retrieve", err, storage.KindQuery)
	}
	if !exists {
		return nil, storage.NotFound(storage.BackendQdrant, "retrieve", collection, id)
	}

	points, err := client.Get(ctx, &qdrant.GetPoints{
		CollectionName: name,
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(PointID(collection, id))},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, storage.Classify(storage.BackendQdrant, "retrieve", err, storage.KindQuery)
	}
	if len(points) == 0 {
		return nil, storage.NotFound(storage.BackendQdrant, "retrieve", collection, id)
	}
	rec = fromPayload(collection, points[0].GetPayload())
	if rec.Expired(time.Now()) {
		return nil, storage.NotFound(storage.BackendQdrant, "retrieve", collection, id)
	}
	return rec, nil
}

// buildFilter translates storage filters into a Qdrant filter.
func buildFilter(filters []storage.Filter) *qdrant.Filter {
	if len(filters) == 0 {
		return nil
	}
	f := &qdrant.Filter{}
	for _, flt := range filters {
		switch flt.Op {
		case storage.OpEq:
			f.Must = append(f.Must, eqCondition(flt.Field, flt.Value))
		case storage.OpNe:
			f.MustNot = append(f.MustNot, eqCondition(flt.Field, flt.Value))
		case storage.OpGte:
			n, _ := storage.Float(flt.Value)
			f.Must = append(f.Must, qdrant.NewRange(flt.Field, &qdrant.Range{Gte: &n}))
		case storage.OpLte:
			n, _ := storage.Float(flt.Value)
			f.Must = append(f.Must, qdrant.NewRange(flt.Field, &qdrant.Range{Lte: &n}))
		case storage.OpIn:
			f.Must = append(f.Must, qdrant.NewMatchKeywords(flt.Field, storage.Strings(flt.Value)...))
		case storage.OpContains:
			s, _ := flt.Value.(string)
			f.Must = append(f.Must, qdrant.NewMatch(flt.Field, s))
		case storage.OpExists:
			f.MustNot = append(f.MustNot, qdrant.NewIsEmpty(flt.Field))
		case storage.OpMissing:
			f.Must = append(f.Must, qdrant.NewIsEmpty(flt.Field))
		}
	}
	return f
}

func eqCondition(field string, value any) *qdrant.Condition {
	switch v := value.(type) {
	case string:
		return qdrant.NewMatch(field, v)
	case bool:
		return qdrant.NewMatchBool(field, v)
	default:
		n, _ := storage.Float(v)
		return qdrant.NewRange(field, &qdrant.Range{Gte: &n, Lte: &n})
	}
}

// Search runs a nearest-neighbour query when q.Vector is set and a
// filtered scroll otherwise. Text-only ranking is not supported.
func (q *Adapter) Search(ctx context.Context, query storage.Query) (out []*storage.Record, err error) {
	defer func(start time.Time) { q.collector.Observe("search", start, err) }(time.Now())

	if err := storage.ValidateQuery(query); err != nil {
		return nil, storage.Wrap(storage.BackendQdrant, "search", storage.KindQuery, err)
	}
	if query.Text != "" && len(query.Vector) == 0 {
		return nil, storage.Wrap(storage.BackendQdrant, "search", storage.KindQuery,
			errors.New("text search needs a query vector"))
	}
	client, err := q.handle("search")
	if err != nil {
		return nil, err
	}
	name := q.collectionName(query.Collection)
	exists, err := q.collectionExists(ctx, client, name)
	if err != nil {
		return nil, storage.Classify(storage.BackendQdrant, "search", err, storage.KindQuery)
	}
	if !exists {
		return nil, nil
	}

	filter := buildFilter(query.Filters)
	now := time.Now()

	if len(query.Vector) > 0 {
		limit := uint64(q.config.ScrollLimit)
		if query.Limit > 0 {
			limit = uint64(query.Limit)
		}
		points, err := client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: name,
			Query:          qdrant.NewQuery(query.Vector...),
			Filter:         filter,
			WithPayload:    qdrant.NewWithPayload(true),
			Limit:          &limit,
		})
		if err != nil {
			return nil, storage.Classify(storage.BackendQdrant, "search", err, storage.KindQuery)
		}
		for _, p := range points {
			rec := fromPayload(query.Collection, p.GetPayload())
			if rec.Expired(now) {
				continue
			}
			rec.Score = float64(p.GetScore())
			out = append(out, rec)
		}
	} else {
		page := q.config.ScrollLimit
		points, err := scrollAll(func(offset *qdrant.PointId) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error) {
			resp, err := client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
				CollectionName: name,
				Filter:         filter,
				WithPayload:    qdrant.NewWithPayload(true),
				Limit:          &page,
				Offset:         offset,
			})
			if err != nil {
				return nil, nil, err
			}
			return resp.GetResult(), resp.GetNextPageOffset(), nil
		})
		if err != nil {
			return nil, storage.Classify(storage.BackendQdrant, "search", err, storage.KindQuery)
		}
		for _, p := range points {
			rec := fromPayload(query.Collection, p.GetPayload())
			if !rec.Expired(now) {
				out = append(out, rec)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}

	if query.OrderBy != "" {
		storage.SortRecords(out, query.OrderBy, query.Descending)
	}
	return storage.Limit(out, query.Limit), nil
}

// scrollAll follows next-page offsets until the scroll is exhausted. ScrollLimit
// is the page size, not a cap on the result.
func scrollAll(next func(offset *qdrant.PointId) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error)) ([]*qdrant.RetrievedPoint, error) {
	var (
		all    []*qdrant.RetrievedPoint
		offset *qdrant.PointId
	)
	for {
		points, nextOffset, err := next(offset)
		if err != nil {
			return nil, err
		}
		all = append(all, points...)
		if nextOffset == nil || len(points) == 0 {
			return all, nil
		}
		offset = nextOffset
	}
}

func (q *Adapter) Delete(ctx context.Context, collection, id string) (deleted bool, err error) {
	defer func(start time.Time) { q.collector.Observe("delete", start, err) }(time.Now())

	if _, err := q.Retrieve(ctx, collection, id); err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	client, err := q.handle("delete")
	if err != nil {
		return false, err
	}
	wait := true
	_, err = client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionName(collection),
		Wait:           &wait,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(PointID(collection, id))),
	})
	if err != nil {
		return false, storage.Classify(storage.BackendQdrant, "delete", err, storage.KindQuery)
	}
	return true, nil
}

func (q *Adapter) StoreBatch(ctx context.Context, recs []*storage.Record) ([]string, error) {
	return storage.StoreEach(ctx, q, recs)
}

func (q *Adapter) RetrieveBatch(ctx context.Context, collection string, ids []string) ([]*storage.Record, error) {
	return storage.RetrieveEach(ctx, q, collection, ids)
}

func (q *Adapter) DeleteBatch(ctx context.Context, collection string, ids []string) (int, error) {
	return storage.DeleteEach(ctx, q, collection, ids)
}

func (q *Adapter) HealthCheck(ctx context.Context) storage.Health {
	start := time.Now()
	h := storage.Health{Backend: storage.BackendQdrant, Status: storage.StatusHealthy}

	client, err := q.handle("health")
	if err != nil {
		h.Status = storage.StatusUnhealthy
		h.Message = err.Error()
		return h
	}
	reply, err := client.HealthCheck(ctx)
	h.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		h.Status = storage.StatusUnhealthy
		h.Message = err.Error()
		return h
	}
	q.mu.Lock()
	collections := len(q.ensured)
	q.mu.Unlock()
	h.BackendMetrics = map[string]any{
		"version":     reply.GetVersion(),
		"collections": collections,
		"operations":  q.collector.Snapshot(),
	}
	return h
}
