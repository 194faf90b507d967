// Package neo4j provides a graph storage adapter on Neo4j.
//
// Collections map to node labels and records to nodes keyed by an id
// property. Edges and the whitelisted graph templates are executed as
// parameterized Cypher; labels and property names are validated before
// they are spliced into a statement.
package neo4j

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/goclaw/tiermem/pkg/storage"
)

// Reserved node properties.
const (
	propID        = "id"
	propBody      = "_body"
	propText      = "_text"
	propExpiresAt = "_expires_at"
	propVersion   = "_version"
)

// Config holds driver settings.
type Config struct {
	URI      string
	Username string
	Password string
	Database string

	MaxConnectionPoolSize int
	ConnectionTimeout     time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URI:                   "neo4j://localhost:7687",
		Username:              "neo4j",
		Database:              "neo4j",
		MaxConnectionPoolSize: 50,
		ConnectionTimeout:     5 * time.Second,
	}
}

// Adapter implements storage.Adapter and storage.GraphStore on Neo4j.
type Adapter struct {
	config    Config
	mu        sync.RWMutex
	driver    neo4j.DriverWithContext
	collector *storage.Collector
}

// New creates an adapter. The driver is created by Connect.
func New(name string, config Config) *Adapter {
	return &Adapter{
		config:    config,
		collector: storage.NewCollector(storage.BackendNeo4j, name),
	}
}

// Collector exposes the adapter's metrics collector.
func (n *Adapter) Collector() *storage.Collector { return n.collector }

func (n *Adapter) Backend() storage.Backend { return storage.BackendNeo4j }

func (n *Adapter) Connect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.driver != nil {
		return nil
	}

	auth := neo4j.BasicAuth(n.config.Username, n.config.Password, "")
	driver, err := neo4j.NewDriverWithContext(n.config.URI, auth, func(c *neo4j.Config) {
		if n.config.MaxConnectionPoolSize > 0 {
			c.MaxConnectionPoolSize = n.config.MaxConnectionPoolSize
		}
		if n.config.ConnectionTimeout > 0 {
			c.ConnectionAcquisitionTimeout = n.config.ConnectionTimeout
		}
	})
	if err != nil {
		return storage.Wrap(storage.BackendNeo4j, "connect", storage.KindConnection, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return storage.Classify(storage.BackendNeo4j, "connect", err, storage.KindConnection)
	}

	for _, label := range []string{storage.LabelEpisode, storage.LabelEntity} {
		cypher := fmt.Sprintf("CREATE CONSTRAINT %s_id IF NOT EXISTS FOR (n:%s) REQUIRE n.id IS UNIQUE",
			strings.ToLower(label), label)
		if _, err := neo4j.ExecuteQuery(ctx, driver, cypher, nil, neo4j.EagerResultTransformer,
			neo4j.ExecuteQueryWithDatabase(n.config.Database)); err != nil {
			_ = driver.Close(ctx)
			return storage.Classify(storage.BackendNeo4j, "connect", err, storage.KindQuery)
		}
	}

	n.driver = driver
	return nil
}

func (n *Adapter) Disconnect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.driver == nil {
		return nil
	}
	err := n.driver.Close(ctx)
	n.driver = nil
	return storage.Wrap(storage.BackendNeo4j, "disconnect", storage.KindConnection, err)
}

func (n *Adapter) classify(op string, err error, fallback storage.Kind) error {
	if neo4j.IsConnectivityError(err) {
		return storage.Wrap(storage.BackendNeo4j, op, storage.KindConnection, err)
	}
	return storage.Classify(storage.BackendNeo4j, op, err, fallback)
}

// run executes a statement and returns its rows as maps.
func (n *Adapter) run(ctx context.Context, op, cypher string, params map[string]any, read bool) ([]map[string]any, error) {
	n.mu.RLock()
	driver := n.driver
	n.mu.RUnlock()
	if driver == nil {
		return nil, storage.NotConnected(storage.BackendNeo4j, op)
	}

	opts := []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithDatabase(n.config.Database)}
	if read {
		opts = append(opts, neo4j.ExecuteQueryWithReadersRouting())
	}
	result, err := neo4j.ExecuteQuery(ctx, driver, cypher, params, neo4j.EagerResultTransformer, opts...)
	if err != nil {
		return nil, n.classify(op, err, storage.KindQuery)
	}
	rows := make([]map[string]any, len(result.Records))
	for i, rec := range result.Records {
		rows[i] = rec.AsMap()
	}
	return rows, nil
}

func checkLabel(op, label string) error {
	if !storage.ValidIdent(label) {
		return storage.Wrap(storage.BackendNeo4j, op, storage.KindData, fmt.Errorf("invalid label %q", label))
	}
	return nil
}

// toProps flattens a record into node properties.
func toProps(rec *storage.Record) (map[string]any, error) {
	p := make(map[string]any, len(rec.Fields)+5)
	for k, v := range rec.Fields {
		if !storage.ValidIdent(k) || strings.HasPrefix(k, "_") || k == propID {
			return nil, fmt.Errorf("invalid property name %q", k)
		}
		switch val := v.(type) {
		case string, bool, float64:
			p[k] = val
		case []string:
			list := make([]any, len(val))
			for i, s := range val {
				list[i] = s
			}
			p[k] = list
		case []any:
			p[k] = toAnyList(storage.Strings(val))
		default:
			f, ok := storage.Float(val)
			if !ok {
				return nil, fmt.Errorf("property %s has unsupported type %T", k, v)
			}
			p[k] = f
		}
	}
	p[propID] = rec.ID
	if len(rec.Body) > 0 {
		p[propBody] = string(rec.Body)
	}
	if rec.Text != "" {
		p[propText] = rec.Text
	}
	if !rec.ExpiresAt.IsZero() {
		p[propExpiresAt] = rec.ExpiresAt.UnixMilli()
	}
	return p, nil
}

// fromProps rebuilds a record from node properties.
func fromProps(collection string, props map[string]any) *storage.Record {
	rec := &storage.Record{Collection: collection, Fields: make(map[string]any, len(props))}
	for k, v := range props {
		switch k {
		case propID:
			rec.ID, _ = v.(string)
		case propBody:
			s, _ := v.(string)
			rec.Body = []byte(s)
		case propText:
			rec.Text, _ = v.(string)
		case propExpiresAt:
			if ms, ok := v.(int64); ok {
				rec.ExpiresAt = time.UnixMilli(ms).UTC()
			}
		case propVersion:
			rec.Version, _ = v.(int64)
		default:
			switch val := v.(type) {
			case []any:
				rec.Fields[k] = storage.Strings(val)
			case int64:
				rec.Fields[k] = float64(val)
			default:
				rec.Fields[k] = val
			}
		}
	}
	return rec
}

const liveClause = "(n._expires_at IS NULL OR n._expires_at > $now)"

func (n *Adapter) Store(ctx context.Context, rec *storage.Record) (id string, err error) {
	defer func(start time.Time) { n.collector.Observe("store", start, err) }(time.Now())

	if rec.ID == "" {
		return "", storage.Wrap(storage.BackendNeo4j, "store", storage.KindData, errors.New("record id is required"))
	}
	if err := checkLabel("store", rec.Collection); err != nil {
		return "", err
	}
	props, err := toProps(rec)
	if err != nil {
		return "", storage.Wrap(storage.BackendNeo4j, "store", storage.KindData, err)
	}

	cypher := fmt.Sprintf(`MERGE (n:%s {id: $id})
WITH n, coalesce(n._version, 0) AS prev
SET n = $props, n._version = prev + 1
RETURN n._version AS version`, rec.Collection)
	if _, err := n.run(ctx, "store", cypher, map[string]any{"id": rec.ID, "props": props}, false); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (n *Adapter) Retrieve(ctx context.Context, collection, id string) (rec *storage.Record, err error) {
	defer func(start time.Time) { n.collector.Observe("retrieve", start, err) }(time.Now())

	if err := checkLabel("retrieve", collection); err != nil {
		return nil, err
	}
	cypher := fmt.Sprintf("MATCH (n:%s {id: $id}) WHERE %s RETURN properties(n) AS props", collection, liveClause)
	rows, err := n.run(ctx, "retrieve", cypher, map[string]any{"id": id, "now": time.Now().UnixMilli()}, true)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, storage.NotFound(storage.BackendNeo4j, "retrieve", collection, id)
	}
	props, _ := rows[0]["props"].(map[string]any)
	return fromProps(collection, props), nil
}

// buildWhere translates filters into a Cypher predicate over node n.
func buildWhere(filters []storage.Filter, params map[string]any) string {
	conds := []string{liveClause}
	for i, f := range filters {
		p := fmt.Sprintf("p%d", i)
		prop := "n." + f.Field
		switch f.Op {
		case storage.OpEq:
			conds = append(conds, fmt.Sprintf("%s = $%s", prop, p))
			params[p] = f.Value
		case storage.OpNe:
			conds = append(conds, fmt.Sprintf("(%s IS NULL OR %s <> $%s)", prop, prop, p))
			params[p] = f.Value
		case storage.OpGte:
			conds = append(conds, fmt.Sprintf("%s >= $%s", prop, p))
			params[p], _ = storage.Float(f.Value)
		case storage.OpLte:
			conds = append(conds, fmt.Sprintf("%s <= $%s", prop, p))
			params[p], _ = storage.Float(f.Value)
		case storage.OpIn:
			conds = append(conds, fmt.Sprintf("%s IN $%s", prop, p))
			params[p] = toAnyList(storage.Strings(f.Value))
		case storage.OpContains:
			conds = append(conds, fmt.Sprintf("$%s IN coalesce(%s, [])", p, prop))
			params[p] = f.Value
		case storage.OpExists:
			conds = append(conds, prop+" IS NOT NULL")
		case storage.OpMissing:
			conds = append(conds, prop+" IS NULL")
		}
	}
	return strings.Join(conds, " AND ")
}

func toAnyList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Search evaluates filters in Cypher. Ranked queries are not supported.
func (n *Adapter) Search(ctx context.Context, q storage.Query) (out []*storage.Record, err error) {
	defer func(start time.Time) { n.collector.Observe("search", start, err) }(time.Now())

	if err := storage.ValidateQuery(q); err != nil {
		return nil, storage.Wrap(storage.BackendNeo4j, "search", storage.KindQuery, err)
	}
	if q.Text != "" || len(q.Vector) > 0 {
		return nil, storage.Wrap(storage.BackendNeo4j, "search", storage.KindQuery,
			errors.New("ranked search is not supported by the graph backend"))
	}
	if err := checkLabel("search", q.Collection); err != nil {
		return nil, err
	}

	params := map[string]any{"now": time.Now().UnixMilli()}
	cypher := fmt.Sprintf("MATCH (n:%s) WHERE %s RETURN properties(n) AS props ORDER BY n.id",
		q.Collection, buildWhere(q.Filters, params))
	rows, err := n.run(ctx, "search", cypher, params, true)
	if err != nil {
		return nil, err
	}
	out = make([]*storage.Record, 0, len(rows))
	for _, row := range rows {
		props, _ := row["props"].(map[string]any)
		out = append(out, fromProps(q.Collection, props))
	}
	if q.OrderBy != "" {
		storage.SortRecords(out, q.OrderBy, q.Descending)
	}
	return storage.Limit(out, q.Limit), nil
}

func (n *Adapter) Delete(ctx context.Context, collection, id string) (deleted bool, err error) {
	defer func(start time.Time) { n.collector.Observe("delete", start, err) }(time.Now())

	if err := checkLabel("delete", collection); err != nil {
		return false, err
	}
	cypher := fmt.Sprintf("MATCH (n:%s {id: $id}) WHERE %s DETACH DELETE n RETURN count(*) AS deleted", collection, liveClause)
	rows, err := n.run(ctx, "delete", cypher, map[string]any{"id": id, "now": time.Now().UnixMilli()}, false)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	c, _ := rows[0]["deleted"].(int64)
	return c > 0, nil
}

func (n *Adapter) StoreBatch(ctx context.Context, recs []*storage.Record) ([]string, error) {
	return storage.StoreEach(ctx, n, recs)
}

func (n *Adapter) RetrieveBatch(ctx context.Context, collection string, ids []string) ([]*storage.Record, error) {
	return storage.RetrieveEach(ctx, n, collection, ids)
}

func (n *Adapter) DeleteBatch(ctx context.Context, collection string, ids []string) (int, error) {
	return storage.DeleteEach(ctx, n, collection, ids)
}

// Link implements storage.GraphStore. Endpoints are merged so linking
// before the nodes are stored is allowed.
func (n *Adapter) Link(ctx context.Context, e storage.Edge) (err error) {
	defer func(start time.Time) { n.collector.Observe("link", start, err) }(time.Now())

	for _, ident := range []string{e.FromCollection, e.Type, e.ToCollection} {
		if err := checkLabel("link", ident); err != nil {
			return err
		}
	}
	props := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		if !storage.ValidIdent(k) {
			return storage.Wrap(storage.BackendNeo4j, "link", storage.KindData, fmt.Errorf("invalid property name %q", k))
		}
		props[k] = v
	}

	cypher := fmt.Sprintf(`MERGE (a:%s {id: $from})
MERGE (b:%s {id: $to})
MERGE (a)-[r:%s]->(b)
SET r += $props`, e.FromCollection, e.ToCollection, e.Type)
	_, err = n.run(ctx, "link", cypher, map[string]any{"from": e.FromID, "to": e.ToID, "props": props}, false)
	return err
}

var templates = map[string]string{
	storage.TemplateEpisodesByEntity: `MATCH (n:Episode)-[:MENTIONS]->(:Entity {id: $entity})
WHERE n._version IS NOT NULL AND ` + liveClause + `
RETURN n.id AS id
ORDER BY n.time_window_start DESC, n.id
LIMIT $limit`,

	storage.TemplateEntitiesForEpisode: `MATCH (:Episode {id: $episode_id})-[:MENTIONS]->(x:Entity)
RETURN x.id AS id, x.name AS name, x.type AS type
ORDER BY id`,

	storage.TemplateEpisodesValidAt: `MATCH (n:Episode)
WHERE n._version IS NOT NULL AND ` + liveClause + `
  AND n.fact_valid_from <= $at
  AND (n.fact_valid_to IS NULL OR n.fact_valid_to = 0 OR n.fact_valid_to >= $at)
  AND ($session_id IS NULL OR n.session_id = $session_id)
RETURN n.id AS id
ORDER BY n.time_window_start DESC, n.id
LIMIT $limit`,

	storage.TemplateRelatedEpisodes: `MATCH (:Episode {id: $episode_id})-[:MENTIONS]->(x:Entity)<-[:MENTIONS]-(o:Episode)
WHERE o.id <> $episode_id
RETURN o.id AS id, count(DISTINCT x) AS shared
ORDER BY shared DESC, id
LIMIT $limit`,
}

var templateLimits = map[string]int{
	storage.TemplateEpisodesByEntity: 50,
	storage.TemplateEpisodesValidAt:  50,
	storage.TemplateRelatedEpisodes:  10,
}

// templateParams normalizes caller params for a template.
func templateParams(name string, params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+2)
	for k, v := range params {
		out[k] = v
	}
	if def, ok := templateLimits[name]; ok {
		out["limit"] = int64(storage.IntParam(params, "limit", def))
	}
	if name == storage.TemplateEpisodesValidAt {
		at, _ := storage.Float(params["at"])
		out["at"] = at
		if s, _ := params["session_id"].(string); s == "" {
			out["session_id"] = nil
		}
	}
	out["now"] = time.Now().UnixMilli()
	return out
}

// RunTemplate implements storage.GraphStore.
func (n *Adapter) RunTemplate(ctx context.Context, name string, params map[string]any) (rows []map[string]any, err error) {
	defer func(start time.Time) { n.collector.Observe("template", start, err) }(time.Now())

	if err := storage.CheckTemplate(name, params); err != nil {
		return nil, storage.Wrap(storage.BackendNeo4j, "template", storage.KindQuery, err)
	}
	rows, err = n.run(ctx, "template", templates[name], templateParams(name, params), true)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		for k, v := range row {
			if i, ok := v.(int64); ok {
				row[k] = float64(i)
			}
		}
	}
	return rows, nil
}

func (n *Adapter) HealthCheck(ctx context.Context) storage.Health {
	start := time.Now()
	h := storage.Health{Backend: storage.BackendNeo4j, Status: storage.StatusHealthy}

	n.mu.RLock()
	driver := n.driver
	n.mu.RUnlock()
	if driver == nil {
		h.Status = storage.StatusUnhealthy
		h.Message = "driver not connected"
		return h
	}

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(healthCtx); err != nil {
		h.Status = storage.StatusUnhealthy
		h.Message = fmt.Sprintf("connectivity check failed: %v", err)
		return h
	}
	h.LatencyMS = float64(time.Since(start).Microseconds()) / 1000

	metrics := map[string]any{"operations": n.collector.Snapshot()}
	if rows, err := n.run(ctx, "health", "MATCH (n) RETURN count(n) AS nodes", nil, true); err == nil && len(rows) == 1 {
		metrics["nodes"] = rows[0]["nodes"]
	} else if err != nil {
		h.Status = storage.StatusDegraded
		h.Message = err.Error()
	}
	h.BackendMetrics = metrics
	return h
}
