// Package storage defines the backend-agnostic adapter contract shared by
// every memory tier, together with the error taxonomy and helpers that
// concrete backends use at their translation boundary.
package storage

import (
	"context"
	"encoding/json"
	"time"
)

// Backend tags the concrete implementation behind an Adapter.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendBadger   Backend = "badger"
	BackendRedis    Backend = "redis"
	BackendPostgres Backend = "postgres"
	BackendQdrant   Backend = "qdrant"
	BackendNeo4j    Backend = "neo4j"
)

// Record is the unit of storage exchanged with every adapter.
//
// Fields hold filterable attributes. Values are normalized to string,
// float64, bool or []string; timestamps are stored as Unix milliseconds
// (see Millis). Body carries the JSON-encoded entity owned by the tier.
type Record struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Fields     map[string]any  `json:"fields,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`

	// Text is indexed for full-text ranking by backends that support it.
	Text string `json:"text,omitempty"`

	// Vector is indexed for similarity search by vector backends.
	Vector []float32 `json:"vector,omitempty"`

	// Score is populated on search results (higher is better).
	Score float64 `json:"score,omitempty"`

	// Version is maintained by Versioned backends; zero means unversioned.
	Version int64 `json:"version,omitempty"`

	// ExpiresAt is the absolute expiry; zero means no expiry.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Fields != nil {
		c.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			if ss, ok := v.([]string); ok {
				v = append([]string(nil), ss...)
			}
			c.Fields[k] = v
		}
	}
	if r.Body != nil {
		c.Body = append(json.RawMessage(nil), r.Body...)
	}
	if r.Vector != nil {
		c.Vector = append([]float32(nil), r.Vector...)
	}
	return &c
}

// Op is a filter comparison operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpGte      Op = "gte"
	OpLte      Op = "lte"
	OpIn       Op = "in"       // field value is one of Value ([]string)
	OpContains Op = "contains" // []string field contains Value
	OpExists   Op = "exists"
	OpMissing  Op = "missing"
)

// Filter is one predicate over Record.Fields. Filters in a Query are ANDed.
type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value,omitempty"`
}

// Eq is shorthand for an equality filter.
func Eq(field string, value any) Filter { return Filter{Field: field, Op: OpEq, Value: value} }

// Gte is shorthand for a lower-bound filter.
func Gte(field string, value float64) Filter { return Filter{Field: field, Op: OpGte, Value: value} }

// Lte is shorthand for an upper-bound filter.
func Lte(field string, value float64) Filter { return Filter{Field: field, Op: OpLte, Value: value} }

// Query describes a search. Text and Vector are optional; a query with
// neither is a pure filter scan.
type Query struct {
	Collection string    `json:"collection"`
	Filters    []Filter  `json:"filters,omitempty"`
	Text       string    `json:"text,omitempty"`
	Vector     []float32 `json:"vector,omitempty"`
	OrderBy    string    `json:"order_by,omitempty"`
	Descending bool      `json:"descending,omitempty"`
	Limit      int       `json:"limit,omitempty"`
}

// Adapter is the capability set every concrete backend implements.
// Implementations must translate backend failures into *Error values.
type Adapter interface {
	// Backend returns the implementation tag.
	Backend() Backend

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Store upserts a record and returns its id.
	Store(ctx context.Context, rec *Record) (string, error)

	// Retrieve returns a KindNotFound error when the record is absent or expired.
	Retrieve(ctx context.Context, collection, id string) (*Record, error)

	Search(ctx context.Context, q Query) ([]*Record, error)

	// Delete reports whether a record was removed. Deleting an absent id is not an error.
	Delete(ctx context.Context, collection, id string) (bool, error)

	StoreBatch(ctx context.Context, recs []*Record) ([]string, error)

	// RetrieveBatch skips ids that are absent.
	RetrieveBatch(ctx context.Context, collection string, ids []string) ([]*Record, error)

	DeleteBatch(ctx context.Context, collection string, ids []string) (int, error)

	// HealthCheck never returns an error; unreachable backends report StatusUnhealthy.
	HealthCheck(ctx context.Context) Health
}

// ListStore is implemented by backends with a native capped list, used for
// the active-context turn window.
type ListStore interface {
	// Push prepends rec to the list at key, trims it to window entries and
	// refreshes the key TTL.
	Push(ctx context.Context, key string, rec *Record, window int, ttl time.Duration) error

	// Range returns up to limit records, newest first. limit <= 0 means all.
	Range(ctx context.Context, key string, limit int) ([]*Record, error)

	Clear(ctx context.Context, key string) error
}

// Versioned is implemented by backends that support optimistic concurrency.
type Versioned interface {
	// CompareAndSwap writes rec only if the stored version equals expected
	// (zero means the record must not exist yet). It returns the new
	// version, or ErrConflict.
	CompareAndSwap(ctx context.Context, rec *Record, expected int64) (int64, error)
}

// Edge links two records in a graph backend.
type Edge struct {
	FromCollection string         `json:"from_collection"`
	FromID         string         `json:"from_id"`
	Type           string         `json:"type"`
	ToCollection   string         `json:"to_collection"`
	ToID           string         `json:"to_id"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// GraphStore is implemented by graph backends. Free-form queries are not
// accepted; callers pick one of the whitelisted templates.
type GraphStore interface {
	Link(ctx context.Context, e Edge) error
	RunTemplate(ctx context.Context, name string, params map[string]any) ([]map[string]any, error)
}

// Status is the coarse health state of a backend.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Health is returned by HealthCheck.
type Health struct {
	Status         Status         `json:"status"`
	Backend        Backend        `json:"backend"`
	LatencyMS      float64        `json:"latency_ms"`
	Message        string         `json:"message,omitempty"`
	BackendMetrics map[string]any `json:"backend_metrics,omitempty"`
}

// Millis converts t to the Unix-millisecond representation used in Fields.
func Millis(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMilli())
}

// FromMillis is the inverse of Millis.
func FromMillis(ms float64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}
