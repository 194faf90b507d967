package tier

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goclaw/tiermem/pkg/storage"
)

// GraphAdapter is a backend with graph capabilities.
type GraphAdapter interface {
	storage.Adapter
	storage.GraphStore
}

// EpisodeInput is everything L3 needs to index one episode.
type EpisodeInput struct {
	Episode       Episode
	Embedding     []float32
	Entities      []Entity
	Relationships []Relationship
}

// ScoredEpisode is a similarity search hit.
type ScoredEpisode struct {
	Episode
	Score float64 `json:"score"`
}

// EpisodeQuery filters L3 episodes. Zero values do not filter.
type EpisodeQuery struct {
	SessionID     string
	MinImportance float64
	Since         time.Time
	Limit         int
}

// ReconcileResult counts orphans removed by Reconcile.
type ReconcileResult struct {
	Checked       int `json:"checked"`
	VectorOrphans int `json:"vector_orphans"`
	GraphOrphans  int `json:"graph_orphans"`
	Unrecoverable int `json:"unrecoverable"`
	// Skipped counts one-sided episodes still inside the reconcile grace.
	Skipped int `json:"skipped"`
}

// namespaceEpisode seeds deterministic episode ids.
var namespaceEpisode = uuid.MustParse("5d0c3a8e-4f0b-4b1e-9a43-6e1f3f2c7a10")

// EpisodeIDFor derives a stable episode id from its source facts, so a
// retried consolidation overwrites instead of duplicating.
func EpisodeIDFor(sessionID string, factIDs []string) string {
	ids := append([]string(nil), factIDs...)
	sort.Strings(ids)
	return uuid.NewSHA1(namespaceEpisode, []byte(sessionID+"|"+strings.Join(ids, ","))).String()
}

// EpisodicMemoryConfig configures L3.
type EpisodicMemoryConfig struct {
	// ReconcileGrace protects episodes younger than this from Reconcile, so
	// a dual write in flight in another process is not mistaken for an
	// orphan. Zero checks every episode.
	ReconcileGrace time.Duration `mapstructure:"reconcile_grace" validate:"min=0"`
}

// DefaultEpisodicMemoryConfig returns a five minute reconcile grace.
func DefaultEpisodicMemoryConfig() EpisodicMemoryConfig {
	return EpisodicMemoryConfig{ReconcileGrace: 5 * time.Minute}
}

// EpisodicMemory is the L3 tier. Each episode is dual-indexed: a vector
// point carrying the episode payload and a bi-temporal graph node with
// MENTIONS edges to its entities. Each side stores the other's key.
type EpisodicMemory struct {
	base
	vectors storage.Adapter
	graph   GraphAdapter
	config  EpisodicMemoryConfig

	// writes is held shared by dual writes and exclusively by Reconcile.
	writes sync.RWMutex
}

// NewEpisodicMemory creates L3.
func NewEpisodicMemory(vectors storage.Adapter, graph GraphAdapter, cfg EpisodicMemoryConfig, opts ...Option) *EpisodicMemory {
	return &EpisodicMemory{
		base: newBase(L3, []backend{
			{name: "vector", adapter: vectors},
			{name: "graph", adapter: graph},
		}, opts),
		vectors: vectors,
		graph:   graph,
		config:  cfg,
	}
}

func (m *EpisodicMemory) validate(in *EpisodeInput) error {
	e := &in.Episode
	if e.SessionID == "" {
		return invalid(L3, "session_id", "required")
	}
	if len(e.SourceFactIDs) == 0 {
		return invalid(L3, "source_fact_ids", "required")
	}
	if e.FactCount == 0 {
		e.FactCount = len(e.SourceFactIDs)
	}
	if e.FactCount != len(e.SourceFactIDs) {
		return invalid(L3, "fact_count", "%d does not match %d source facts", e.FactCount, len(e.SourceFactIDs))
	}
	if e.TimeWindowEnd.Before(e.TimeWindowStart) {
		return invalid(L3, "time_window", "end %s before start %s", e.TimeWindowEnd, e.TimeWindowStart)
	}
	if e.FactValidTo != nil && e.FactValidTo.Before(e.FactValidFrom) {
		return invalid(L3, "fact_valid_to", "before fact_valid_from")
	}
	if len(in.Embedding) == 0 {
		return invalid(L3, "embedding", "required")
	}
	return nil
}

// Store dual-writes an episode and returns its id. Both sides are always
// attempted; a failure on either is reported as a *DualWriteError and the
// successful side is left in place for Reconcile or a retry.
func (m *EpisodicMemory) Store(ctx context.Context, in EpisodeInput) (id string, err error) {
	defer func(start time.Time) { m.observe("store", start, err) }(time.Now())

	if err := m.validate(&in); err != nil {
		return "", err
	}
	e := in.Episode
	if e.EpisodeID == "" {
		e.EpisodeID = EpisodeIDFor(e.SessionID, e.SourceFactIDs)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	if e.FactValidFrom.IsZero() {
		e.FactValidFrom = e.TimeWindowStart
	}
	e.VectorID = e.EpisodeID
	e.Relationships = append(e.Relationships, in.Relationships...)
	for _, ent := range in.Entities {
		if !containsFold(e.Entities, ent.Name) {
			e.Entities = append(e.Entities, ent.Name)
		}
	}

	body, err := encodeBody(&e)
	if err != nil {
		return "", err
	}

	m.writes.RLock()
	defer m.writes.RUnlock()
	vectorErr := m.storeVector(ctx, &e, body, in.Embedding)
	graphErr := m.storeGraph(ctx, &e, body, in.Entities)
	if vectorErr != nil || graphErr != nil {
		dw := &DualWriteError{Op: "store", EpisodeID: e.EpisodeID, VectorErr: vectorErr, GraphErr: graphErr}
		m.logger.ErrorContext(ctx, "episode dual write incomplete",
			"episode_id", e.EpisodeID, "vector_ok", dw.VectorOK(), "graph_ok", dw.GraphOK())
		return e.EpisodeID, dw
	}
	return e.EpisodeID, nil
}

func (m *EpisodicMemory) storeVector(ctx context.Context, e *Episode, body []byte, embedding []float32) error {
	_, err := m.vectors.Store(ctx, &storage.Record{
		ID:         e.VectorID,
		Collection: CollectionEpisodes,
		Fields:     episodeFields(e),
		Body:       body,
		Text:       e.Summary,
		Vector:     embedding,
	})
	return err
}

func (m *EpisodicMemory) storeGraph(ctx context.Context, e *Episode, body []byte, entities []Entity) error {
	if _, err := m.graph.Store(ctx, &storage.Record{
		ID:         e.EpisodeID,
		Collection: storage.LabelEpisode,
		Fields:     episodeFields(e),
		Body:       body,
		Text:       e.Summary,
	}); err != nil {
		return err
	}

	types := make(map[string]string, len(entities))
	for _, ent := range entities {
		types[EntityID(ent.Name)] = ent.Type
	}
	for _, name := range e.Entities {
		eid := EntityID(name)
		if eid == "" {
			continue
		}
		fields := map[string]any{"name": name}
		if t := types[eid]; t != "" {
			fields["type"] = t
		}
		if _, err := m.graph.Store(ctx, &storage.Record{ID: eid, Collection: storage.LabelEntity, Fields: fields}); err != nil {
			return err
		}
		if err := m.graph.Link(ctx, storage.Edge{
			FromCollection: storage.LabelEpisode,
			FromID:         e.EpisodeID,
			Type:           storage.RelMentions,
			ToCollection:   storage.LabelEntity,
			ToID:           eid,
			Fields:         map[string]any{"session_id": e.SessionID},
		}); err != nil {
			return err
		}
	}
	return nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Retrieve reads an episode from the graph store.
func (m *EpisodicMemory) Retrieve(ctx context.Context, id string) (e *Episode, err error) {
	defer func(start time.Time) { m.observe("retrieve", start, err) }(time.Now())

	rec, err := m.graph.Retrieve(ctx, storage.LabelEpisode, id)
	if err != nil {
		return nil, err
	}
	return episodeFromRecord(rec)
}

// SearchSimilar ranks episodes by embedding similarity.
func (m *EpisodicMemory) SearchSimilar(ctx context.Context, vector []float32, q EpisodeQuery) (hits []ScoredEpisode, err error) {
	defer func(start time.Time) { m.observe("search_similar", start, err) }(time.Now())

	if len(vector) == 0 {
		return nil, invalid(L3, "vector", "required")
	}
	recs, err := m.vectors.Search(ctx, storage.Query{
		Collection: CollectionEpisodes,
		Filters:    episodeFilters(q),
		Vector:     vector,
		Limit:      q.Limit,
	})
	if err != nil {
		return nil, err
	}
	hits = make([]ScoredEpisode, 0, len(recs))
	for _, rec := range recs {
		e, err := episodeFromRecord(rec)
		if err != nil {
			return nil, err
		}
		hits = append(hits, ScoredEpisode{Episode: *e, Score: rec.Score})
	}
	return hits, nil
}

func episodeFilters(q EpisodeQuery) []storage.Filter {
	var filters []storage.Filter
	if q.SessionID != "" {
		filters = append(filters, storage.Eq("session_id", q.SessionID))
	}
	if q.MinImportance > 0 {
		filters = append(filters, storage.Gte("importance", q.MinImportance))
	}
	if !q.Since.IsZero() {
		filters = append(filters, storage.Gte("time_window_start", storage.Millis(q.Since)))
	}
	return filters
}

// Query lists episodes from the graph store, newest window first.
func (m *EpisodicMemory) Query(ctx context.Context, q EpisodeQuery) (eps []Episode, err error) {
	defer func(start time.Time) { m.observe("query", start, err) }(time.Now())

	recs, err := m.graph.Search(ctx, storage.Query{
		Collection: storage.LabelEpisode,
		Filters:    episodeFilters(q),
		OrderBy:    "time_window_start",
		Descending: true,
		Limit:      q.Limit,
	})
	if err != nil {
		return nil, err
	}
	return decodeEpisodes(recs)
}

func decodeEpisodes(recs []*storage.Record) ([]Episode, error) {
	eps := make([]Episode, 0, len(recs))
	for _, rec := range recs {
		e, err := episodeFromRecord(rec)
		if err != nil {
			return nil, err
		}
		eps = append(eps, *e)
	}
	return eps, nil
}

// QueryGraph runs a whitelisted graph template.
func (m *EpisodicMemory) QueryGraph(ctx context.Context, template string, params map[string]any) (rows []map[string]any, err error) {
	defer func(start time.Time) { m.observe("query_graph", start, err) }(time.Now())

	if err := storage.CheckTemplate(template, params); err != nil {
		return nil, storage.Wrap(m.graph.Backend(), "template", storage.KindQuery, err)
	}
	return m.graph.RunTemplate(ctx, template, params)
}

// QueryTemporal returns the episodes whose validity interval contains at.
// An empty sessionID searches every session.
func (m *EpisodicMemory) QueryTemporal(ctx context.Context, at time.Time, sessionID string, limit int) (eps []Episode, err error) {
	defer func(start time.Time) { m.observe("query_temporal", start, err) }(time.Now())

	params := map[string]any{"at": storage.Millis(at)}
	if sessionID != "" {
		params["session_id"] = sessionID
	}
	if limit > 0 {
		params["limit"] = float64(limit)
	}
	rows, err := m.graph.RunTemplate(ctx, storage.TemplateEpisodesValidAt, params)
	if err != nil {
		return nil, err
	}
	return m.episodesFromRows(ctx, rows)
}

// Related returns episodes sharing entities with id, most shared first.
func (m *EpisodicMemory) Related(ctx context.Context, id string, limit int) ([]Episode, error) {
	params := map[string]any{"episode_id": id}
	if limit > 0 {
		params["limit"] = float64(limit)
	}
	rows, err := m.QueryGraph(ctx, storage.TemplateRelatedEpisodes, params)
	if err != nil {
		return nil, err
	}
	return m.episodesFromRows(ctx, rows)
}

func (m *EpisodicMemory) episodesFromRows(ctx context.Context, rows []map[string]any) ([]Episode, error) {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if id, ok := row["id"].(string); ok {
			ids = append(ids, id)
		}
	}
	recs, err := m.graph.RetrieveBatch(ctx, storage.LabelEpisode, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*storage.Record, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec
	}
	ordered := make([]*storage.Record, 0, len(recs))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			ordered = append(ordered, rec)
		}
	}
	return decodeEpisodes(ordered)
}

// Delete removes both representations. Deleting an absent episode is not
// an error; a failure on either side is a *DualWriteError.
func (m *EpisodicMemory) Delete(ctx context.Context, id string) (found bool, err error) {
	defer func(start time.Time) { m.observe("delete", start, err) }(time.Now())

	vectorID := id
	if rec, err := m.graph.Retrieve(ctx, storage.LabelEpisode, id); err == nil {
		if vid, ok := rec.Fields["vector_id"].(string); ok && vid != "" {
			vectorID = vid
		}
	}
	vFound, vectorErr := m.vectors.Delete(ctx, CollectionEpisodes, vectorID)
	gFound, graphErr := m.graph.Delete(ctx, storage.LabelEpisode, id)
	if vectorErr != nil || graphErr != nil {
		return vFound || gFound, &DualWriteError{Op: "delete", EpisodeID: id, VectorErr: vectorErr, GraphErr: graphErr}
	}
	return vFound || gFound, nil
}

// Reconcile removes episodes present on only one side, left behind by a
// partial dual write or delete. It is idempotent. An empty sessionID
// sweeps every session. Dual writes in this process wait for the sweep,
// and episodes younger than ReconcileGrace are skipped.
func (m *EpisodicMemory) Reconcile(ctx context.Context, sessionID string) (res ReconcileResult, err error) {
	defer func(start time.Time) { m.observe("reconcile", start, err) }(time.Now())

	m.writes.Lock()
	defer m.writes.Unlock()

	var filters []storage.Filter
	if sessionID != "" {
		filters = append(filters, storage.Eq("session_id", sessionID))
	}
	graphRecs, err := m.graph.Search(ctx, storage.Query{Collection: storage.LabelEpisode, Filters: filters})
	if err != nil {
		return res, err
	}
	vectorRecs, err := m.vectors.Search(ctx, storage.Query{Collection: CollectionEpisodes, Filters: filters})
	if err != nil {
		return res, err
	}

	var cutoff time.Time
	if m.config.ReconcileGrace > 0 {
		cutoff = m.now().Add(-m.config.ReconcileGrace)
	}
	settled := func(rec *storage.Record) bool {
		created, ok := fieldTime(rec.Fields, "created_at")
		return cutoff.IsZero() || !ok || !created.After(cutoff)
	}

	vectorKeys := make(map[string]struct{}, len(vectorRecs))
	for _, rec := range vectorRecs {
		vectorKeys[rec.ID] = struct{}{}
	}
	graphKeys := make(map[string]struct{}, len(graphRecs))
	for _, rec := range graphRecs {
		vid, _ := rec.Fields["vector_id"].(string)
		if vid == "" {
			vid = rec.ID
		}
		graphKeys[vid] = struct{}{}
	}

	var errs []error
	for _, rec := range graphRecs {
		res.Checked++
		vid, _ := rec.Fields["vector_id"].(string)
		if vid == "" {
			vid = rec.ID
		}
		if _, ok := vectorKeys[vid]; ok {
			continue
		}
		if !settled(rec) {
			res.Skipped++
			continue
		}
		// A paged or capped search can miss a live point; confirm by key.
		if present, err := exists(m.vectors.Retrieve(ctx, CollectionEpisodes, vid)); err != nil || present {
			if err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if _, err := m.graph.Delete(ctx, storage.LabelEpisode, rec.ID); err != nil {
			errs = append(errs, err)
			res.Unrecoverable++
			continue
		}
		res.GraphOrphans++
		m.logger.WarnContext(ctx, "removed graph-only episode", "episode_id", rec.ID)
	}
	for _, rec := range vectorRecs {
		if _, ok := graphKeys[rec.ID]; ok {
			continue
		}
		res.Checked++
		if !settled(rec) {
			res.Skipped++
			continue
		}
		episodeID, _ := rec.Fields["episode_id"].(string)
		if episodeID == "" {
			episodeID = rec.ID
		}
		if present, err := exists(m.graph.Retrieve(ctx, storage.LabelEpisode, episodeID)); err != nil || present {
			if err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if _, err := m.vectors.Delete(ctx, CollectionEpisodes, rec.ID); err != nil {
			errs = append(errs, err)
			res.Unrecoverable++
			continue
		}
		res.VectorOrphans++
		m.logger.WarnContext(ctx, "removed vector-only episode", "episode_id", rec.ID)
	}
	return res, errors.Join(errs...)
}

// exists turns a Retrieve result into presence. Not-found is not an error.
func exists(_ *storage.Record, err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case storage.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// CountSession counts a session's episodes in the graph store.
func (m *EpisodicMemory) CountSession(ctx context.Context, sessionID string) (int, error) {
	eps, err := m.Query(ctx, EpisodeQuery{SessionID: sessionID})
	if err != nil {
		return 0, err
	}
	return len(eps), nil
}
